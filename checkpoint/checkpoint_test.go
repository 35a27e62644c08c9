package checkpoint

import (
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/endovislab/sfmtrain/ml"
	"github.com/endovislab/sfmtrain/nets"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	states := map[string]nets.StateDict{
		"depth": {
			"disp_bias": ml.Full(0.25, 1),
		},
		"pose": {
			"axisangle_bias":   ml.Full(-1, 3),
			"translation_bias": ml.Full(0.5, 3),
		},
	}
	folder, err := Save(dir, 7, states)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, folder, test.ShouldEqual, filepath.Join(dir, "weights_7"))

	loaded, err := Load(folder)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(loaded), test.ShouldEqual, 2)
	test.That(t, ml.Data(loaded["depth"]["disp_bias"])[0], test.ShouldEqual, float32(0.25))

	tr := loaded["pose"]["translation_bias"]
	test.That(t, tr.Shape()[0], test.ShouldEqual, 3)
	for _, v := range ml.Data(tr) {
		test.That(t, v, test.ShouldEqual, float32(0.5))
	}
}

func TestLoadMissingFolder(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "no_such_folder"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLoadEmptyFolder(t *testing.T) {
	_, err := Load(t.TempDir())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEnsembleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := nets.NewStaticEnsemble([]int{0, 1})
	for _, p := range src.Parameters() {
		data := ml.Data(p.Data)
		for i := range data {
			data[i] = 0.125
		}
	}
	folder, err := Save(dir, 0, src.StateDicts())
	test.That(t, err, test.ShouldBeNil)

	loaded, err := Load(folder)
	test.That(t, err, test.ShouldBeNil)

	dst := nets.NewStaticEnsemble([]int{0, 1})
	merged := dst.LoadStateDicts(loaded)
	total := 0
	for _, n := range merged {
		total += n
	}
	test.That(t, total, test.ShouldEqual, 5)
	for _, p := range dst.Parameters() {
		for _, v := range ml.Data(p.Data) {
			test.That(t, v, test.ShouldEqual, float32(0.125))
		}
	}
}
