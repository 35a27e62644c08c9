package nets

import (
	"testing"

	"go.viam.com/test"

	"github.com/endovislab/sfmtrain/ml"
)

func TestStaticForwardShapes(t *testing.T) {
	scales := []int{0, 1, 2}
	e := NewStaticEnsemble(scales)
	test.That(t, e.Validate(), test.ShouldBeNil)

	color := ml.Zeros(2, 3, 32, 64)

	disps, err := e.Depth.Forward(color)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(disps), test.ShouldEqual, len(scales))
	for i, s := range scales {
		shape := disps[i].Shape()
		test.That(t, shape[0], test.ShouldEqual, 2)
		test.That(t, shape[1], test.ShouldEqual, 1)
		test.That(t, shape[2], test.ShouldEqual, 32>>s)
		test.That(t, shape[3], test.ShouldEqual, 64>>s)
		data := ml.Data(disps[i])
		test.That(t, data[0], test.ShouldEqual, float32(0.5))
	}

	flows, err := e.Flow.Forward(color, color)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(flows), test.ShouldEqual, len(scales))
	test.That(t, flows[0].Shape()[1], test.ShouldEqual, 2)

	bright, err := e.Transform.Forward(color, color)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bright[0].Shape()[1], test.ShouldEqual, 3)

	aa, tr, err := e.Pose.Forward(color, color)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, aa.Shape()[0], test.ShouldEqual, 2)
	test.That(t, aa.Shape()[1], test.ShouldEqual, 3)
	test.That(t, tr.Shape()[1], test.ShouldEqual, 3)

	mismatched := ml.Zeros(2, 3, 16, 64)
	_, err = e.Flow.Forward(color, mismatched)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEnsembleValidate(t *testing.T) {
	e := NewStaticEnsemble([]int{0})
	e.Flow = nil
	test.That(t, e.Validate(), test.ShouldNotBeNil)
}

func TestEnsembleParametersAndGrads(t *testing.T) {
	e := NewStaticEnsemble([]int{0, 1})
	params := e.Parameters()
	// one bias per depth/flow/transform net plus two for the pose net
	test.That(t, len(params), test.ShouldEqual, 5)

	for _, p := range params {
		grad := ml.Data(p.Grad)
		for i := range grad {
			grad[i] = 1
		}
	}
	e.ZeroGrad()
	for _, p := range params {
		for _, g := range ml.Data(p.Grad) {
			test.That(t, g, test.ShouldEqual, float32(0))
		}
	}

	test.That(t, e.Backward(1.5), test.ShouldBeNil)
}

func TestMergeStateDict(t *testing.T) {
	current := StateDict{
		"a": ml.Zeros(2),
		"b": ml.Zeros(3),
	}
	saved := StateDict{
		"a": ml.Full(7, 2),
		"b": ml.Full(9, 4), // shape mismatch, must be skipped
		"c": ml.Full(1, 1), // unknown key, must be skipped
	}
	merged := MergeStateDict(current, saved)
	test.That(t, merged, test.ShouldEqual, 1)
	test.That(t, ml.Data(current["a"])[0], test.ShouldEqual, float32(7))
	test.That(t, ml.Data(current["b"])[0], test.ShouldEqual, float32(0))
}

func TestEnsembleStateRoundTrip(t *testing.T) {
	src := NewStaticEnsemble([]int{0})
	for _, p := range src.Parameters() {
		data := ml.Data(p.Data)
		for i := range data {
			data[i] = 0.25
		}
	}
	states := src.StateDicts()
	test.That(t, len(states), test.ShouldEqual, 4)

	dst := NewStaticEnsemble([]int{0})
	merged := dst.LoadStateDicts(states)
	total := 0
	for _, n := range merged {
		total += n
	}
	test.That(t, total, test.ShouldEqual, 5)
	for _, p := range dst.Parameters() {
		test.That(t, ml.Data(p.Data)[0], test.ShouldEqual, float32(0.25))
	}

	// snapshots are copies, not views
	for _, sd := range states {
		for _, tns := range sd {
			data := ml.Data(tns)
			for i := range data {
				data[i] = -1
			}
		}
	}
	for _, p := range dst.Parameters() {
		test.That(t, ml.Data(p.Data)[0], test.ShouldEqual, float32(0.25))
	}
}
