package trainer

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"
)

// smallOptions is a fast configuration for pipeline tests.
func smallOptions() *Options {
	opt := DefaultOptions()
	opt.Height = 64
	opt.Width = 96
	opt.Scales = []int{0, 1}
	opt.FrameIDs = []int{0, -1, 1}
	opt.BatchSize = 1
	opt.NumEpochs = 1
	opt.SaveFrequency = 1
	opt.LogFrequency = 2
	opt.PoseCrossCheck = false
	opt.Egomotion = nil
	return opt
}

func TestDefaultOptionsValid(t *testing.T) {
	test.That(t, DefaultOptions().Validate(), test.ShouldBeNil)
	test.That(t, smallOptions().Validate(), test.ShouldBeNil)
}

func TestOptionsValidateErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Options)
	}{
		{"height not divisible", func(o *Options) { o.Height = 100 }},
		{"width not divisible", func(o *Options) { o.Width = 100 }},
		{"no scales", func(o *Options) { o.Scales = nil }},
		{"scales missing full resolution", func(o *Options) { o.Scales = []int{1, 2} }},
		{"scale too coarse", func(o *Options) { o.Scales = []int{0, 6} }},
		{"no neighbors", func(o *Options) { o.FrameIDs = []int{0} }},
		{"reference frame not first", func(o *Options) { o.FrameIDs = []int{-1, 0, 1} }},
		{"zero batch", func(o *Options) { o.BatchSize = 0 }},
		{"bad depth range", func(o *Options) { o.MaxDepth = o.MinDepth }},
		{"zero learning rate", func(o *Options) { o.LearningRate = 0 }},
		{"zero epochs", func(o *Options) { o.NumEpochs = 0 }},
		{"even ncc window", func(o *Options) { o.NCCWindow = 8 }},
		{"zero occlusion threshold", func(o *Options) { o.OcclusionBackwardThreshold = 0 }},
		{"negative loss weight", func(o *Options) { o.DisparitySmoothness = -1 }},
		{"cross-check without config", func(o *Options) {
			o.PoseCrossCheck = true
			o.Egomotion = nil
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opt := smallOptions()
			tc.mutate(opt)
			test.That(t, opt.Validate(), test.ShouldNotBeNil)
		})
	}
}

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opt.json")
	body := `{"model_name":"run1","height":64,"width":96,"scales":[0,1],"batch_size":2,"pose_cross_check":false}`
	test.That(t, os.WriteFile(path, []byte(body), 0o644), test.ShouldBeNil)

	opt, err := LoadOptions(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, opt.ModelName, test.ShouldEqual, "run1")
	test.That(t, opt.Height, test.ShouldEqual, 64)
	test.That(t, opt.BatchSize, test.ShouldEqual, 2)
	// unset fields keep their defaults
	test.That(t, opt.LearningRate, test.ShouldAlmostEqual, 1e-4)
	test.That(t, opt.FrameIDs, test.ShouldResemble, []int{0, -1, 1})

	_, err = LoadOptions(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	bad := filepath.Join(dir, "bad.json")
	test.That(t, os.WriteFile(bad, []byte(`{"height":100}`), 0o644), test.ShouldBeNil)
	_, err = LoadOptions(bad)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSaveOptions(t *testing.T) {
	opt := smallOptions()
	opt.LogDir = t.TempDir()
	test.That(t, opt.SaveOptions(), test.ShouldBeNil)
	_, err := os.Stat(filepath.Join(opt.LogDir, opt.ModelName, "models", "opt.json"))
	test.That(t, err, test.ShouldBeNil)
}

func TestNeighbors(t *testing.T) {
	opt := smallOptions()
	test.That(t, opt.Neighbors(), test.ShouldResemble, []int{-1, 1})
}
