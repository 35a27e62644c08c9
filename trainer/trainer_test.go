package trainer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/endovislab/sfmtrain/metrics"
	"github.com/endovislab/sfmtrain/ml"
	"github.com/endovislab/sfmtrain/nets"
)

type probeLogger struct {
	calls   int
	lastVal *LossRecord
}

func (p *probeLogger) LogStep(epoch, step int, snap metrics.Snapshot, train, val *LossRecord) {
	p.calls++
	p.lastVal = val
}

func TestNewTrainerErrors(t *testing.T) {
	logger := golog.NewTestLogger(t)
	opt := smallOptions()
	ensemble := nets.NewStaticEnsemble(opt.Scales)

	_, err := New(opt, ensemble, nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	broken := nets.NewStaticEnsemble(opt.Scales)
	broken.Pose = nil
	_, err = New(opt, broken, NewSyntheticSource(opt, 1, 1), nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	bad := smallOptions()
	bad.Height = 100
	_, err = New(bad, ensemble, NewSyntheticSource(opt, 1, 1), nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTrainSmoke(t *testing.T) {
	opt := smallOptions()
	opt.LogDir = t.TempDir()
	ensemble := nets.NewStaticEnsemble(opt.Scales)
	probe := &probeLogger{}
	tr, err := New(opt, ensemble,
		NewSyntheticSource(opt, 1, 3),
		NewSyntheticSource(opt, 2, 1),
		golog.NewTestLogger(t),
		WithStepLogger(probe))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, tr.Train(context.Background()), test.ShouldBeNil)
	test.That(t, tr.Step(), test.ShouldEqual, 3)

	// one log at step 2, with a validation score from the val source
	test.That(t, probe.calls, test.ShouldEqual, 1)
	test.That(t, probe.lastVal, test.ShouldNotBeNil)

	modelDir := filepath.Join(opt.LogDir, opt.ModelName, "models")
	_, err = os.Stat(filepath.Join(modelDir, "opt.json"))
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(filepath.Join(modelDir, "weights_0"))
	test.That(t, err, test.ShouldBeNil)
}

func TestTrainContextCancel(t *testing.T) {
	opt := smallOptions()
	tr := newTestTrainer(t, opt)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, tr.Train(ctx), test.ShouldNotBeNil)
}

func TestValidateCyclesSource(t *testing.T) {
	opt := smallOptions()
	tr := newTestTrainer(t, opt) // val source yields one batch per pass
	ctx := context.Background()

	first, err := tr.validate(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, first, test.ShouldNotBeNil)

	// the second call hits EOF and must rewind transparently
	second, err := tr.validate(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second, test.ShouldNotBeNil)
	test.That(t, second.Total, test.ShouldAlmostEqual, first.Total, 1e-9)
}

func TestValidateWithoutSource(t *testing.T) {
	opt := smallOptions()
	opt.LogDir = t.TempDir()
	tr, err := New(opt, nets.NewStaticEnsemble(opt.Scales),
		NewSyntheticSource(opt, 1, 1), nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	rec, err := tr.validate(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec, test.ShouldBeNil)
}

func TestCheckpointRoundTrip(t *testing.T) {
	opt := smallOptions()
	src := newTestTrainer(t, opt)
	for _, p := range src.ensemble.Parameters() {
		data := ml.Data(p.Data)
		for i := range data {
			data[i] = 0.0625
		}
	}
	folder, err := src.saveCheckpoint()
	test.That(t, err, test.ShouldBeNil)

	dst := newTestTrainer(t, opt)
	test.That(t, dst.LoadCheckpoint(folder), test.ShouldBeNil)
	for _, p := range dst.ensemble.Parameters() {
		for _, v := range ml.Data(p.Data) {
			test.That(t, v, test.ShouldEqual, float32(0.0625))
		}
	}

	test.That(t, dst.LoadCheckpoint(filepath.Join(t.TempDir(), "nope")), test.ShouldNotBeNil)
}

func TestLearningRateDecays(t *testing.T) {
	opt := smallOptions()
	opt.NumEpochs = 2
	opt.SchedulerStepSize = 1
	opt.LogFrequency = 100
	tr := newTestTrainer(t, opt)
	test.That(t, tr.Train(context.Background()), test.ShouldBeNil)
	// two epochs with step size 1 decay the rate twice
	test.That(t, tr.LearningRate(), test.ShouldAlmostEqual, opt.LearningRate*0.01)
}
