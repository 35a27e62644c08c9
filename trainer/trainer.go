package trainer

import (
	"context"
	"io"
	"path/filepath"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/endovislab/sfmtrain/checkpoint"
	"github.com/endovislab/sfmtrain/egomotion"
	"github.com/endovislab/sfmtrain/metrics"
	"github.com/endovislab/sfmtrain/nets"
	"github.com/endovislab/sfmtrain/optim"
)

// schedulerGamma is the learning rate decay factor applied every
// SchedulerStepSize epochs.
const schedulerGamma = 0.1

// StepLogger observes per-step progress, for dashboards or test probes.
type StepLogger interface {
	LogStep(epoch, step int, snap metrics.Snapshot, train, val *LossRecord)
}

// Trainer drives the full schedule: epochs of optimizer steps over the
// training source, periodic validation and logging, learning rate decay,
// and checkpointing.
type Trainer struct {
	opt       *Options
	ensemble  *nets.Ensemble
	optimizer *optim.Adam
	scheduler *optim.StepLR
	estimator *egomotion.Estimator
	trainSrc  BatchSource
	valSrc    BatchSource

	logger      golog.Logger
	stepLoggers []StepLogger
	clock       clock.Clock
	window      *metrics.Window

	epoch int
	step  int
}

// Option configures a Trainer beyond its required arguments.
type Option func(*Trainer)

// WithClock substitutes the wall clock, letting tests control timing.
func WithClock(c clock.Clock) Option {
	return func(t *Trainer) { t.clock = c }
}

// WithStepLogger registers an additional progress observer.
func WithStepLogger(sl StepLogger) Option {
	return func(t *Trainer) { t.stepLoggers = append(t.stepLoggers, sl) }
}

// New builds a Trainer over the given sub-network ensemble and batch
// sources. valSrc may be nil, disabling periodic validation.
func New(
	opt *Options,
	ensemble *nets.Ensemble,
	trainSrc, valSrc BatchSource,
	logger golog.Logger,
	opts ...Option,
) (*Trainer, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	if err := ensemble.Validate(); err != nil {
		return nil, err
	}
	if trainSrc == nil {
		return nil, errors.New("a training batch source is required")
	}
	t := &Trainer{
		opt:      opt,
		ensemble: ensemble,
		trainSrc: trainSrc,
		valSrc:   valSrc,
		logger:   logger,
		clock:    clock.New(),
		window:   metrics.NewWindow(opt.LogFrequency),
	}
	t.optimizer = optim.NewAdam(ensemble.Parameters(), opt.LearningRate)
	t.scheduler = optim.NewStepLR(t.optimizer, opt.SchedulerStepSize, schedulerGamma)
	if opt.PoseCrossCheck {
		est, err := egomotion.NewEstimator(opt.Egomotion, logger)
		if err != nil {
			return nil, err
		}
		t.estimator = est
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Epoch returns the current epoch index.
func (t *Trainer) Epoch() int { return t.epoch }

// Step returns the number of optimizer steps taken so far.
func (t *Trainer) Step() int { return t.step }

// LearningRate returns the optimizer's current learning rate.
func (t *Trainer) LearningRate() float64 { return t.optimizer.LearningRate() }

// Train runs the configured number of epochs.
func (t *Trainer) Train(ctx context.Context) error {
	if err := t.opt.SaveOptions(); err != nil {
		return errors.Wrap(err, "error saving run options")
	}
	t.logger.Infow("starting training",
		"model", t.opt.ModelName,
		"epochs", t.opt.NumEpochs,
		"batch_size", t.opt.BatchSize,
		"lr", t.optimizer.LearningRate(),
	)
	start := t.clock.Now()
	for t.epoch = 0; t.epoch < t.opt.NumEpochs; t.epoch++ {
		if err := t.runEpoch(ctx); err != nil {
			return err
		}
		t.scheduler.Step()
		if (t.epoch+1)%t.opt.SaveFrequency == 0 {
			folder, err := t.saveCheckpoint()
			if err != nil {
				return err
			}
			t.logger.Infow("saved checkpoint", "epoch", t.epoch, "folder", folder)
		}
	}
	t.logger.Infow("training complete",
		"steps", t.step,
		"elapsed", t.clock.Now().Sub(start).String(),
	)
	return nil
}

// runEpoch consumes the training source until it is exhausted.
func (t *Trainer) runEpoch(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		dataStart := t.clock.Now()
		batch, err := t.trainSrc.Next(ctx)
		if errors.Is(err, io.EOF) {
			return t.trainSrc.Reset()
		}
		if err != nil {
			return errors.Wrap(err, "error fetching training batch")
		}
		dataTime := t.clock.Now().Sub(dataStart)

		computeStart := t.clock.Now()
		rec, err := t.TrainStep(ctx, batch)
		if err != nil {
			return err
		}
		computeTime := t.clock.Now().Sub(computeStart)

		t.window.Record(batch.Size, dataTime, computeTime, rec.Total)
		t.step++
		if t.step%t.opt.LogFrequency == 0 {
			valRec, err := t.validate(ctx)
			if err != nil {
				return err
			}
			t.logProgress(rec, valRec)
		}
	}
}

// TrainStep processes one batch and applies a single optimizer update.
func (t *Trainer) TrainStep(ctx context.Context, batch *Batch) (*LossRecord, error) {
	_, rec, err := t.ProcessBatch(ctx, batch)
	if err != nil {
		return nil, err
	}
	t.ensemble.ZeroGrad()
	if err := t.ensemble.Backward(rec.Total); err != nil {
		return nil, errors.Wrap(err, "backward")
	}
	if err := t.optimizer.Step(); err != nil {
		return nil, errors.Wrap(err, "optimizer step")
	}
	return rec, nil
}

// ProcessBatch runs the forward pipeline and the training objective
// without touching the optimizer.
func (t *Trainer) ProcessBatch(ctx context.Context, batch *Batch) (*Outputs, *LossRecord, error) {
	out, err := t.forward(ctx, batch)
	if err != nil {
		return nil, nil, err
	}
	rec, err := t.computeLosses(batch, out)
	if err != nil {
		return nil, nil, err
	}
	return out, rec, nil
}

// EvaluateBatch runs the forward pipeline and the validation score.
func (t *Trainer) EvaluateBatch(ctx context.Context, batch *Batch) (*Outputs, *LossRecord, error) {
	out, err := t.forward(ctx, batch)
	if err != nil {
		return nil, nil, err
	}
	rec, err := t.computeLossesVal(batch, out)
	if err != nil {
		return nil, nil, err
	}
	return out, rec, nil
}

// validate scores one validation batch, cycling the source when a pass is
// exhausted. Returns nil when no validation source is configured.
func (t *Trainer) validate(ctx context.Context) (*LossRecord, error) {
	if t.valSrc == nil {
		return nil, nil
	}
	batch, err := t.valSrc.Next(ctx)
	if errors.Is(err, io.EOF) {
		if err := t.valSrc.Reset(); err != nil {
			return nil, err
		}
		batch, err = t.valSrc.Next(ctx)
	}
	if err != nil {
		return nil, errors.Wrap(err, "error fetching validation batch")
	}
	_, rec, err := t.EvaluateBatch(ctx, batch)
	return rec, err
}

func (t *Trainer) logProgress(train, val *LossRecord) {
	snap := t.window.Snapshot()
	kv := []interface{}{
		"epoch", t.epoch,
		"step", t.step,
		"lr", t.optimizer.LearningRate(),
		"loss", train.Total,
		"examples_per_sec", snap.ExamplesPerSec,
		"data_ms", snap.AvgDataMS,
		"compute_ms", snap.AvgComputeMS,
	}
	if val != nil {
		kv = append(kv, "val_score", val.Total)
	}
	t.logger.Infow("train step", kv...)
	for _, sl := range t.stepLoggers {
		sl.LogStep(t.epoch, t.step, snap, train, val)
	}
}

func (t *Trainer) saveCheckpoint() (string, error) {
	states := t.ensemble.StateDicts()
	states["adam"] = t.optimizer.StateDict()
	dir := filepath.Join(t.opt.LogDir, t.opt.ModelName, "models")
	return checkpoint.Save(dir, t.epoch, states)
}

// LoadCheckpoint restores ensemble and optimizer state from a checkpoint
// folder. Missing or shape-mismatched entries are skipped; the number of
// tensors restored per component is logged.
func (t *Trainer) LoadCheckpoint(folder string) error {
	saved, err := checkpoint.Load(folder)
	if err != nil {
		return err
	}
	if adam, ok := saved["adam"]; ok {
		n := t.optimizer.LoadStateDict(adam)
		t.logger.Infow("restored optimizer state", "tensors", n)
		delete(saved, "adam")
	}
	counts := t.ensemble.LoadStateDicts(saved)
	for name, n := range counts {
		t.logger.Infow("restored component state", "component", name, "tensors", n)
	}
	return nil
}
