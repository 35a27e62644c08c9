// Package trainer orchestrates the self-supervised training pipeline:
// per-batch forward passes through the sub-networks, multi-scale view
// synthesis, occlusion masking, the classical pose cross-check, loss
// aggregation, optimizer steps, periodic validation and checkpointing.
package trainer

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/endovislab/sfmtrain/egomotion"
)

// downsampleFactor is the total downsampling of the sub-network encoders;
// input dimensions must be divisible by it.
const downsampleFactor = 32

// Options is the full configuration surface of the trainer. Every numeric
// hyperparameter is externally supplied; nothing is computed internally.
type Options struct {
	ModelName string `json:"model_name"`
	LogDir    string `json:"log_dir"`

	Height int `json:"height"`
	Width  int `json:"width"`
	// Scales lists the pyramid scales, full resolution (0) first.
	Scales []int `json:"scales"`
	// FrameIDs lists relative frame offsets; the reference frame 0 must
	// come first.
	FrameIDs  []int `json:"frame_ids"`
	BatchSize int   `json:"batch_size"`

	MinDepth float64 `json:"min_depth"`
	MaxDepth float64 `json:"max_depth"`

	LearningRate      float64 `json:"learning_rate"`
	SchedulerStepSize int     `json:"scheduler_step_size"`
	NumEpochs         int     `json:"num_epochs"`
	SaveFrequency     int     `json:"save_frequency"`
	LogFrequency      int     `json:"log_frequency"`

	DisparitySmoothness float64 `json:"disparity_smoothness"`
	TransformConstraint float64 `json:"transform_constraint"`
	TransformSmoothness float64 `json:"transform_smoothness"`

	// OcclusionBackwardThreshold is the max acceptable backward flow
	// magnitude in pixels.
	OcclusionBackwardThreshold float64 `json:"occlusion_backward_threshold"`
	// OcclusionConsistencyScale/Bias parametrize the forward-backward
	// round-trip tolerance.
	OcclusionConsistencyScale float64 `json:"occlusion_consistency_scale"`
	OcclusionConsistencyBias  float64 `json:"occlusion_consistency_bias"`

	// NCCWindow is the local window of the validation NCC metric.
	NCCWindow int `json:"ncc_window"`

	// UseStereo adds the fixed stereo view to image synthesis.
	UseStereo bool `json:"use_stereo"`

	// PoseCrossCheck enables the classical RANSAC pose path.
	PoseCrossCheck bool              `json:"pose_cross_check"`
	Egomotion      *egomotion.Config `json:"egomotion,omitempty"`
}

// DefaultOptions mirrors the canonical endoscopic training setup.
func DefaultOptions() *Options {
	return &Options{
		ModelName:                  "endosfm",
		LogDir:                     "runs",
		Height:                     256,
		Width:                      320,
		Scales:                     []int{0, 1, 2, 3},
		FrameIDs:                   []int{0, -1, 1},
		BatchSize:                  4,
		MinDepth:                   0.1,
		MaxDepth:                   150,
		LearningRate:               1e-4,
		SchedulerStepSize:          15,
		NumEpochs:                  20,
		SaveFrequency:              1,
		LogFrequency:               250,
		DisparitySmoothness:        1e-3,
		TransformConstraint:        1e-2,
		TransformSmoothness:        1e-2,
		OcclusionBackwardThreshold: 40,
		OcclusionConsistencyScale:  0.01,
		OcclusionConsistencyBias:   0.5,
		NCCWindow:                  7,
		PoseCrossCheck:             true,
		Egomotion:                  egomotion.DefaultConfig(),
	}
}

// LoadOptions reads Options from a JSON file and validates them.
func LoadOptions(path string) (*Options, error) {
	//nolint:gosec
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "error opening options file")
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	opt := DefaultOptions()
	if err := json.NewDecoder(f).Decode(opt); err != nil {
		return nil, errors.Wrap(err, "error parsing options")
	}
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	return opt, nil
}

// Validate checks the fatal startup preconditions.
func (opt *Options) Validate() error {
	if opt.Height%downsampleFactor != 0 {
		return errors.Errorf("height must be a multiple of %d, got %d", downsampleFactor, opt.Height)
	}
	if opt.Width%downsampleFactor != 0 {
		return errors.Errorf("width must be a multiple of %d, got %d", downsampleFactor, opt.Width)
	}
	if len(opt.Scales) == 0 {
		return errors.New("at least one scale is required")
	}
	if opt.Scales[0] != 0 {
		return errors.New("scales must start with 0 (full resolution)")
	}
	for _, s := range opt.Scales {
		if s < 0 || (1<<s) > downsampleFactor {
			return errors.Errorf("scale %d out of range", s)
		}
	}
	if len(opt.FrameIDs) < 2 {
		return errors.New("frame_ids needs the reference frame and at least one neighbor")
	}
	if opt.FrameIDs[0] != 0 {
		return errors.New("frame_ids must start with 0")
	}
	if opt.BatchSize < 1 {
		return errors.New("batch_size must be at least 1")
	}
	if opt.MinDepth <= 0 || opt.MaxDepth <= opt.MinDepth {
		return errors.Errorf("invalid depth range [%v, %v]", opt.MinDepth, opt.MaxDepth)
	}
	if opt.LearningRate <= 0 {
		return errors.New("learning_rate must be positive")
	}
	if opt.NumEpochs < 1 {
		return errors.New("num_epochs must be at least 1")
	}
	if opt.SaveFrequency < 1 || opt.LogFrequency < 1 {
		return errors.New("save_frequency and log_frequency must be at least 1")
	}
	if opt.DisparitySmoothness < 0 || opt.TransformConstraint < 0 || opt.TransformSmoothness < 0 {
		return errors.New("loss weights must not be negative")
	}
	if opt.OcclusionBackwardThreshold <= 0 {
		return errors.New("occlusion_backward_threshold must be positive")
	}
	if opt.NCCWindow < 1 || opt.NCCWindow%2 == 0 {
		return errors.New("ncc_window must be a positive odd size")
	}
	if opt.PoseCrossCheck {
		if opt.Egomotion == nil {
			return errors.New("egomotion config is required when pose_cross_check is set")
		}
		if err := opt.Egomotion.Validate(); err != nil {
			return errors.Wrap(err, "egomotion")
		}
	}
	return nil
}

// Neighbors returns the non-reference frame ids.
func (opt *Options) Neighbors() []int {
	return opt.FrameIDs[1:]
}

// SaveOptions writes the options next to the run's checkpoints so the
// experiment configuration is recorded.
func (opt *Options) SaveOptions() error {
	dir := filepath.Join(opt.LogDir, opt.ModelName, "models")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(opt, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "opt.json"), data, 0o644) //nolint:gosec
}
