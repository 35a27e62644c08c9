package egomotion

import (
	"fmt"
	"image"
	"math"
	"path/filepath"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/camera"
	"github.com/endovislab/sfmtrain/keypoints"
	"github.com/endovislab/sfmtrain/ml"
)

// CorrespondenceSource records how a batch item's correspondences were
// selected.
type CorrespondenceSource int

// Correspondence source values, from most to least reliable.
const (
	SourceNone CorrespondenceSource = iota
	SourceKeypoints
	SourceDenseFlow
)

func (s CorrespondenceSource) String() string {
	switch s {
	case SourceKeypoints:
		return "keypoints"
	case SourceDenseFlow:
		return "dense_flow"
	default:
		return "none"
	}
}

// PoseEstimate is the result of the classical pose path for one batch
// item. Valid is false only on total matching failure (no keypoints at
// all); downstream code must tolerate invalid estimates without aborting
// the batch.
type PoseEstimate struct {
	Pose      *CamPose
	Essential *mat.Dense
	Inliers   int
	NumPoints int
	Source    CorrespondenceSource
	Degraded  bool
	Valid     bool
}

// Config gathers every knob of the pose-by-RANSAC path. All values are
// externally supplied; none are computed internally.
type Config struct {
	// MinKeypoints triggers the secondary detector below this count.
	MinKeypoints int `json:"min_keypoints"`
	// MinMatches triggers dense flow sampling below this count.
	MinMatches int `json:"min_matches"`
	// Margin trims this many border pixels when sampling the flow field
	// densely, avoiding border artifacts.
	Margin int `json:"margin"`
	// DenseStride subsamples the flow grid in the dense fallback.
	DenseStride int `json:"dense_stride"`

	Matching *keypoints.MatchingConfig `json:"matching"`
	FAST     *keypoints.FASTConfig     `json:"fast"`
	Harris   *keypoints.HarrisConfig   `json:"harris"`
	BRIEF    *keypoints.BRIEFConfig    `json:"brief"`
	RANSAC   RANSACConfig              `json:"ransac"`

	// DebugDir, when set, receives match visualizations.
	DebugDir string `json:"debug_dir,omitempty"`
}

// DefaultConfig returns a working configuration for endoscopic video.
func DefaultConfig() *Config {
	return &Config{
		MinKeypoints: 50,
		MinMatches:   20,
		Margin:       10,
		DenseStride:  4,
		Matching:     keypoints.DefaultMatchingConfig(),
		FAST:         keypoints.DefaultFASTConfig(),
		Harris:       keypoints.DefaultHarrisConfig(),
		BRIEF:        keypoints.DefaultBRIEFConfig(),
		RANSAC:       DefaultRANSACConfig(),
	}
}

// Validate checks the configuration's startup preconditions.
func (cfg *Config) Validate() error {
	if cfg.MinMatches < minSampleSize {
		return errors.Errorf("min_matches must be at least %d", minSampleSize)
	}
	if cfg.Margin < 0 {
		return errors.New("margin must not be negative")
	}
	if cfg.DenseStride < 1 {
		return errors.New("dense_stride must be at least 1")
	}
	if cfg.RANSAC.Iterations < 1 {
		return errors.New("ransac iterations must be at least 1")
	}
	if cfg.RANSAC.Threshold <= 0 {
		return errors.New("ransac threshold must be positive")
	}
	if cfg.Matching == nil || cfg.FAST == nil || cfg.Harris == nil || cfg.BRIEF == nil {
		return errors.New("matching, fast, harris and brief configs are all required")
	}
	return nil
}

// Estimator runs the full classical pose pipeline: keypoint detection
// with fallback, ratio-test matching with a degraded mode, dense-flow
// sampling when matching is too thin, intrinsics normalization and the
// parallel RANSAC essential-matrix search.
type Estimator struct {
	cfg    *Config
	sp     *keypoints.SamplePairs
	logger golog.Logger
	step   int
}

// NewEstimator validates cfg and prepares the shared BRIEF sample pairs.
func NewEstimator(cfg *Config, logger golog.Logger) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{
		cfg:    cfg,
		sp:     keypoints.GenerateSamplePairs(cfg.BRIEF),
		logger: logger,
	}, nil
}

// FlowField is one batch item's dense displacement field in pixels.
type FlowField struct {
	Width, Height int
	U, V          []float32
}

// FlowFieldFromTensor extracts batch item b from a [B,2,H,W] flow tensor.
func FlowFieldFromTensor(t *tensor.Dense, b int) (*FlowField, error) {
	nb, c, h, w, err := ml.Dims4(t)
	if err != nil {
		return nil, err
	}
	if c != 2 {
		return nil, errors.Errorf("flow must have 2 channels, got %d", c)
	}
	if b < 0 || b >= nb {
		return nil, errors.Errorf("batch index %d out of range [0,%d)", b, nb)
	}
	data := ml.Data(t)
	n := h * w
	u := make([]float32, n)
	v := make([]float32, n)
	copy(u, data[b*2*n:b*2*n+n])
	copy(v, data[b*2*n+n:b*2*n+2*n])
	return &FlowField{Width: w, Height: h, U: u, V: v}, nil
}

// at returns the displacement at integer pixel (x,y).
func (f *FlowField) at(x, y int) (float64, float64) {
	idx := y*f.Width + x
	return float64(f.U[idx]), float64(f.V[idx])
}

// EstimatePose estimates the relative pose between the reference and
// target frames of one batch item. No stage aborts the batch: thin
// matching degrades to looser filters or dense flow sampling, and only a
// total absence of keypoints returns an invalid (but non-error) estimate.
func (e *Estimator) EstimatePose(ref, target *image.Gray, flow *FlowField, intr camera.Intrinsics) (*PoseEstimate, error) {
	if flow == nil {
		return nil, errors.New("flow field is required")
	}
	est := &PoseEstimate{Source: SourceNone}

	kps1, desc1 := keypoints.DetectAndDescribe(ref, e.sp, e.cfg.FAST, e.cfg.Harris, e.cfg.BRIEF, e.cfg.MinKeypoints, e.logger)
	kps2, desc2 := keypoints.DetectAndDescribe(target, e.sp, e.cfg.FAST, e.cfg.Harris, e.cfg.BRIEF, e.cfg.MinKeypoints, e.logger)
	if len(kps1) == 0 || len(kps2) == 0 {
		e.logger.Debugw("no keypoints in at least one frame, skipping pose estimate",
			"ref_kps", len(kps1), "target_kps", len(kps2))
		return est, nil
	}

	matches, degraded, err := keypoints.MatchDescriptors(desc1, desc2, e.cfg.Matching, e.logger)
	if err != nil {
		return est, nil //nolint:nilerr // total matching failure is tolerated, not fatal
	}
	est.Degraded = degraded

	var pts1, pts2 []r2.Point
	if len(matches) >= e.cfg.MinMatches {
		mkps1, mkps2, err := keypoints.MatchedPoints(matches, kps1, kps2)
		if err != nil {
			return nil, err
		}
		pts1, pts2 = e.correspondencesAtKeypoints(mkps1, flow)
		est.Source = SourceKeypoints
		if e.cfg.DebugDir != "" {
			e.plotMatches(ref, target, mkps1, mkps2)
		}
	}
	if len(pts1) < e.cfg.MinMatches {
		pts1, pts2 = e.denseCorrespondences(flow)
		est.Source = SourceDenseFlow
		est.Degraded = true
	}
	est.NumPoints = len(pts1)
	if len(pts1) < minSampleSize {
		e.logger.Debugw("too few correspondences even after dense sampling", "points", len(pts1))
		return est, nil
	}

	norm1 := normalizeByIntrinsics(pts1, intr)
	norm2 := normalizeByIntrinsics(pts2, intr)

	essential, inliers, err := RansacEssential(norm1, norm2, e.cfg.RANSAC, e.logger)
	if err != nil {
		e.logger.Debugw("RANSAC failed to find an essential matrix", "error", err)
		return est, nil
	}
	poses, err := PossiblePoses(essential)
	if err != nil {
		return est, nil //nolint:nilerr // degenerate decomposition leaves the item invalid
	}
	in1, in2 := inlierSubset(essential, norm1, norm2, e.cfg.RANSAC.Threshold)
	est.Pose = BestPose(poses, in1, in2)
	est.Essential = essential
	est.Inliers = inliers
	est.Valid = true
	return est, nil
}

// correspondencesAtKeypoints reads the flow correspondence map at the
// matched keypoint locations: the flow supplies the target coordinate.
func (e *Estimator) correspondencesAtKeypoints(kps keypoints.KeyPoints, flow *FlowField) ([]r2.Point, []r2.Point) {
	pts1 := make([]r2.Point, 0, len(kps))
	pts2 := make([]r2.Point, 0, len(kps))
	for _, kp := range kps {
		if kp.X < 0 || kp.X >= flow.Width || kp.Y < 0 || kp.Y >= flow.Height {
			continue
		}
		u, v := flow.at(kp.X, kp.Y)
		pts1 = append(pts1, r2.Point{X: float64(kp.X), Y: float64(kp.Y)})
		pts2 = append(pts2, r2.Point{X: float64(kp.X) + u, Y: float64(kp.Y) + v})
	}
	return pts1, pts2
}

// denseCorrespondences samples the flow field on a margin-trimmed grid.
func (e *Estimator) denseCorrespondences(flow *FlowField) ([]r2.Point, []r2.Point) {
	margin := e.cfg.Margin
	stride := e.cfg.DenseStride
	var pts1, pts2 []r2.Point
	for y := margin; y < flow.Height-margin; y += stride {
		for x := margin; x < flow.Width-margin; x += stride {
			u, v := flow.at(x, y)
			if math.IsNaN(u) || math.IsNaN(v) {
				continue
			}
			pts1 = append(pts1, r2.Point{X: float64(x), Y: float64(y)})
			pts2 = append(pts2, r2.Point{X: float64(x) + u, Y: float64(y) + v})
		}
	}
	return pts1, pts2
}

func normalizeByIntrinsics(pts []r2.Point, intr camera.Intrinsics) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, pt := range pts {
		x, y, _ := intr.PixelToRay(pt.X, pt.Y)
		out[i] = r2.Point{X: x, Y: y}
	}
	return out
}

func (e *Estimator) plotMatches(ref, target *image.Gray, pts1, pts2 keypoints.KeyPoints) {
	e.step++
	out := filepath.Join(e.cfg.DebugDir, fmt.Sprintf("matches_%06d.png", e.step))
	if err := keypoints.PlotMatches(ref, target, pts1, pts2, out); err != nil {
		e.logger.Debugw("failed to plot matches", "error", err)
	}
}
