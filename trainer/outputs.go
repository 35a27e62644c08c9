package trainer

import (
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/egomotion"
)

// Outputs collects every intermediate tensor produced while processing one
// batch. Frame-and-scale keyed maps use FrameKey; quantities that exist per
// scale only are keyed by scale, per frame only by frame id.
type Outputs struct {
	// Disp holds raw sigmoid disparities at each pyramid scale.
	Disp map[int]*tensor.Dense
	// Depth holds full-resolution metric depth derived from each scale's
	// upsampled disparity.
	Depth map[int]*tensor.Dense

	// Flow/FlowBack are the raw optical flow predictions per scale;
	// FlowUp/FlowBackUp are their full-resolution upsamplings.
	Flow       map[FrameKey]*tensor.Dense
	FlowUp     map[FrameKey]*tensor.Dense
	FlowBack   map[FrameKey]*tensor.Dense
	FlowBackUp map[FrameKey]*tensor.Dense

	// Registration is the neighbor color warped to the reference view by
	// the upsampled flow, always at full resolution.
	Registration map[FrameKey]*tensor.Dense

	// OccMaskBackward flags pixels whose backward flow magnitude stays
	// under the configured threshold; OccMagBackward keeps the magnitudes.
	OccMaskBackward map[FrameKey]*tensor.Dense
	OccMagBackward  map[FrameKey]*tensor.Dense
	// OccMapBidirectional is the forward-backward squared round-trip
	// error map.
	OccMapBidirectional map[FrameKey]*tensor.Dense

	// Brightness is the predicted appearance-change field per scale;
	// BrightnessUp its full-resolution upsampling; Refined the
	// brightness-corrected reference frame.
	Brightness   map[FrameKey]*tensor.Dense
	BrightnessUp map[FrameKey]*tensor.Dense
	Refined      map[FrameKey]*tensor.Dense

	// AxisAngle/Translation are the pose network outputs per neighbor
	// frame; CamTCam the per-item 4x4 transforms built from them.
	AxisAngle   map[int]*tensor.Dense
	Translation map[int]*tensor.Dense
	CamTCam     map[int][]*mat.Dense

	// SamplingGrid and WarpedColor are the geometric view-synthesis
	// results per neighbor frame and scale.
	SamplingGrid map[FrameKey]*tensor.Dense
	WarpedColor  map[FrameKey]*tensor.Dense

	// RansacPoses holds the classical cross-check estimates, one per
	// batch item per neighbor frame, when the cross-check is enabled.
	RansacPoses map[int][]*egomotion.PoseEstimate
}

// NewOutputs returns an Outputs with all maps allocated.
func NewOutputs() *Outputs {
	return &Outputs{
		Disp:                map[int]*tensor.Dense{},
		Depth:               map[int]*tensor.Dense{},
		Flow:                map[FrameKey]*tensor.Dense{},
		FlowUp:              map[FrameKey]*tensor.Dense{},
		FlowBack:            map[FrameKey]*tensor.Dense{},
		FlowBackUp:          map[FrameKey]*tensor.Dense{},
		Registration:        map[FrameKey]*tensor.Dense{},
		OccMaskBackward:     map[FrameKey]*tensor.Dense{},
		OccMagBackward:      map[FrameKey]*tensor.Dense{},
		OccMapBidirectional: map[FrameKey]*tensor.Dense{},
		Brightness:          map[FrameKey]*tensor.Dense{},
		BrightnessUp:        map[FrameKey]*tensor.Dense{},
		Refined:             map[FrameKey]*tensor.Dense{},
		AxisAngle:           map[int]*tensor.Dense{},
		Translation:         map[int]*tensor.Dense{},
		CamTCam:             map[int][]*mat.Dense{},
		SamplingGrid:        map[FrameKey]*tensor.Dense{},
		WarpedColor:         map[FrameKey]*tensor.Dense{},
		RansacPoses:         map[int][]*egomotion.PoseEstimate{},
	}
}

// LossRecord is the aggregated result of one batch's loss computation.
type LossRecord struct {
	// PerScale holds each pyramid scale's combined loss.
	PerScale map[int]float64
	// Total is the scalar the optimizer minimizes (or, for validation,
	// the negated similarity score).
	Total float64
}
