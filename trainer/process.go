package trainer

import (
	"context"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/endovislab/sfmtrain/egomotion"
	"github.com/endovislab/sfmtrain/geometry"
	"github.com/endovislab/sfmtrain/ml"
	"github.com/endovislab/sfmtrain/occlusion"
)

// forward runs the full per-batch forward pipeline: disparity prediction,
// flow/appearance/pose prediction with occlusion masking, and geometric
// view synthesis. Loss computation is separate so the training and
// validation paths can share this.
func (t *Trainer) forward(ctx context.Context, batch *Batch) (*Outputs, error) {
	if err := batch.Validate(t.opt); err != nil {
		return nil, err
	}
	out := NewOutputs()

	disps, err := t.ensemble.Depth.Forward(batch.Color[FrameKey{0, 0}])
	if err != nil {
		return nil, errors.Wrap(err, "depth forward")
	}
	if len(disps) != len(t.opt.Scales) {
		return nil, errors.Errorf("depth net returned %d scales, expected %d", len(disps), len(t.opt.Scales))
	}
	for si, s := range t.opt.Scales {
		out.Disp[s] = disps[si]
	}

	if err := t.predictPoses(ctx, batch, out); err != nil {
		return nil, err
	}
	if err := t.generateImagesPred(batch, out); err != nil {
		return nil, err
	}
	return out, nil
}

// predictPoses runs, for every neighbor frame: both flow directions with
// their occlusion masks, the appearance transform on the flow-registered
// image, the pose network, and optionally the classical RANSAC pose
// cross-check on the detached full-resolution flow.
func (t *Trainer) predictPoses(ctx context.Context, batch *Batch, out *Outputs) error {
	ref0 := batch.Color[FrameKey{0, 0}]
	for _, fi := range t.opt.Neighbors() {
		if err := ctx.Err(); err != nil {
			return err
		}
		src0 := batch.Color[FrameKey{fi, 0}]

		fwd, err := t.ensemble.Flow.Forward(src0, ref0)
		if err != nil {
			return errors.Wrapf(err, "flow forward, frame %d", fi)
		}
		bwd, err := t.ensemble.Flow.Forward(ref0, src0)
		if err != nil {
			return errors.Wrapf(err, "flow backward, frame %d", fi)
		}
		for si, s := range t.opt.Scales {
			key := FrameKey{fi, s}
			out.Flow[key] = fwd[si]
			up, err := geometry.Resize(fwd[si], batch.Height, batch.Width)
			if err != nil {
				return err
			}
			out.FlowUp[key] = up
			reg, err := geometry.WarpByFlow(src0, up)
			if err != nil {
				return err
			}
			out.Registration[key] = reg

			out.FlowBack[key] = bwd[si]
			bup, err := geometry.Resize(bwd[si], batch.Height, batch.Width)
			if err != nil {
				return err
			}
			out.FlowBackUp[key] = bup
			maskB, magB, err := occlusion.BackwardMask(bup, t.opt.OcclusionBackwardThreshold)
			if err != nil {
				return err
			}
			out.OccMaskBackward[key] = maskB
			out.OccMagBackward[key] = magB
			_, omap, err := occlusion.BidirectionalMask(
				up, bup, t.opt.OcclusionConsistencyScale, t.opt.OcclusionConsistencyBias)
			if err != nil {
				return err
			}
			out.OccMapBidirectional[key] = omap
		}

		// Appearance change is predicted from the full-resolution
		// registration; the correction is only trusted where the
		// scale-0 backward mask holds.
		bright, err := t.ensemble.Transform.Forward(out.Registration[FrameKey{fi, 0}], ref0)
		if err != nil {
			return errors.Wrapf(err, "transform forward, frame %d", fi)
		}
		maskDetached := ml.Detach(out.OccMaskBackward[FrameKey{fi, 0}])
		for si, s := range t.opt.Scales {
			key := FrameKey{fi, s}
			out.Brightness[key] = bright[si]
			bu, err := geometry.Resize(bright[si], batch.Height, batch.Width)
			if err != nil {
				return err
			}
			out.BrightnessUp[key] = bu
			corr, err := ml.Mul(bu, maskDetached)
			if err != nil {
				return err
			}
			refined, err := ml.Add(corr, ref0)
			if err != nil {
				return err
			}
			out.Refined[key] = ml.Clamp(refined, 0, 1)
		}

		aa, tr, err := t.ensemble.Pose.Forward(src0, ref0)
		if err != nil {
			return errors.Wrapf(err, "pose forward, frame %d", fi)
		}
		out.AxisAngle[fi] = aa
		out.Translation[fi] = tr
		transforms, err := geometry.TransformFromAxisAngle(aa, tr, fi < 0)
		if err != nil {
			return err
		}
		out.CamTCam[fi] = transforms

		if t.estimator != nil {
			out.RansacPoses[fi] = t.crossCheckPoses(batch, out, fi)
		}
	}
	return nil
}

// crossCheckPoses runs the classical estimator once per batch item. It is
// advisory: failures are logged and yield invalid estimates rather than
// aborting the step.
func (t *Trainer) crossCheckPoses(batch *Batch, out *Outputs, fi int) []*egomotion.PoseEstimate {
	ref0 := batch.Color[FrameKey{0, 0}]
	src0 := batch.Color[FrameKey{fi, 0}]
	flowUp := ml.Detach(out.FlowUp[FrameKey{fi, 0}])
	estimates := make([]*egomotion.PoseEstimate, batch.Size)
	for bi := 0; bi < batch.Size; bi++ {
		refGray, err := ml.ToGray(ref0, bi)
		if err != nil {
			t.logger.Warnw("pose cross-check image conversion failed", "frame", fi, "item", bi, "error", err)
			estimates[bi] = &egomotion.PoseEstimate{}
			continue
		}
		tgtGray, err := ml.ToGray(src0, bi)
		if err != nil {
			t.logger.Warnw("pose cross-check image conversion failed", "frame", fi, "item", bi, "error", err)
			estimates[bi] = &egomotion.PoseEstimate{}
			continue
		}
		field, err := egomotion.FlowFieldFromTensor(flowUp, bi)
		if err != nil {
			t.logger.Warnw("pose cross-check flow extraction failed", "frame", fi, "item", bi, "error", err)
			estimates[bi] = &egomotion.PoseEstimate{}
			continue
		}
		est, err := t.estimator.EstimatePose(refGray, tgtGray, field, batch.Intrinsics[bi])
		if err != nil {
			t.logger.Debugw("pose cross-check failed", "frame", fi, "item", bi, "error", err)
			estimates[bi] = &egomotion.PoseEstimate{}
			continue
		}
		estimates[bi] = est
	}
	return estimates
}

// generateImagesPred synthesizes the reference view from each source frame
// at every scale: upsampled disparity becomes metric depth, depth is
// backprojected and reprojected through the predicted (or fixed stereo)
// transform, and the source color is sampled along the resulting grid.
func (t *Trainer) generateImagesPred(batch *Batch, out *Outputs) error {
	for _, s := range t.opt.Scales {
		dispUp := out.Disp[s]
		if s != 0 {
			var err error
			dispUp, err = geometry.Resize(dispUp, batch.Height, batch.Width)
			if err != nil {
				return err
			}
		}
		_, depth := geometry.DispToDepth(dispUp, t.opt.MinDepth, t.opt.MaxDepth)
		out.Depth[s] = depth

		for _, fi := range t.synthFrames() {
			var transforms []*mat.Dense
			if fi == StereoFrameID {
				transforms = batch.StereoT
			} else {
				transforms = out.CamTCam[fi]
			}
			grid, err := geometry.SamplingGrid(depth, batch.Intrinsics, transforms)
			if err != nil {
				return errors.Wrapf(err, "sampling grid, frame %d scale %d", fi, s)
			}
			key := FrameKey{fi, s}
			out.SamplingGrid[key] = grid
			warped, err := geometry.GridSample(batch.Color[FrameKey{fi, 0}], grid)
			if err != nil {
				return err
			}
			out.WarpedColor[key] = warped
		}
	}
	return nil
}

// synthFrames lists the frames that participate in geometric view
// synthesis: every temporal neighbor, plus the stereo view when enabled.
func (t *Trainer) synthFrames() []int {
	frames := t.opt.Neighbors()
	if t.opt.UseStereo {
		frames = append(append([]int{}, frames...), StereoFrameID)
	}
	return frames
}
