package trainer

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/losses"
	"github.com/endovislab/sfmtrain/ml"
)

// computeLosses aggregates the training objective over scales and neighbor
// frames. Every photometric term is weighted by the detached scale-0
// backward occlusion mask; per-scale terms are averaged over neighbors,
// and the total over scales.
func (t *Trainer) computeLosses(batch *Batch, out *Outputs) (*LossRecord, error) {
	rec := &LossRecord{PerScale: map[int]float64{}}
	neighbors := t.opt.Neighbors()
	nf := float64(len(neighbors))
	refFull := batch.Color[FrameKey{0, 0}]

	total := 0.0
	for _, s := range t.opt.Scales {
		var repSum, constraintSum, brightSum float64
		for _, fi := range neighbors {
			key := FrameKey{fi, s}
			mask := ml.Detach(out.OccMaskBackward[FrameKey{fi, 0}])

			rep, err := losses.Reprojection(out.WarpedColor[key], out.Registration[key])
			if err != nil {
				return nil, errors.Wrapf(err, "reprojection, frame %d scale %d", fi, s)
			}
			mRep, err := losses.MaskedMean(rep, mask)
			if err != nil {
				return nil, errors.Wrapf(err, "reprojection, frame %d scale %d", fi, s)
			}
			repSum += mRep

			// The refined frame must stay close to the (frozen)
			// flow registration: the appearance transform may only
			// explain brightness, not motion.
			regDetached := ml.Detach(out.Registration[FrameKey{fi, 0}])
			absDiff, err := ml.AbsDiff(out.Refined[key], regDetached)
			if err != nil {
				return nil, err
			}
			perPixel, err := ml.ChannelMean(absDiff)
			if err != nil {
				return nil, err
			}
			mConstraint, err := losses.MaskedMean(perPixel, mask)
			if err != nil {
				return nil, errors.Wrapf(err, "transform constraint, frame %d scale %d", fi, s)
			}
			constraintSum += mConstraint

			bSmooth, err := losses.BrightnessSmoothness(out.BrightnessUp[key], refFull, mask)
			if err != nil {
				return nil, err
			}
			brightSum += bSmooth
		}

		normDisp, err := normalizeDisparity(out.Disp[s])
		if err != nil {
			return nil, err
		}
		smooth, err := losses.DisparitySmoothness(normDisp, batch.Color[FrameKey{0, s}])
		if err != nil {
			return nil, err
		}

		scaleLoss := repSum/nf +
			t.opt.TransformConstraint*constraintSum/nf +
			t.opt.TransformSmoothness*brightSum/nf +
			t.opt.DisparitySmoothness*smooth/math.Pow(2, float64(s))
		rec.PerScale[s] = scaleLoss
		total += scaleLoss
	}
	rec.Total = total / float64(len(t.opt.Scales))
	return rec, nil
}

// computeLossesVal scores registration quality with local NCC. For every
// scale the per-pixel minimum over neighbor frames is averaged; the total
// is negated so that, like the training loss, lower tracks worse and the
// logged validation score improves as it rises towards zero.
func (t *Trainer) computeLossesVal(batch *Batch, out *Outputs) (*LossRecord, error) {
	rec := &LossRecord{PerScale: map[int]float64{}}
	refMean, err := ml.ChannelMean(batch.Color[FrameKey{0, 0}])
	if err != nil {
		return nil, err
	}

	total := 0.0
	for _, s := range t.opt.Scales {
		maps := make([]*tensor.Dense, 0, len(t.opt.Neighbors()))
		for _, fi := range t.opt.Neighbors() {
			regMean, err := ml.ChannelMean(out.Registration[FrameKey{fi, s}])
			if err != nil {
				return nil, err
			}
			nccMap, err := losses.NCCLossMap(regMean, refMean, t.opt.NCCWindow)
			if err != nil {
				return nil, errors.Wrapf(err, "ncc, frame %d scale %d", fi, s)
			}
			maps = append(maps, nccMap)
		}
		minMap, err := elementwiseMin(maps)
		if err != nil {
			return nil, err
		}
		scaleLoss := ml.Mean(minMap)
		rec.PerScale[s] = scaleLoss
		total += scaleLoss
	}
	rec.Total = -(total / float64(len(t.opt.Scales)))
	return rec, nil
}

// normalizeDisparity divides each batch item's disparity by its own mean,
// making the smoothness term invariant to the global disparity magnitude.
func normalizeDisparity(disp *tensor.Dense) (*tensor.Dense, error) {
	b, c, h, w, err := ml.Dims4(disp)
	if err != nil {
		return nil, err
	}
	if c != 1 {
		return nil, errors.Errorf("disparity must have a single channel, got %d", c)
	}
	out := ml.Clone(disp)
	data := ml.Data(out)
	plane := h * w
	for bi := 0; bi < b; bi++ {
		item := data[bi*plane : (bi+1)*plane]
		sum := 0.0
		for _, v := range item {
			sum += float64(v)
		}
		mean := float32(sum/float64(plane)) + 1e-7
		for i := range item {
			item[i] /= mean
		}
	}
	return out, nil
}

func elementwiseMin(maps []*tensor.Dense) (*tensor.Dense, error) {
	if len(maps) == 0 {
		return nil, errors.New("no loss maps to reduce")
	}
	out := ml.Clone(maps[0])
	od := ml.Data(out)
	for _, m := range maps[1:] {
		if !m.Shape().Eq(out.Shape()) {
			return nil, errors.Errorf("shape mismatch %v vs %v", m.Shape(), out.Shape())
		}
		md := ml.Data(m)
		for i, v := range md {
			if v < od[i] {
				od[i] = v
			}
		}
	}
	return out, nil
}
