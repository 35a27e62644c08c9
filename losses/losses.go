package losses

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/ml"
)

// ErrDegenerateMask is returned when a loss term is normalized by an
// all-zero occlusion mask: the quotient would be undefined and silently
// propagating NaN into the optimizer would poison the run.
var ErrDegenerateMask = errors.New("occlusion mask has zero total weight")

func errShapeMismatch(a, b *tensor.Dense) error {
	return errors.Errorf("shape mismatch: %v vs %v", a.Shape(), b.Shape())
}

// ReprojectionWeights control the SSIM/L1 blend of the photometric loss.
const (
	ssimWeight = 0.85
	l1Weight   = 0.15
)

// Reprojection returns the per-pixel photometric error map [B,1,H,W]
// between a synthesized view and its target: 0.85*SSIM + 0.15*L1, both
// averaged over channels.
func Reprojection(pred, target *tensor.Dense) (*tensor.Dense, error) {
	if !pred.Shape().Eq(target.Shape()) {
		return nil, errShapeMismatch(pred, target)
	}
	absDiff, err := ml.AbsDiff(pred, target)
	if err != nil {
		return nil, err
	}
	l1, err := ml.ChannelMean(absDiff)
	if err != nil {
		return nil, err
	}
	ssimMap, err := SSIM(pred, target)
	if err != nil {
		return nil, err
	}
	ssim, err := ml.ChannelMean(ssimMap)
	if err != nil {
		return nil, err
	}
	out := ml.Zeros(l1.Shape()...)
	od := ml.Data(out)
	ld := ml.Data(l1)
	sd := ml.Data(ssim)
	for i := range od {
		od[i] = ssimWeight*sd[i] + l1Weight*ld[i]
	}
	return out, nil
}

// MaskedMean computes sum(term*mask)/sum(mask) for a per-pixel loss map
// [B,1,H,W] and a weight mask of the same shape. An all-zero mask yields
// ErrDegenerateMask.
func MaskedMean(term, mask *tensor.Dense) (float64, error) {
	if !term.Shape().Eq(mask.Shape()) {
		return 0, errShapeMismatch(term, mask)
	}
	td := ml.Data(term)
	md := ml.Data(mask)
	num, den := 0.0, 0.0
	for i := range td {
		num += float64(td[i]) * float64(md[i])
		den += float64(md[i])
	}
	if den == 0 {
		return 0, ErrDegenerateMask
	}
	return num / den, nil
}

// DisparitySmoothness is the edge-aware smoothness of a (mean-normalized)
// disparity map [B,1,H,W]: disparity gradients are downweighted where the
// color image has strong gradients.
func DisparitySmoothness(normDisp, color *tensor.Dense) (float64, error) {
	b, c, h, w, err := ml.Dims4(normDisp)
	if err != nil {
		return 0, err
	}
	if c != 1 {
		return 0, errors.Errorf("disparity must have a single channel, got %d", c)
	}
	cb, _, ch, cw, err := ml.Dims4(color)
	if err != nil {
		return 0, err
	}
	if cb != b || ch != h || cw != w {
		return 0, errShapeMismatch(normDisp, color)
	}
	gradImgX, gradImgY, err := imageGradientMagnitudes(color)
	if err != nil {
		return 0, err
	}
	dd := ml.Data(normDisp)
	sumX, nX := 0.0, 0
	sumY, nY := 0.0, 0
	for bi := 0; bi < b; bi++ {
		base := bi * h * w
		for y := 0; y < h; y++ {
			for x := 0; x+1 < w; x++ {
				g := math.Abs(float64(dd[base+y*w+x]) - float64(dd[base+y*w+x+1]))
				sumX += g * math.Exp(-gradImgX[base+y*w+x])
				nX++
			}
		}
		for y := 0; y+1 < h; y++ {
			for x := 0; x < w; x++ {
				g := math.Abs(float64(dd[base+y*w+x]) - float64(dd[base+(y+1)*w+x]))
				sumY += g * math.Exp(-gradImgY[base+y*w+x])
				nY++
			}
		}
	}
	return sumX/float64(nX) + sumY/float64(nY), nil
}

// BrightnessSmoothness is the edge-aware smoothness of the appearance
// transform prediction [B,C,H,W], weighted by the (detached) occlusion
// mask [B,1,H,W] so that only valid correspondences regularize it.
func BrightnessSmoothness(bright, color, mask *tensor.Dense) (float64, error) {
	b, _, h, w, err := ml.Dims4(bright)
	if err != nil {
		return 0, err
	}
	brightMean, err := ml.ChannelMean(bright)
	if err != nil {
		return 0, err
	}
	mb, mc, mh, mw, err := ml.Dims4(mask)
	if err != nil {
		return 0, err
	}
	if mb != b || mc != 1 || mh != h || mw != w {
		return 0, errShapeMismatch(bright, mask)
	}
	gradImgX, gradImgY, err := imageGradientMagnitudes(color)
	if err != nil {
		return 0, err
	}
	bd := ml.Data(brightMean)
	md := ml.Data(mask)
	sumX, nX := 0.0, 0
	sumY, nY := 0.0, 0
	for bi := 0; bi < b; bi++ {
		base := bi * h * w
		for y := 0; y < h; y++ {
			for x := 0; x+1 < w; x++ {
				g := math.Abs(float64(bd[base+y*w+x]) - float64(bd[base+y*w+x+1]))
				sumX += g * math.Exp(-gradImgX[base+y*w+x]) * float64(md[base+y*w+x])
				nX++
			}
		}
		for y := 0; y+1 < h; y++ {
			for x := 0; x < w; x++ {
				g := math.Abs(float64(bd[base+y*w+x]) - float64(bd[base+(y+1)*w+x]))
				sumY += g * math.Exp(-gradImgY[base+y*w+x]) * float64(md[base+y*w+x])
				nY++
			}
		}
	}
	return sumX/float64(nX) + sumY/float64(nY), nil
}

// imageGradientMagnitudes returns channel-averaged |dI/dx| and |dI/dy| as
// flat [B*H*W] slices (forward differences; last row/column unused).
func imageGradientMagnitudes(color *tensor.Dense) ([]float64, []float64, error) {
	b, c, h, w, err := ml.Dims4(color)
	if err != nil {
		return nil, nil, err
	}
	cd := ml.Data(color)
	gx := make([]float64, b*h*w)
	gy := make([]float64, b*h*w)
	inv := 1.0 / float64(c)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			base := (bi*c + ci) * h * w
			obase := bi * h * w
			for y := 0; y < h; y++ {
				for x := 0; x+1 < w; x++ {
					gx[obase+y*w+x] += math.Abs(float64(cd[base+y*w+x])-float64(cd[base+y*w+x+1])) * inv
				}
			}
			for y := 0; y+1 < h; y++ {
				for x := 0; x < w; x++ {
					gy[obase+y*w+x] += math.Abs(float64(cd[base+y*w+x])-float64(cd[base+(y+1)*w+x])) * inv
				}
			}
		}
	}
	return gx, gy, nil
}

// NCCLossMap returns the per-pixel negated local normalized cross
// correlation between two single-channel images [B,1,H,W], computed over
// win x win windows. Lower values mean better registration; the
// validation loop selects the best frame per pixel by minimum.
func NCCLossMap(a, b *tensor.Dense, win int) (*tensor.Dense, error) {
	if !a.Shape().Eq(b.Shape()) {
		return nil, errShapeMismatch(a, b)
	}
	nb, c, h, w, err := ml.Dims4(a)
	if err != nil {
		return nil, err
	}
	if c != 1 {
		return nil, errors.Errorf("NCC expects single-channel inputs, got %d channels", c)
	}
	if win < 1 || win%2 == 0 {
		return nil, errors.Errorf("window must be a positive odd size, got %d", win)
	}
	const eps = 1e-5
	r := win / 2
	ad := ml.Data(a)
	bd := ml.Data(b)
	out := ml.Zeros(nb, 1, h, w)
	od := ml.Data(out)
	for bi := 0; bi < nb; bi++ {
		base := bi * h * w
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var sa, sb, saa, sbb, sab float64
				n := 0
				for dy := -r; dy <= r; dy++ {
					yy := y + dy
					if yy < 0 || yy >= h {
						continue
					}
					for dx := -r; dx <= r; dx++ {
						xx := x + dx
						if xx < 0 || xx >= w {
							continue
						}
						av := float64(ad[base+yy*w+xx])
						bv := float64(bd[base+yy*w+xx])
						sa += av
						sb += bv
						saa += av * av
						sbb += bv * bv
						sab += av * bv
						n++
					}
				}
				fn := float64(n)
				cross := sab - sa*sb/fn
				varA := saa - sa*sa/fn
				varB := sbb - sb*sb/fn
				cc := cross * cross / (varA*varB + eps)
				od[base+y*w+x] = float32(-cc)
			}
		}
	}
	return out, nil
}
