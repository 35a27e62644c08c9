// Package losses implements the photometric and regularization terms that
// score synthesized views against the reference frame.
package losses

import (
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/ml"
)

const (
	ssimC1 = 0.01 * 0.01
	ssimC2 = 0.03 * 0.03
)

// meanPool3 applies a 3x3 mean filter with reflection padding to every
// channel of t.
func meanPool3(t *tensor.Dense) *tensor.Dense {
	b, c, h, w, err := ml.Dims4(t)
	if err != nil {
		return nil
	}
	out := ml.Zeros(b, c, h, w)
	dst := ml.Data(out)
	src := ml.Data(t)
	reflect := func(v, n int) int {
		if v < 0 {
			return -v
		}
		if v >= n {
			return 2*n - v - 2
		}
		return v
	}
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			base := (bi*c + ci) * h * w
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					var sum float32
					for dy := -1; dy <= 1; dy++ {
						yy := reflect(y+dy, h)
						for dx := -1; dx <= 1; dx++ {
							xx := reflect(x+dx, w)
							sum += src[base+yy*w+xx]
						}
					}
					dst[base+y*w+x] = sum / 9
				}
			}
		}
	}
	return out
}

// SSIM returns the per-pixel structural dissimilarity map of pred vs
// target, (1-SSIM)/2 clamped to [0,1], shape [B,C,H,W]. Statistics use a
// 3x3 mean filter.
func SSIM(pred, target *tensor.Dense) (*tensor.Dense, error) {
	if !pred.Shape().Eq(target.Shape()) {
		return nil, errShapeMismatch(pred, target)
	}
	muX := meanPool3(pred)
	muY := meanPool3(target)

	x2 := ml.Clone(pred)
	squareInPlace(x2)
	y2 := ml.Clone(target)
	squareInPlace(y2)
	xy := ml.Clone(pred)
	mulInPlace(xy, target)

	sigX := meanPool3(x2)
	sigY := meanPool3(y2)
	sigXY := meanPool3(xy)

	out := ml.Zeros(pred.Shape()...)
	od := ml.Data(out)
	mx := ml.Data(muX)
	my := ml.Data(muY)
	sx := ml.Data(sigX)
	sy := ml.Data(sigY)
	sxy := ml.Data(sigXY)
	for i := range od {
		mxv := float64(mx[i])
		myv := float64(my[i])
		varX := float64(sx[i]) - mxv*mxv
		varY := float64(sy[i]) - myv*myv
		covXY := float64(sxy[i]) - mxv*myv
		n := (2*mxv*myv + ssimC1) * (2*covXY + ssimC2)
		d := (mxv*mxv + myv*myv + ssimC1) * (varX + varY + ssimC2)
		v := (1 - n/d) / 2
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		od[i] = float32(v)
	}
	return out, nil
}

func squareInPlace(t *tensor.Dense) {
	d := ml.Data(t)
	for i, v := range d {
		d[i] = v * v
	}
}

func mulInPlace(t, other *tensor.Dense) {
	d := ml.Data(t)
	o := ml.Data(other)
	for i := range d {
		d[i] *= o[i]
	}
}
