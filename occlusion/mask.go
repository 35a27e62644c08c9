// Package occlusion estimates per-pixel validity masks from optical flow
// fields. Masked-out pixels have no reliable cross-frame correspondence
// (occluded or moved out of frame) and are excluded from the photometric
// loss terms. Masks are plain values: when used as loss weights they must
// be detached (ml.Detach) so the network cannot optimize them away.
package occlusion

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/geometry"
	"github.com/endovislab/sfmtrain/ml"
)

// BackwardMask flags pixels whose backward flow vector has excessive
// magnitude. It returns a [B,1,H,W] mask (1 = valid) and the raw
// magnitude map in pixels. threshold is the largest acceptable
// displacement magnitude in pixels.
func BackwardMask(flowBack *tensor.Dense, threshold float64) (*tensor.Dense, *tensor.Dense, error) {
	b, c, h, w, err := ml.Dims4(flowBack)
	if err != nil {
		return nil, nil, err
	}
	if c != 2 {
		return nil, nil, errors.Errorf("flow must have 2 channels, got %d", c)
	}
	mask := ml.Zeros(b, 1, h, w)
	mag := ml.Zeros(b, 1, h, w)
	md := ml.Data(mask)
	gd := ml.Data(mag)
	fd := ml.Data(flowBack)
	n := h * w
	for bi := 0; bi < b; bi++ {
		for idx := 0; idx < n; idx++ {
			u := float64(fd[bi*2*n+idx])
			v := float64(fd[bi*2*n+n+idx])
			m := math.Sqrt(u*u + v*v)
			gd[bi*n+idx] = float32(m)
			if m <= threshold {
				md[bi*n+idx] = 1
			}
		}
	}
	return mask, mag, nil
}

// BidirectionalMask performs a forward-backward consistency check. The
// backward flow is warped into the forward flow's frame; where the
// round-trip displacement exceeds scale*(|f|^2+|b~|^2)+bias the pixel is
// flagged as occluded. It returns a [B,1,H,W] mask (1 = consistent) and
// the squared round-trip magnitude map. For a consistent flow pair the
// result is symmetric under swapping the two inputs up to interpolation
// error.
func BidirectionalMask(flowFwd, flowBwd *tensor.Dense, scale, bias float64) (*tensor.Dense, *tensor.Dense, error) {
	b, c, h, w, err := ml.Dims4(flowFwd)
	if err != nil {
		return nil, nil, err
	}
	if c != 2 {
		return nil, nil, errors.Errorf("flow must have 2 channels, got %d", c)
	}
	if !flowFwd.Shape().Eq(flowBwd.Shape()) {
		return nil, nil, errors.Errorf("flow shapes differ: %v vs %v", flowFwd.Shape(), flowBwd.Shape())
	}
	warped, err := geometry.WarpByFlow(flowBwd, flowFwd)
	if err != nil {
		return nil, nil, err
	}
	mask := ml.Zeros(b, 1, h, w)
	diff := ml.Zeros(b, 1, h, w)
	md := ml.Data(mask)
	dd := ml.Data(diff)
	fd := ml.Data(flowFwd)
	wd := ml.Data(warped)
	n := h * w
	for bi := 0; bi < b; bi++ {
		for idx := 0; idx < n; idx++ {
			fu := float64(fd[bi*2*n+idx])
			fv := float64(fd[bi*2*n+n+idx])
			bu := float64(wd[bi*2*n+idx])
			bv := float64(wd[bi*2*n+n+idx])
			du := fu + bu
			dv := fv + bv
			d2 := du*du + dv*dv
			dd[bi*n+idx] = float32(d2)
			tol := scale*(fu*fu+fv*fv+bu*bu+bv*bv) + bias
			if d2 <= tol {
				md[bi*n+idx] = 1
			}
		}
	}
	return mask, diff, nil
}
