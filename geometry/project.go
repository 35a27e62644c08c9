package geometry

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/camera"
	"github.com/endovislab/sfmtrain/ml"
)

// BackprojectDepth lifts a dense depth map [B,1,H,W] into homogeneous 3D
// camera points [B,4,H*W] using the inverse intrinsics of each batch item.
// The intrinsics must already be scaled to the depth map's resolution.
func BackprojectDepth(depth *tensor.Dense, intr []camera.Intrinsics) (*tensor.Dense, error) {
	b, c, h, w, err := ml.Dims4(depth)
	if err != nil {
		return nil, err
	}
	if c != 1 {
		return nil, errors.Errorf("depth map must have a single channel, got %d", c)
	}
	if len(intr) != b {
		return nil, errors.Errorf("have %d intrinsics for a batch of %d", len(intr), b)
	}
	n := h * w
	out := ml.Zeros(b, 4, n)
	dst := ml.Data(out)
	src := ml.Data(depth)
	for bi := 0; bi < b; bi++ {
		k := intr[bi]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := y*w + x
				z := float64(src[bi*n+idx])
				rx, ry, _ := k.PixelToRay(float64(x), float64(y))
				base := bi * 4 * n
				dst[base+idx] = float32(rx * z)
				dst[base+n+idx] = float32(ry * z)
				dst[base+2*n+idx] = float32(z)
				dst[base+3*n+idx] = 1
			}
		}
	}
	return out, nil
}

// ProjectToPixels reprojects homogeneous camera points [B,4,H*W] under the
// per-item rigid transforms T and intrinsics, producing a normalized
// sampling grid [B,H,W,2] with coordinates in [-1,1] suitable for
// GridSample. With identity transforms the grid reproduces the original
// pixel lattice.
func ProjectToPixels(camPoints *tensor.Dense, intr []camera.Intrinsics, transforms []*mat.Dense, h, w int) (*tensor.Dense, error) {
	shape := camPoints.Shape()
	if len(shape) != 3 || shape[1] != 4 {
		return nil, errors.Errorf("expected camera points of shape [B,4,N], got %v", shape)
	}
	b, n := shape[0], shape[2]
	if n != h*w {
		return nil, errors.Errorf("camera points hold %d pixels, expected %dx%d", n, h, w)
	}
	if len(intr) != b || len(transforms) != b {
		return nil, errors.Errorf("batch size mismatch: %d points, %d intrinsics, %d transforms",
			b, len(intr), len(transforms))
	}
	const eps = 1e-7
	src := ml.Data(camPoints)
	out := ml.Zeros(b, h, w, 2)
	dst := ml.Data(out)
	for bi := 0; bi < b; bi++ {
		T := transforms[bi]
		k := intr[bi]
		base := bi * 4 * n
		for idx := 0; idx < n; idx++ {
			px := float64(src[base+idx])
			py := float64(src[base+n+idx])
			pz := float64(src[base+2*n+idx])
			pw := float64(src[base+3*n+idx])

			cx := T.At(0, 0)*px + T.At(0, 1)*py + T.At(0, 2)*pz + T.At(0, 3)*pw
			cy := T.At(1, 0)*px + T.At(1, 1)*py + T.At(1, 2)*pz + T.At(1, 3)*pw
			cz := T.At(2, 0)*px + T.At(2, 1)*py + T.At(2, 2)*pz + T.At(2, 3)*pw

			ix, iy := k.PointToPixel(cx, cy, cz+eps)
			// normalize to [-1, 1]
			gx := (ix/float64(w-1) - 0.5) * 2
			gy := (iy/float64(h-1) - 0.5) * 2
			dst[(bi*n+idx)*2] = float32(gx)
			dst[(bi*n+idx)*2+1] = float32(gy)
		}
	}
	return out, nil
}

// SamplingGrid composes BackprojectDepth and ProjectToPixels: from a depth
// map, intrinsics and rigid transforms to a normalized sampling grid.
func SamplingGrid(depth *tensor.Dense, intr []camera.Intrinsics, transforms []*mat.Dense) (*tensor.Dense, error) {
	_, _, h, w, err := ml.Dims4(depth)
	if err != nil {
		return nil, err
	}
	pts, err := BackprojectDepth(depth, intr)
	if err != nil {
		return nil, err
	}
	return ProjectToPixels(pts, intr, transforms, h, w)
}
