package geometry

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/ml"
)

// GridSample resamples src [B,C,H,W] at the normalized coordinates of
// grid [B,Ho,Wo,2] (x,y in [-1,1]) with bilinear interpolation.
// Out-of-range coordinates are clamped to the border; there is no
// wraparound. The operation is a pure bilinear blend, differentiable with
// respect to both the image values and the coordinates.
func GridSample(src, grid *tensor.Dense) (*tensor.Dense, error) {
	b, c, h, w, err := ml.Dims4(src)
	if err != nil {
		return nil, err
	}
	gshape := grid.Shape()
	if len(gshape) != 4 || gshape[3] != 2 {
		return nil, errors.Errorf("expected grid of shape [B,H,W,2], got %v", gshape)
	}
	if gshape[0] != b {
		return nil, errors.Errorf("grid batch %d != image batch %d", gshape[0], b)
	}
	ho, wo := gshape[1], gshape[2]

	out := ml.Zeros(b, c, ho, wo)
	dst := ml.Data(out)
	img := ml.Data(src)
	g := ml.Data(grid)

	for bi := 0; bi < b; bi++ {
		for y := 0; y < ho; y++ {
			for x := 0; x < wo; x++ {
				gi := ((bi*ho+y)*wo + x) * 2
				// unnormalize to pixel space
				fx := (float64(g[gi]) + 1) / 2 * float64(w-1)
				fy := (float64(g[gi+1]) + 1) / 2 * float64(h-1)
				fx = clampf(fx, 0, float64(w-1))
				fy = clampf(fy, 0, float64(h-1))

				x0 := int(fx)
				y0 := int(fy)
				x1 := minInt(x0+1, w-1)
				y1 := minInt(y0+1, h-1)
				ax := float32(fx - float64(x0))
				ay := float32(fy - float64(y0))

				for ci := 0; ci < c; ci++ {
					base := (bi*c + ci) * h * w
					v00 := img[base+y0*w+x0]
					v01 := img[base+y0*w+x1]
					v10 := img[base+y1*w+x0]
					v11 := img[base+y1*w+x1]
					top := v00 + (v01-v00)*ax
					bot := v10 + (v11-v10)*ax
					dst[((bi*c+ci)*ho+y)*wo+x] = top + (bot-top)*ay
				}
			}
		}
	}
	return out, nil
}

// WarpByFlow resamples src [B,C,H,W] at the locations given by adding the
// dense displacement field flow [B,2,H,W] (pixels, channel 0 = x) to the
// identity pixel grid.
func WarpByFlow(src, flow *tensor.Dense) (*tensor.Dense, error) {
	b, c, h, w, err := ml.Dims4(flow)
	if err != nil {
		return nil, err
	}
	if c != 2 {
		return nil, errors.Errorf("flow must have 2 channels, got %d", c)
	}
	grid, err := flowToGrid(flow, b, h, w)
	if err != nil {
		return nil, err
	}
	return GridSample(src, grid)
}

// flowToGrid converts a pixel displacement field to a normalized grid.
func flowToGrid(flow *tensor.Dense, b, h, w int) (*tensor.Dense, error) {
	f := ml.Data(flow)
	grid := ml.Zeros(b, h, w, 2)
	g := ml.Data(grid)
	n := h * w
	for bi := 0; bi < b; bi++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := y*w + x
				sx := float64(x) + float64(f[bi*2*n+idx])
				sy := float64(y) + float64(f[bi*2*n+n+idx])
				g[((bi*h+y)*w+x)*2] = float32((sx/float64(w-1) - 0.5) * 2)
				g[((bi*h+y)*w+x)*2+1] = float32((sy/float64(h-1) - 0.5) * 2)
			}
		}
	}
	return grid, nil
}

// Resize bilinearly rescales t [B,C,H,W] to [B,C,h,w]. Sample positions
// follow the align_corners=false convention.
func Resize(t *tensor.Dense, h, w int) (*tensor.Dense, error) {
	b, c, hin, win, err := ml.Dims4(t)
	if err != nil {
		return nil, err
	}
	if hin == h && win == w {
		return ml.Clone(t), nil
	}
	out := ml.Zeros(b, c, h, w)
	dst := ml.Data(out)
	src := ml.Data(t)
	scaleY := float64(hin) / float64(h)
	scaleX := float64(win) / float64(w)
	for y := 0; y < h; y++ {
		fy := clampf((float64(y)+0.5)*scaleY-0.5, 0, float64(hin-1))
		y0 := int(fy)
		y1 := minInt(y0+1, hin-1)
		ay := float32(fy - float64(y0))
		for x := 0; x < w; x++ {
			fx := clampf((float64(x)+0.5)*scaleX-0.5, 0, float64(win-1))
			x0 := int(fx)
			x1 := minInt(x0+1, win-1)
			ax := float32(fx - float64(x0))
			for bi := 0; bi < b; bi++ {
				for ci := 0; ci < c; ci++ {
					base := (bi*c + ci) * hin * win
					v00 := src[base+y0*win+x0]
					v01 := src[base+y0*win+x1]
					v10 := src[base+y1*win+x0]
					v11 := src[base+y1*win+x1]
					top := v00 + (v01-v00)*ax
					bot := v10 + (v11-v10)*ax
					dst[((bi*c+ci)*h+y)*w+x] = top + (bot-top)*ay
				}
			}
		}
	}
	return out, nil
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
