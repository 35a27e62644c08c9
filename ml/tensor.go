// Package ml provides the dense tensor primitives shared by the training
// pipeline. All image-like tensors are float32 and laid out NCHW.
package ml

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Zeros returns a zero-filled float32 tensor with the given shape.
func Zeros(shape ...int) *tensor.Dense {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(make([]float32, n)))
}

// Full returns a tensor with the given shape where every element is v.
func Full(v float32, shape ...int) *tensor.Dense {
	n := 1
	for _, s := range shape {
		n *= s
	}
	backing := make([]float32, n)
	for i := range backing {
		backing[i] = v
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// Data returns the raw float32 backing of t.
func Data(t *tensor.Dense) []float32 {
	return t.Data().([]float32)
}

// Clone returns a deep copy of t.
func Clone(t *tensor.Dense) *tensor.Dense {
	src := Data(t)
	backing := make([]float32, len(src))
	copy(backing, src)
	return tensor.New(tensor.WithShape(t.Shape()...), tensor.WithBacking(backing))
}

// Detach returns a copy of t that must be treated as a constant with
// respect to optimization: no gradient may flow through values read from
// it. Call sites use it to keep loss weights from being optimized away.
func Detach(t *tensor.Dense) *tensor.Dense {
	return Clone(t)
}

// Dims4 returns the dimensions of a 4D NCHW tensor.
func Dims4(t *tensor.Dense) (b, c, h, w int, err error) {
	shape := t.Shape()
	if len(shape) != 4 {
		return 0, 0, 0, 0, errors.Errorf("expected a 4D tensor, got shape %v", shape)
	}
	return shape[0], shape[1], shape[2], shape[3], nil
}

// ChannelMean collapses the channel dimension of a [B,C,H,W] tensor into
// [B,1,H,W] by averaging.
func ChannelMean(t *tensor.Dense) (*tensor.Dense, error) {
	b, c, h, w, err := Dims4(t)
	if err != nil {
		return nil, err
	}
	src := Data(t)
	out := Zeros(b, 1, h, w)
	dst := Data(out)
	inv := float32(1) / float32(c)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			plane := src[((bi*c+ci)*h)*w : ((bi*c+ci)*h+h)*w]
			dplane := dst[(bi*h)*w : (bi*h+h)*w]
			for i, v := range plane {
				dplane[i] += v * inv
			}
		}
	}
	return out, nil
}

// Clamp returns a copy of t with every element limited to [lo, hi].
func Clamp(t *tensor.Dense, lo, hi float32) *tensor.Dense {
	out := Clone(t)
	data := Data(out)
	for i, v := range data {
		if v < lo {
			data[i] = lo
		} else if v > hi {
			data[i] = hi
		}
	}
	return out
}

// Mean returns the mean of all elements of t.
func Mean(t *tensor.Dense) float64 {
	data := Data(t)
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += float64(v)
	}
	return sum / float64(len(data))
}

// Sum returns the sum of all elements of t.
func Sum(t *tensor.Dense) float64 {
	sum := 0.0
	for _, v := range Data(t) {
		sum += float64(v)
	}
	return sum
}

// AbsDiff returns |a-b| elementwise. Shapes must match.
func AbsDiff(a, b *tensor.Dense) (*tensor.Dense, error) {
	if !a.Shape().Eq(b.Shape()) {
		return nil, errors.Errorf("shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	out := Clone(a)
	da := Data(out)
	db := Data(b)
	for i := range da {
		d := da[i] - db[i]
		if d < 0 {
			d = -d
		}
		da[i] = d
	}
	return out, nil
}

// Add returns a+b elementwise. Shapes must match.
func Add(a, b *tensor.Dense) (*tensor.Dense, error) {
	if !a.Shape().Eq(b.Shape()) {
		return nil, errors.Errorf("shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	out := Clone(a)
	da := Data(out)
	db := Data(b)
	for i := range da {
		da[i] += db[i]
	}
	return out, nil
}

// Mul returns a*b elementwise, broadcasting a single-channel b over the
// channels of a when needed ([B,C,H,W] x [B,1,H,W]).
func Mul(a, b *tensor.Dense) (*tensor.Dense, error) {
	ba, ca, ha, wa, err := Dims4(a)
	if err != nil {
		return nil, err
	}
	bb, cb, hb, wb, err := Dims4(b)
	if err != nil {
		return nil, err
	}
	if ba != bb || ha != hb || wa != wb || (cb != ca && cb != 1) {
		return nil, errors.Errorf("shape mismatch %v vs %v", a.Shape(), b.Shape())
	}
	out := Clone(a)
	da := Data(out)
	db := Data(b)
	plane := ha * wa
	for bi := 0; bi < ba; bi++ {
		for ci := 0; ci < ca; ci++ {
			cbi := ci
			if cb == 1 {
				cbi = 0
			}
			ao := (bi*ca + ci) * plane
			bo := (bi*cb + cbi) * plane
			for i := 0; i < plane; i++ {
				da[ao+i] *= db[bo+i]
			}
		}
	}
	return out, nil
}

// ToGray converts batch item b of a [B,C,H,W] tensor with values in [0,1]
// into an 8-bit grayscale image by averaging channels.
func ToGray(t *tensor.Dense, b int) (*image.Gray, error) {
	nb, c, h, w, err := Dims4(t)
	if err != nil {
		return nil, err
	}
	if b < 0 || b >= nb {
		return nil, errors.Errorf("batch index %d out of range [0,%d)", b, nb)
	}
	data := Data(t)
	out := image.NewGray(image.Rect(0, 0, w, h))
	inv := 1.0 / float64(c)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			for ci := 0; ci < c; ci++ {
				sum += float64(data[((b*c+ci)*h+y)*w+x])
			}
			v := math.Round(sum * inv * 255.0)
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			out.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return out, nil
}
