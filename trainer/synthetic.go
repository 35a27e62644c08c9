package trainer

import (
	"context"
	"io"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/camera"
	"github.com/endovislab/sfmtrain/geometry"
	"github.com/endovislab/sfmtrain/ml"
)

// SyntheticSource generates deterministic batches of smooth textured
// frames where each neighbor is a slightly shifted, slightly brightened
// copy of the reference. It exercises the full pipeline in smoke runs and
// tests without any dataset on disk.
type SyntheticSource struct {
	opt            *Options
	seed           int64
	batchesPerPass int

	rnd       *rand.Rand
	remaining int
}

// NewSyntheticSource returns a source yielding batchesPerPass batches per
// pass, reproducible from the seed.
func NewSyntheticSource(opt *Options, seed int64, batchesPerPass int) *SyntheticSource {
	s := &SyntheticSource{opt: opt, seed: seed, batchesPerPass: batchesPerPass}
	//nolint:errcheck
	s.Reset()
	return s
}

// Reset implements BatchSource.
func (s *SyntheticSource) Reset() error {
	s.rnd = rand.New(rand.NewSource(s.seed)) //nolint:gosec
	s.remaining = s.batchesPerPass
	return nil
}

// Next implements BatchSource.
func (s *SyntheticSource) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.remaining == 0 {
		return nil, io.EOF
	}
	s.remaining--

	opt := s.opt
	b := &Batch{
		Size:       opt.BatchSize,
		Height:     opt.Height,
		Width:      opt.Width,
		Color:      map[FrameKey]*tensor.Dense{},
		Intrinsics: make([]camera.Intrinsics, opt.BatchSize),
	}
	for bi := range b.Intrinsics {
		b.Intrinsics[bi] = camera.Intrinsics{
			Width:  opt.Width,
			Height: opt.Height,
			Fx:     0.58 * float64(opt.Width),
			Fy:     1.92 * float64(opt.Height),
			Ppx:    0.5 * float64(opt.Width),
			Ppy:    0.5 * float64(opt.Height),
		}
	}
	frames := opt.FrameIDs
	if opt.UseStereo {
		frames = append(append([]int{}, frames...), StereoFrameID)
		b.StereoT = make([]*mat.Dense, opt.BatchSize)
		for bi := range b.StereoT {
			t := geometry.IdentityTransform()
			t.Set(0, 3, 0.1)
			b.StereoT[bi] = t
		}
	}

	patterns := make([][6]float64, opt.BatchSize)
	for bi := range patterns {
		for i := range patterns[bi] {
			patterns[bi][i] = s.rnd.Float64()
		}
	}
	for _, fi := range frames {
		full := s.render(patterns, fi)
		b.Color[FrameKey{fi, 0}] = full
		for _, sc := range opt.Scales[1:] {
			down, err := geometry.Resize(full, opt.Height>>uint(sc), opt.Width>>uint(sc))
			if err != nil {
				return nil, err
			}
			b.Color[FrameKey{fi, sc}] = down
		}
	}
	return b, nil
}

// render draws the smooth pattern for one frame id: neighbors are shifted
// two pixels per unit of temporal offset and brightened slightly.
func (s *SyntheticSource) render(patterns [][6]float64, fi int) *tensor.Dense {
	opt := s.opt
	h, w := opt.Height, opt.Width
	shift := 2.0 * float64(fi)
	bright := 0.02 * float64(fi)
	if fi == StereoFrameID {
		shift, bright = 4, 0
	}
	out := ml.Zeros(opt.BatchSize, 3, h, w)
	data := ml.Data(out)
	plane := h * w
	for bi := 0; bi < opt.BatchSize; bi++ {
		p := patterns[bi]
		for ci := 0; ci < 3; ci++ {
			base := (bi*3 + ci) * plane
			fx := 2 * math.Pi * (1 + 2*p[ci]) / float64(w)
			fy := 2 * math.Pi * (1 + 2*p[3+ci%3]) / float64(h)
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					v := 0.5 +
						0.2*math.Sin(fx*(float64(x)-shift)+p[ci]*math.Pi) +
						0.2*math.Cos(fy*float64(y)+p[5-ci]*math.Pi) +
						bright
					if v < 0 {
						v = 0
					} else if v > 1 {
						v = 1
					}
					data[base+y*w+x] = float32(v)
				}
			}
		}
	}
	return out
}
