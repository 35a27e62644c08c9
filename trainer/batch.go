package trainer

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/camera"
	"github.com/endovislab/sfmtrain/ml"
)

// FrameKey addresses a per-frame, per-scale entry in a batch or in the
// pipeline outputs. FrameID is the relative temporal offset (0 is the
// reference frame); Scale is the pyramid level, 0 being full resolution.
type FrameKey struct {
	FrameID int
	Scale   int
}

// Batch is one training example group: color pyramids for every frame id,
// per-item camera intrinsics at full resolution, and optionally the fixed
// stereo transforms.
type Batch struct {
	Size   int
	Height int
	Width  int

	// Color holds [B,3,H>>s,W>>s] tensors keyed by frame id and scale.
	Color map[FrameKey]*tensor.Dense
	// Intrinsics holds one full-resolution calibration per batch item.
	Intrinsics []camera.Intrinsics
	// StereoT holds one fixed 4x4 camera-to-camera transform per batch
	// item when the stereo view is in use.
	StereoT []*mat.Dense
}

// StereoFrameID keys the fixed-baseline stereo view in Batch.Color.
const StereoFrameID = 1 << 16

// BatchSource yields batches for one pass over a dataset. Next returns
// io.EOF once the pass is exhausted; Reset rewinds for another pass.
type BatchSource interface {
	Next(ctx context.Context) (*Batch, error)
	Reset() error
}

// Validate checks that the batch carries everything the pipeline reads
// under the given options.
func (b *Batch) Validate(opt *Options) error {
	if b.Size < 1 {
		return errors.New("empty batch")
	}
	if b.Height != opt.Height || b.Width != opt.Width {
		return errors.Errorf("batch is %dx%d, options expect %dx%d",
			b.Width, b.Height, opt.Width, opt.Height)
	}
	if len(b.Intrinsics) != b.Size {
		return errors.Errorf("expected %d intrinsics, got %d", b.Size, len(b.Intrinsics))
	}
	frames := opt.FrameIDs
	if opt.UseStereo {
		frames = append(append([]int{}, frames...), StereoFrameID)
		if len(b.StereoT) != b.Size {
			return errors.Errorf("expected %d stereo transforms, got %d", b.Size, len(b.StereoT))
		}
	}
	for _, fi := range frames {
		for _, s := range opt.Scales {
			t, ok := b.Color[FrameKey{fi, s}]
			if !ok {
				return errors.Errorf("batch is missing color for frame %d scale %d", fi, s)
			}
			bb, c, h, w, err := ml.Dims4(t)
			if err != nil {
				return errors.Wrapf(err, "color frame %d scale %d", fi, s)
			}
			if bb != b.Size || c != 3 || h != b.Height>>uint(s) || w != b.Width>>uint(s) {
				return errors.Errorf("color frame %d scale %d has shape %v", fi, s, t.Shape())
			}
		}
	}
	return nil
}

// ScaledIntrinsics returns per-item calibrations resized to the given
// pyramid scale.
func (b *Batch) ScaledIntrinsics(scale int) []camera.Intrinsics {
	if scale == 0 {
		return b.Intrinsics
	}
	out := make([]camera.Intrinsics, len(b.Intrinsics))
	for i, intr := range b.Intrinsics {
		out[i] = intr.Scaled(b.Width>>uint(scale), b.Height>>uint(scale))
	}
	return out
}

// NewBatchFromImages builds a batch from full-resolution frames, resizing
// each to the configured dimensions and constructing the color pyramid.
// images[fi] holds one image per batch item for frame id fi.
func NewBatchFromImages(
	opt *Options,
	images map[int][]image.Image,
	intrinsics []camera.Intrinsics,
) (*Batch, error) {
	size := 0
	for _, imgs := range images {
		size = len(imgs)
		break
	}
	if size == 0 {
		return nil, errors.New("no images supplied")
	}
	if len(intrinsics) != size {
		return nil, errors.Errorf("expected %d intrinsics, got %d", size, len(intrinsics))
	}
	b := &Batch{
		Size:       size,
		Height:     opt.Height,
		Width:      opt.Width,
		Color:      map[FrameKey]*tensor.Dense{},
		Intrinsics: intrinsics,
	}
	for fi, imgs := range images {
		if len(imgs) != size {
			return nil, errors.Errorf("frame %d has %d images, expected %d", fi, len(imgs), size)
		}
		for _, s := range opt.Scales {
			w, h := opt.Width>>uint(s), opt.Height>>uint(s)
			data := make([]float32, size*3*h*w)
			for bi, img := range imgs {
				resized := imaging.Resize(img, w, h, imaging.Linear)
				plane := h * w
				base := bi * 3 * plane
				for y := 0; y < h; y++ {
					for x := 0; x < w; x++ {
						r, g, bl, _ := resized.At(x, y).RGBA()
						data[base+y*w+x] = float32(r) / 65535
						data[base+plane+y*w+x] = float32(g) / 65535
						data[base+2*plane+y*w+x] = float32(bl) / 65535
					}
				}
			}
			b.Color[FrameKey{fi, s}] = tensor.New(
				tensor.WithShape(size, 3, h, w),
				tensor.WithBacking(data),
			)
		}
	}
	return b, nil
}
