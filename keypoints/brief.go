package keypoints

import (
	"image"
	"math"
	"math/rand"
)

// Descriptor is a BRIEF binary descriptor packed into uint64 words.
type Descriptor []uint64

// Descriptors is a set of BRIEF descriptors.
type Descriptors []Descriptor

// BRIEFConfig stores the parameters of the BRIEF descriptor.
type BRIEFConfig struct {
	// N is the number of intensity comparisons (a multiple of 64).
	N int `json:"n"`
	// PatchSize is the comparison patch side length.
	PatchSize int `json:"patch_size"`
	// UseOrientation steers sample pairs by keypoint orientation.
	UseOrientation bool `json:"use_orientation"`
	// Seed makes sample-pair generation reproducible across frames.
	Seed int64 `json:"seed"`
}

// DefaultBRIEFConfig returns a 256-bit BRIEF setup.
func DefaultBRIEFConfig() *BRIEFConfig {
	return &BRIEFConfig{N: 256, PatchSize: 48, UseOrientation: true, Seed: 1}
}

// SamplePairs are N pairs of patch offsets compared by BRIEF. The same
// pairs must be used for every image being matched.
type SamplePairs struct {
	P0 []image.Point
	P1 []image.Point
	N  int
}

// GenerateSamplePairs draws N offset pairs uniformly inside the patch.
func GenerateSamplePairs(cfg *BRIEFConfig) *SamplePairs {
	//nolint:gosec
	rnd := rand.New(rand.NewSource(cfg.Seed))
	vMin := int(math.Round(-(float64(cfg.PatchSize) - 2) / 2))
	vMax := int(math.Round(float64(cfg.PatchSize) / 2))
	span := vMax - vMin + 1
	p0 := make([]image.Point, cfg.N)
	p1 := make([]image.Point, cfg.N)
	for i := 0; i < cfg.N; i++ {
		p0[i] = image.Point{vMin + rnd.Intn(span), vMin + rnd.Intn(span)}
		p1[i] = image.Point{vMin + rnd.Intn(span), vMin + rnd.Intn(span)}
	}
	return &SamplePairs{P0: p0, P1: p1, N: cfg.N}
}

// gaussianBlur5 applies a 5x5 binomial blur, ignoring out-of-bounds taps.
func gaussianBlur5(img *image.Gray) *image.Gray {
	kernel := [5]float64{1, 4, 6, 4, 1}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	tmp := make([]float64, w*h)
	out := image.NewGray(bounds)
	// horizontal
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, wsum := 0.0, 0.0
			for k := -2; k <= 2; k++ {
				xx := x + k
				if xx < 0 || xx >= w {
					continue
				}
				sum += kernel[k+2] * float64(img.GrayAt(xx, y).Y)
				wsum += kernel[k+2]
			}
			tmp[y*w+x] = sum / wsum
		}
	}
	// vertical
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum, wsum := 0.0, 0.0
			for k := -2; k <= 2; k++ {
				yy := y + k
				if yy < 0 || yy >= h {
					continue
				}
				sum += kernel[k+2] * tmp[yy*w+x]
				wsum += kernel[k+2]
			}
			out.Pix[out.PixOffset(x, y)] = uint8(math.Round(sum / wsum))
		}
	}
	return out
}

// ComputeBRIEFDescriptors computes BRIEF descriptors at kps on a blurred
// copy of img. Keypoints whose patch leaves the image get an all-zero
// descriptor, like the sampled-out case in matching.
func ComputeBRIEFDescriptors(img *image.Gray, sp *SamplePairs, kps KeyPoints, orientations []float64, cfg *BRIEFConfig) Descriptors {
	blurred := gaussianBlur5(img)
	bnd := blurred.Bounds()
	halfSize := cfg.PatchSize / 2
	descs := make(Descriptors, len(kps))
	for k, kp := range kps {
		descriptor := make(Descriptor, sp.N/64)
		descs[k] = descriptor
		corners := []image.Point{
			{kp.X + halfSize, kp.Y + halfSize},
			{kp.X + halfSize, kp.Y - halfSize},
			{kp.X - halfSize, kp.Y + halfSize},
			{kp.X - halfSize, kp.Y - halfSize},
		}
		inside := true
		for _, c := range corners {
			if !c.In(bnd) {
				inside = false
				break
			}
		}
		if !inside {
			continue
		}
		cosTheta, sinTheta := 1.0, 0.0
		if cfg.UseOrientation && orientations != nil {
			cosTheta = math.Cos(orientations[k])
			sinTheta = math.Sin(orientations[k])
		}
		for i := 0; i < sp.N; i++ {
			x0, y0 := float64(sp.P0[i].X), float64(sp.P0[i].Y)
			x1, y1 := float64(sp.P1[i].X), float64(sp.P1[i].Y)
			outx0 := int(math.Round(cosTheta*x0 - sinTheta*y0))
			outy0 := int(math.Round(sinTheta*x0 + cosTheta*y0))
			outx1 := int(math.Round(cosTheta*x1 - sinTheta*y1))
			outy1 := int(math.Round(sinTheta*x1 + cosTheta*y1))
			p0Val := blurred.GrayAt(kp.X+outx0, kp.Y+outy0).Y
			p1Val := blurred.GrayAt(kp.X+outx1, kp.Y+outy1).Y
			if p0Val > p1Val {
				descriptor[i/64] |= 1 << (i % 64)
			}
		}
	}
	return descs
}
