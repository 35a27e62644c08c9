// Package keypoints detects and matches sparse image features for the
// classical pose cross-check: FAST corners (primary), Harris corners
// (fallback), BRIEF descriptors and nearest-neighbor ratio-test matching.
package keypoints

import (
	"image"
	"math"
)

// KeyPoint is an image point selected by a detector.
type KeyPoint = image.Point

// KeyPoints is a set of detected points.
type KeyPoints []image.Point

// FASTConfig holds the parameters of the FAST corner detector.
type FASTConfig struct {
	// NMatchesCircle is the number of contiguous circle pixels that must
	// all be brighter or all darker than the center.
	NMatchesCircle int `json:"n_matches_circle"`
	// NMSWinSize is the window size for non-maximum suppression.
	NMSWinSize int `json:"nms_win_size"`
	// Threshold is the relative intensity difference (fraction of 255).
	Threshold float64 `json:"threshold"`
}

// DefaultFASTConfig matches the usual FAST-9 setup.
func DefaultFASTConfig() *FASTConfig {
	return &FASTConfig{NMatchesCircle: 9, NMSWinSize: 7, Threshold: 0.15}
}

// circleIdx is the Bresenham circle of radius 3 around a candidate corner.
var circleIdx = [16][2]int{
	{0, -3}, {1, -3}, {2, -2}, {3, -1},
	{3, 0}, {3, 1}, {2, 2}, {1, 3},
	{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
	{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
}

// DetectFAST finds FAST corners in a grayscale image with non-maximum
// suppression on the corner score.
func DetectFAST(img *image.Gray, cfg *FASTConfig) KeyPoints {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	th := cfg.Threshold * 255

	type scored struct {
		pt    image.Point
		score float64
	}
	var candidates []scored
	scores := make([]float64, w*h)

	for y := 3; y < h-3; y++ {
		for x := 3; x < w-3; x++ {
			center := float64(img.GrayAt(x, y).Y)
			brighter := make([]bool, 16)
			darker := make([]bool, 16)
			score := 0.0
			for i, off := range circleIdx {
				v := float64(img.GrayAt(x+off[0], y+off[1]).Y)
				if v > center+th {
					brighter[i] = true
				} else if v < center-th {
					darker[i] = true
				}
				score += math.Abs(v - center)
			}
			if hasContiguousRun(brighter, cfg.NMatchesCircle) || hasContiguousRun(darker, cfg.NMatchesCircle) {
				candidates = append(candidates, scored{image.Point{x, y}, score})
				scores[y*w+x] = score
			}
		}
	}

	// non-maximum suppression
	win := cfg.NMSWinSize / 2
	kps := make(KeyPoints, 0, len(candidates))
	for _, cand := range candidates {
		best := true
		for dy := -win; dy <= win && best; dy++ {
			yy := cand.pt.Y + dy
			if yy < 0 || yy >= h {
				continue
			}
			for dx := -win; dx <= win; dx++ {
				xx := cand.pt.X + dx
				if xx < 0 || xx >= w {
					continue
				}
				if scores[yy*w+xx] > cand.score {
					best = false
					break
				}
			}
		}
		if best {
			kps = append(kps, cand.pt)
		}
	}
	return kps
}

// hasContiguousRun reports whether the circular flag array contains a run
// of at least n consecutive set flags (with wraparound).
func hasContiguousRun(flags []bool, n int) bool {
	count := 0
	// doubled traversal handles wraparound runs
	for i := 0; i < 2*len(flags); i++ {
		if flags[i%len(flags)] {
			count++
			if count >= n {
				return true
			}
		} else {
			count = 0
		}
	}
	return false
}

// Orientations computes the intensity-centroid orientation of each
// keypoint over a (2r+1)^2 patch, used to steer BRIEF sampling.
func Orientations(img *image.Gray, kps KeyPoints, r int) []float64 {
	bounds := img.Bounds()
	out := make([]float64, len(kps))
	for i, kp := range kps {
		var m01, m10 float64
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				p := image.Point{kp.X + dx, kp.Y + dy}
				if !p.In(bounds) {
					continue
				}
				v := float64(img.GrayAt(p.X, p.Y).Y)
				m10 += v * float64(dx)
				m01 += v * float64(dy)
			}
		}
		out[i] = math.Atan2(m01, m10)
	}
	return out
}
