package keypoints

import (
	"image"
)

// HarrisConfig holds the parameters of the Harris corner detector, used as
// the secondary detector when FAST finds too few corners (low-texture
// endoscopic frames).
type HarrisConfig struct {
	// K is the Harris response trace weight.
	K float64 `json:"k"`
	// RelativeThreshold keeps responses above this fraction of the max.
	RelativeThreshold float64 `json:"relative_threshold"`
	// NMSWinSize is the window size for non-maximum suppression.
	NMSWinSize int `json:"nms_win_size"`
}

// DefaultHarrisConfig returns the standard Harris setup.
func DefaultHarrisConfig() *HarrisConfig {
	return &HarrisConfig{K: 0.04, RelativeThreshold: 0.01, NMSWinSize: 7}
}

// DetectHarris finds Harris corners from Sobel gradient structure tensors.
func DetectHarris(img *image.Gray, cfg *HarrisConfig) KeyPoints {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 3 || h < 3 {
		return nil
	}
	// Sobel gradients
	gx := make([]float64, w*h)
	gy := make([]float64, w*h)
	at := func(x, y int) float64 { return float64(img.GrayAt(x, y).Y) }
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			gx[y*w+x] = at(x+1, y-1) + 2*at(x+1, y) + at(x+1, y+1) -
				at(x-1, y-1) - 2*at(x-1, y) - at(x-1, y+1)
			gy[y*w+x] = at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1) -
				at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1)
		}
	}
	// Harris response over 3x3 accumulated structure tensors
	resp := make([]float64, w*h)
	maxResp := 0.0
	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			var sxx, syy, sxy float64
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					ix := gx[(y+dy)*w+x+dx]
					iy := gy[(y+dy)*w+x+dx]
					sxx += ix * ix
					syy += iy * iy
					sxy += ix * iy
				}
			}
			det := sxx*syy - sxy*sxy
			trace := sxx + syy
			r := det - cfg.K*trace*trace
			resp[y*w+x] = r
			if r > maxResp {
				maxResp = r
			}
		}
	}
	if maxResp <= 0 {
		return nil
	}
	th := cfg.RelativeThreshold * maxResp
	win := cfg.NMSWinSize / 2
	var kps KeyPoints
	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			r := resp[y*w+x]
			if r < th {
				continue
			}
			best := true
			for dy := -win; dy <= win && best; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -win; dx <= win; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					if resp[yy*w+xx] > r {
						best = false
						break
					}
				}
			}
			if best {
				kps = append(kps, image.Point{x, y})
			}
		}
	}
	return kps
}
