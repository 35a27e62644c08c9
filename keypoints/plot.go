package keypoints

import (
	"image"

	"github.com/fogleman/gg"
)

// PlotMatches draws the two images side by side with lines between matched
// keypoints and writes the result to a PNG. Debug aid for inspecting the
// correspondence quality feeding the pose estimator.
func PlotMatches(im1, im2 *image.Gray, pts1, pts2 KeyPoints, outName string) error {
	w1 := im1.Bounds().Dx()
	h1 := im1.Bounds().Dy()
	w2 := im2.Bounds().Dx()
	h2 := im2.Bounds().Dy()
	h := h1
	if h2 > h {
		h = h2
	}
	dc := gg.NewContext(w1+w2, h)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.DrawImage(im1, 0, 0)
	dc.DrawImage(im2, w1, 0)

	dc.SetRGBA(0, 0, 1, 0.5)
	for i := range pts1 {
		dc.DrawCircle(float64(pts1[i].X), float64(pts1[i].Y), 3)
		dc.Fill()
		dc.DrawCircle(float64(pts2[i].X+w1), float64(pts2[i].Y), 3)
		dc.Fill()
	}
	dc.SetRGBA(0, 1, 0, 0.4)
	dc.SetLineWidth(1)
	for i := range pts1 {
		dc.DrawLine(float64(pts1[i].X), float64(pts1[i].Y),
			float64(pts2[i].X+w1), float64(pts2[i].Y))
		dc.Stroke()
	}
	return dc.SavePNG(outName)
}
