package geometry

import (
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/camera"
	"github.com/endovislab/sfmtrain/ml"
)

func testIntrinsics(w, h int) camera.Intrinsics {
	return camera.Intrinsics{
		Width:  w,
		Height: h,
		Fx:     10,
		Fy:     10,
		Ppx:    float64(w-1) / 2,
		Ppy:    float64(h-1) / 2,
	}
}

// gradientImage is linear in x and y so exact bilinear sampling reproduces
// it everywhere.
func gradientImage(b, c, h, w int) *tensor.Dense {
	out := ml.Zeros(b, c, h, w)
	data := ml.Data(out)
	for bi := 0; bi < b; bi++ {
		for ci := 0; ci < c; ci++ {
			base := (bi*c + ci) * h * w
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					data[base+y*w+x] = 0.1*float32(x) + 0.05*float32(y) + 0.2*float32(ci)
				}
			}
		}
	}
	return out
}

func TestBackprojectDepth(t *testing.T) {
	h, w := 4, 4
	intr := testIntrinsics(w, h)
	depth := ml.Full(2, 1, 1, h, w)
	pts, err := BackprojectDepth(depth, []camera.Intrinsics{intr})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pts.Shape(), test.ShouldResemble, tensor.Shape{1, 4, 16})

	data := ml.Data(pts)
	n := h * w
	// pixel (0,0): ray ((0-1.5)/10, (0-1.5)/10, 1) scaled by depth 2
	test.That(t, float64(data[0]), test.ShouldAlmostEqual, -0.3, 1e-6)
	test.That(t, float64(data[n]), test.ShouldAlmostEqual, -0.3, 1e-6)
	test.That(t, float64(data[2*n]), test.ShouldAlmostEqual, 2, 1e-6)
	test.That(t, float64(data[3*n]), test.ShouldAlmostEqual, 1, 1e-6)
}

func TestBackprojectDepthErrors(t *testing.T) {
	intr := testIntrinsics(4, 4)
	_, err := BackprojectDepth(ml.Zeros(1, 3, 4, 4), []camera.Intrinsics{intr})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = BackprojectDepth(ml.Zeros(2, 1, 4, 4), []camera.Intrinsics{intr})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSamplingGridIdentityRoundTrip(t *testing.T) {
	h, w := 8, 8
	intr := []camera.Intrinsics{testIntrinsics(w, h)}
	depth := ml.Full(2, 1, 1, h, w)

	grid, err := SamplingGrid(depth, intr, []*mat.Dense{IdentityTransform()})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, grid.Shape(), test.ShouldResemble, tensor.Shape{1, h, w, 2})

	src := gradientImage(1, 3, h, w)
	warped, err := GridSample(src, grid)
	test.That(t, err, test.ShouldBeNil)

	sd := ml.Data(src)
	wd := ml.Data(warped)
	for i := range sd {
		test.That(t, float64(wd[i]), test.ShouldAlmostEqual, float64(sd[i]), 1e-4)
	}
}

func TestSamplingGridTranslation(t *testing.T) {
	h, w := 8, 8
	intr := []camera.Intrinsics{testIntrinsics(w, h)}
	depth := ml.Full(2, 1, 1, h, w)

	// translating the camera frame 0.2 along x at depth 2 with fx=10
	// shifts every sample one pixel right
	T := IdentityTransform()
	T.Set(0, 3, 0.2)
	grid, err := SamplingGrid(depth, intr, []*mat.Dense{T})
	test.That(t, err, test.ShouldBeNil)

	gd := ml.Data(grid)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gi := (y*w + x) * 2
			wantX := (float64(x+1)/float64(w-1) - 0.5) * 2
			wantY := (float64(y)/float64(h-1) - 0.5) * 2
			test.That(t, float64(gd[gi]), test.ShouldAlmostEqual, wantX, 1e-4)
			test.That(t, float64(gd[gi+1]), test.ShouldAlmostEqual, wantY, 1e-4)
		}
	}
}

func TestProjectToPixelsBatchMismatch(t *testing.T) {
	pts := ml.Zeros(2, 4, 16)
	intr := []camera.Intrinsics{testIntrinsics(4, 4)}
	_, err := ProjectToPixels(pts, intr, []*mat.Dense{IdentityTransform()}, 4, 4)
	test.That(t, err, test.ShouldNotBeNil)
}
