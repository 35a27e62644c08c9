package geometry

import (
	"testing"

	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/ml"
)

func TestWarpByFlowZero(t *testing.T) {
	h, w := 6, 7
	src := gradientImage(1, 3, h, w)
	flow := ml.Zeros(1, 2, h, w)
	warped, err := WarpByFlow(src, flow)
	test.That(t, err, test.ShouldBeNil)

	sd := ml.Data(src)
	wd := ml.Data(warped)
	for i := range sd {
		test.That(t, float64(wd[i]), test.ShouldAlmostEqual, float64(sd[i]), 1e-5)
	}
}

func TestWarpByFlowShift(t *testing.T) {
	h, w := 6, 7
	src := gradientImage(1, 1, h, w)
	flow := ml.Zeros(1, 2, h, w)
	fd := ml.Data(flow)
	for i := 0; i < h*w; i++ {
		fd[i] = 1 // one pixel right, zero vertical
	}
	warped, err := WarpByFlow(src, flow)
	test.That(t, err, test.ShouldBeNil)

	sd := ml.Data(src)
	wd := ml.Data(warped)
	for y := 0; y < h; y++ {
		for x := 0; x+1 < w; x++ {
			test.That(t, float64(wd[y*w+x]), test.ShouldAlmostEqual, float64(sd[y*w+x+1]), 1e-5)
		}
		// border clamp
		test.That(t, float64(wd[y*w+w-1]), test.ShouldAlmostEqual, float64(sd[y*w+w-1]), 1e-5)
	}
}

func TestWarpByFlowBadChannels(t *testing.T) {
	_, err := WarpByFlow(ml.Zeros(1, 3, 4, 4), ml.Zeros(1, 3, 4, 4))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGridSampleShapeChecks(t *testing.T) {
	src := ml.Zeros(1, 3, 4, 4)
	_, err := GridSample(src, ml.Zeros(1, 4, 4, 3))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = GridSample(src, ml.Zeros(2, 4, 4, 2))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestResize(t *testing.T) {
	src := ml.Full(0.7, 2, 3, 8, 8)
	down, err := Resize(src, 4, 4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, down.Shape(), test.ShouldResemble, tensor.Shape{2, 3, 4, 4})
	for _, v := range ml.Data(down) {
		test.That(t, float64(v), test.ShouldAlmostEqual, 0.7, 1e-5)
	}

	up, err := Resize(down, 8, 8)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, up.Shape(), test.ShouldResemble, tensor.Shape{2, 3, 8, 8})
	for _, v := range ml.Data(up) {
		test.That(t, float64(v), test.ShouldAlmostEqual, 0.7, 1e-5)
	}

	same, err := Resize(src, 8, 8)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ml.Data(same)[0], test.ShouldEqual, ml.Data(src)[0])
}
