package occlusion

import (
	"testing"

	"go.viam.com/test"

	"github.com/endovislab/sfmtrain/ml"
)

func TestBackwardMask(t *testing.T) {
	h, w := 4, 5
	flow := ml.Zeros(1, 2, h, w)
	fd := ml.Data(flow)
	n := h * w
	for i := 0; i < n; i++ {
		fd[i] = 3
		fd[n+i] = 4
	}

	mask, mag, err := BackwardMask(flow, 5)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < n; i++ {
		test.That(t, float64(ml.Data(mag)[i]), test.ShouldAlmostEqual, 5, 1e-5)
		test.That(t, ml.Data(mask)[i], test.ShouldEqual, float32(1))
	}

	mask, _, err = BackwardMask(flow, 4.9)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < n; i++ {
		test.That(t, ml.Data(mask)[i], test.ShouldEqual, float32(0))
	}

	_, _, err = BackwardMask(ml.Zeros(1, 3, h, w), 5)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestBidirectionalMaskConsistent(t *testing.T) {
	h, w := 6, 6
	fwd := ml.Zeros(1, 2, h, w)
	bwd := ml.Zeros(1, 2, h, w)
	fd := ml.Data(fwd)
	bd := ml.Data(bwd)
	n := h * w
	for i := 0; i < n; i++ {
		fd[i] = 2
		bd[i] = -2
	}

	mask, diff, err := BidirectionalMask(fwd, bwd, 0.01, 0.5)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < n; i++ {
		test.That(t, float64(ml.Data(diff)[i]), test.ShouldAlmostEqual, 0, 1e-9)
		test.That(t, ml.Data(mask)[i], test.ShouldEqual, float32(1))
	}

	// consistency is symmetric for a consistent constant pair
	maskRev, diffRev, err := BidirectionalMask(bwd, fwd, 0.01, 0.5)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < n; i++ {
		test.That(t, float64(ml.Data(diffRev)[i]), test.ShouldAlmostEqual, float64(ml.Data(diff)[i]), 1e-9)
		test.That(t, ml.Data(maskRev)[i], test.ShouldEqual, ml.Data(mask)[i])
	}
}

func TestBidirectionalMaskInconsistent(t *testing.T) {
	h, w := 6, 6
	fwd := ml.Zeros(1, 2, h, w)
	bwd := ml.Zeros(1, 2, h, w)
	fd := ml.Data(fwd)
	bd := ml.Data(bwd)
	n := h * w
	for i := 0; i < n; i++ {
		fd[i] = 2
		bd[i] = -1 // round trip misses by one pixel
	}

	mask, diff, err := BidirectionalMask(fwd, bwd, 0.01, 0.5)
	test.That(t, err, test.ShouldBeNil)
	for i := 0; i < n; i++ {
		test.That(t, float64(ml.Data(diff)[i]), test.ShouldAlmostEqual, 1, 1e-5)
		// tolerance 0.01*(4+1)+0.5 = 0.55 < 1
		test.That(t, ml.Data(mask)[i], test.ShouldEqual, float32(0))
	}
}

func TestBidirectionalMaskShapeMismatch(t *testing.T) {
	_, _, err := BidirectionalMask(ml.Zeros(1, 2, 4, 4), ml.Zeros(1, 2, 5, 5), 0.01, 0.5)
	test.That(t, err, test.ShouldNotBeNil)
}
