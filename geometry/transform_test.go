package geometry

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/ml"
)

func vec3(vals ...float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(len(vals)/3, 3), tensor.WithBacking(vals))
}

func TestTransformFromAxisAngleIdentity(t *testing.T) {
	out, err := TransformFromAxisAngle(vec3(0, 0, 0), vec3(0, 0, 0), false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(out), test.ShouldEqual, 1)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			expected := 0.0
			if i == j {
				expected = 1
			}
			test.That(t, out[0].At(i, j), test.ShouldAlmostEqual, expected, 1e-9)
		}
	}
}

func TestTransformFromAxisAngleTranslation(t *testing.T) {
	out, err := TransformFromAxisAngle(vec3(0, 0, 0, 0, 0, 0), vec3(0, 0, 0, 1, 2, 3), false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(out), test.ShouldEqual, 2)
	test.That(t, out[1].At(0, 3), test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, out[1].At(1, 3), test.ShouldAlmostEqual, 2, 1e-6)
	test.That(t, out[1].At(2, 3), test.ShouldAlmostEqual, 3, 1e-6)
}

func TestTransformFromAxisAngleRotation(t *testing.T) {
	// quarter turn about z maps x onto y
	out, err := TransformFromAxisAngle(vec3(0, 0, float32(math.Pi/2)), vec3(0, 0, 0), false)
	test.That(t, err, test.ShouldBeNil)
	r := out[0]
	test.That(t, r.At(0, 0), test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, r.At(0, 1), test.ShouldAlmostEqual, -1, 1e-6)
	test.That(t, r.At(1, 0), test.ShouldAlmostEqual, 1, 1e-6)
	test.That(t, r.At(1, 1), test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, r.At(2, 2), test.ShouldAlmostEqual, 1, 1e-6)
}

func TestTransformInvertComposesToIdentity(t *testing.T) {
	aa := vec3(0.1, -0.2, 0.3)
	tr := vec3(0.5, 0.25, -1)
	fwd, err := TransformFromAxisAngle(aa, tr, false)
	test.That(t, err, test.ShouldBeNil)
	inv, err := TransformFromAxisAngle(aa, tr, true)
	test.That(t, err, test.ShouldBeNil)

	var prod mat.Dense
	prod.Mul(fwd[0], inv[0])
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			expected := 0.0
			if i == j {
				expected = 1
			}
			test.That(t, prod.At(i, j), test.ShouldAlmostEqual, expected, 1e-5)
		}
	}
}

func TestTransformFromAxisAngleBadShapes(t *testing.T) {
	_, err := TransformFromAxisAngle(ml.Zeros(2, 2), ml.Zeros(2, 3), false)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = TransformFromAxisAngle(ml.Zeros(2, 3), ml.Zeros(1, 3), false)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDispToDepth(t *testing.T) {
	disp := tensor.New(tensor.WithShape(1, 1, 1, 3), tensor.WithBacking([]float32{0, 0.5, 1}))
	scaled, depth := DispToDepth(disp, 0.1, 100)
	sd := ml.Data(scaled)
	dd := ml.Data(depth)

	test.That(t, float64(sd[0]), test.ShouldAlmostEqual, 0.01, 1e-6)
	test.That(t, float64(dd[0]), test.ShouldAlmostEqual, 100, 1e-3)
	test.That(t, float64(dd[2]), test.ShouldAlmostEqual, 0.1, 1e-6)
	// depth decreases monotonically with disparity
	test.That(t, dd[0] > dd[1], test.ShouldBeTrue)
	test.That(t, dd[1] > dd[2], test.ShouldBeTrue)
}
