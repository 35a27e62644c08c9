// Package geometry implements the differentiable camera geometry of the
// view-synthesis pipeline: depth back-projection, reprojection under a
// rigid transform, and bilinear image warping.
package geometry

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/endovislab/sfmtrain/ml"
)

// IdentityTransform returns the 4x4 identity rigid transform.
func IdentityTransform() *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		out.Set(i, i, 1)
	}
	return out
}

// rotationFromAxisAngle converts an axis-angle vector into a 3x3 rotation
// matrix via the Rodrigues formula.
func rotationFromAxisAngle(vx, vy, vz float64) *mat.Dense {
	angle := math.Sqrt(vx*vx + vy*vy + vz*vz)
	rot := mat.NewDense(3, 3, nil)
	if angle < 1e-12 {
		for i := 0; i < 3; i++ {
			rot.Set(i, i, 1)
		}
		return rot
	}
	x, y, z := vx/angle, vy/angle, vz/angle
	ca, sa := math.Cos(angle), math.Sin(angle)
	c := 1 - ca

	rot.Set(0, 0, x*x*c+ca)
	rot.Set(0, 1, x*y*c-z*sa)
	rot.Set(0, 2, x*z*c+y*sa)
	rot.Set(1, 0, y*x*c+z*sa)
	rot.Set(1, 1, y*y*c+ca)
	rot.Set(1, 2, y*z*c-x*sa)
	rot.Set(2, 0, z*x*c-y*sa)
	rot.Set(2, 1, z*y*c+x*sa)
	rot.Set(2, 2, z*z*c+ca)
	return rot
}

// TransformFromAxisAngle converts network-predicted axis-angle and
// translation tensors (shape [B,3] or [B,1,3]) into one 4x4 rigid transform
// per batch item. When invert is true the returned transforms map in the
// opposite direction (used for frames earlier in time than the reference).
func TransformFromAxisAngle(axisangle, translation *tensor.Dense, invert bool) ([]*mat.Dense, error) {
	aa, err := flatten3Vectors(axisangle)
	if err != nil {
		return nil, errors.Wrap(err, "axisangle")
	}
	tr, err := flatten3Vectors(translation)
	if err != nil {
		return nil, errors.Wrap(err, "translation")
	}
	if len(aa) != len(tr) {
		return nil, errors.Errorf("axisangle batch %d != translation batch %d", len(aa), len(tr))
	}
	out := make([]*mat.Dense, len(aa))
	for b := range aa {
		rot := rotationFromAxisAngle(aa[b][0], aa[b][1], aa[b][2])
		t := tr[b]
		T := IdentityTransform()
		if invert {
			// T = [R^T | -R^T t]
			var rotT mat.Dense
			rotT.CloneFrom(rot.T())
			tv := mat.NewVecDense(3, []float64{t[0], t[1], t[2]})
			var tInv mat.VecDense
			tInv.MulVec(&rotT, tv)
			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					T.Set(i, j, rotT.At(i, j))
				}
				T.Set(i, 3, -tInv.AtVec(i))
			}
		} else {
			for i := 0; i < 3; i++ {
				for j := 0; j < 3; j++ {
					T.Set(i, j, rot.At(i, j))
				}
				T.Set(i, 3, t[i])
			}
		}
		out[b] = T
	}
	return out, nil
}

// flatten3Vectors accepts [B,3] or [B,1,3] tensors and returns per-item
// float64 triples.
func flatten3Vectors(t *tensor.Dense) ([][3]float64, error) {
	shape := t.Shape()
	b := shape[0]
	n := shape.TotalSize()
	if n != b*3 {
		return nil, errors.Errorf("expected [B,3]-like shape, got %v", shape)
	}
	data := ml.Data(t)
	out := make([][3]float64, b)
	for i := 0; i < b; i++ {
		out[i] = [3]float64{
			float64(data[i*3]),
			float64(data[i*3+1]),
			float64(data[i*3+2]),
		}
	}
	return out, nil
}

// DispToDepth converts a network sigmoid disparity prediction in [0,1]
// into a metric depth map bounded by [minDepth, maxDepth]. It returns the
// scaled disparity and the depth tensor.
func DispToDepth(disp *tensor.Dense, minDepth, maxDepth float64) (*tensor.Dense, *tensor.Dense) {
	minDisp := 1 / maxDepth
	maxDisp := 1 / minDepth
	scaled := ml.Clone(disp)
	depth := ml.Clone(disp)
	sd := ml.Data(scaled)
	dd := ml.Data(depth)
	for i, v := range sd {
		s := float32(minDisp) + float32(maxDisp-minDisp)*v
		sd[i] = s
		dd[i] = 1 / s
	}
	return scaled, depth
}
