// Package egomotion estimates relative camera pose from feature matches
// and dense optical flow with a parallel RANSAC search over essential
// matrices. It runs alongside training as a classical-CV cross-check of
// the pose network; nothing here participates in gradient flow.
package egomotion

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// CamPose stores a 3x4 pose matrix along with its rotation and translation
// blocks.
type CamPose struct {
	PoseMat     *mat.Dense
	Rotation    *mat.Dense
	Translation *mat.Dense
}

// NewCamPoseFromMat splits a 3x4 pose matrix into rotation and translation.
func NewCamPoseFromMat(pose *mat.Dense) *CamPose {
	t := mat.NewDense(3, 1, []float64{pose.At(0, 3), pose.At(1, 3), pose.At(2, 3)})
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, pose.At(i, j))
		}
	}
	return &CamPose{PoseMat: pose, Rotation: rot, Translation: t}
}

// EssentialFromCorrespondences computes an essential matrix from >= 8
// correspondences already normalized by the inverse intrinsics, solving
// the linear epipolar system and projecting onto the essential manifold
// (two equal singular values, third zero). Convention: pts2^T * E * pts1 = 0.
func EssentialFromCorrespondences(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("the 2 sets of points don't have the same number of elements")
	}
	if len(pts1) < 8 {
		return nil, errors.Errorf("need at least 8 correspondences, got %d", len(pts1))
	}
	nPoints := len(pts1)
	m := mat.NewDense(nPoints, 9, nil)
	for i := range pts1 {
		v1 := pts1[i]
		v2 := pts2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}
	mats := performSVD(m)
	if mats == nil {
		return nil, errors.New("failed to factorize correspondence matrix")
	}
	lastColV := mats.V.ColView(8)
	eData := make([]float64, 9)
	for i := range eData {
		eData[i] = lastColV.AtVec(i)
	}
	E := mat.NewDense(3, 3, eData)

	// project onto the essential manifold
	mats2 := performSVD(E)
	if mats2 == nil {
		return nil, errors.New("failed to factorize candidate essential matrix")
	}
	s := (mats2.S.At(0, 0) + mats2.S.At(1, 1)) / 2
	S := mat.NewDense(3, 3, nil)
	S.Set(0, 0, s)
	S.Set(1, 1, s)
	var out mat.Dense
	out.Mul(mats2.U, S)
	out.Mul(&out, mats2.VT)
	return &out, nil
}

// SampsonDistance is the first-order epipolar distance of a normalized
// correspondence under E.
func SampsonDistance(e *mat.Dense, p1, p2 r2.Point) float64 {
	x1 := []float64{p1.X, p1.Y, 1}
	x2 := []float64{p2.X, p2.Y, 1}
	var ex1 [3]float64
	var etx2 [3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			ex1[i] += e.At(i, j) * x1[j]
			etx2[i] += e.At(j, i) * x2[j]
		}
	}
	x2tEx1 := x2[0]*ex1[0] + x2[1]*ex1[1] + x2[2]*ex1[2]
	den := ex1[0]*ex1[0] + ex1[1]*ex1[1] + etx2[0]*etx2[0] + etx2[1]*etx2[1]
	if den == 0 {
		return math.Inf(1)
	}
	return x2tEx1 * x2tEx1 / den
}

// DecomposeEssential decomposes an essential matrix into its 2 possible 3D
// rotations and a 3D translation (up to sign and scale).
func DecomposeEssential(essMat *mat.Dense) (*mat.Dense, *mat.Dense, *mat.Dense, error) {
	mats := performSVD(essMat)
	if mats == nil {
		return nil, nil, nil, errors.New("failed to factorize essential matrix")
	}
	if mat.Det(mats.U) < 0 {
		mats.U.Scale(-1, mats.U)
	}
	if mat.Det(mats.VT) < 0 {
		mats.VT.Scale(-1, mats.VT)
	}
	W := mat.NewDense(3, 3, nil)
	W.Set(0, 1, 1)
	W.Set(1, 0, -1)
	W.Set(2, 2, 1)
	var R1, R2 mat.Dense
	R1.Mul(mats.U, W)
	R1.Mul(&R1, mats.VT)
	R2.Mul(mats.U, transposeDense(W))
	R2.Mul(&R2, mats.VT)
	U3 := mats.U.ColView(2)
	t := mat.NewDense(3, 1, []float64{U3.AtVec(0), U3.AtVec(1), U3.AtVec(2)})
	return &R1, &R2, t, nil
}

// adjustPoseSign flips a pose whose rotation block has negative determinant.
func adjustPoseSign(pose *mat.Dense) *mat.Dense {
	subPose := pose.Slice(0, 3, 0, 3)
	if m := mat.DenseCopyOf(subPose); mat.Det(m) < 0 {
		pose.Scale(-1, pose)
	}
	return pose
}

// PossiblePoses computes all 4 candidate 3x4 poses from an essential matrix.
func PossiblePoses(essMat *mat.Dense) ([]*mat.Dense, error) {
	R1, R2, t, err := DecomposeEssential(essMat)
	if err != nil {
		return nil, err
	}
	var tOpp mat.Dense
	tOpp.Scale(-1, t)
	poses := make([]mat.Dense, 4)
	poses[0].Augment(R1, t)
	poses[1].Augment(R1, &tOpp)
	poses[2].Augment(R2, t)
	poses[3].Augment(R2, &tOpp)
	posesOut := make([]*mat.Dense, 4)
	for i := range poses {
		posesOut[i] = mat.DenseCopyOf(adjustPoseSign(&poses[i]))
	}
	return posesOut, nil
}

// crossProductMat returns the skew-symmetric cross-product matrix of p.
func crossProductMat(p r3.Vector) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -p.Z)
	cross.Set(0, 2, p.Y)
	cross.Set(1, 0, p.Z)
	cross.Set(1, 2, -p.X)
	cross.Set(2, 0, -p.Y)
	cross.Set(2, 1, p.X)
	return cross
}

// TriangulatePoints computes 3D points from homogeneous normalized
// correspondences with the linear method, camera 1 at the origin and
// camera 2 at pose.
func TriangulatePoints(pose *mat.Dense, pts1, pts2 []r3.Vector) ([]r3.Vector, error) {
	P := mat.NewDense(3, 4, nil)
	P.Set(0, 0, 1)
	P.Set(1, 1, 1)
	P.Set(2, 2, 1)
	Pdash := mat.DenseCopyOf(pose)
	pts3d := make([]r3.Vector, len(pts1))
	for i := range pts1 {
		p1Cross := crossProductMat(pts1[i])
		p2Cross := crossProductMat(pts2[i])
		p1CrossP := mat.NewDense(3, 4, nil)
		p1CrossP.Mul(p1Cross, P)
		p2CrossPdash := mat.NewDense(3, 4, nil)
		p2CrossPdash.Mul(p2Cross, Pdash)
		var A mat.Dense
		A.Stack(p1CrossP, p2CrossPdash)
		var svd mat.SVD
		if ok := svd.Factorize(&A, mat.SVDFull); !ok {
			return nil, errors.New("failed to factorize triangulation system")
		}
		var V mat.Dense
		svd.VTo(&V)
		wv := V.At(3, 3)
		if wv == 0 {
			return nil, errors.New("triangulated point at infinity")
		}
		pts3d[i] = r3.Vector{
			X: V.At(0, 3) / wv,
			Y: V.At(1, 3) / wv,
			Z: V.At(2, 3) / wv,
		}
	}
	return pts3d, nil
}

// numberPositiveDepth counts triangulated points in front of both cameras.
func numberPositiveDepth(pose *mat.Dense, pts1, pts2 []r3.Vector) int {
	rot3 := r3.Vector{X: pose.At(2, 0), Y: pose.At(2, 1), Z: pose.At(2, 2)}
	c := r3.Vector{X: pose.At(0, 3), Y: pose.At(1, 3), Z: pose.At(2, 3)}
	pts3D, err := TriangulatePoints(pose, pts1, pts2)
	if err != nil {
		return 0
	}
	nPositiveDepth := 0
	for _, pt := range pts3D {
		if pt.Z > 0 && rot3.Dot(pt.Sub(c)) > 0 {
			nPositiveDepth++
		}
	}
	return nPositiveDepth
}

// BestPose returns the candidate pose with the most positive triangulated
// depths (cheirality check).
func BestPose(poses []*mat.Dense, pts1, pts2 []r2.Point) *CamPose {
	pts1H := homogeneous(pts1)
	pts2H := homogeneous(pts2)
	maxNumPosDepth := -1
	correctPose := poses[0]
	for _, pose := range poses {
		if n := numberPositiveDepth(pose, pts1H, pts2H); n > maxNumPosDepth {
			maxNumPosDepth = n
			correctPose = pose
		}
	}
	return NewCamPoseFromMat(mat.DenseCopyOf(correctPose))
}

func homogeneous(pts []r2.Point) []r3.Vector {
	out := make([]r3.Vector, len(pts))
	for i, pt := range pts {
		out[i] = r3.Vector{X: pt.X, Y: pt.Y, Z: 1}
	}
	return out
}

// mat.Dense utils.
func transposeDense(m *mat.Dense) *mat.Dense {
	nRows, nCols := m.Dims()
	m2 := mat.NewDense(nCols, nRows, nil)
	m2.Copy(m.T())
	return m2
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  *mat.Dense
}

// performSVD performs a full SVD on inputMatrix.
func performSVD(inputMatrix *mat.Dense) *matsSVD {
	var svd mat.SVD
	if ok := svd.Factorize(inputMatrix, mat.SVDFull); !ok {
		return nil
	}
	u, v := &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt := transposeDense(v)
	singularValues := svd.Values(nil)
	sigma := &mat.Dense{}
	sigma.CloneFrom(mat.NewDiagDense(len(singularValues), singularValues))
	return &matsSVD{u, v, vt, sigma}
}
