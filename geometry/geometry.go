// Package geometry provides the pure two-view geometry used by the local
// mapping triangulator: rigid poses, camera intrinsics, the fundamental
// matrix, linear triangulation via SVD, and the reprojection/scale gates
// that decide whether a triangulated point is trustworthy.
//
// The linear algebra mirrors go.viam.com/rdk/rimage/transform's
// two_view_geom.go (SVD via gonum/mat, points as github.com/golang/geo/r3
// vectors); the gating thresholds mirror the original SD-SLAM
// LocalMapping.cc, which this module's spec derives from.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Chi-square thresholds (95% confidence) used to gate triangulated points by
// reprojection error: 2 degrees of freedom for a monocular observation, 3
// once the stereo right-image coordinate is added as a residual.
const (
	ChiSquareMono   = 5.991
	ChiSquareStereo = 7.815
)

// ErrDegenerateTriangulation is returned when a candidate pair cannot be
// triangulated: zero parallax, a degenerate SVD solution, or a
// zero-norm baseline.
var ErrDegenerateTriangulation = errors.New("degenerate triangulation geometry")

// Pose is a rigid world-to-camera transform in double precision: for a
// world point X, the camera-frame coordinate is R*X + T.
type Pose struct {
	R *mat.Dense // 3x3 rotation
	T r3.Vector  // translation
}

// NewPose builds a Pose from a 3x3 rotation and a translation.
func NewPose(r *mat.Dense, t r3.Vector) Pose {
	return Pose{R: r, T: t}
}

// CameraCenter returns the camera's optical center in world coordinates,
// Ow = -R^T * t.
func (p Pose) CameraCenter() r3.Vector {
	rt := transpose(p.R)
	c := matVec(rt, p.T)
	return c.Mul(-1)
}

// RotateToWorld rotates a camera-frame direction vector (no translation) into
// world orientation: world_v = R^T * v. Used to bring a back-projected ray
// into a common frame before comparing two keyframes' viewing directions.
func (p Pose) RotateToWorld(v r3.Vector) r3.Vector {
	rt := transpose(p.R)
	return matVec(rt, v)
}

// Projection returns the 3x4 matrix [R | t] used to project world points
// into this camera's frame.
func (p Pose) Projection() *mat.Dense {
	proj := mat.NewDense(3, 4, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			proj.Set(r, c, p.R.At(r, c))
		}
	}
	proj.Set(0, 3, p.T.X)
	proj.Set(1, 3, p.T.Y)
	proj.Set(2, 3, p.T.Z)
	return proj
}

// RelativeTo computes R12, t12 such that a point in frame 2 maps into frame
// 1 via X1 = R12*X2 + t12, given both frames' world-to-camera poses.
func RelativeTo(p1, p2 Pose) (r12 *mat.Dense, t12 r3.Vector) {
	r2t := transpose(p2.R)
	r12 = mat.NewDense(3, 3, nil)
	r12.Mul(p1.R, r2t)

	// t12 = -R12*t2 + t1
	t12v := matVec(r12, p2.T)
	t12 = p1.T.Sub(t12v)
	return r12, t12
}

// Intrinsics holds the pinhole camera parameters used by triangulation and
// reprojection gating.
type Intrinsics struct {
	Fx, Fy, Cx, Cy   float64
	InvFx, InvFy     float64
	Skew             float64 // usually 0; carried for completeness of K
}

// NewIntrinsics builds Intrinsics from focal lengths and principal point,
// deriving the inverse focal lengths used by ray back-projection.
func NewIntrinsics(fx, fy, cx, cy float64) Intrinsics {
	return Intrinsics{
		Fx: fx, Fy: fy, Cx: cx, Cy: cy,
		InvFx: 1 / fx, InvFy: 1 / fy,
	}
}

// K returns the 3x3 upper-triangular intrinsic matrix.
func (in Intrinsics) K() *mat.Dense {
	k := mat.NewDense(3, 3, []float64{
		in.Fx, in.Skew, in.Cx,
		0, in.Fy, in.Cy,
		0, 0, 1,
	})
	return k
}

// Backproject turns a pixel coordinate into a unit-depth camera-frame ray.
func (in Intrinsics) Backproject(u, v float64) r3.Vector {
	return r3.Vector{
		X: (u - in.Cx) * in.InvFx,
		Y: (v - in.Cy) * in.InvFy,
		Z: 1,
	}
}

// Project projects a camera-frame point to pixel coordinates.
func (in Intrinsics) Project(camPoint r3.Vector) (u, v float64) {
	invz := 1 / camPoint.Z
	return in.Fx*camPoint.X*invz + in.Cx, in.Fy*camPoint.Y*invz + in.Cy
}

// SkewSymmetric returns the 3x3 skew-symmetric "cross product" matrix [v]x
// such that [v]x * w == v.Cross(w).
func SkewSymmetric(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// ComputeFundamental computes the fundamental matrix F12 mapping points in
// keyframe 2 to epipolar lines in keyframe 1:
//
//	F12 = K1^-T * [t12]x * R12 * K2^-1
func ComputeFundamental(pose1, pose2 Pose, k1, k2 Intrinsics) (*mat.Dense, error) {
	r12, t12 := RelativeTo(pose1, pose2)
	t12x := SkewSymmetric(t12)

	k1inv := mat.NewDense(3, 3, nil)
	if err := k1inv.Inverse(k1.K()); err != nil {
		return nil, errors.Wrap(err, "invert K1")
	}
	k2inv := mat.NewDense(3, 3, nil)
	if err := k2inv.Inverse(k2.K()); err != nil {
		return nil, errors.Wrap(err, "invert K2")
	}
	k1invT := transpose(k1inv)

	var tmp, f mat.Dense
	tmp.Mul(t12x, r12)
	tmp.Mul(&tmp, k2inv)
	f.Mul(k1invT, &tmp)
	return &f, nil
}

// TriangulateLinear recovers a 3D world point from two unit-depth rays
// (in each camera's normalized image plane) and the two cameras' 3x4
// projection matrices, via SVD on the standard DLT system. It returns
// ErrDegenerateTriangulation if the homogeneous solution is at infinity.
func TriangulateLinear(xn1, xn2 r3.Vector, proj1, proj2 *mat.Dense) (r3.Vector, error) {
	a := mat.NewDense(4, 4, nil)
	setRow(a, 0, scaleRow(proj1, xn1.X, 0))
	setRow(a, 1, scaleRow(proj1, xn1.Y, 1))
	setRow(a, 2, scaleRow(proj2, xn2.X, 0))
	setRow(a, 3, scaleRow(proj2, xn2.Y, 1))

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return r3.Vector{}, errors.Wrap(ErrDegenerateTriangulation, "SVD factorization failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	// The homogeneous solution is the last column of V (smallest singular value).
	w := v.At(3, 3)
	if w == 0 {
		return r3.Vector{}, errors.Wrap(ErrDegenerateTriangulation, "point at infinity")
	}
	return r3.Vector{
		X: v.At(0, 3) / w,
		Y: v.At(1, 3) / w,
		Z: v.At(2, 3) / w,
	}, nil
}

// scaleRow computes xn*proj.Row(2) - proj.Row(rowIdx), the DLT row used by
// TriangulateLinear.
func scaleRow(proj *mat.Dense, xn float64, rowIdx int) []float64 {
	row := make([]float64, 4)
	for c := 0; c < 4; c++ {
		row[c] = xn*proj.At(2, c) - proj.At(rowIdx, c)
	}
	return row
}

func setRow(m *mat.Dense, r int, data []float64) {
	for c, v := range data {
		m.Set(r, c, v)
	}
}

// CosParallax returns the cosine of the angle between two viewing rays
// expressed in a common (e.g. world) frame.
func CosParallax(ray1, ray2 r3.Vector) float64 {
	return ray1.Dot(ray2) / (ray1.Norm() * ray2.Norm())
}

// CosParallaxStereo returns the cosine of the parallax a stereo/RGB-D
// observation implies on its own, from the baseline b and observed depth.
func CosParallaxStereo(baseline, depth float64) float64 {
	return math.Cos(2 * math.Atan2(baseline/2, depth))
}

// ScaleConsistent reports whether the ratio of world-point distances from
// two camera centers is consistent with the ratio of the pyramid scale
// factors at which the point was observed, within a multiplicative
// tolerance ratioFactor (typically 1.5x the per-octave scale factor). This
// implements the multiplicative bracket form; the original code's
// commented-out subtractive form (|ratioDist-ratioOctave| > ratioFactor) is
// intentionally not used, per the corpus's own resolution of that
// ambiguity.
func ScaleConsistent(distRatio, octaveRatio, ratioFactor float64) bool {
	return octaveRatio/ratioFactor <= distRatio && distRatio <= octaveRatio*ratioFactor
}

func transpose(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(c, r, nil)
	out.Copy(m.T())
	return out
}

func matVec(m *mat.Dense, v r3.Vector) r3.Vector {
	in := mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
	var out mat.VecDense
	out.MulVec(m, in)
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}
