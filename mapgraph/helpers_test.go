package mapgraph

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/localmapping/geometry"
)

func identityPose() geometry.Pose {
	return geometry.NewPose(mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), r3.Vector{})
}

func testIntrinsics() geometry.Intrinsics {
	return geometry.NewIntrinsics(500, 500, 320, 240)
}

// newTestKeyFrame builds a monocular keyframe with n identical feature
// slots, all unmatched, at octave 0.
func newTestKeyFrame(id uint64, n int) *KeyFrame {
	keypoints := make([]KeyPoint, n)
	rightU := make([]float64, n)
	depth := make([]float64, n)
	descriptors := make([]Descriptor, n)
	for i := 0; i < n; i++ {
		keypoints[i] = KeyPoint{X: float64(300 + i), Y: float64(200 + i), Octave: 0}
		rightU[i] = negativeSentinel
		depth[i] = negativeSentinel
		descriptors[i] = Descriptor{byte(i), byte(i * 3)}
	}
	scaleFactors := []float64{1.0, 1.2, 1.44}
	levelSigma2 := []float64{1.0, 1.44, 2.0736}

	return NewKeyFrame(
		id, Monocular, identityPose(), testIntrinsics(), 0,
		keypoints, rightU, depth, descriptors, scaleFactors, levelSigma2, 40,
	)
}
