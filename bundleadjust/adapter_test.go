package bundleadjust

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/localmapping/geometry"
	"go.viam.com/localmapping/mapgraph"
)

func identityPose() geometry.Pose {
	return geometry.NewPose(mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), r3.Vector{})
}

func newKF(id uint64, n int) *mapgraph.KeyFrame {
	keypoints := make([]mapgraph.KeyPoint, n)
	rightU := make([]float64, n)
	depth := make([]float64, n)
	descriptors := make([]mapgraph.Descriptor, n)
	for i := 0; i < n; i++ {
		keypoints[i] = mapgraph.KeyPoint{X: float64(300 + i), Y: float64(200 + i)}
		rightU[i] = -1
		depth[i] = -1
		descriptors[i] = mapgraph.Descriptor{byte(i)}
	}
	return mapgraph.NewKeyFrame(
		id, mapgraph.Monocular, identityPose(), geometry.NewIntrinsics(500, 500, 320, 240), 0,
		keypoints, rightU, depth, descriptors, []float64{1, 1.2}, []float64{1, 1.44}, 40,
	)
}

type stubOptimizer struct {
	solution *Solution
	err      error
}

func (s *stubOptimizer) LocalBundleAdjustment(_ *LocalWindow, _ *AbortFlag) (*Solution, error) {
	return s.solution, s.err
}

func TestBuildLocalWindowIncludesFixedObservers(t *testing.T) {
	current := newKF(0, 1)
	neighbor := newKF(1, 2)
	outsider := newKF(2, 1)

	// current and neighbor share mp, so neighbor is covisible (local).
	mp := mapgraph.NewMapPoint(0, r3.Vector{Z: 1}, current)
	mp.AddObservation(current, 0)
	mp.AddObservation(neighbor, 0)
	current.AddMapPoint(mp, 0)
	neighbor.AddMapPoint(mp, 0)

	// outsider shares only neighbor's second point, so it observes a local
	// point without being covisible with current (fixed).
	mp2 := mapgraph.NewMapPoint(1, r3.Vector{Z: 1}, neighbor)
	mp2.AddObservation(neighbor, 1)
	mp2.AddObservation(outsider, 0)
	neighbor.AddMapPoint(mp2, 1)
	outsider.AddMapPoint(mp2, 0)
	current.UpdateConnections()

	window := BuildLocalWindow(current)
	test.That(t, len(window.LocalKeyFrames), test.ShouldEqual, 2)
	test.That(t, len(window.LocalPoints), test.ShouldEqual, 2)
	test.That(t, len(window.FixedKeyFrames), test.ShouldEqual, 1)
	test.That(t, window.FixedKeyFrames[0], test.ShouldEqual, outsider)
}

func TestRunWritesBackSolution(t *testing.T) {
	current := newKF(0, 1)
	mp := mapgraph.NewMapPoint(0, r3.Vector{Z: 1}, current)
	mp.AddObservation(current, 0)
	current.AddMapPoint(mp, 0)

	newPose := geometry.NewPose(mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), r3.Vector{X: 1})
	newPos := r3.Vector{X: 9, Y: 9, Z: 9}
	opt := &stubOptimizer{solution: &Solution{
		KeyFramePoses:  map[uint64]geometry.Pose{current.ID(): newPose},
		PointPositions: map[uint64]r3.Vector{mp.ID(): newPos},
	}}

	abort := &AbortFlag{}
	err := Run(mapgraph.NewMap(), current, opt, abort)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, current.Pose().T.X, test.ShouldAlmostEqual, 1.0)
	test.That(t, mp.Position(), test.ShouldResemble, newPos)
}

func TestRunToleratesNilSolution(t *testing.T) {
	current := newKF(0, 1)
	opt := &stubOptimizer{solution: nil}
	err := Run(mapgraph.NewMap(), current, opt, &AbortFlag{})
	test.That(t, err, test.ShouldBeNil)
}

func TestAbortFlag(t *testing.T) {
	var a AbortFlag
	test.That(t, a.IsSet(), test.ShouldBeFalse)
	a.Set()
	test.That(t, a.IsSet(), test.ShouldBeTrue)
	a.Clear()
	test.That(t, a.IsSet(), test.ShouldBeFalse)
}
