package gonumopt

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/localmapping/bundleadjust"
	"go.viam.com/localmapping/geometry"
	"go.viam.com/localmapping/mapgraph"
)

func identityPose() geometry.Pose {
	return geometry.NewPose(mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), r3.Vector{})
}

func newKF(id uint64, pose geometry.Pose, keypoints []mapgraph.KeyPoint) *mapgraph.KeyFrame {
	n := len(keypoints)
	rightU := make([]float64, n)
	depth := make([]float64, n)
	descriptors := make([]mapgraph.Descriptor, n)
	for i := 0; i < n; i++ {
		rightU[i] = -1
		depth[i] = -1
		descriptors[i] = mapgraph.Descriptor{byte(i)}
	}
	return mapgraph.NewKeyFrame(
		id, mapgraph.Monocular, pose, geometry.NewIntrinsics(500, 500, 320, 240), 0,
		keypoints, rightU, depth, descriptors, []float64{1, 1.2}, []float64{1, 1.44}, 40,
	)
}

func TestLocalBundleAdjustmentReturnsSolutionForEveryLocalEntry(t *testing.T) {
	current := newKF(0, identityPose(), []mapgraph.KeyPoint{{X: 320, Y: 240}})
	mp := mapgraph.NewMapPoint(0, r3.Vector{Z: 10}, current)
	mp.AddObservation(current, 0)
	current.AddMapPoint(mp, 0)

	window := &bundleadjust.LocalWindow{
		LocalKeyFrames: []*mapgraph.KeyFrame{current},
		LocalPoints:    []*mapgraph.MapPoint{mp},
	}

	opt := New()
	opt.MaxIterations = 20
	solution, err := opt.LocalBundleAdjustment(window, &bundleadjust.AbortFlag{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, solution, test.ShouldNotBeNil)
	_, hasPose := solution.KeyFramePoses[current.ID()]
	_, hasPoint := solution.PointPositions[mp.ID()]
	test.That(t, hasPose, test.ShouldBeTrue)
	test.That(t, hasPoint, test.ShouldBeTrue)
}

func TestLocalBundleAdjustmentLeavesFixedKeyFramesOutOfSolution(t *testing.T) {
	current := newKF(0, identityPose(), []mapgraph.KeyPoint{{X: 320, Y: 240}})
	fixedPose := geometry.NewPose(mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), r3.Vector{X: 5})
	fixed := newKF(1, fixedPose, []mapgraph.KeyPoint{{X: 320, Y: 240}})

	mp := mapgraph.NewMapPoint(0, r3.Vector{Z: 10}, current)
	mp.AddObservation(current, 0)
	mp.AddObservation(fixed, 0)
	current.AddMapPoint(mp, 0)
	fixed.AddMapPoint(mp, 0)

	window := &bundleadjust.LocalWindow{
		LocalKeyFrames: []*mapgraph.KeyFrame{current},
		LocalPoints:    []*mapgraph.MapPoint{mp},
		FixedKeyFrames: []*mapgraph.KeyFrame{fixed},
	}

	opt := New()
	opt.MaxIterations = 20
	solution, err := opt.LocalBundleAdjustment(window, &bundleadjust.AbortFlag{})
	test.That(t, err, test.ShouldBeNil)
	_, fixedInSolution := solution.KeyFramePoses[fixed.ID()]
	test.That(t, fixedInSolution, test.ShouldBeFalse)
}

func TestLocalBundleAdjustmentHonorsAbort(t *testing.T) {
	current := newKF(0, identityPose(), []mapgraph.KeyPoint{{X: 320, Y: 240}})
	mp := mapgraph.NewMapPoint(0, r3.Vector{Z: 10}, current)
	mp.AddObservation(current, 0)
	current.AddMapPoint(mp, 0)

	window := &bundleadjust.LocalWindow{
		LocalKeyFrames: []*mapgraph.KeyFrame{current},
		LocalPoints:    []*mapgraph.MapPoint{mp},
	}

	opt := New()
	opt.MaxIterations = 10000
	abort := &bundleadjust.AbortFlag{}
	abort.Set()
	solution, err := opt.LocalBundleAdjustment(window, abort)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, solution, test.ShouldNotBeNil)
}

func TestLocalBundleAdjustmentNoOpOnEmptyWindow(t *testing.T) {
	opt := New()
	solution, err := opt.LocalBundleAdjustment(&bundleadjust.LocalWindow{}, &bundleadjust.AbortFlag{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, solution, test.ShouldBeNil)
}
