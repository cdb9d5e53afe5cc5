package fake

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

func newKF(id uint64) *mapgraph.KeyFrame {
	return mapgraph.NewKeyFrame(
		id, mapgraph.Monocular, identityPose(), geometry.NewIntrinsics(500, 500, 320, 240), 0,
		[]mapgraph.KeyPoint{{X: 300, Y: 200}}, []float64{-1}, []float64{-1},
		[]mapgraph.Descriptor{{0}}, []float64{1, 1.2}, []float64{1, 1.44}, 40,
	)
}

func TestLocalBundleAdjustmentEchoesCurrentState(t *testing.T) {
	kf := newKF(0)
	mp := mapgraph.NewMapPoint(0, r3.Vector{X: 1, Y: 2, Z: 3}, kf)

	window := &bundleadjust.LocalWindow{
		LocalKeyFrames: []*mapgraph.KeyFrame{kf},
		LocalPoints:    []*mapgraph.MapPoint{mp},
	}

	opt := New()
	sol, err := opt.LocalBundleAdjustment(window, &bundleadjust.AbortFlag{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sol.KeyFramePoses[kf.ID()].T, test.ShouldResemble, kf.Pose().T)
	test.That(t, sol.PointPositions[mp.ID()], test.ShouldResemble, mp.Position())
}
