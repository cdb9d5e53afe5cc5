package localmapping

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/localmapping/geometry"
	"go.viam.com/localmapping/mapgraph"
	"go.viam.com/localmapping/matching"
)

// newStereoKFWithFreshPoints builds a stereo keyframe carrying n
// already-self-observed map points, simulating the tracker's immediate
// stereo/RGB-D point insertion ahead of ProcessNewKeyFrame.
func newStereoKFWithFreshPoints(id uint64, n int, depth float64) (*mapgraph.KeyFrame, []*mapgraph.MapPoint) {
	keypoints := make([]mapgraph.KeyPoint, n)
	rightU := make([]float64, n)
	depthArr := make([]float64, n)
	descriptors := make([]mapgraph.Descriptor, n)
	for i := 0; i < n; i++ {
		keypoints[i] = mapgraph.KeyPoint{X: float64(300 + i), Y: float64(200 + i)}
		rightU[i] = float64(280 + i)
		depthArr[i] = depth
		descriptors[i] = mapgraph.Descriptor{byte(i)}
	}
	kf := mapgraph.NewKeyFrame(
		id, mapgraph.Stereo, identityPose(), geometry.NewIntrinsics(500, 500, 320, 240), 0.1,
		keypoints, rightU, depthArr, descriptors, []float64{1, 1.2}, []float64{1, 1.44}, 40,
	)
	points := make([]*mapgraph.MapPoint, n)
	for i := 0; i < n; i++ {
		mp := mapgraph.NewMapPoint(uint64(i), r3.Vector{Z: depth}, kf)
		mp.AddObservation(kf, i)
		kf.AddMapPoint(mp, i)
		points[i] = mp
	}
	return kf, points
}

func TestMapPointCullingStereoCloseVetting(t *testing.T) {
	lm := newTestMapper(t)
	lm.cfg.Sensor = Stereo

	k0, _ := newStereoKFWithFreshPoints(0, 10, 5.0)
	lm.InsertKeyFrame(k0)
	current := lm.ProcessNewKeyFrame()
	lm.MapPointCulling(current)
	lm.recentAddedMu.Lock()
	n0 := len(lm.recentAdded)
	lm.recentAddedMu.Unlock()
	test.That(t, n0, test.ShouldEqual, 10)

	lm.InsertKeyFrame(newKF(1, 1))
	c1 := lm.ProcessNewKeyFrame()
	lm.MapPointCulling(c1)

	lm.InsertKeyFrame(newKF(2, 1))
	c2 := lm.ProcessNewKeyFrame()
	lm.MapPointCulling(c2)

	lm.recentAddedMu.Lock()
	n2 := len(lm.recentAdded)
	lm.recentAddedMu.Unlock()
	test.That(t, n2, test.ShouldEqual, 0)
}

func TestCreateNewMapPointsZeroBaselineIsNoOp(t *testing.T) {
	lm := newTestMapper(t)
	kf1 := newKF(0, 5)
	kf2 := newKF(1, 5)
	lm.m.AddKeyFrame(kf1)
	lm.m.AddKeyFrame(kf2)

	// Give kf2 an owned point so ComputeSceneMedianDepth is well defined,
	// and share an observation so the two keyframes are covisible.
	shared := mapgraph.NewMapPoint(0, r3.Vector{Z: 5}, kf2)
	shared.AddObservation(kf1, 0)
	shared.AddObservation(kf2, 0)
	kf1.AddMapPoint(shared, 0)
	kf2.AddMapPoint(shared, 0)
	kf1.UpdateConnections()
	kf2.UpdateConnections()
	lm.m.AddMapPoint(shared)

	before := lm.m.MapPointsInMap()
	lm.CreateNewMapPoints(kf1)
	test.That(t, lm.m.MapPointsInMap(), test.ShouldEqual, before)
}

func TestKeyFrameCullingRedundancy(t *testing.T) {
	lm := newTestMapper(t)
	kfs := make([]*mapgraph.KeyFrame, 5)
	for i := 0; i < 5; i++ {
		kfs[i] = newKF(uint64(i), 100)
		lm.m.AddKeyFrame(kfs[i])
	}
	for j := 0; j < 100; j++ {
		mp := mapgraph.NewMapPoint(uint64(j), r3.Vector{Z: 5}, kfs[0])
		for i := 0; i < 5; i++ {
			mp.AddObservation(kfs[i], j)
			kfs[i].AddMapPoint(mp, j)
		}
		lm.m.AddMapPoint(mp)
	}
	for _, kf := range kfs {
		kf.UpdateConnections()
	}

	lm.KeyFrameCulling(kfs[0])

	test.That(t, kfs[0].IsBad(), test.ShouldBeFalse)
	for i := 1; i < 5; i++ {
		test.That(t, kfs[i].IsBad(), test.ShouldBeTrue)
	}
}

// countingMatcher injects a new keyframe into the mapper's queue partway
// through a triangulation pass, to exercise CreateNewMapPoints' abort check.
type countingMatcher struct {
	lm          *LocalMapper
	calls       int
	injectAfter int
}

func (c *countingMatcher) SearchForTriangulation(
	kf1, kf2 *mapgraph.KeyFrame, f12 *mat.Dense, nnRatio float64,
) []matching.CandidatePair {
	c.calls++
	if c.calls == c.injectAfter {
		c.lm.InsertKeyFrame(newKF(999, 1))
	}
	return nil
}

func (c *countingMatcher) Fuse(kf *mapgraph.KeyFrame, points []*mapgraph.MapPoint, th float64) int {
	return 0
}

func TestCreateNewMapPointsAbortsOnNewKeyFrame(t *testing.T) {
	lm := newTestMapper(t)
	lm.cfg.Sensor = Stereo // baseline gate always passes: 0 >= neighbor's 0 baseline
	matcher := &countingMatcher{lm: lm, injectAfter: 3}
	lm.matcher = matcher

	current := newKF(0, 20)
	lm.m.AddKeyFrame(current)

	neighbors := make([]*mapgraph.KeyFrame, 20)
	for i := 0; i < 20; i++ {
		neighbors[i] = newKF(uint64(i+1), 1)
		lm.m.AddKeyFrame(neighbors[i])
		// Descending shared-point counts give descending covisibility
		// weight in ascending id order, so GetBestCovisibilityKeyFrames
		// returns them in construction order.
		for w := 0; w < 20-i; w++ {
			mp := mapgraph.NewMapPoint(uint64(1000+i*100+w), r3.Vector{Z: 5}, current)
			mp.AddObservation(current, 0)
			mp.AddObservation(neighbors[i], 0)
		}
		current.UpdateConnections()
	}
	// UpdateConnections recomputes from current's own map-point slots, none
	// of which were populated above (the shared MapPoints were only
	// cross-referenced via AddObservation, not AddMapPoint). Rebuild the
	// adjacency directly from what CreateNewMapPoints actually reads:
	// GetBestCovisibilityKeyFrames. Each neighbor shares one point held in
	// its own slot of current, so all weights are 1 and ties break by
	// ascending id, returning the neighbors in construction order.
	for i := 0; i < 20; i++ {
		mp := mapgraph.NewMapPoint(uint64(2000+i), r3.Vector{Z: 5}, current)
		mp.AddObservation(current, i)
		mp.AddObservation(neighbors[i], 0)
		current.AddMapPoint(mp, i)
		neighbors[i].AddMapPoint(mp, 0)
	}
	current.UpdateConnections()

	lm.CreateNewMapPoints(current)

	test.That(t, matcher.calls, test.ShouldEqual, 3)
	test.That(t, lm.checkNewKeyFrames(), test.ShouldBeTrue)
}
