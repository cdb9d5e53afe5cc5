package localmapping

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/localmapping/geometry"
	"go.viam.com/localmapping/mapgraph"
	"go.viam.com/localmapping/matching"
)

// mapPointCullFoundRatio is the minimum found-ratio a recently added point
// must clear to survive MapPointCulling.
const mapPointCullFoundRatio = 0.25

// keyFrameCullMinRedundantObs is the number of other keyframes that must
// co-observe a point at an octave no more than one above this keyframe's
// octave for that observation to count as redundant.
const keyFrameCullMinRedundantObs = 3

// keyFrameCullRedundancyRatio is the fraction of a keyframe's counted map
// points that must be redundant for it to be culled.
const keyFrameCullRedundancyRatio = 0.9

// fusionSecondNeighbors is how many of each target keyframe's own best
// covisibility neighbors get folded into the fusion target set.
const fusionSecondNeighbors = 5

// ProcessNewKeyFrame dequeues the oldest pending keyframe, reconciles its
// map-point associations against their observation graphs, updates its
// covisibility, and inserts it into the map. Returns nil if the queue was
// empty.
func (lm *LocalMapper) ProcessNewKeyFrame() *mapgraph.KeyFrame {
	kf := lm.dequeue()
	if kf == nil {
		return nil
	}
	lm.log.Debugw("processing new keyframe", "keyframe", kf.ID())

	for i := 0; i < kf.NumKeypoints(); i++ {
		mp := kf.MapPoint(i)
		if mp == nil {
			continue
		}
		if mp.IsBad() {
			lm.log.Debugw("skipping stale map point during ingest", "keyframe", kf.ID(), "point", mp.ID(), "reason", errStaleMapPoint)
			continue
		}
		if !mp.IsInKeyFrame(kf) {
			mp.AddObservation(kf, i)
			mp.UpdateNormalAndDepth()
			mp.ComputeDistinctiveDescriptors()
		} else {
			// The tracker already registered this observation (a fresh
			// stereo/RGB-D point); queue it for found-ratio/age vetting.
			lm.pushRecentAdded(mp)
		}
	}

	kf.UpdateConnections()
	lm.m.AddKeyFrame(kf)
	return kf
}

// MapPointCulling walks the recent-added list and retires points that never
// earned their keep, per §4.1 step 3.
func (lm *LocalMapper) MapPointCulling(current *mapgraph.KeyFrame) {
	if current == nil {
		return
	}
	obsThreshold := 3
	if lm.cfg.Sensor == Monocular {
		obsThreshold = 2
	}
	n := current.ID()

	lm.recentAddedMu.Lock()
	list := lm.recentAdded
	lm.recentAddedMu.Unlock()

	kept := make([]*mapgraph.MapPoint, 0, len(list))
	for _, mp := range list {
		age := int64(n) - int64(mp.FirstKFid())
		switch {
		case mp.IsBad():
			lm.log.Debugw("dropping stale recent-added point", "point", mp.ID(), "reason", errStaleMapPoint)
		case mp.GetFoundRatio() < mapPointCullFoundRatio:
			mp.SetBadFlag(lm.m)
			lm.log.Debugw("culling map point for low found ratio", "point", mp.ID(), "foundRatio", mp.GetFoundRatio())
		case age >= 2 && mp.NumObservations() <= obsThreshold:
			mp.SetBadFlag(lm.m)
			lm.log.Debugw("culling map point for insufficient observations",
				"point", mp.ID(), "age", age, "observations", mp.NumObservations())
		case age >= 3:
			lm.log.Debugw("map point graduated from recent-added tracking", "point", mp.ID())
		default:
			kept = append(kept, mp)
		}
	}

	lm.recentAddedMu.Lock()
	lm.recentAdded = kept
	lm.recentAddedMu.Unlock()
}

// baseScaleFactor approximates the per-level pyramid scale ratio used by the
// triangulator's scale-consistency tolerance as kf.ScaleFactor(1), which
// equals the ratio between consecutive octaves whenever octave 0's scale
// factor is 1. Keyframes with fewer than two scale levels fall back to 1.0
// (no additional tolerance).
func baseScaleFactor(kf *mapgraph.KeyFrame) float64 {
	if kf.NumScaleLevels() > 1 {
		return kf.ScaleFactor(1)
	}
	return 1.0
}

// CreateNewMapPoints is the triangulator: it searches current's covisibility
// neighbors for epipolar-constrained matches on unassociated features and
// promotes the gated survivors to new MapPoints, per §4.2.
func (lm *LocalMapper) CreateNewMapPoints(current *mapgraph.KeyFrame) {
	if current == nil {
		return
	}
	nn := 10
	if lm.cfg.Sensor == Monocular {
		nn = 20
	}
	neighbors := current.GetBestCovisibilityKeyFrames(nn)

	pose1 := current.Pose()
	o1 := pose1.CameraCenter()
	intr1 := current.Intrinsics()
	proj1 := pose1.Projection()
	ratioFactor := 1.5 * baseScaleFactor(current)

	for i, kf2 := range neighbors {
		if i > 0 && lm.checkNewKeyFrames() {
			lm.log.Debugw("aborting triangulation pass for incoming keyframe", "keyframe", current.ID())
			return
		}
		if kf2 == nil || kf2.IsBad() {
			lm.log.Debugw("skipping stale covisibility neighbor", "keyframe", current.ID(), "reason", errStaleKeyFrame)
			continue
		}

		pose2 := kf2.Pose()
		o2 := pose2.CameraCenter()
		baseline := o2.Sub(o1).Norm()

		if lm.cfg.Sensor != Monocular {
			if baseline < kf2.Baseline() {
				lm.log.Debugw("skipping neighbor for insufficient baseline",
					"keyframe1", current.ID(), "keyframe2", kf2.ID(), "reason", errZeroBaseline)
				continue
			}
		} else {
			medianDepth := kf2.ComputeSceneMedianDepth(2)
			if medianDepth <= 0 || baseline/medianDepth < 0.01 {
				lm.log.Debugw("skipping neighbor for insufficient baseline",
					"keyframe1", current.ID(), "keyframe2", kf2.ID(), "reason", errZeroBaseline)
				continue
			}
		}

		intr2 := kf2.Intrinsics()
		f12, err := geometry.ComputeFundamental(pose1, pose2, intr1, intr2)
		if err != nil {
			lm.log.Warnw("failed to compute fundamental matrix",
				"keyframe1", current.ID(), "keyframe2", kf2.ID(), "error", err)
			continue
		}

		pairs := lm.matcher.SearchForTriangulation(current, kf2, f12, lm.cfg.MatcherNNRatio)
		proj2 := pose2.Projection()

		for _, pair := range pairs {
			if err := lm.tryTriangulate(current, kf2, pair, pose1, pose2, o1, o2, intr1, intr2, proj1, proj2, ratioFactor); err != nil {
				lm.log.Debugw("triangulation candidate rejected",
					"keyframe1", current.ID(), "keyframe2", kf2.ID(), "reason", err)
			}
		}
	}
}

// tryTriangulate runs the full per-candidate gating chain from §4.2 steps
// 1-6 and, on success, materializes a new MapPoint. It returns nil on
// success or the sentinel naming the gate that rejected the candidate.
func (lm *LocalMapper) tryTriangulate(
	current, kf2 *mapgraph.KeyFrame,
	pair matching.CandidatePair,
	pose1, pose2 geometry.Pose,
	o1, o2 r3.Vector,
	intr1, intr2 geometry.Intrinsics,
	proj1, proj2 *mat.Dense,
	ratioFactor float64,
) error {
	idx1, idx2 := pair.Idx1, pair.Idx2
	kp1 := current.Keypoint(idx1)
	kp2 := kf2.Keypoint(idx2)

	xn1 := intr1.Backproject(kp1.X, kp1.Y)
	xn2 := intr2.Backproject(kp2.X, kp2.Y)

	ray1 := pose1.RotateToWorld(xn1)
	ray2 := pose2.RotateToWorld(xn2)
	cosParallaxRays := geometry.CosParallax(ray1, ray2)

	stereo1 := current.IsStereo(idx1)
	stereo2 := kf2.IsStereo(idx2)

	cosParallaxStereo1 := cosParallaxRays + 1
	cosParallaxStereo2 := cosParallaxRays + 1
	if stereo1 {
		cosParallaxStereo1 = geometry.CosParallaxStereo(current.Baseline(), current.Depth(idx1))
	} else if stereo2 {
		cosParallaxStereo2 = geometry.CosParallaxStereo(kf2.Baseline(), kf2.Depth(idx2))
	}
	cosParallaxStereo := math.Min(cosParallaxStereo1, cosParallaxStereo2)

	var x3D r3.Vector
	switch {
	case cosParallaxRays < cosParallaxStereo && cosParallaxRays > 0 &&
		(stereo1 || stereo2 || cosParallaxRays < 0.9998):
		p, err := geometry.TriangulateLinear(xn1, xn2, proj1, proj2)
		if err != nil {
			return errInsufficientParallax
		}
		x3D = p
	case stereo1 && cosParallaxStereo1 < cosParallaxStereo2:
		p, ok := current.UnprojectStereo(idx1)
		if !ok {
			return errFailedCheirality
		}
		x3D = p
	case stereo2 && cosParallaxStereo2 < cosParallaxStereo1:
		p, ok := kf2.UnprojectStereo(idx2)
		if !ok {
			return errFailedCheirality
		}
		x3D = p
	default:
		return errInsufficientParallax
	}

	// Cheirality: positive depth in both cameras.
	z1 := pose1.R.RawRowView(2)[0]*x3D.X + pose1.R.RawRowView(2)[1]*x3D.Y + pose1.R.RawRowView(2)[2]*x3D.Z + pose1.T.Z
	if z1 <= 0 {
		return errFailedCheirality
	}
	z2 := pose2.R.RawRowView(2)[0]*x3D.X + pose2.R.RawRowView(2)[1]*x3D.Y + pose2.R.RawRowView(2)[2]*x3D.Z + pose2.T.Z
	if z2 <= 0 {
		return errFailedCheirality
	}

	if !reprojectionOK(current, idx1, kp1, x3D, pose1, intr1, stereo1) {
		return errFailedReprojection
	}
	if !reprojectionOK(kf2, idx2, kp2, x3D, pose2, intr2, stereo2) {
		return errFailedReprojection
	}

	dist1 := x3D.Sub(o1).Norm()
	dist2 := x3D.Sub(o2).Norm()
	if dist1 == 0 || dist2 == 0 {
		return errZeroBaseline
	}
	ratioDist := dist2 / dist1
	ratioOctave := current.ScaleFactor(kp1.Octave) / kf2.ScaleFactor(kp2.Octave)
	if !geometry.ScaleConsistent(ratioDist, ratioOctave, ratioFactor) {
		return errFailedScaleConsistency
	}

	mp := mapgraph.NewMapPoint(lm.m.NextMapPointID(), x3D, current)
	mp.AddObservation(current, idx1)
	mp.AddObservation(kf2, idx2)
	current.AddMapPoint(mp, idx1)
	kf2.AddMapPoint(mp, idx2)
	mp.ComputeDistinctiveDescriptors()
	mp.UpdateNormalAndDepth()

	lm.m.AddMapPoint(mp)
	lm.pushRecentAdded(mp)
	return nil
}

// reprojectionOK applies the chi-square reprojection gate for a single
// keyframe's observation of the candidate point.
func reprojectionOK(
	kf *mapgraph.KeyFrame, idx int, kp mapgraph.KeyPoint, x3D r3.Vector,
	pose geometry.Pose, intr geometry.Intrinsics, stereo bool,
) bool {
	r0 := pose.R.RawRowView(0)
	r1 := pose.R.RawRowView(1)
	r2 := pose.R.RawRowView(2)
	x := r0[0]*x3D.X + r0[1]*x3D.Y + r0[2]*x3D.Z + pose.T.X
	y := r1[0]*x3D.X + r1[1]*x3D.Y + r1[2]*x3D.Z + pose.T.Y
	z := r2[0]*x3D.X + r2[1]*x3D.Y + r2[2]*x3D.Z + pose.T.Z
	invz := 1 / z

	sigmaSquare := kf.LevelSigma2(kp.Octave)
	u := intr.Fx*x*invz + intr.Cx
	v := intr.Fy*y*invz + intr.Cy
	errX := u - kp.X
	errY := v - kp.Y

	if !stereo {
		return errX*errX+errY*errY <= geometry.ChiSquareMono*sigmaSquare
	}
	ur := u - kf.BF()*invz
	errXr := ur - kf.RightU(idx)
	return errX*errX+errY*errY+errXr*errXr <= geometry.ChiSquareStereo*sigmaSquare
}

// SearchInNeighbors is the fusion pass: it grows a target set from current's
// covisibility neighborhood, fuses current's points forward into each
// target and each target's points backward into current, then refreshes
// current's descriptors/normals and covisibility, per §4.3.
func (lm *LocalMapper) SearchInNeighbors(current *mapgraph.KeyFrame) {
	if current == nil {
		return
	}
	nn := 10
	if lm.cfg.Sensor == Monocular {
		nn = 20
	}
	neighbors := current.GetBestCovisibilityKeyFrames(nn)

	var targets []*mapgraph.KeyFrame
	for _, kf := range neighbors {
		if kf.IsBad() || kf.FuseTargetForKF() == current.ID() {
			continue
		}
		targets = append(targets, kf)
		kf.SetFuseTargetForKF(current.ID())

		for _, second := range kf.GetBestCovisibilityKeyFrames(fusionSecondNeighbors) {
			if second.IsBad() || second.FuseTargetForKF() == current.ID() || second.ID() == current.ID() {
				continue
			}
			targets = append(targets, second)
			second.SetFuseTargetForKF(current.ID())
		}
	}

	currentPoints := current.GetMapPointMatches()
	forwardFused := 0
	for _, target := range targets {
		if lm.checkNewKeyFrames() {
			lm.log.Debugw("aborting fusion pass for incoming keyframe", "keyframe", current.ID())
			return
		}
		forwardFused += lm.matcher.Fuse(target, currentPoints, fuseSearchRadius)
	}

	var candidates []*mapgraph.MapPoint
	for _, target := range targets {
		for _, mp := range target.GetMapPointMatches() {
			if mp == nil || mp.IsBad() || mp.FuseCandidateForKF() == current.ID() {
				continue
			}
			mp.SetFuseCandidateForKF(current.ID())
			candidates = append(candidates, mp)
		}
	}
	backwardFused := lm.matcher.Fuse(current, candidates, fuseSearchRadius)

	for _, mp := range current.GetMapPointMatches() {
		if mp != nil && !mp.IsBad() {
			mp.ComputeDistinctiveDescriptors()
			mp.UpdateNormalAndDepth()
		}
	}
	current.UpdateConnections()

	lm.log.Debugw("neighborhood fusion complete",
		"keyframe", current.ID(), "targets", len(targets), "forwardFused", forwardFused, "backwardFused", backwardFused)
}

// fuseSearchRadius is the projection search window, in pixels, Fuse uses to
// decide whether a candidate point lands close enough to an existing
// feature to be worth attaching or replacing.
const fuseSearchRadius = 3.0

// KeyFrameCulling retires covisible neighbors of current whose observed
// points are almost entirely redundant with other keyframes, per §4.4. The
// root keyframe (id 0) is exempt. Every neighbor is judged against the
// observations as they stand at the start of the pass; the redundant ones
// are retired after the scan.
func (lm *LocalMapper) KeyFrameCulling(current *mapgraph.KeyFrame) {
	if current == nil {
		return
	}
	var toCull []*mapgraph.KeyFrame
	for _, kf := range current.GetVectorCovisibleKeyFrames() {
		if kf.ID() == 0 {
			continue
		}
		if kf.IsBad() {
			lm.log.Debugw("skipping stale covisibility neighbor", "keyframe", current.ID(), "reason", errStaleKeyFrame)
			continue
		}

		points := kf.GetMapPointMatches()
		numCounted := 0
		numRedundant := 0

		for i, mp := range points {
			if mp == nil || mp.IsBad() {
				continue
			}
			if lm.cfg.Sensor != Monocular {
				depth := kf.Depth(i)
				if depth < 0 || depth > kf.CloseDepthThreshold() {
					continue
				}
			}
			numCounted++

			if mp.NumObservations() <= keyFrameCullMinRedundantObs {
				continue
			}
			scaleLevel := kf.Keypoint(i).Octave
			obsCount := 0
			for other, slot := range mp.Observations() {
				if other == kf {
					continue
				}
				if other.Keypoint(slot).Octave <= scaleLevel+1 {
					obsCount++
					if obsCount >= keyFrameCullMinRedundantObs {
						break
					}
				}
			}
			if obsCount >= keyFrameCullMinRedundantObs {
				numRedundant++
			}
		}

		if numCounted > 0 && float64(numRedundant) > keyFrameCullRedundancyRatio*float64(numCounted) {
			toCull = append(toCull, kf)
			lm.log.Debugw("culling redundant keyframe",
				"keyframe", kf.ID(), "redundant", numRedundant, "counted", numCounted)
		}
	}
	for _, kf := range toCull {
		kf.SetBadFlag(lm.m)
	}
}
