package mapgraph

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"

	"go.viam.com/localmapping/geometry"
)

// SensorType selects which triangulation/culling branch a keyframe's
// features are gated by.
type SensorType int

// Supported sensor configurations.
const (
	Monocular SensorType = iota
	Stereo
	RGBD
)

// KeyPoint is an undistorted feature location and the pyramid octave it was
// detected at.
type KeyPoint struct {
	X, Y   float64
	Octave int
}

// negativeSentinel marks "not stereo" / "no depth" per feature slot.
const negativeSentinel = -1.0

// KeyFrame is a pose snapshot attached to the map, with its per-feature
// geometry, its map-point associations, and its covisibility adjacency.
// All mutable state is guarded by mu; callers must tolerate a KeyFrame
// whose IsBad() has gone true out from under them (the bad-flag tombstone).
type KeyFrame struct {
	id uint64

	// Immutable at construction (the tracker's contribution).
	sensor              SensorType
	intrinsics          geometry.Intrinsics
	baseline            float64
	bf                  float64
	keypoints           []KeyPoint
	rightU              []float64
	depth               []float64
	descriptors         []Descriptor
	scaleFactors        []float64 // indexed by octave
	levelSigma2         []float64 // indexed by octave
	closeDepthThreshold float64

	mu               sync.RWMutex
	pose             geometry.Pose
	mapPoints        []*MapPoint // slot -> observed MapPoint, nil if none
	connections      map[*KeyFrame]int
	orderedConnected []*KeyFrame
	orderedWeights   []int
	bad              bool

	// fuseTargetForKF/fuseCandidateForKF-style dedup for the current
	// keyframe id being processed by SearchInNeighbors. Guarded by mu.
	fuseTargetForKF uint64
}

// NewKeyFrame constructs a KeyFrame. id must come from Map's monotonic
// counter so identities stay unique and increasing across the map.
func NewKeyFrame(
	id uint64,
	sensor SensorType,
	pose geometry.Pose,
	intrinsics geometry.Intrinsics,
	baseline float64,
	keypoints []KeyPoint,
	rightU []float64,
	depth []float64,
	descriptors []Descriptor,
	scaleFactors []float64,
	levelSigma2 []float64,
	closeDepthThreshold float64,
) *KeyFrame {
	return &KeyFrame{
		id:                  id,
		sensor:              sensor,
		pose:                pose,
		intrinsics:          intrinsics,
		baseline:            baseline,
		bf:                  baseline * intrinsics.Fx,
		keypoints:           keypoints,
		rightU:              rightU,
		depth:               depth,
		descriptors:         descriptors,
		scaleFactors:        scaleFactors,
		levelSigma2:         levelSigma2,
		closeDepthThreshold: closeDepthThreshold,
		mapPoints:           make([]*MapPoint, len(keypoints)),
		connections:         make(map[*KeyFrame]int),
	}
}

// ID returns the keyframe's monotonic identity. Stable even after the
// keyframe is marked bad.
func (k *KeyFrame) ID() uint64 { return k.id }

// IsBad reports whether this keyframe has been retired by keyframe culling.
func (k *KeyFrame) IsBad() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.bad
}

// Sensor returns the sensor configuration this keyframe was captured with.
func (k *KeyFrame) Sensor() SensorType { return k.sensor }

// Intrinsics returns the camera intrinsics used by this keyframe.
func (k *KeyFrame) Intrinsics() geometry.Intrinsics { return k.intrinsics }

// Baseline returns the stereo baseline b, or 0 for monocular.
func (k *KeyFrame) Baseline() float64 { return k.baseline }

// BF returns b*fx, used to derive the stereo right-image coordinate.
func (k *KeyFrame) BF() float64 { return k.bf }

// CloseDepthThreshold returns the per-keyframe close-point depth cutoff
// used by keyframe culling's stereo/RGB-D redundancy count.
func (k *KeyFrame) CloseDepthThreshold() float64 { return k.closeDepthThreshold }

// NumKeypoints returns the number of feature slots.
func (k *KeyFrame) NumKeypoints() int { return len(k.keypoints) }

// Keypoint returns the undistorted keypoint at slot i.
func (k *KeyFrame) Keypoint(i int) KeyPoint { return k.keypoints[i] }

// RightU returns the stereo right-image u-coordinate at slot i, or a
// negative sentinel if unavailable.
func (k *KeyFrame) RightU(i int) float64 { return k.rightU[i] }

// IsStereo reports whether slot i has a valid stereo/RGB-D association.
func (k *KeyFrame) IsStereo(i int) bool { return k.rightU[i] >= 0 }

// Depth returns the per-feature depth at slot i, or a negative sentinel if
// unavailable.
func (k *KeyFrame) Depth(i int) float64 { return k.depth[i] }

// Descriptor returns the feature descriptor at slot i.
func (k *KeyFrame) Descriptor(i int) Descriptor { return k.descriptors[i] }

// ScaleFactor returns the pyramid scale factor at the given octave.
func (k *KeyFrame) ScaleFactor(octave int) float64 { return k.scaleFactors[octave] }

// LevelSigma2 returns the per-octave scale variance sigma^2.
func (k *KeyFrame) LevelSigma2(octave int) float64 { return k.levelSigma2[octave] }

// NumScaleLevels returns the number of pyramid octaves this keyframe's
// features were extracted at.
func (k *KeyFrame) NumScaleLevels() int { return len(k.scaleFactors) }

// Pose returns the current world-to-camera rigid transform.
func (k *KeyFrame) Pose() geometry.Pose {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.pose
}

// SetPose updates the keyframe's pose, as done by local bundle adjustment's
// write-back step.
func (k *KeyFrame) SetPose(p geometry.Pose) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pose = p
}

// CameraCenter returns the current optical center in world coordinates.
func (k *KeyFrame) CameraCenter() r3.Vector {
	return k.Pose().CameraCenter()
}

// MapPoint returns the map point observed at slot i, or nil.
func (k *KeyFrame) MapPoint(i int) *MapPoint {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.mapPoints[i]
}

// GetMapPointMatches returns a snapshot of the slot->MapPoint association.
func (k *KeyFrame) GetMapPointMatches() []*MapPoint {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]*MapPoint, len(k.mapPoints))
	copy(out, k.mapPoints)
	return out
}

// AddMapPoint associates mp with feature slot idx.
func (k *KeyFrame) AddMapPoint(mp *MapPoint, idx int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mapPoints[idx] = mp
}

// EraseMapPointMatch removes whatever association slot idx holds.
func (k *KeyFrame) EraseMapPointMatch(idx int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mapPoints[idx] = nil
}

// EraseMapPointMatchByPoint removes mp's association wherever it is
// currently observed by this keyframe.
func (k *KeyFrame) EraseMapPointMatchByPoint(mp *MapPoint) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, cur := range k.mapPoints {
		if cur == mp {
			k.mapPoints[i] = nil
		}
	}
}

// ReplaceMapPointMatch overwrites slot idx's association unconditionally,
// used when fusion decides a new point should displace the current one.
func (k *KeyFrame) ReplaceMapPointMatch(idx int, mp *MapPoint) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mapPoints[idx] = mp
}

// FuseTargetForKF returns the id of the keyframe that last marked this
// keyframe as a fusion target, deduplicating SearchInNeighbors' target set.
func (k *KeyFrame) FuseTargetForKF() uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.fuseTargetForKF
}

// SetFuseTargetForKF records the current keyframe id as having claimed this
// keyframe as a fusion target.
func (k *KeyFrame) SetFuseTargetForKF(id uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fuseTargetForKF = id
}

// UpdateConnections recomputes this keyframe's covisibility adjacency from
// its current non-bad map-point observations: for every other keyframe
// that shares an observation, the edge weight is the shared-observation
// count.
func (k *KeyFrame) UpdateConnections() {
	points := k.GetMapPointMatches()

	counts := make(map[*KeyFrame]int)
	for _, mp := range points {
		if mp == nil || mp.IsBad() {
			continue
		}
		for other := range mp.Observations() {
			if other == k {
				continue
			}
			counts[other]++
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.connections = counts
	k.rebuildOrderedLocked()
}

// setConnectionWeight sets a single neighbor's edge weight (removing the
// edge when weight <= 0) rather than doing a full recount; SetBadFlag uses
// it to detach a retired keyframe from its neighbors.
func (k *KeyFrame) setConnectionWeight(other *KeyFrame, weight int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if weight <= 0 {
		delete(k.connections, other)
	} else {
		k.connections[other] = weight
	}
	k.rebuildOrderedLocked()
}

func (k *KeyFrame) rebuildOrderedLocked() {
	type pair struct {
		kf *KeyFrame
		w  int
	}
	pairs := make([]pair, 0, len(k.connections))
	for kf, w := range k.connections {
		pairs = append(pairs, pair{kf, w})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].w != pairs[j].w {
			return pairs[i].w > pairs[j].w
		}
		return pairs[i].kf.id < pairs[j].kf.id
	})
	k.orderedConnected = make([]*KeyFrame, len(pairs))
	k.orderedWeights = make([]int, len(pairs))
	for i, p := range pairs {
		k.orderedConnected[i] = p.kf
		k.orderedWeights[i] = p.w
	}
}

// GetBestCovisibilityKeyFrames returns up to n covisible neighbors, ordered
// by descending shared-observation count.
func (k *KeyFrame) GetBestCovisibilityKeyFrames(n int) []*KeyFrame {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if n <= 0 || n > len(k.orderedConnected) {
		n = len(k.orderedConnected)
	}
	out := make([]*KeyFrame, n)
	copy(out, k.orderedConnected[:n])
	return out
}

// GetVectorCovisibleKeyFrames returns all covisible neighbors, ordered by
// descending shared-observation count.
func (k *KeyFrame) GetVectorCovisibleKeyFrames() []*KeyFrame {
	return k.GetBestCovisibilityKeyFrames(-1)
}

// GetWeight returns the covisibility edge weight to other, or 0 if none.
func (k *KeyFrame) GetWeight(other *KeyFrame) int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.connections[other]
}

// ComputeSceneMedianDepth returns a quantile of the scene depths of this
// keyframe's map points: the sorted depths are indexed at (n-1)/q, so q=2
// (as the monocular baseline gate uses) gives the median. Depths are
// measured along the camera's principal (z) axis.
func (k *KeyFrame) ComputeSceneMedianDepth(q int) float64 {
	pose := k.Pose()
	r2w := pose.R.RawRowView(2)
	tz := pose.T.Z

	points := k.GetMapPointMatches()
	depths := make([]float64, 0, len(points))
	for _, mp := range points {
		if mp == nil {
			continue
		}
		pos := mp.Position()
		z := r2w[0]*pos.X + r2w[1]*pos.Y + r2w[2]*pos.Z + tz
		depths = append(depths, z)
	}
	if len(depths) == 0 {
		return 0
	}
	insertionSort2(depths)
	idx := (len(depths) - 1) / q
	if idx >= len(depths) {
		idx = len(depths) - 1
	}
	return depths[idx]
}

// UnprojectStereo back-projects a stereo/RGB-D observation at slot idx into
// a world-space point using its per-feature depth.
func (k *KeyFrame) UnprojectStereo(idx int) (r3.Vector, bool) {
	z := k.depth[idx]
	if z <= 0 {
		return r3.Vector{}, false
	}
	kp := k.keypoints[idx]
	in := k.intrinsics
	x := (kp.X - in.Cx) * in.InvFx * z
	y := (kp.Y - in.Cy) * in.InvFy * z
	camPoint := r3.Vector{X: x, Y: y, Z: z}

	// X_cam = R*X_w + t, so X_w = R^T * (X_cam - t).
	pose := k.Pose()
	rt := transpose3(pose.R)
	diff := camPoint.Sub(pose.T)
	return matVec3(rt, diff), true
}

// SetBadFlag tombstones this keyframe: it is detached from every map point
// it observed and from every covisible neighbor's adjacency, then removed
// from Map iteration. Its identity is preserved so stale references
// continue to resolve to IsBad()==true rather than dangling. The root
// keyframe (id 0) is never culled by KeyFrameCulling, but SetBadFlag itself
// does not special-case id 0 — that policy belongs to the caller.
func (k *KeyFrame) SetBadFlag(m *Map) {
	neighbors := k.GetVectorCovisibleKeyFrames()
	for _, n := range neighbors {
		n.setConnectionWeight(k, 0)
	}

	for _, mp := range k.GetMapPointMatches() {
		if mp != nil {
			mp.EraseObservation(k)
		}
	}

	k.mu.Lock()
	k.bad = true
	k.connections = make(map[*KeyFrame]int)
	k.orderedConnected = nil
	k.orderedWeights = nil
	k.mu.Unlock()

	m.EraseKeyFrame(k)
}

func insertionSort2(vals []float64) {
	for i := 1; i < len(vals); i++ {
		v := vals[i]
		j := i - 1
		for j >= 0 && vals[j] > v {
			vals[j+1] = vals[j]
			j--
		}
		vals[j+1] = v
	}
}
