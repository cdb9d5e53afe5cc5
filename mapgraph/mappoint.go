package mapgraph

import (
	"sync"

	"github.com/golang/geo/r3"
)

// foundRatioCullThreshold is the minimum fraction of predicted-visible
// frames a recently added point must actually be matched in to survive
// MapPointCulling.
const foundRatioCullThreshold = 0.25

// MapPoint is a triangulated 3D landmark observed in one or more keyframes.
type MapPoint struct {
	id uint64

	mu           sync.RWMutex
	position     r3.Vector
	refKF        *KeyFrame
	observations map[*KeyFrame]int // KeyFrame -> feature slot
	descriptor   Descriptor
	normal       r3.Vector
	minDistance  float64
	maxDistance  float64
	visible      int
	found        int
	firstKFid    uint64
	bad          bool
	replacedBy   *MapPoint

	fuseCandidateForKF uint64
}

// NewMapPoint constructs a MapPoint at the given world position, first
// observed by refKF. The caller is responsible for then calling
// AddObservation for refKF's own slot and registering the point with the
// Map.
func NewMapPoint(id uint64, position r3.Vector, refKF *KeyFrame) *MapPoint {
	return &MapPoint{
		id:           id,
		position:     position,
		refKF:        refKF,
		observations: make(map[*KeyFrame]int),
		firstKFid:    refKF.ID(),
		visible:      1,
		found:        1,
	}
}

// ID returns the map point's monotonic identity.
func (p *MapPoint) ID() uint64 { return p.id }

// IsBad reports whether this point has been retired by culling or fusion.
func (p *MapPoint) IsBad() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bad
}

// Position returns the point's current world coordinates.
func (p *MapPoint) Position() r3.Vector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.position
}

// SetPosition updates the point's world coordinates, as done by local
// bundle adjustment's write-back step.
func (p *MapPoint) SetPosition(pos r3.Vector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = pos
}

// RefKeyFrame returns the point's reference keyframe: the one it was created
// with, or another observer once EraseObservation has removed that one.
func (p *MapPoint) RefKeyFrame() *KeyFrame {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.refKF
}

// FirstKFid returns the id of the keyframe current when this point was
// created, used by MapPointCulling's age gate.
func (p *MapPoint) FirstKFid() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.firstKFid
}

// IsInKeyFrame reports whether kf currently observes this point.
func (p *MapPoint) IsInKeyFrame(kf *KeyFrame) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.observations[kf]
	return ok
}

// Observations returns a snapshot of the keyframe->slot observation map.
func (p *MapPoint) Observations() map[*KeyFrame]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[*KeyFrame]int, len(p.observations))
	for k, v := range p.observations {
		out[k] = v
	}
	return out
}

// NumObservations returns the current observation count.
func (p *MapPoint) NumObservations() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.observations)
}

// AddObservation registers that kf observes this point at feature slot idx.
// It is a no-op if kf already observes this point (unique per keyframe).
func (p *MapPoint) AddObservation(kf *KeyFrame, idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.observations[kf]; ok {
		return
	}
	p.observations[kf] = idx
}

// EraseObservation removes kf's observation of this point. If that leaves
// the point observed by fewer than 2 keyframes it is retired (mirroring
// the original's MapPoint::EraseObservation, which culls a point that can
// no longer be triangulated from at least two views), and if kf was the
// reference keyframe a new reference is picked from the remaining
// observers.
func (p *MapPoint) EraseObservation(kf *KeyFrame) {
	p.mu.Lock()
	shouldCull := false
	if _, ok := p.observations[kf]; ok {
		delete(p.observations, kf)
		if p.refKF == kf {
			for other := range p.observations {
				p.refKF = other
				break
			}
		}
		if len(p.observations) <= 1 {
			shouldCull = true
		}
	}
	p.mu.Unlock()

	if shouldCull {
		p.setBadFlagLocal()
	}
}

// setBadFlagLocal tombstones the point and clears it from the slots of the
// keyframes still observing it, without removing it from the Map; used by
// EraseObservation, which has no Map handle. The keyframe whose observation
// was just erased is no longer in the observation set, so its slot is left
// as it is.
func (p *MapPoint) setBadFlagLocal() {
	p.mu.Lock()
	obs := p.observations
	p.observations = make(map[*KeyFrame]int)
	p.bad = true
	p.mu.Unlock()

	for kf := range obs {
		kf.EraseMapPointMatchByPoint(p)
	}
}

// SetBadFlag tombstones the point: every keyframe currently observing it
// has that observation removed, then the point is dropped from the map's
// iteration. Its identity is preserved.
func (p *MapPoint) SetBadFlag(m *Map) {
	p.mu.Lock()
	obs := p.observations
	p.observations = make(map[*KeyFrame]int)
	p.bad = true
	p.mu.Unlock()

	for kf := range obs {
		kf.EraseMapPointMatchByPoint(p)
	}

	m.EraseMapPoint(p)
}

// Replace merges this point into other: every keyframe observing this
// point that does not already observe other gets its slot repointed to
// other, found/visible counters are added into other, and this point is
// tombstoned. This is the resolution policy fusion uses when a candidate
// duplicates an existing map point (collisions keep the higher-observation
// point, i.e. the caller decides which of the two is `other`).
func (p *MapPoint) Replace(other *MapPoint) {
	if p == other {
		return
	}

	p.mu.Lock()
	obs := p.observations
	p.observations = make(map[*KeyFrame]int)
	visible, found := p.visible, p.found
	p.bad = true
	p.replacedBy = other
	p.mu.Unlock()

	for kf, idx := range obs {
		if other.IsInKeyFrame(kf) {
			kf.EraseMapPointMatch(idx)
		} else {
			kf.ReplaceMapPointMatch(idx, other)
			other.AddObservation(kf, idx)
		}
	}

	other.mu.Lock()
	other.visible += visible
	other.found += found
	other.mu.Unlock()

	other.ComputeDistinctiveDescriptors()
	other.UpdateNormalAndDepth()
}

// ReplacedBy returns the point that superseded this one via Replace, or nil.
func (p *MapPoint) ReplacedBy() *MapPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.replacedBy
}

// IncreaseVisible records n additional frames in which this point was
// predicted to be visible (matched against, whether or not it was found).
func (p *MapPoint) IncreaseVisible(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible += n
}

// IncreaseFound records n additional frames in which this point was
// actually matched.
func (p *MapPoint) IncreaseFound(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.found += n
}

// GetFoundRatio returns found/visible, the ratio MapPointCulling gates on.
func (p *MapPoint) GetFoundRatio() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.visible == 0 {
		return 0
	}
	return float64(p.found) / float64(p.visible)
}

// GetDescriptor returns the point's current representative descriptor.
func (p *MapPoint) GetDescriptor() Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.descriptor
}

// GetNormal returns the point's mean viewing-direction normal.
func (p *MapPoint) GetNormal() r3.Vector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.normal
}

// GetMinDistance and GetMaxDistance return the valid depth range within
// which this point's scale-invariant descriptor remains reliable.
func (p *MapPoint) GetMinDistance() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minDistance
}

func (p *MapPoint) GetMaxDistance() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxDistance
}

// FuseCandidateForKF returns the id of the keyframe that last claimed this
// point as a backward-fusion candidate, deduplicating SearchInNeighbors.
func (p *MapPoint) FuseCandidateForKF() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fuseCandidateForKF
}

// SetFuseCandidateForKF records the current keyframe id as having claimed
// this point as a fusion candidate.
func (p *MapPoint) SetFuseCandidateForKF(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fuseCandidateForKF = id
}

// ComputeDistinctiveDescriptors recomputes the representative descriptor as
// the observation whose descriptor has the smallest median Hamming
// distance to all other observations' descriptors.
func (p *MapPoint) ComputeDistinctiveDescriptors() {
	obs := p.Observations()
	if len(obs) == 0 {
		return
	}
	candidates := make([]Descriptor, 0, len(obs))
	for kf, idx := range obs {
		if kf.IsBad() {
			continue
		}
		candidates = append(candidates, kf.Descriptor(idx))
	}
	if len(candidates) == 0 {
		return
	}
	best := medianDistanceDescriptor(candidates)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.descriptor = best
}

// UpdateNormalAndDepth recomputes the mean viewing-direction normal and the
// valid depth range [min,max] from the point's current non-bad
// observations. The range comes from the reference keyframe's octave scale
// factor, matching MapPoint::UpdateNormalAndDepth.
func (p *MapPoint) UpdateNormalAndDepth() {
	obs := p.Observations()
	if len(obs) == 0 {
		return
	}
	pos := p.Position()
	refKF := p.RefKeyFrame()

	var sum r3.Vector
	n := 0
	for kf := range obs {
		if kf.IsBad() {
			continue
		}
		normal := pos.Sub(kf.CameraCenter())
		norm := normal.Norm()
		if norm == 0 {
			continue
		}
		sum = sum.Add(normal.Mul(1 / norm))
		n++
	}
	if n == 0 {
		return
	}
	meanNormal := sum.Mul(1 / float64(n))

	refIdx, ok := obs[refKF]
	if !ok || refKF.IsBad() {
		p.mu.Lock()
		p.normal = meanNormal
		p.mu.Unlock()
		return
	}
	dist := pos.Sub(refKF.CameraCenter()).Norm()
	octave := refKF.Keypoint(refIdx).Octave
	levelScaleFactor := refKF.ScaleFactor(octave)
	numLevels := refKF.NumScaleLevels()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.normal = meanNormal
	p.maxDistance = dist * levelScaleFactor
	if numLevels > 0 {
		p.minDistance = p.maxDistance / refKF.ScaleFactor(numLevels-1)
	} else {
		p.minDistance = p.maxDistance
	}
}
