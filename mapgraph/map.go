package mapgraph

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Map owns the set of KeyFrames and MapPoints and the monotonic counters
// used to assign their identities. Its UpdateMutex is the coarse
// "map-update" lock local bundle adjustment holds to freeze structure
// while it reads/writes poses and positions.
type Map struct {
	UpdateMutex sync.RWMutex

	mu         sync.Mutex
	keyframes  map[uint64]*KeyFrame
	mapPoints  map[uint64]*MapPoint
	nextKFID   uint64
	nextMPID   uint64
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		keyframes: make(map[uint64]*KeyFrame),
		mapPoints: make(map[uint64]*MapPoint),
	}
}

// NextKeyFrameID returns the next monotonic keyframe identity and advances
// the counter. Callers construct the KeyFrame with this id before
// AddKeyFrame.
func (m *Map) NextKeyFrameID() uint64 {
	return atomic.AddUint64(&m.nextKFID, 1) - 1
}

// NextMapPointID returns the next monotonic map-point identity and
// advances the counter.
func (m *Map) NextMapPointID() uint64 {
	return atomic.AddUint64(&m.nextMPID, 1) - 1
}

// AddKeyFrame inserts kf into the map.
func (m *Map) AddKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyframes[kf.ID()] = kf
}

// EraseKeyFrame removes kf from map iteration. Safe to call even if kf was
// never inserted.
func (m *Map) EraseKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keyframes, kf.ID())
}

// AddMapPoint inserts mp into the map.
func (m *Map) AddMapPoint(mp *MapPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mapPoints[mp.ID()] = mp
}

// EraseMapPoint removes mp from map iteration.
func (m *Map) EraseMapPoint(mp *MapPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mapPoints, mp.ID())
}

// KeyFramesInMap returns the current number of live keyframes.
func (m *Map) KeyFramesInMap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keyframes)
}

// MapPointsInMap returns the current number of live map points.
func (m *Map) MapPointsInMap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mapPoints)
}

// AllKeyFrames returns a snapshot of every keyframe currently in the map,
// ordered by id for deterministic iteration (e.g. by bundle adjustment).
func (m *Map) AllKeyFrames() []*KeyFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*KeyFrame, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		out = append(out, kf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// AllMapPoints returns a snapshot of every map point currently in the map,
// ordered by id for deterministic iteration.
func (m *Map) AllMapPoints() []*MapPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MapPoint, 0, len(m.mapPoints))
	for _, mp := range m.mapPoints {
		out = append(out, mp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
