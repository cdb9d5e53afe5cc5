// Package localmapping drives the background loop that ingests keyframes
// from a tracker, extends the map by triangulation, curates it via culling
// and fusion, invokes local bundle adjustment, and hands finished keyframes
// off to a loop closer. It owns no wire protocol; every method here is an
// in-process contract between the tracker, this loop, and whatever collaborator
// is wired in for bundle adjustment and matching.
package localmapping

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"

	"go.viam.com/localmapping/bundleadjust"
	"go.viam.com/localmapping/logging"
	"go.viam.com/localmapping/mapgraph"
	"go.viam.com/localmapping/matching"
)

// LoopCloser is the outbound contract to the (out-of-scope) loop-closing
// subsystem: Local Mapping only ever hands a processed keyframe off to it.
type LoopCloser interface {
	InsertKeyFrame(kf *mapgraph.KeyFrame)
}

// LocalMapper runs the ingest/triangulate/fuse/optimize/cull pipeline over a
// shared Map. Zero value is not usable; construct with NewLocalMapper.
//
// Each control-surface flag is guarded by its own mutex, mirroring the
// original's queue_lock/stop_lock/accept_lock/reset_lock/finish_lock split
// so no single lock ever has to be held across a blocking pipeline stage.
type LocalMapper struct {
	cfg       Config
	log       logging.Logger
	m         *mapgraph.Map
	matcher   matching.Matcher
	optimizer bundleadjust.Optimizer

	loopCloserMu sync.RWMutex
	loopCloser   LoopCloser

	queueMu sync.Mutex
	queue   []*mapgraph.KeyFrame
	abort   bundleadjust.AbortFlag

	stopMu        sync.Mutex
	stopRequested bool
	stopped       bool
	notStop       bool

	acceptMu   sync.Mutex
	acceptFlag bool

	resetMu        sync.Mutex
	resetRequested bool

	finishMu        sync.Mutex
	finishRequested bool
	finished        bool

	recentAddedMu sync.Mutex
	recentAdded   []*mapgraph.MapPoint
}

// NewLocalMapper wires a LocalMapper around a shared Map, a matcher and
// bundle-adjustment collaborator, and a logger. AcceptKeyFrames starts true,
// as the loop is idle and ready to receive the tracker's first keyframe.
func NewLocalMapper(cfg Config, m *mapgraph.Map, matcher matching.Matcher, optimizer bundleadjust.Optimizer, log logging.Logger) *LocalMapper {
	return &LocalMapper{
		cfg:        cfg,
		log:        log,
		m:          m,
		matcher:    matcher,
		optimizer:  optimizer,
		acceptFlag: true,
	}
}

// SetLoopCloser wires the collaborator §4.1 step 8 hands processed
// keyframes off to. Optional; a mapper with no loop closer simply skips
// that step.
func (lm *LocalMapper) SetLoopCloser(lc LoopCloser) {
	lm.loopCloserMu.Lock()
	defer lm.loopCloserMu.Unlock()
	lm.loopCloser = lc
}

func (lm *LocalMapper) getLoopCloser() LoopCloser {
	lm.loopCloserMu.RLock()
	defer lm.loopCloserMu.RUnlock()
	return lm.loopCloser
}

// InsertKeyFrame appends kf to the ingest queue and forces any in-flight
// bundle adjustment to abort, so the new keyframe is picked up with minimal
// latency.
func (lm *LocalMapper) InsertKeyFrame(kf *mapgraph.KeyFrame) {
	lm.queueMu.Lock()
	lm.queue = append(lm.queue, kf)
	lm.queueMu.Unlock()
	lm.abort.Set()
}

func (lm *LocalMapper) checkNewKeyFrames() bool {
	lm.queueMu.Lock()
	defer lm.queueMu.Unlock()
	return len(lm.queue) > 0
}

func (lm *LocalMapper) dequeue() *mapgraph.KeyFrame {
	lm.queueMu.Lock()
	defer lm.queueMu.Unlock()
	if len(lm.queue) == 0 {
		return nil
	}
	kf := lm.queue[0]
	lm.queue = lm.queue[1:]
	return kf
}

func (lm *LocalMapper) pushRecentAdded(mp *mapgraph.MapPoint) {
	lm.recentAddedMu.Lock()
	lm.recentAdded = append(lm.recentAdded, mp)
	lm.recentAddedMu.Unlock()
}

// AcceptKeyFrames reports whether the tracker may currently enqueue a new
// keyframe; the tracker uses this as back-pressure.
func (lm *LocalMapper) AcceptKeyFrames() bool {
	lm.acceptMu.Lock()
	defer lm.acceptMu.Unlock()
	return lm.acceptFlag
}

// SetAcceptKeyFrames raises or lowers the accept-keyframes gate.
func (lm *LocalMapper) SetAcceptKeyFrames(flag bool) {
	lm.acceptMu.Lock()
	lm.acceptFlag = flag
	lm.acceptMu.Unlock()
}

// RequestStop asks the loop to pause at its next opportunity and forces any
// in-flight bundle adjustment to abort.
func (lm *LocalMapper) RequestStop() {
	lm.stopMu.Lock()
	lm.stopRequested = true
	lm.stopMu.Unlock()
	lm.abort.Set()
}

// Stop honors a pending stop request unless SetNotStop(true) has vetoed it,
// transitioning the loop to stopped. Returns whether the transition
// happened.
func (lm *LocalMapper) Stop() bool {
	lm.stopMu.Lock()
	defer lm.stopMu.Unlock()
	if lm.stopRequested && !lm.notStop {
		lm.stopped = true
		return true
	}
	return false
}

// IsStopped reports whether the loop is currently paused.
func (lm *LocalMapper) IsStopped() bool {
	lm.stopMu.Lock()
	defer lm.stopMu.Unlock()
	return lm.stopped
}

// StopRequested reports whether a stop has been requested, whether or not
// it has taken effect yet.
func (lm *LocalMapper) StopRequested() bool {
	lm.stopMu.Lock()
	defer lm.stopMu.Unlock()
	return lm.stopRequested
}

// SetNotStop vetoes (or un-vetoes) a stop transition, for callers that need
// a guaranteed-running mapper (e.g. during relocalization). Returns false if
// the loop is already stopped and flag is true.
func (lm *LocalMapper) SetNotStop(flag bool) bool {
	lm.stopMu.Lock()
	defer lm.stopMu.Unlock()
	if flag && lm.stopped {
		return false
	}
	lm.notStop = flag
	return true
}

// Release discards any pending keyframes and clears the stop/stopped state,
// resuming a paused loop.
func (lm *LocalMapper) Release() {
	lm.stopMu.Lock()
	lm.stopped = false
	lm.stopRequested = false
	lm.stopMu.Unlock()

	lm.queueMu.Lock()
	lm.queue = nil
	lm.queueMu.Unlock()
}

// RequestReset blocks the caller until the loop has cleared its queue and
// recent-added list, at the granularity of the loop's idle sleep.
func (lm *LocalMapper) RequestReset(ctx context.Context) {
	lm.resetMu.Lock()
	lm.resetRequested = true
	lm.resetMu.Unlock()

	for {
		lm.resetMu.Lock()
		pending := lm.resetRequested
		lm.resetMu.Unlock()
		if !pending {
			return
		}
		if !goutils.SelectContextOrWait(ctx, lm.cfg.IdleSleep) {
			return
		}
	}
}

// ResetIfRequested drains the queue and recent-added list if a reset is
// pending, then clears the request. Called once per loop iteration.
func (lm *LocalMapper) ResetIfRequested() {
	lm.resetMu.Lock()
	defer lm.resetMu.Unlock()
	if !lm.resetRequested {
		return
	}

	lm.queueMu.Lock()
	lm.queue = nil
	lm.queueMu.Unlock()

	lm.recentAddedMu.Lock()
	lm.recentAdded = nil
	lm.recentAddedMu.Unlock()

	lm.resetRequested = false
}

// RequestFinish asks the loop to exit at its next opportunity.
func (lm *LocalMapper) RequestFinish() {
	lm.finishMu.Lock()
	lm.finishRequested = true
	lm.finishMu.Unlock()
}

// CheckFinish reports whether a finish has been requested.
func (lm *LocalMapper) CheckFinish() bool {
	lm.finishMu.Lock()
	defer lm.finishMu.Unlock()
	return lm.finishRequested
}

// SetFinish marks the loop finished and, matching the original's own
// SetFinish, also forces the stopped flag so late callers checking
// IsStopped see a settled loop rather than a stale "running" state.
func (lm *LocalMapper) SetFinish() {
	lm.finishMu.Lock()
	lm.finished = true
	lm.finishMu.Unlock()

	lm.stopMu.Lock()
	lm.stopped = true
	lm.stopMu.Unlock()
}

// IsFinished reports whether the loop has exited.
func (lm *LocalMapper) IsFinished() bool {
	lm.finishMu.Lock()
	defer lm.finishMu.Unlock()
	return lm.finished
}

// InterruptBA forces the shared abort flag, cutting short any in-flight
// local bundle adjustment at its next check.
func (lm *LocalMapper) InterruptBA() {
	lm.abort.Set()
}

// Start launches Run in a panic-capturing background goroutine, following
// the corpus's convention (e.g. components/arm/universalrobots) for
// long-running worker loops that must not take the process down with them.
func (lm *LocalMapper) Start(ctx context.Context) {
	goutils.PanicCapturingGo(func() {
		lm.Run(ctx)
	})
}

// Run executes the pipeline until ctx is canceled or RequestFinish is
// honored, implementing the nine-step iteration of §4.1.
func (lm *LocalMapper) Run(ctx context.Context) {
	defer lm.SetFinish()

	for {
		if lm.CheckFinish() {
			return
		}

		lm.SetAcceptKeyFrames(false)

		switch {
		case lm.checkNewKeyFrames():
			lm.runIteration()
		case lm.Stop():
			if !lm.waitWhileStopped(ctx) {
				return
			}
		default:
			if !goutils.SelectContextOrWait(ctx, lm.cfg.IdleSleep) {
				return
			}
		}

		lm.ResetIfRequested()
		lm.SetAcceptKeyFrames(true)
	}
}

// waitWhileStopped blocks in short sleeps while the loop is paused, waking
// on Release, a finish request, or context cancellation. Returns false if
// the caller should exit the loop entirely.
func (lm *LocalMapper) waitWhileStopped(ctx context.Context) bool {
	for lm.IsStopped() && !lm.CheckFinish() {
		if !goutils.SelectContextOrWait(ctx, lm.cfg.IdleSleep) {
			return false
		}
	}
	return true
}

// runIteration performs one full pass of the pipeline over a single
// dequeued keyframe: steps 2-8 of §4.1.
func (lm *LocalMapper) runIteration() {
	current := lm.ProcessNewKeyFrame()
	if current == nil {
		return
	}

	lm.MapPointCulling(current)
	lm.CreateNewMapPoints(current)

	if !lm.checkNewKeyFrames() {
		lm.SearchInNeighbors(current)
	}

	lm.abort.Clear()
	if !lm.checkNewKeyFrames() && !lm.StopRequested() {
		if lm.m.KeyFramesInMap() > 2 {
			if err := bundleadjust.Run(lm.m, current, lm.optimizer, &lm.abort); err != nil {
				lm.log.Warnw("local bundle adjustment failed", "keyframe", current.ID(), "error", err)
			}
		}

		lm.KeyFrameCulling(current)
	}

	if lc := lm.getLoopCloser(); lc != nil {
		lc.InsertKeyFrame(current)
	}
}
