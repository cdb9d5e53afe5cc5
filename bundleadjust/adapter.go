// Package bundleadjust builds the local optimization window local mapping
// hands to a bundle-adjustment solver and writes the solver's result back
// into the map. The solver itself — the nonlinear least-squares core a real
// system would delegate to g2o/Ceres/gonum/optimize — is out of scope; this
// package only owns the pure-graph adapter around it, per spec's framing of
// "bundle-adjustment solver internals (treated as a pure function on a
// subgraph)".
package bundleadjust

import (
	"sync/atomic"

	"github.com/golang/geo/r3"

	"go.viam.com/localmapping/geometry"
	"go.viam.com/localmapping/mapgraph"
)

// AbortFlag is the cooperative-cancellation signal a running optimization
// polls between iterations. It is safe to set concurrently with the
// solver's own reads.
type AbortFlag struct {
	flag atomic.Bool
}

// Set requests the running (or next) optimization abort at its next check.
func (a *AbortFlag) Set() { a.flag.Store(true) }

// Clear resets the flag at the start of a new optimization.
func (a *AbortFlag) Clear() { a.flag.Store(false) }

// IsSet reports whether an abort has been requested.
func (a *AbortFlag) IsSet() bool { return a.flag.Load() }

// LocalWindow is the subgraph a local bundle adjustment optimizes: the
// current keyframe and its covisibility neighbors ("local"), every map
// point any of them observes ("local points"), and every other keyframe
// that observes a local point but is not itself local ("fixed" — held
// constant to anchor the optimization to the rest of the map).
type LocalWindow struct {
	LocalKeyFrames []*mapgraph.KeyFrame
	LocalPoints    []*mapgraph.MapPoint
	FixedKeyFrames []*mapgraph.KeyFrame
}

// BuildLocalWindow assembles the optimization window around current, as
// LocalMapping::Run's call site does before invoking
// Optimizer::LocalBundleAdjustment.
func BuildLocalWindow(current *mapgraph.KeyFrame) *LocalWindow {
	localSet := map[*mapgraph.KeyFrame]bool{current: true}
	local := []*mapgraph.KeyFrame{current}
	for _, kf := range current.GetVectorCovisibleKeyFrames() {
		if kf.IsBad() {
			continue
		}
		localSet[kf] = true
		local = append(local, kf)
	}

	pointSet := map[*mapgraph.MapPoint]bool{}
	var points []*mapgraph.MapPoint
	for _, kf := range local {
		for _, mp := range kf.GetMapPointMatches() {
			if mp == nil || mp.IsBad() || pointSet[mp] {
				continue
			}
			pointSet[mp] = true
			points = append(points, mp)
		}
	}

	fixedSet := map[*mapgraph.KeyFrame]bool{}
	var fixed []*mapgraph.KeyFrame
	for _, mp := range points {
		for kf := range mp.Observations() {
			if kf.IsBad() || localSet[kf] || fixedSet[kf] {
				continue
			}
			fixedSet[kf] = true
			fixed = append(fixed, kf)
		}
	}

	return &LocalWindow{LocalKeyFrames: local, LocalPoints: points, FixedKeyFrames: fixed}
}

// Solution is what an Optimizer produces: refined poses and positions for
// every local keyframe/point in a LocalWindow, keyed by identity so the
// adapter can write them back even if the solver reordered its internal
// representation.
type Solution struct {
	KeyFramePoses  map[uint64]geometry.Pose
	PointPositions map[uint64]r3.Vector
}

// Optimizer is the bundle-adjustment solver contract. A real implementation
// runs Levenberg-Marquardt (or similar) over the reprojection-error cost of
// LocalKeyFrames' poses and LocalPoints' positions, holding FixedKeyFrames
// constant, and must respect abort: once abort.IsSet() it should return
// whatever it has refined so far rather than continue iterating.
type Optimizer interface {
	LocalBundleAdjustment(window *LocalWindow, abort *AbortFlag) (*Solution, error)
}

// Run builds the local window around current, invokes opt, and writes the
// (possibly partial, if aborted) solution back into the map. Errors from
// the optimizer are logged by the caller and otherwise treated as "no
// refinement occurred" — bundle adjustment failing never corrupts the map,
// per spec's "solver abort -> accept partial refinement" error kind.
//
// m's UpdateMutex is held for the full window-build-and-write-back span: the
// coarse map-update lock other map readers/writers (tracking, loop closing)
// must respect while a local optimization is in flight, since BuildLocalWindow
// walks live covisibility/observation state that a concurrent SetBadFlag or
// AddObservation would otherwise be free to mutate mid-read.
func Run(m *mapgraph.Map, current *mapgraph.KeyFrame, opt Optimizer, abort *AbortFlag) error {
	m.UpdateMutex.Lock()
	defer m.UpdateMutex.Unlock()

	window := BuildLocalWindow(current)
	solution, err := opt.LocalBundleAdjustment(window, abort)
	if err != nil {
		return err
	}
	if solution == nil {
		return nil
	}
	for _, kf := range window.LocalKeyFrames {
		if pose, ok := solution.KeyFramePoses[kf.ID()]; ok {
			kf.SetPose(pose)
		}
	}
	for _, mp := range window.LocalPoints {
		if pos, ok := solution.PointPositions[mp.ID()]; ok {
			mp.SetPosition(pos)
		}
	}
	return nil
}
