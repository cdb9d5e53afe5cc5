// Package fake provides a no-op Optimizer for tests and deployments that
// exercise the local mapping pipeline without linking a real solver.
package fake

import (
	"github.com/golang/geo/r3"

	"go.viam.com/localmapping/bundleadjust"
	"go.viam.com/localmapping/geometry"
)

// Optimizer returns the window's current poses/positions unchanged. It
// never errors and ignores abort, since it does no iterative work.
type Optimizer struct{}

// New returns a ready-to-use no-op Optimizer.
func New() *Optimizer { return &Optimizer{} }

// LocalBundleAdjustment implements bundleadjust.Optimizer by echoing back
// every local keyframe's and point's current state as the "solution".
func (o *Optimizer) LocalBundleAdjustment(
	window *bundleadjust.LocalWindow, abort *bundleadjust.AbortFlag,
) (*bundleadjust.Solution, error) {
	poses := make(map[uint64]geometry.Pose, len(window.LocalKeyFrames))
	for _, kf := range window.LocalKeyFrames {
		poses[kf.ID()] = kf.Pose()
	}
	positions := make(map[uint64]r3.Vector, len(window.LocalPoints))
	for _, mp := range window.LocalPoints {
		positions[mp.ID()] = mp.Position()
	}
	return &bundleadjust.Solution{KeyFramePoses: poses, PointPositions: positions}, nil
}
