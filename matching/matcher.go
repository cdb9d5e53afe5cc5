// Package matching declares the descriptor-matcher contract Local Mapping
// depends on. Matcher internals (ORB descriptor comparison, epipolar-line
// distance checks, projection search windows) are out of scope for this
// module — this package only fixes the contract the triangulator and the
// fusion pass call through, mirroring ORBmatcher's SearchForTriangulation
// and Fuse entry points from the original SD-SLAM source.
package matching

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/localmapping/mapgraph"
)

// CandidatePair is a match between feature slot Idx1 in one keyframe and
// feature slot Idx2 in another, satisfying an epipolar constraint.
type CandidatePair struct {
	Idx1, Idx2 int
}

// Matcher is the descriptor-matching service Local Mapping calls into. A
// production implementation performs ORB descriptor comparison under a
// ratio test; this module only depends on the contract.
type Matcher interface {
	// SearchForTriangulation returns candidate feature-slot pairs between
	// kf1 and kf2 whose descriptors match within nnRatio and whose
	// keypoints satisfy the epipolar constraint encoded by f12 (mapping
	// points in kf2 to epipolar lines in kf1).
	SearchForTriangulation(kf1, kf2 *mapgraph.KeyFrame, f12 *mat.Dense, nnRatio float64) []CandidatePair

	// Fuse projects each of points into kf's image and, for any reprojection
	// that lands within kf's search window, either attaches a missing
	// observation to kf or resolves a collision with kf's existing point at
	// that location (see Reconcile). It returns the number of points it
	// fused.
	Fuse(kf *mapgraph.KeyFrame, points []*mapgraph.MapPoint, th float64) int
}

// Reconcile is the collision policy a Fuse implementation applies when a
// candidate point and kf's existing point at the target slot are both live:
// keep the point with more observations and Replace the other into it, per
// spec's "resolution... delegated to the matcher contract; the reference
// uses descriptor-distance preference" note, refined here to the
// higher-observation-count tiebreak used across this module's culling and
// fusion policies.
func Reconcile(a, b *mapgraph.MapPoint) (winner, loser *mapgraph.MapPoint) {
	if a.NumObservations() >= b.NumObservations() {
		return a, b
	}
	return b, a
}
