package localmapping

import "github.com/pkg/errors"

// Sentinel errors for the recoverable-in-place error kinds spec §7
// enumerates. None of these ever propagate out of the loop; they exist so
// internal stages can name why a candidate was skipped, for logging and
// for tests that assert on skip reasons.
var (
	errZeroBaseline           = errors.New("zero-norm baseline between keyframes")
	errInsufficientParallax   = errors.New("insufficient parallax for triangulation")
	errFailedCheirality       = errors.New("triangulated point behind a camera")
	errFailedReprojection     = errors.New("triangulated point failed reprojection gate")
	errFailedScaleConsistency = errors.New("triangulated point failed scale-consistency gate")
	errStaleKeyFrame          = errors.New("stale (bad) keyframe reference")
	errStaleMapPoint          = errors.New("stale (bad) map point reference")
)
