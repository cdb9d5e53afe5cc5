// Package fake provides a brute-force Matcher usable in tests and small
// deployments where a full ORB descriptor index is unavailable, following
// the corpus's convention of shipping a fake/reference implementation of
// every out-of-process service contract (see go.viam.com/rdk/services/slam/fake).
package fake

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/localmapping/mapgraph"
	"go.viam.com/localmapping/matching"
)

// descriptorDistThreshold caps how far apart (Hamming distance, out of a
// 256-bit descriptor) two features may be and still be considered a match.
const descriptorDistThreshold = 50

// epipolarDistThreshold caps the point-to-line distance, in pixels, a
// candidate pair may have and still satisfy the epipolar constraint.
const epipolarDistThreshold = 0.01

// Matcher is a brute-force stand-in for a real descriptor-matching service.
type Matcher struct{}

// New returns a ready-to-use brute-force Matcher.
func New() *Matcher { return &Matcher{} }

// SearchForTriangulation scans every (slot1, slot2) pair between kf1 and
// kf2, keeping those whose descriptors are close and whose keypoints
// satisfy the epipolar constraint x1^T * F12 * x2 ~= 0. Already-associated
// slots (kf1 or kf2 already has a map point there) are skipped, since
// triangulation only wants unmatched features. nnRatio is accepted for
// interface compatibility with a real ratio-test matcher but unused here.
func (m *Matcher) SearchForTriangulation(
	kf1, kf2 *mapgraph.KeyFrame, f12 *mat.Dense, nnRatio float64,
) []matching.CandidatePair {
	var out []matching.CandidatePair
	for i := 0; i < kf1.NumKeypoints(); i++ {
		if kf1.MapPoint(i) != nil {
			continue
		}
		kp1 := kf1.Keypoint(i)
		for j := 0; j < kf2.NumKeypoints(); j++ {
			if kf2.MapPoint(j) != nil {
				continue
			}
			if mapgraph.HammingDistance(kf1.Descriptor(i), kf2.Descriptor(j)) > descriptorDistThreshold {
				continue
			}
			kp2 := kf2.Keypoint(j)
			if epipolarDistance(kp1.X, kp1.Y, kp2.X, kp2.Y, f12) > epipolarDistThreshold {
				continue
			}
			out = append(out, matching.CandidatePair{Idx1: i, Idx2: j})
		}
	}
	return out
}

// epipolarDistance returns the distance from point (x2,y2) to the epipolar
// line l = F12^T * [x1,y1,1]^T in kf2's image, normalized by the line's
// direction vector.
func epipolarDistance(x1, y1, x2, y2 float64, f12 *mat.Dense) float64 {
	p1 := mat.NewVecDense(3, []float64{x1, y1, 1})
	var line mat.VecDense
	line.MulVec(f12.T(), p1)
	a, b, c := line.AtVec(0), line.AtVec(1), line.AtVec(2)
	denom := math.Hypot(a, b)
	if denom == 0 {
		return math.Inf(1)
	}
	return math.Abs(a*x2+b*y2+c) / denom
}

// Fuse projects each candidate point into kf's image and, for any
// projection landing within th pixels of a feature, either attaches the
// observation (the slot is unassociated) or resolves the collision against
// the slot's existing point via matching.Reconcile, replacing whichever of
// the two has fewer observations. It returns the number of points fused.
func (m *Matcher) Fuse(kf *mapgraph.KeyFrame, points []*mapgraph.MapPoint, th float64) int {
	fused := 0
	pose := kf.Pose()
	intr := kf.Intrinsics()

	for _, mp := range points {
		if mp == nil || mp.IsBad() || mp.IsInKeyFrame(kf) {
			continue
		}
		world := mp.Position()
		row0 := pose.R.RawRowView(0)
		row1 := pose.R.RawRowView(1)
		row2 := pose.R.RawRowView(2)
		cam := r3.Vector{
			X: row0[0]*world.X + row0[1]*world.Y + row0[2]*world.Z + pose.T.X,
			Y: row1[0]*world.X + row1[1]*world.Y + row1[2]*world.Z + pose.T.Y,
			Z: row2[0]*world.X + row2[1]*world.Y + row2[2]*world.Z + pose.T.Z,
		}
		if cam.Z <= 0 {
			continue
		}
		u, v := intr.Project(cam)

		best := -1
		bestDist := math.MaxFloat64
		for i := 0; i < kf.NumKeypoints(); i++ {
			kp := kf.Keypoint(i)
			d := math.Hypot(kp.X-u, kp.Y-v)
			if d < th && d < bestDist {
				bestDist = d
				best = i
			}
		}
		if best < 0 {
			continue
		}

		existing := kf.MapPoint(best)
		switch {
		case existing == nil:
			kf.AddMapPoint(mp, best)
			mp.AddObservation(kf, best)
		case existing.IsBad():
			kf.AddMapPoint(mp, best)
			mp.AddObservation(kf, best)
		default:
			winner, loser := matching.Reconcile(existing, mp)
			loser.Replace(winner)
		}
		fused++
	}
	return fused
}
