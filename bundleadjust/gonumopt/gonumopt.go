// Package gonumopt implements bundleadjust.Optimizer on top of
// gonum.org/v1/gonum/optimize, minimizing total squared reprojection error
// over a LocalWindow's keyframe poses and point positions while holding
// FixedKeyFrames constant, the same cost this module's spec assigns to a
// real bundle-adjustment solver.
//
// It uses Nelder-Mead rather than a Gauss-Newton/Levenberg-Marquardt
// variant: those need an analytic (or numerically differentiated)
// reprojection Jacobian, which this package does not derive, so it trades
// convergence speed for a solver that only needs the scalar cost function
// below. A deployment wanting production-grade convergence on larger
// windows would swap this Method for one of gonum/optimize's
// gradient-based methods once a Jacobian is available.
package gonumopt

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"go.viam.com/localmapping/bundleadjust"
	"go.viam.com/localmapping/geometry"
	"go.viam.com/localmapping/mapgraph"
)

// errAborted is the error an abortRecorder feeds back into optimize.Minimize
// to stop early; LocalBundleAdjustment treats it the same as a normal
// convergence stop rather than surfacing it as a failure.
var errAborted = errors.New("bundle adjustment aborted")

// Optimizer refines a LocalWindow's poses and point positions by
// Nelder-Mead minimization of total squared reprojection error.
type Optimizer struct {
	// MaxIterations bounds how many major iterations a single
	// LocalBundleAdjustment call may run before returning its current best
	// solution, independent of abort.
	MaxIterations int
}

// New returns an Optimizer with a default iteration budget.
func New() *Optimizer {
	return &Optimizer{MaxIterations: 200}
}

// observation is one (keyframe, point) reprojection residual in the local
// window's cost function.
type observation struct {
	poseIdx   int // index into the pose parameter block, or -1 if fixed
	fixedPose geometry.Pose
	intr      geometry.Intrinsics
	ptIdx     int
	u, v      float64
	invSigma2 float64
}

// LocalBundleAdjustment implements bundleadjust.Optimizer.
func (o *Optimizer) LocalBundleAdjustment(
	window *bundleadjust.LocalWindow, abort *bundleadjust.AbortFlag,
) (*bundleadjust.Solution, error) {
	if len(window.LocalKeyFrames) == 0 || len(window.LocalPoints) == 0 {
		return nil, nil
	}

	basePoses := make([]geometry.Pose, len(window.LocalKeyFrames))
	kfIndex := make(map[*mapgraph.KeyFrame]int, len(window.LocalKeyFrames))
	for i, kf := range window.LocalKeyFrames {
		basePoses[i] = kf.Pose()
		kfIndex[kf] = i
	}
	basePoints := make([]r3.Vector, len(window.LocalPoints))
	ptIndex := make(map[*mapgraph.MapPoint]int, len(window.LocalPoints))
	for i, mp := range window.LocalPoints {
		basePoints[i] = mp.Position()
		ptIndex[mp] = i
	}

	obs := collectObservations(window, kfIndex, ptIndex)
	if len(obs) == 0 {
		return nil, nil
	}

	nKF := len(window.LocalKeyFrames)
	dim := nKF*6 + len(window.LocalPoints)*3
	x0 := make([]float64, dim)

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return reprojectionCost(x, nKF, basePoses, basePoints, obs)
		},
	}
	settings := &optimize.Settings{
		MajorIterations: o.MaxIterations,
		Recorder:        &abortRecorder{abort: abort},
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if result == nil {
		if err != nil && !errors.Is(err, errAborted) {
			return nil, err
		}
		// Aborted before the first iteration: the best solution so far is
		// the starting state (all deltas zero).
		result = &optimize.Result{Location: optimize.Location{X: x0}}
	}

	solution := &bundleadjust.Solution{
		KeyFramePoses:  make(map[uint64]geometry.Pose, nKF),
		PointPositions: make(map[uint64]r3.Vector, len(window.LocalPoints)),
	}
	for i, kf := range window.LocalKeyFrames {
		solution.KeyFramePoses[kf.ID()] = applyDelta(basePoses[i], result.X[i*6:i*6+6])
	}
	for i, mp := range window.LocalPoints {
		off := nKF*6 + i*3
		solution.PointPositions[mp.ID()] = r3.Vector{
			X: basePoints[i].X + result.X[off],
			Y: basePoints[i].Y + result.X[off+1],
			Z: basePoints[i].Z + result.X[off+2],
		}
	}
	return solution, nil
}

// abortRecorder stops optimize.Minimize at its next recorded iteration once
// abort is set, letting LocalBundleAdjustment return the best solution found
// so far instead of running to MaxIterations.
type abortRecorder struct {
	abort *bundleadjust.AbortFlag
}

func (r *abortRecorder) Init() error { return nil }

func (r *abortRecorder) Record(_ *optimize.Location, _ optimize.Operation, _ *optimize.Stats) error {
	if r.abort.IsSet() {
		return errAborted
	}
	return nil
}

// collectObservations walks every local and fixed keyframe's map point
// matches and keeps the ones that land on a LocalPoints entry, the same
// residual set the original's Optimizer::LocalBundleAdjustment builds from
// each local/fixed keyframe's associated map points.
func collectObservations(
	window *bundleadjust.LocalWindow, kfIndex map[*mapgraph.KeyFrame]int, ptIndex map[*mapgraph.MapPoint]int,
) []observation {
	var obs []observation
	visit := func(kf *mapgraph.KeyFrame, poseIdx int) {
		for i := 0; i < kf.NumKeypoints(); i++ {
			mp := kf.MapPoint(i)
			if mp == nil || mp.IsBad() {
				continue
			}
			ptIdx, ok := ptIndex[mp]
			if !ok {
				continue
			}
			kp := kf.Keypoint(i)
			obs = append(obs, observation{
				poseIdx:   poseIdx,
				fixedPose: kf.Pose(),
				intr:      kf.Intrinsics(),
				ptIdx:     ptIdx,
				u:         kp.X,
				v:         kp.Y,
				invSigma2: 1 / kf.LevelSigma2(kp.Octave),
			})
		}
	}
	for _, kf := range window.LocalKeyFrames {
		visit(kf, kfIndex[kf])
	}
	for _, kf := range window.FixedKeyFrames {
		visit(kf, -1)
	}
	return obs
}

// reprojectionCost is the objective optimize.Minimize drives to zero: the
// inverse-scale-variance-weighted sum of squared pixel reprojection error
// over every observation, mirroring the original's chi-square-weighted
// reprojection residual without the per-iteration robust kernel a real g2o
// solver applies.
func reprojectionCost(x []float64, nKF int, basePoses []geometry.Pose, basePoints []r3.Vector, obs []observation) float64 {
	poseCache := make(map[int]geometry.Pose, nKF)
	cost := 0.0
	for _, o := range obs {
		pose := o.fixedPose
		if o.poseIdx >= 0 {
			cached, ok := poseCache[o.poseIdx]
			if !ok {
				cached = applyDelta(basePoses[o.poseIdx], x[o.poseIdx*6:o.poseIdx*6+6])
				poseCache[o.poseIdx] = cached
			}
			pose = cached
		}
		off := nKF*6 + o.ptIdx*3
		world := r3.Vector{
			X: basePoints[o.ptIdx].X + x[off],
			Y: basePoints[o.ptIdx].Y + x[off+1],
			Z: basePoints[o.ptIdx].Z + x[off+2],
		}
		row0 := pose.R.RawRowView(0)
		row1 := pose.R.RawRowView(1)
		row2 := pose.R.RawRowView(2)
		cam := r3.Vector{
			X: row0[0]*world.X + row0[1]*world.Y + row0[2]*world.Z + pose.T.X,
			Y: row1[0]*world.X + row1[1]*world.Y + row1[2]*world.Z + pose.T.Y,
			Z: row2[0]*world.X + row2[1]*world.Y + row2[2]*world.Z + pose.T.Z,
		}
		if cam.Z <= 0 {
			return math.Inf(1)
		}
		u, v := o.intr.Project(cam)
		du, dv := u-o.u, v-o.v
		cost += o.invSigma2 * (du*du + dv*dv)
	}
	return cost
}

// applyDelta perturbs base by a 6-vector [rotation-delta | translation-delta]:
// the rotation delta is applied via the small-angle approximation
// Exp([w]x) =~ I + [w]x, adequate for the sub-degree per-iteration
// corrections a converging local bundle adjustment applies.
func applyDelta(base geometry.Pose, delta []float64) geometry.Pose {
	skew := geometry.SkewSymmetric(r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]})
	var r mat.Dense
	r.Add(mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), skew)
	var rotated mat.Dense
	rotated.Mul(&r, base.R)
	t := base.T.Add(r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]})
	return geometry.NewPose(&rotated, t)
}
