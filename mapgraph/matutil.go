package mapgraph

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// transpose3 and matVec3 are small local helpers so this package doesn't
// need to depend on geometry's unexported linear-algebra plumbing for the
// handful of rotations it performs directly (UnprojectStereo).

func transpose3(m *mat.Dense) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Copy(m.T())
	return out
}

func matVec3(m *mat.Dense, v r3.Vector) r3.Vector {
	in := mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
	var out mat.VecDense
	out.MulVec(m, in)
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}
