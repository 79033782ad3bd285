package bivarg

import (
	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Distance returns the Mahalanobis separation between two gaussian positions:
// the offset of the means measured against the combined covariance. Callers
// comparing a transformed position should propagate it first (see
// background.Map.StatisticalDistance).
func Distance(p, q Bivarg) (float64, error) {
	combined := mat.NewSymDense(2, []float64{
		p.XX + q.XX, p.XY + q.XY,
		p.XY + q.XY, p.YY + q.YY,
	})
	var chol mat.Cholesky
	if ok := chol.Factorize(combined); !ok {
		return 0, errors.Wrapf(ErrSingularCovariance,
			"combined covariance [%g %g; %g %g]",
			combined.At(0, 0), combined.At(0, 1), combined.At(1, 0), combined.At(1, 1))
	}
	x := mat.NewVecDense(2, []float64{p.Mu.X, p.Mu.Y})
	y := mat.NewVecDense(2, []float64{q.Mu.X, q.Mu.Y})
	return stat.Mahalanobis(x, y, &chol), nil
}
