// Package bivarg implements bivariate gaussian positions: a 2D mean with a
// symmetric non-negative-definite 2x2 covariance. A zero covariance marks an
// exact position (a point mass).
package bivarg

import (
	"math"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"astromap/pkg/geometry"
)

var (
	// ErrNegativeVariance reports a covariance with a negative diagonal entry.
	ErrNegativeVariance = errors.New("bivarg: negative variance")

	// ErrShape reports a covariance that is not symmetric non-negative definite.
	ErrShape = errors.New("bivarg: covariance is not symmetric non-negative definite")

	// ErrSingularCovariance reports a covariance that cannot be inverted.
	ErrSingularCovariance = errors.New("bivarg: singular covariance")

	// ErrPointMass reports an operation that needs spread on an exact position.
	ErrPointMass = errors.New("bivarg: distribution is a point mass")
)

// Bivarg is an immutable bivariate gaussian position. XX and YY are the
// per-axis variances, XY the covariance term.
type Bivarg struct {
	Mu geometry.Point2D
	XX float64
	YY float64
	XY float64
}

// NewPoint returns an exact position with zero covariance.
func NewPoint(mu geometry.Point2D) Bivarg {
	return Bivarg{Mu: mu}
}

// NewIsotropic returns a position with variance v on both axes.
func NewIsotropic(mu geometry.Point2D, v float64) (Bivarg, error) {
	return New(mu, v, v, 0)
}

// NewDiagonal returns a position with independent per-axis variances.
func NewDiagonal(mu geometry.Point2D, sxx, syy float64) (Bivarg, error) {
	return New(mu, sxx, syy, 0)
}

// FromCov returns a position from a full symmetric 2x2 covariance.
func FromCov(mu geometry.Point2D, sigma mat.Symmetric) (Bivarg, error) {
	if sigma.SymmetricDim() != 2 {
		return Bivarg{}, errors.Wrapf(ErrShape, "covariance is %dx%d", sigma.SymmetricDim(), sigma.SymmetricDim())
	}
	return New(mu, sigma.At(0, 0), sigma.At(1, 1), sigma.At(0, 1))
}

// New returns a position from the (sxx, syy, sxy) covariance triple.
func New(mu geometry.Point2D, sxx, syy, sxy float64) (Bivarg, error) {
	if sxx < 0 || syy < 0 {
		return Bivarg{}, errors.Wrapf(ErrNegativeVariance, "sxx=%g syy=%g", sxx, syy)
	}
	if det := sxx*syy - sxy*sxy; det < -1e-12*(1+sxx*syy) {
		return Bivarg{}, errors.Wrapf(ErrShape, "determinant %g", det)
	}
	return Bivarg{Mu: mu, XX: sxx, YY: syy, XY: sxy}, nil
}

// IsPoint reports whether the position is exact (zero covariance).
func (b Bivarg) IsPoint() bool {
	return b.XX+b.YY == 0
}

// Det returns the covariance determinant.
func (b Bivarg) Det() float64 {
	return b.XX*b.YY - b.XY*b.XY
}

// Trace returns the covariance trace.
func (b Bivarg) Trace() float64 {
	return b.XX + b.YY
}

// Cov returns the covariance as a gonum symmetric matrix.
func (b Bivarg) Cov() *mat.SymDense {
	return mat.NewSymDense(2, []float64{b.XX, b.XY, b.XY, b.YY})
}

// Add composes two independent gaussians: means add, covariances add.
func (b Bivarg) Add(other Bivarg) Bivarg {
	return Bivarg{
		Mu: b.Mu.Add(other.Mu),
		XX: b.XX + other.XX,
		YY: b.YY + other.YY,
		XY: b.XY + other.XY,
	}
}

// Sub subtracts means; covariances still add.
func (b Bivarg) Sub(other Bivarg) Bivarg {
	return Bivarg{
		Mu: b.Mu.Sub(other.Mu),
		XX: b.XX + other.XX,
		YY: b.YY + other.YY,
		XY: b.XY + other.XY,
	}
}

// Propagate pushes the gaussian through a linear map with matrix
// m = [[m00 m01] [m10 m11]], relocating the mean to newMu. The covariance
// transforms exactly: sigma' = M sigma M^T.
func (b Bivarg) Propagate(newMu geometry.Point2D, m00, m01, m10, m11 float64) Bivarg {
	// M sigma
	a := m00*b.XX + m01*b.XY
	c := m00*b.XY + m01*b.YY
	d := m10*b.XX + m11*b.XY
	e := m10*b.XY + m11*b.YY
	return Bivarg{
		Mu: newMu,
		XX: a*m00 + c*m01,
		XY: a*m10 + c*m11,
		YY: d*m10 + e*m11,
	}
}

// cholLower returns the lower-triangular Cholesky factor [[l00 0][l10 l11]].
func (b Bivarg) cholLower() (l00, l10, l11 float64, err error) {
	if b.IsPoint() {
		return 0, 0, 0, ErrPointMass
	}
	if b.XX <= 0 {
		return 0, 0, 0, errors.Wrapf(ErrSingularCovariance, "sxx=%g", b.XX)
	}
	l00 = math.Sqrt(b.XX)
	l10 = b.XY / l00
	rest := b.YY - l10*l10
	if rest < 0 {
		if rest < -1e-12*(1+b.YY) {
			return 0, 0, 0, errors.Wrapf(ErrSingularCovariance, "schur complement %g", rest)
		}
		rest = 0
	}
	l11 = math.Sqrt(rest)
	return l00, l10, l11, nil
}

// Sample draws n positions from the gaussian using the supplied source.
// Exact positions cannot be sampled and return ErrPointMass.
func (b Bivarg) Sample(n int, src rand.Source) ([]geometry.Point2D, error) {
	l00, l10, l11, err := b.cholLower()
	if err != nil {
		return nil, err
	}
	rng := rand.New(src)
	out := make([]geometry.Point2D, n)
	for i := range out {
		z0, z1 := rng.NormFloat64(), rng.NormFloat64()
		out[i] = geometry.Point2D{
			X: b.Mu.X + l00*z0,
			Y: b.Mu.Y + l10*z0 + l11*z1,
		}
	}
	return out, nil
}
