// Package background implements the global affine component of an astrometric
// mapping: translation, rotation about a centre, and per-axis scale, with a
// gaussian posterior over the seven parameters.
package background

import (
	"math"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"astromap/pkg/bivarg"
	"astromap/pkg/geometry"
)

// Parameter vector layout.
const (
	ParamTX = iota
	ParamTY
	ParamPhi
	ParamCX
	ParamCY
	ParamSX
	ParamSY
	NumParams
)

var (
	// ErrInsufficientData reports too few nondegenerate tie pairs for a fit.
	ErrInsufficientData = errors.New("background: insufficient tie pairs")

	// ErrNonConvergent reports a fit that did not reach a stable optimum.
	ErrNonConvergent = errors.New("background: fit did not converge")

	// ErrNotFitted reports use of posterior quantities before a fit.
	ErrNotFitted = errors.New("background: map has no posterior")
)

// Params is the parameter vector (tx, ty, phi, cx, cy, sx, sy): translation,
// rotation angle, centre of rotation and scaling, per-axis scale.
type Params [NumParams]float64

// Identity returns the parameters of the identity transform.
func Identity() Params {
	return Params{0, 0, 0, 0, 0, 1, 1}
}

// Translation returns the translation component.
func (p Params) Translation() geometry.Point2D {
	return geometry.Point2D{X: p[ParamTX], Y: p[ParamTY]}
}

// Angle returns the rotation angle in radians.
func (p Params) Angle() float64 {
	return p[ParamPhi]
}

// Center returns the centre of rotation and scaling.
func (p Params) Center() geometry.Point2D {
	return geometry.Point2D{X: p[ParamCX], Y: p[ParamCY]}
}

// Scales returns the per-axis scale factors.
func (p Params) Scales() (sx, sy float64) {
	return p[ParamSX], p[ParamSY]
}

// apply maps a frame-A position to frame B:
//
//	T(p) = R(phi) * (L.p + t - c) + c
func apply(theta Params, p geometry.Point2D) geometry.Point2D {
	sin, cos := math.Sincos(theta[ParamPhi])
	qx := theta[ParamSX]*p.X + theta[ParamTX] - theta[ParamCX]
	qy := theta[ParamSY]*p.Y + theta[ParamTY] - theta[ParamCY]
	return geometry.Point2D{
		X: cos*qx - sin*qy + theta[ParamCX],
		Y: sin*qx + cos*qy + theta[ParamCY],
	}
}

// pointJacobian returns d T(p) / d p = R(phi) * diag(sx, sy), which is
// constant in p because the map is affine.
func pointJacobian(theta Params) (m00, m01, m10, m11 float64) {
	sin, cos := math.Sincos(theta[ParamPhi])
	return cos * theta[ParamSX], -sin * theta[ParamSY],
		sin * theta[ParamSX], cos * theta[ParamSY]
}

// paramJacobian fills the 2x7 jacobian d T(p) / d theta at p into dst.
func paramJacobian(theta Params, p geometry.Point2D, dst *mat.Dense) {
	sin, cos := math.Sincos(theta[ParamPhi])
	qx := theta[ParamSX]*p.X + theta[ParamTX] - theta[ParamCX]
	qy := theta[ParamSY]*p.Y + theta[ParamTY] - theta[ParamCY]

	dst.Set(0, ParamTX, cos)
	dst.Set(1, ParamTX, sin)
	dst.Set(0, ParamTY, -sin)
	dst.Set(1, ParamTY, cos)
	dst.Set(0, ParamPhi, -sin*qx-cos*qy)
	dst.Set(1, ParamPhi, cos*qx-sin*qy)
	dst.Set(0, ParamCX, 1-cos)
	dst.Set(1, ParamCX, -sin)
	dst.Set(0, ParamCY, sin)
	dst.Set(1, ParamCY, 1-cos)
	dst.Set(0, ParamSX, cos*p.X)
	dst.Set(1, ParamSX, sin*p.X)
	dst.Set(0, ParamSY, -sin*p.Y)
	dst.Set(1, ParamSY, cos*p.Y)
}

// Map is a background transform with an optional gaussian posterior over its
// parameters. Cov is nil until the map has been fitted.
type Map struct {
	Theta Params
	Cov   *mat.SymDense
}

// NewMap wraps a parameter vector without posterior information.
func NewMap(theta Params) *Map {
	return &Map{Theta: theta}
}

// Apply maps a frame-A position to frame B.
func (m *Map) Apply(p geometry.Point2D) geometry.Point2D {
	return apply(m.Theta, p)
}

// PointJacobian returns the (constant) 2x2 jacobian of the map.
func (m *Map) PointJacobian() (m00, m01, m10, m11 float64) {
	return pointJacobian(m.Theta)
}

// ApplyBivarg maps a gaussian position through the transform, propagating the
// covariance exactly through the linear part.
func (m *Map) ApplyBivarg(b bivarg.Bivarg) bivarg.Bivarg {
	m00, m01, m10, m11 := pointJacobian(m.Theta)
	return b.Propagate(apply(m.Theta, b.Mu), m00, m01, m10, m11)
}

// ParamJacobian returns the 2x7 jacobian of T(p) with respect to the
// parameters, evaluated at p.
func (m *Map) ParamJacobian(p geometry.Point2D) *mat.Dense {
	j := mat.NewDense(2, NumParams, nil)
	paramJacobian(m.Theta, p, j)
	return j
}

// StatisticalDistance transforms p through the map and returns the
// Mahalanobis separation from q under the combined covariance. Used to rank
// candidate fits and to flag outlier tie pairs.
func (m *Map) StatisticalDistance(p, q bivarg.Bivarg) (float64, error) {
	d, err := bivarg.Distance(m.ApplyBivarg(p), q)
	if err != nil {
		return 0, errors.Wrapf(err, "statistical distance at A=(%g,%g)", p.Mu.X, p.Mu.Y)
	}
	return d, nil
}

// PosteriorLogDensity evaluates the unnormalised log-density of a parameter
// vector under the fitted posterior.
func (m *Map) PosteriorLogDensity(theta Params) (float64, error) {
	if m.Cov == nil {
		return 0, ErrNotFitted
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(m.Cov); !ok {
		return 0, errors.Wrap(ErrNotFitted, "posterior covariance is singular")
	}
	delta := mat.NewVecDense(NumParams, nil)
	for i := 0; i < NumParams; i++ {
		delta.SetVec(i, theta[i]-m.Theta[i])
	}
	var solved mat.VecDense
	if err := chol.SolveVecTo(&solved, delta); err != nil {
		return 0, errors.Wrap(err, "posterior solve")
	}
	return -0.5 * mat.Dot(delta, &solved), nil
}

// SampleParams draws n parameter vectors from the fitted posterior using the
// supplied source.
func (m *Map) SampleParams(n int, src rand.Source) ([]Params, error) {
	if m.Cov == nil {
		return nil, ErrNotFitted
	}
	normal, ok := distmv.NewNormal(m.Theta[:], m.Cov, src)
	if !ok {
		return nil, errors.Wrap(ErrNotFitted, "posterior covariance is not positive definite")
	}
	out := make([]Params, n)
	for i := range out {
		var buf [NumParams]float64
		normal.Rand(buf[:])
		out[i] = buf
	}
	return out, nil
}
