package bivarg

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"astromap/pkg/geometry"
)

func TestNewValidation(t *testing.T) {
	_, err := New(geometry.Point2D{}, -1, 1, 0)
	assert.ErrorIs(t, err, ErrNegativeVariance)

	_, err = New(geometry.Point2D{}, 1, 1, 2)
	assert.ErrorIs(t, err, ErrShape)

	b, err := New(geometry.Point2D{X: 1, Y: 2}, 4, 9, 1)
	require.NoError(t, err)
	assert.InDelta(t, 35, b.Det(), 1e-12)
	assert.InDelta(t, 13, b.Trace(), 1e-12)
	assert.False(t, b.IsPoint())
}

func TestConstructors(t *testing.T) {
	d, err := NewDiagonal(geometry.Point2D{X: 1, Y: 1}, 2, 3)
	require.NoError(t, err)
	assert.InDelta(t, 2, d.XX, 1e-12)
	assert.InDelta(t, 3, d.YY, 1e-12)
	assert.Zero(t, d.XY)

	full, err := FromCov(geometry.Point2D{}, mat.NewSymDense(2, []float64{4, 1, 1, 9}))
	require.NoError(t, err)
	assert.InDelta(t, 1, full.XY, 1e-12)

	_, err = FromCov(geometry.Point2D{}, mat.NewSymDense(3, nil))
	assert.ErrorIs(t, err, ErrShape)
}

func TestPointMass(t *testing.T) {
	p := NewPoint(geometry.Point2D{X: 3, Y: 4})
	assert.True(t, p.IsPoint())

	_, err := p.Sample(1, rand.NewSource(1))
	assert.ErrorIs(t, err, ErrPointMass)
}

func TestAddSub(t *testing.T) {
	a, err := NewIsotropic(geometry.Point2D{X: 1, Y: 1}, 2)
	require.NoError(t, err)
	b, err := NewIsotropic(geometry.Point2D{X: 3, Y: -1}, 1)
	require.NoError(t, err)

	sum := a.Add(b)
	assert.Equal(t, geometry.Point2D{X: 4, Y: 0}, sum.Mu)
	assert.InDelta(t, 3, sum.XX, 1e-12)

	diff := a.Sub(b)
	assert.Equal(t, geometry.Point2D{X: -2, Y: 2}, diff.Mu)
	assert.InDelta(t, 3, diff.YY, 1e-12)
}

func TestPropagateRotation(t *testing.T) {
	b, err := New(geometry.Point2D{}, 4, 1, 0.5)
	require.NoError(t, err)

	// Rotating a covariance preserves its determinant and trace.
	sin, cos := math.Sincos(0.7)
	rot := b.Propagate(geometry.Point2D{X: 5, Y: 5}, cos, -sin, sin, cos)
	assert.InDelta(t, b.Det(), rot.Det(), 1e-10)
	assert.InDelta(t, b.Trace(), rot.Trace(), 1e-10)
	assert.Equal(t, geometry.Point2D{X: 5, Y: 5}, rot.Mu)
}

func TestPropagateScale(t *testing.T) {
	b, err := NewIsotropic(geometry.Point2D{}, 1)
	require.NoError(t, err)
	scaled := b.Propagate(geometry.Point2D{}, 2, 0, 0, 3)
	assert.InDelta(t, 4, scaled.XX, 1e-12)
	assert.InDelta(t, 9, scaled.YY, 1e-12)
	assert.InDelta(t, 0, scaled.XY, 1e-12)
}

func TestDistanceIsotropic(t *testing.T) {
	p, err := NewIsotropic(geometry.Point2D{X: 0, Y: 0}, 1)
	require.NoError(t, err)
	q, err := NewIsotropic(geometry.Point2D{X: 3, Y: 4}, 1)
	require.NoError(t, err)

	// Combined covariance is 2*I, so the separation is |mu_p - mu_q|/sqrt(2).
	d, err := Distance(p, q)
	require.NoError(t, err)
	assert.InDelta(t, 5/math.Sqrt2, d, 1e-10)

	rev, err := Distance(q, p)
	require.NoError(t, err)
	assert.InDelta(t, d, rev, 1e-12)
}

func TestDistanceSingular(t *testing.T) {
	p := NewPoint(geometry.Point2D{})
	q := NewPoint(geometry.Point2D{X: 1, Y: 1})
	_, err := Distance(p, q)
	assert.ErrorIs(t, err, ErrSingularCovariance)
}

func TestSampleMoments(t *testing.T) {
	b, err := New(geometry.Point2D{X: 10, Y: -2}, 1, 2, 0.3)
	require.NoError(t, err)

	samples, err := b.Sample(4000, rand.NewSource(42))
	require.NoError(t, err)
	require.Len(t, samples, 4000)

	mean := geometry.Centroid(samples)
	assert.InDelta(t, 10, mean.X, 0.1)
	assert.InDelta(t, -2, mean.Y, 0.1)

	var vx, vy float64
	for _, s := range samples {
		vx += (s.X - mean.X) * (s.X - mean.X)
		vy += (s.Y - mean.Y) * (s.Y - mean.Y)
	}
	n := float64(len(samples))
	assert.InDelta(t, 1, vx/n, 0.15)
	assert.InDelta(t, 2, vy/n, 0.25)
}
