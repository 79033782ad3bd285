package astromap

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"astromap/internal/background"
	"astromap/internal/distortion"
	"astromap/pkg/bivarg"
	"astromap/pkg/geometry"
)

// quarterTurn maps frame A to frame B by a quarter turn about (5,5).
func quarterTurn(p geometry.Point2D) geometry.Point2D {
	return geometry.Point2D{X: 10 - p.Y, Y: p.X}
}

func quarterTurnCatalogs(t *testing.T, ptsA []geometry.Point2D, v float64) (catA, catB []bivarg.Bivarg) {
	t.Helper()
	for _, p := range ptsA {
		a, err := bivarg.NewIsotropic(p, v)
		require.NoError(t, err)
		b, err := bivarg.NewIsotropic(quarterTurn(p), v)
		require.NoError(t, err)
		catA = append(catA, a)
		catB = append(catB, b)
	}
	return catA, catB
}

func squarePoints() []geometry.Point2D {
	return []geometry.Point2D{
		{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10},
		{X: 5, Y: 5}, {X: 3, Y: 7}, {X: 8, Y: 2}, {X: 6, Y: 9},
	}
}

func fixedFieldOptions() distortion.Options {
	return distortion.Options{Scale: 5, Amp: 0.1}
}

func TestPredictBeforeCondition(t *testing.T) {
	m := New(Options{})
	_, err := m.PredictPoint(geometry.Point2D{})
	assert.ErrorIs(t, err, ErrNotConditioned)
	_, err = m.PredictGrid(context.Background(), 5)
	assert.ErrorIs(t, err, ErrNotConditioned)
	_, err = m.SampleRealisation(nil, rand.NewSource(1))
	assert.ErrorIs(t, err, ErrNotConditioned)
	assert.False(t, m.Conditioned())
}

func TestConditionLengthMismatch(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)
	m := New(Options{Field: fixedFieldOptions()})
	err := m.Condition(catA, catB[:len(catB)-1])
	assert.ErrorIs(t, err, background.ErrInsufficientData)
}

func TestConditionAndPredictQuarterTurn(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)

	m := New(Options{Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))
	require.True(t, m.Conditioned())
	assert.Len(t, m.Accepted(), len(catA))

	got, err := m.PredictPoint(geometry.Point2D{X: 0, Y: 0})
	require.NoError(t, err)
	assert.InDelta(t, 10, got.Mu.X, 0.02)
	assert.InDelta(t, 0, got.Mu.Y, 0.02)
	assert.Greater(t, got.XX, 0.0)
	assert.Greater(t, got.YY, 0.0)

	// The fitted angle is a quarter turn.
	assert.InDelta(t, math.Pi/2, m.Background().Theta.Angle(), 0.01)
	assert.Less(t, m.RMSResidual(), 0.05)
}

func TestConditionIdempotent(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)

	m := New(Options{Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))
	first, err := m.PredictPoint(geometry.Point2D{X: 2, Y: 3})
	require.NoError(t, err)

	require.NoError(t, m.Condition(catA, catB))
	second, err := m.PredictPoint(geometry.Point2D{X: 2, Y: 3})
	require.NoError(t, err)

	assert.InDelta(t, first.Mu.X, second.Mu.X, 1e-9)
	assert.InDelta(t, first.Mu.Y, second.Mu.Y, 1e-9)
	assert.InDelta(t, first.XX, second.XX, 1e-9)
}

func TestConditionCustomPrior(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)

	// The centre and translation trade off exactly, so an explicit prior can
	// pin the centre away from the default centroid anchor without changing
	// the fitted mapping.
	prior := background.FlatPrior()
	prior.Mean[background.ParamCX] = 4
	prior.Mean[background.ParamCY] = 4
	prior.Var[background.ParamCX] = 1e-6
	prior.Var[background.ParamCY] = 1e-6

	m := New(Options{Prior: &prior, Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))

	c := m.Background().Theta.Center()
	assert.InDelta(t, 4, c.X, 0.05)
	assert.InDelta(t, 4, c.Y, 0.05)

	got, err := m.PredictPoint(geometry.Point2D{X: 0, Y: 0})
	require.NoError(t, err)
	assert.InDelta(t, 10, got.Mu.X, 0.05)
	assert.InDelta(t, 0, got.Mu.Y, 0.05)
}

func TestSampleRealisationEmpty(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)
	m := New(Options{Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))

	draw, err := m.SampleRealisation(nil, rand.NewSource(1))
	require.NoError(t, err)
	assert.Empty(t, draw)
}

func TestOutlierRejection(t *testing.T) {
	// Generous measurement variances keep the good pairs inside the clip
	// threshold even under the first fit, which the outlier still skews.
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 0.04)
	bad := 3
	corrupted, err := bivarg.NewIsotropic(catB[bad].Mu.Add(geometry.Point2D{X: 5, Y: -5}), 0.04)
	require.NoError(t, err)
	catB[bad] = corrupted

	m := New(Options{RejectSigma: 5, Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))

	require.Len(t, m.Accepted(), len(catA)-1)
	assert.NotContains(t, m.Accepted(), bad)

	// The surviving fit ignores the corrupted pair.
	got, err := m.PredictPoint(geometry.Point2D{X: 0, Y: 0})
	require.NoError(t, err)
	assert.InDelta(t, 10, got.Mu.X, 0.05)
	assert.InDelta(t, 0, got.Mu.Y, 0.05)
}

func TestSubsampledBackgroundFit(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)

	m := New(Options{SubsampleN: 5, Seed: 11, Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))

	// Distortion conditioning still sees every accepted pair.
	assert.Equal(t, len(catA), m.Field().TrainingSize())

	got, err := m.PredictPoint(geometry.Point2D{X: 5, Y: 5})
	require.NoError(t, err)
	assert.InDelta(t, 5, got.Mu.X, 0.05)
	assert.InDelta(t, 5, got.Mu.Y, 0.05)
}

func TestPredictBivargAddsInputCovariance(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)
	m := New(Options{Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))

	at := geometry.Point2D{X: 3, Y: 4}
	exact, err := m.PredictPoint(at)
	require.NoError(t, err)

	fuzzy, err := bivarg.NewIsotropic(at, 0.5)
	require.NoError(t, err)
	got, err := m.PredictBivarg(fuzzy)
	require.NoError(t, err)

	assert.InDelta(t, exact.Mu.X, got.Mu.X, 1e-9)
	assert.InDelta(t, exact.Mu.Y, got.Mu.Y, 1e-9)
	// A unit rotation carries the isotropic input variance through unchanged.
	assert.InDelta(t, exact.XX+0.5, got.XX, 1e-3)
	assert.InDelta(t, exact.YY+0.5, got.YY, 1e-3)
}

func TestPredictGrid(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)
	m := New(Options{Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))

	grid, err := m.PredictGrid(context.Background(), 6)
	require.NoError(t, err)
	require.Equal(t, 36, len(grid.Points))
	assert.Equal(t, 6, grid.Frame.Cols)

	// Grid predictions agree with pointwise predictions.
	node := grid.Frame.At(2, 3)
	point, err := m.PredictPoint(node)
	require.NoError(t, err)
	fromGrid := grid.At(2, 3)
	assert.InDelta(t, point.Mu.X, fromGrid.Mu.X, 1e-9)
	assert.InDelta(t, point.Mu.Y, fromGrid.Mu.Y, 1e-9)
}

func TestPredictGridCancelled(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)
	m := New(Options{Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.PredictGrid(ctx, 50)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSampleRealisationNearPrediction(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)
	m := New(Options{Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))

	query := []geometry.Point2D{{X: 2, Y: 2}, {X: 8, Y: 8}}
	draw, err := m.SampleRealisation(query, rand.NewSource(5))
	require.NoError(t, err)
	require.Len(t, draw, len(query))

	preds, err := m.PredictBatch(query)
	require.NoError(t, err)
	for i := range query {
		// A draw stays within a few predictive sigma of the mean.
		sigma := math.Sqrt(preds[i].XX + preds[i].YY)
		assert.InDelta(t, preds[i].Mu.X, draw[i].X, 6*sigma+1e-6)
		assert.InDelta(t, preds[i].Mu.Y, draw[i].Y, 6*sigma+1e-6)
	}
}

func TestEvaluateVariants(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)
	m := New(Options{Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))
	ctx := context.Background()

	_, err := m.Evaluate(ctx, Request{})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = m.Evaluate(ctx, Request{
		Point: &PointRequest{},
		Grid:  &GridRequest{Res: 4},
	})
	assert.ErrorIs(t, err, ErrBadRequest)

	resp, err := m.Evaluate(ctx, Request{Point: &PointRequest{At: geometry.Point2D{X: 0, Y: 0}}})
	require.NoError(t, err)
	require.NotNil(t, resp.Point)
	assert.InDelta(t, 10, resp.Point.Mu.X, 0.02)

	resp, err = m.Evaluate(ctx, Request{Batch: &BatchRequest{At: squarePoints()}})
	require.NoError(t, err)
	assert.Len(t, resp.Batch, len(squarePoints()))

	resp, err = m.Evaluate(ctx, Request{Grid: &GridRequest{Res: 4}})
	require.NoError(t, err)
	require.NotNil(t, resp.Grid)
	assert.Equal(t, 16, len(resp.Grid.Points))

	resp, err = m.Evaluate(ctx, Request{Realisation: &RealisationRequest{At: squarePoints(), Seed: 3}})
	require.NoError(t, err)
	assert.Len(t, resp.Realisation, len(squarePoints()))

	again, err := m.Evaluate(ctx, Request{Realisation: &RealisationRequest{At: squarePoints(), Seed: 3}})
	require.NoError(t, err)
	assert.Equal(t, resp.Realisation, again.Realisation)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	catA, catB := quarterTurnCatalogs(t, squarePoints(), 1e-4)
	m := New(Options{Field: fixedFieldOptions()})
	require.NoError(t, m.Condition(catA, catB))

	var buf bytes.Buffer
	require.NoError(t, m.Encode(&buf))

	restored, err := Decode(&buf, Options{Field: fixedFieldOptions()})
	require.NoError(t, err)
	require.True(t, restored.Conditioned())
	assert.Equal(t, m.Accepted(), restored.Accepted())
	assert.Equal(t, m.Bounds(), restored.Bounds())

	query := geometry.Point2D{X: 4, Y: 6}
	want, err := m.PredictPoint(query)
	require.NoError(t, err)
	got, err := restored.PredictPoint(query)
	require.NoError(t, err)
	assert.InDelta(t, want.Mu.X, got.Mu.X, 1e-9)
	assert.InDelta(t, want.Mu.Y, got.Mu.Y, 1e-9)
	assert.InDelta(t, want.XX, got.XX, 1e-9)
	assert.InDelta(t, want.YY, got.YY, 1e-9)
}

func TestEncodeUnconditioned(t *testing.T) {
	var buf bytes.Buffer
	err := New(Options{}).Encode(&buf)
	assert.ErrorIs(t, err, ErrNotConditioned)
}

func TestDecodeWrongVersion(t *testing.T) {
	data, err := cbor.Marshal(map[string]any{"schema": SchemaVersion + 1})
	require.NoError(t, err)

	_, err = Decode(bytes.NewReader(data), Options{})
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
