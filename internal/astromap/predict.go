package astromap

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"astromap/internal/background"
	"astromap/pkg/bivarg"
	"astromap/pkg/geometry"
)

// PredictPoint maps one frame-A position to its posterior frame-B position:
// background transform plus distortion mean, with the combined uncertainty of
// the background parameter posterior and the distortion field.
func (m *Map) PredictPoint(p geometry.Point2D) (bivarg.Bivarg, error) {
	out, err := m.PredictBatch([]geometry.Point2D{p})
	if err != nil {
		return bivarg.Bivarg{}, err
	}
	return out[0], nil
}

// PredictBatch maps a set of frame-A positions in one pass, sharing the
// distortion field solve across all points.
func (m *Map) PredictBatch(points []geometry.Point2D) ([]bivarg.Bivarg, error) {
	if !m.conditioned {
		return nil, ErrNotConditioned
	}
	pred, err := m.field.Predict(points)
	if err != nil {
		return nil, err
	}

	out := make([]bivarg.Bivarg, len(points))
	j := mat.NewDense(2, background.NumParams, nil)
	var tmp, pcov mat.Dense
	for i, p := range points {
		mu := m.bg.Apply(p)
		mu.X += pred.MeanX[i]
		mu.Y += pred.MeanY[i]

		// Background parameter uncertainty propagated through the 2x7
		// jacobian, plus the pointwise distortion variance.
		j.Copy(m.bg.ParamJacobian(p))
		tmp.Mul(j, m.bg.Cov)
		pcov.Mul(&tmp, j.T())

		b, err := bivarg.New(mu,
			pcov.At(0, 0)+pred.VarX[i],
			pcov.At(1, 1)+pred.VarY[i],
			pcov.At(0, 1))
		if err != nil {
			return nil, errors.Wrapf(err, "prediction at A=(%g,%g)", p.X, p.Y)
		}
		out[i] = b
	}
	return out, nil
}

// PredictBivarg maps an uncertain frame-A position, folding the input
// covariance through the (constant) point jacobian into the prediction on top
// of the parameter and distortion uncertainty.
func (m *Map) PredictBivarg(in bivarg.Bivarg) (bivarg.Bivarg, error) {
	base, err := m.PredictPoint(in.Mu)
	if err != nil {
		return bivarg.Bivarg{}, err
	}
	mapped := m.bg.ApplyBivarg(in)
	return bivarg.New(base.Mu,
		base.XX+mapped.XX,
		base.YY+mapped.YY,
		base.XY+mapped.XY)
}

// GridPrediction is a row-major grid of predicted frame-B positions over a
// frame-A grid.
type GridPrediction struct {
	Frame  geometry.GridFrame
	Points []bivarg.Bivarg
}

// At returns the prediction at a grid node.
func (g *GridPrediction) At(row, col int) bivarg.Bivarg {
	return g.Points[g.Frame.Index(row, col)]
}

// PredictGrid evaluates the map over a res-by-res grid spanning the frame-A
// bounding box of the conditioning points, one goroutine per row.
func (m *Map) PredictGrid(ctx context.Context, res int) (*GridPrediction, error) {
	if !m.conditioned {
		return nil, ErrNotConditioned
	}
	frame := geometry.NewGridFrame(m.bounds, res)

	out := make([]bivarg.Bivarg, frame.Len())
	g, ctx := errgroup.WithContext(ctx)
	for row := 0; row < frame.Rows; row++ {
		row := row
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			preds, err := m.PredictBatch(frame.Row(row))
			if err != nil {
				return errors.Wrapf(err, "grid row %d", row)
			}
			copy(out[frame.Index(row, 0):], preds)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &GridPrediction{Frame: frame, Points: out}, nil
}

// SampleRealisation draws one joint realisation of the mapping at the given
// frame-A positions: the background transform plus a joint draw of the
// distortion field. Background parameters are held at their MAP values.
func (m *Map) SampleRealisation(points []geometry.Point2D, src rand.Source) ([]geometry.Point2D, error) {
	if !m.conditioned {
		return nil, ErrNotConditioned
	}
	disp, err := m.field.SampleRealisation(points, src)
	if err != nil {
		return nil, err
	}
	out := make([]geometry.Point2D, len(points))
	for i, p := range points {
		out[i] = m.bg.Apply(p).Add(disp[i])
	}
	return out, nil
}
