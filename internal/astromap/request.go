package astromap

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/rand"

	"astromap/pkg/bivarg"
	"astromap/pkg/geometry"
)

// ErrBadRequest reports a prediction request with zero or multiple variants
// set.
var ErrBadRequest = errors.New("astromap: request must set exactly one variant")

// Request selects one kind of evaluation. Exactly one field must be non-nil.
type Request struct {
	Point       *PointRequest
	Batch       *BatchRequest
	Grid        *GridRequest
	Realisation *RealisationRequest
}

// PointRequest asks for the posterior position of one frame-A point.
type PointRequest struct {
	At geometry.Point2D
}

// BatchRequest asks for the posterior positions of many frame-A points.
type BatchRequest struct {
	At []geometry.Point2D
}

// GridRequest asks for posterior positions over a Res-by-Res grid spanning
// the conditioning bounds.
type GridRequest struct {
	Res int
}

// RealisationRequest asks for one joint draw of the mapping at the given
// points, seeded for reproducibility.
type RealisationRequest struct {
	At   []geometry.Point2D
	Seed uint64
}

// Response carries the result matching the request variant; the other fields
// are zero.
type Response struct {
	Point       *bivarg.Bivarg
	Batch       []bivarg.Bivarg
	Grid        *GridPrediction
	Realisation []geometry.Point2D
}

// Evaluate dispatches a request against the conditioned map.
func (m *Map) Evaluate(ctx context.Context, req Request) (*Response, error) {
	set := 0
	if req.Point != nil {
		set++
	}
	if req.Batch != nil {
		set++
	}
	if req.Grid != nil {
		set++
	}
	if req.Realisation != nil {
		set++
	}
	if set != 1 {
		return nil, errors.Wrapf(ErrBadRequest, "%d variants set", set)
	}

	switch {
	case req.Point != nil:
		b, err := m.PredictPoint(req.Point.At)
		if err != nil {
			return nil, err
		}
		return &Response{Point: &b}, nil
	case req.Batch != nil:
		batch, err := m.PredictBatch(req.Batch.At)
		if err != nil {
			return nil, err
		}
		return &Response{Batch: batch}, nil
	case req.Grid != nil:
		grid, err := m.PredictGrid(ctx, req.Grid.Res)
		if err != nil {
			return nil, err
		}
		return &Response{Grid: grid}, nil
	default:
		pts, err := m.SampleRealisation(req.Realisation.At, rand.NewSource(req.Realisation.Seed))
		if err != nil {
			return nil, err
		}
		return &Response{Realisation: pts}, nil
	}
}
