package distortion

import (
	"astromap/pkg/geometry"
)

// Snapshot is the serialisable state of a conditioned field: hyperparameters
// and training data. Factorisations are rebuilt on restore rather than
// stored.
type Snapshot struct {
	Scale   float64            `cbor:"scale"`
	Amp     float64            `cbor:"amp"`
	Inputs  []geometry.Point2D `cbor:"inputs"`
	TargetX []float64          `cbor:"dx"`
	TargetY []float64          `cbor:"dy"`
	NuggetX []float64          `cbor:"vx"`
	NuggetY []float64          `cbor:"vy"`
}

// Snapshot captures the conditioned state of the field.
func (f *Field) Snapshot() (Snapshot, error) {
	if !f.conditioned {
		return Snapshot{}, ErrUnconditioned
	}
	return Snapshot{
		Scale:   f.scale,
		Amp:     f.amp,
		Inputs:  append([]geometry.Point2D(nil), f.inputs...),
		TargetX: append([]float64(nil), f.targetX...),
		TargetY: append([]float64(nil), f.targetY...),
		NuggetX: append([]float64(nil), f.nuggetX...),
		NuggetY: append([]float64(nil), f.nuggetY...),
	}, nil
}

// Restore rebuilds a conditioned field from a snapshot. The stored
// hyperparameters are used as-is; no optimisation runs.
func Restore(snap Snapshot, opts Options) (*Field, error) {
	opts.Scale = snap.Scale
	opts.Amp = snap.Amp
	opts.FitHyperparams = false
	f := New(opts)
	if err := f.Condition(snap.Inputs, snap.TargetX, snap.TargetY, snap.NuggetX, snap.NuggetY); err != nil {
		return nil, err
	}
	return f, nil
}
