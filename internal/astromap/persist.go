package astromap

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/mat"

	"astromap/internal/background"
	"astromap/internal/distortion"
	"astromap/pkg/bivarg"
	"astromap/pkg/geometry"
)

// SchemaVersion identifies the serialised map layout. Bump on any
// incompatible change to the envelope.
const SchemaVersion = 1

// ErrIncompatibleVersion reports a serialised map written under a different
// schema version.
var ErrIncompatibleVersion = errors.New("astromap: incompatible schema version")

type envelope struct {
	Schema int     `cbor:"schema"`
	Map    payload `cbor:"map"`
}

type payload struct {
	Theta     [background.NumParams]float64 `cbor:"theta"`
	ThetaCov  []float64                     `cbor:"theta_cov"`
	Field     distortion.Snapshot           `cbor:"field"`
	CatA      []bivarg.Bivarg               `cbor:"cat_a"`
	CatB      []bivarg.Bivarg               `cbor:"cat_b"`
	Accepted  []int                         `cbor:"accepted"`
	Residuals []Residual                    `cbor:"residuals"`
	Bounds    geometry.Rect                 `cbor:"bounds"`
}

// Encode writes the conditioned map as a versioned CBOR envelope. The
// distortion factorisations are not stored; Decode rebuilds them
// deterministically from the training data.
func (m *Map) Encode(w io.Writer) error {
	if !m.conditioned {
		return ErrNotConditioned
	}
	snap, err := m.field.Snapshot()
	if err != nil {
		return err
	}
	cov := make([]float64, 0, background.NumParams*background.NumParams)
	for i := 0; i < background.NumParams; i++ {
		for j := 0; j < background.NumParams; j++ {
			cov = append(cov, m.bg.Cov.At(i, j))
		}
	}
	env := envelope{
		Schema: SchemaVersion,
		Map: payload{
			Theta:     m.bg.Theta,
			ThetaCov:  cov,
			Field:     snap,
			CatA:      m.catA,
			CatB:      m.catB,
			Accepted:  m.accepted,
			Residuals: m.residuals,
			Bounds:    m.bounds,
		},
	}
	if err := cbor.NewEncoder(w).Encode(env); err != nil {
		return errors.Wrap(err, "encode map")
	}
	return nil
}

// Decode reads a versioned CBOR envelope and rebuilds a conditioned map. No
// fitting runs; the stored background posterior and distortion state are
// restored as written.
func Decode(r io.Reader, opts Options) (*Map, error) {
	var env envelope
	if err := cbor.NewDecoder(r).Decode(&env); err != nil {
		return nil, errors.Wrap(err, "decode map")
	}
	if env.Schema != SchemaVersion {
		return nil, errors.Wrapf(ErrIncompatibleVersion, "got %d, want %d", env.Schema, SchemaVersion)
	}
	p := env.Map

	if len(p.ThetaCov) != background.NumParams*background.NumParams {
		return nil, errors.Newf("astromap: malformed parameter covariance: %d values", len(p.ThetaCov))
	}
	cov := mat.NewSymDense(background.NumParams, nil)
	for i := 0; i < background.NumParams; i++ {
		for j := i; j < background.NumParams; j++ {
			cov.SetSym(i, j, p.ThetaCov[i*background.NumParams+j])
		}
	}

	field, err := distortion.Restore(p.Field, opts.Field)
	if err != nil {
		return nil, err
	}

	m := New(opts)
	m.bg = &background.Map{Theta: p.Theta, Cov: cov}
	m.field = field
	m.catA = p.CatA
	m.catB = p.CatB
	m.accepted = p.Accepted
	m.residuals = p.Residuals
	m.bounds = p.Bounds
	m.conditioned = true
	return m, nil
}
