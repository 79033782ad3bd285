// Package astromap composes a background affine fit with a gaussian-process
// distortion field into a single astrometric mapping from frame A to frame B,
// conditioned on matched catalogues of uncertain positions.
package astromap

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"

	"astromap/internal/background"
	"astromap/internal/distortion"
	"astromap/pkg/bivarg"
	"astromap/pkg/geometry"
)

// ErrNotConditioned reports prediction from a map that has not been
// conditioned on tie data.
var ErrNotConditioned = errors.New("astromap: map is not conditioned")

// Options configures conditioning.
type Options struct {
	// RejectSigma drops tie pairs whose statistical distance from the
	// background fit exceeds this many sigma, refitting until the rejected
	// set stabilises. Zero or negative disables rejection.
	RejectSigma float64

	// MaxRejectIterations bounds the reject-refit loop. Zero means 10.
	MaxRejectIterations int

	// SubsampleN fits the background on a random subset of this many accepted
	// pairs. Zero means all pairs. Distortion conditioning always uses every
	// accepted pair.
	SubsampleN int

	// Seed drives subsampling. The same seed and data give the same fit.
	Seed uint64

	// Prior overrides the gaussian prior on the background parameters. Nil
	// means background.DefaultPrior anchored at the frame-A centroid.
	Prior *background.Prior

	// Background bounds the affine MAP fit.
	Background background.FitOptions

	// Field configures the distortion component.
	Field distortion.Options

	// Logger receives conditioning diagnostics. Nil means no logging.
	Logger *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.MaxRejectIterations <= 0 {
		o.MaxRejectIterations = 10
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.Background.Logger == nil {
		o.Background.Logger = o.Logger
	}
	if o.Field.Logger == nil {
		o.Field.Logger = o.Logger
	}
	return o
}

// Residual is one accepted tie pair's displacement after the background map
// is removed, with the measurement variance that weighted it.
type Residual struct {
	At       geometry.Point2D
	DX, DY   float64
	VarX     float64
	VarY     float64
	Distance float64
}

// Map is an astrometric mapping. Zero value is unusable; construct with New
// and call Condition before predicting.
type Map struct {
	opts Options

	bg    *background.Map
	field *distortion.Field

	catA      []bivarg.Bivarg
	catB      []bivarg.Bivarg
	accepted  []int
	residuals []Residual
	bounds    geometry.Rect

	conditioned bool
}

// New creates an unconditioned map.
func New(opts Options) *Map {
	opts = opts.withDefaults()
	return &Map{opts: opts, field: distortion.New(opts.Field)}
}

// Conditioned reports whether the map is ready to predict.
func (m *Map) Conditioned() bool {
	return m.conditioned
}

// Background returns the fitted affine component, or nil before conditioning.
func (m *Map) Background() *background.Map {
	return m.bg
}

// Field returns the distortion component.
func (m *Map) Field() *distortion.Field {
	return m.field
}

// Residuals returns the accepted tie pairs' post-background displacements.
func (m *Map) Residuals() []Residual {
	return m.residuals
}

// Accepted returns the indices of tie pairs that survived rejection.
func (m *Map) Accepted() []int {
	return m.accepted
}

// Bounds returns the frame-A bounding box of the accepted tie points.
func (m *Map) Bounds() geometry.Rect {
	return m.bounds
}

// Condition fits the map to matched catalogues: a background MAP fit with
// optional sigma clipping of outlier pairs, then a distortion field
// conditioned on the residual displacements of every accepted pair.
// Conditioning replaces any previous state.
func (m *Map) Condition(catA, catB []bivarg.Bivarg) error {
	if len(catA) != len(catB) {
		return errors.Wrapf(background.ErrInsufficientData,
			"catalog lengths differ: %d vs %d", len(catA), len(catB))
	}

	meansA := make([]geometry.Point2D, len(catA))
	meansB := make([]geometry.Point2D, len(catB))
	for i := range catA {
		meansA[i] = catA[i].Mu
		meansB[i] = catB[i].Mu
	}
	initial := background.SuggestInitial(meansA, meansB)
	prior := background.DefaultPrior(meansA)
	if m.opts.Prior != nil {
		prior = *m.opts.Prior
	}

	accepted := make([]int, len(catA))
	for i := range accepted {
		accepted[i] = i
	}
	bg, err := m.fitBackground(catA, catB, accepted, initial, prior)
	if err != nil {
		return err
	}

	if m.opts.RejectSigma > 0 {
		accepted, bg, err = m.rejectOutliers(catA, catB, accepted, bg, initial, prior)
		if err != nil {
			return err
		}
	}

	residuals := make([]Residual, 0, len(accepted))
	inputs := make([]geometry.Point2D, 0, len(accepted))
	dx := make([]float64, 0, len(accepted))
	dy := make([]float64, 0, len(accepted))
	vx := make([]float64, 0, len(accepted))
	vy := make([]float64, 0, len(accepted))
	for _, i := range accepted {
		mapped := bg.ApplyBivarg(catA[i])
		r := Residual{
			At:   catA[i].Mu,
			DX:   catB[i].Mu.X - mapped.Mu.X,
			DY:   catB[i].Mu.Y - mapped.Mu.Y,
			VarX: mapped.XX + catB[i].XX,
			VarY: mapped.YY + catB[i].YY,
		}
		if d, derr := bg.StatisticalDistance(catA[i], catB[i]); derr == nil {
			r.Distance = d
		}
		residuals = append(residuals, r)
		inputs = append(inputs, r.At)
		dx = append(dx, r.DX)
		dy = append(dy, r.DY)
		vx = append(vx, r.VarX)
		vy = append(vy, r.VarY)
	}

	field := distortion.New(m.opts.Field)
	if err := field.Condition(inputs, dx, dy, vx, vy); err != nil {
		return err
	}

	m.bg = bg
	m.field = field
	m.catA = append([]bivarg.Bivarg(nil), catA...)
	m.catB = append([]bivarg.Bivarg(nil), catB...)
	m.accepted = accepted
	m.residuals = residuals
	m.bounds = geometry.BoundingBox(inputs)
	m.conditioned = true

	scale, amp := field.Hyperparams()
	m.opts.Logger.Infow("map conditioned",
		"pairs", len(catA),
		"accepted", len(accepted),
		"angle", bg.Theta.Angle(),
		"gp_scale", scale,
		"gp_amp", amp)
	return nil
}

// fitBackground runs the MAP fit on the accepted pairs, subsampled when
// SubsampleN is set.
func (m *Map) fitBackground(catA, catB []bivarg.Bivarg, accepted []int, initial background.Params, prior background.Prior) (*background.Map, error) {
	use := accepted
	if n := m.opts.SubsampleN; n > 0 && n < len(accepted) {
		use = subsample(accepted, n, m.opts.Seed)
		m.opts.Logger.Debugw("background fit subsampled", "of", len(accepted), "using", n)
	}
	subA := make([]bivarg.Bivarg, len(use))
	subB := make([]bivarg.Bivarg, len(use))
	for k, i := range use {
		subA[k] = catA[i]
		subB[k] = catB[i]
	}
	return background.FitMAP(subA, subB, initial, prior, m.opts.Background)
}

// rejectOutliers alternates sigma clipping over all pairs with refits on the
// survivors until the accepted set stops changing or the iteration cap hits.
func (m *Map) rejectOutliers(catA, catB []bivarg.Bivarg, accepted []int, bg *background.Map, initial background.Params, prior background.Prior) ([]int, *background.Map, error) {
	for iter := 0; iter < m.opts.MaxRejectIterations; iter++ {
		next := make([]int, 0, len(catA))
		for i := range catA {
			d, err := bg.StatisticalDistance(catA[i], catB[i])
			if err != nil || d <= m.opts.RejectSigma {
				// An undecidable distance never rejects the pair.
				next = append(next, i)
			}
		}
		if equalInts(next, accepted) {
			return accepted, bg, nil
		}
		m.opts.Logger.Debugw("outlier rejection pass",
			"iteration", iter+1, "accepted", len(next), "rejected", len(catA)-len(next))
		refit, err := m.fitBackground(catA, catB, next, bg.Theta, prior)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "refit after rejection pass %d", iter+1)
		}
		accepted, bg = next, refit
	}
	return accepted, bg, nil
}

func subsample(indices []int, n int, seed uint64) []int {
	shuffled := append([]int(nil), indices...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	out := shuffled[:n]
	sort.Ints(out)
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RMSResidual returns the root-mean-square residual displacement of the
// accepted pairs after the background map, before distortion correction.
func (m *Map) RMSResidual() float64 {
	if len(m.residuals) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range m.residuals {
		sum += r.DX*r.DX + r.DY*r.DY
	}
	return math.Sqrt(sum / float64(len(m.residuals)))
}
