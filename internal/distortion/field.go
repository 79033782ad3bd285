// Package distortion models the smooth residual displacement left after the
// background map is removed, as two independent zero-mean gaussian processes
// (one per axis) over frame-A positions with a shared squared-exponential
// kernel.
package distortion

import (
	"math"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"astromap/pkg/geometry"
)

var (
	// ErrDegenerateKernel reports a kernel matrix that stays singular after
	// regularisation.
	ErrDegenerateKernel = errors.New("distortion: degenerate kernel matrix")

	// ErrUnconditioned reports prediction from a field that has not been
	// conditioned on data.
	ErrUnconditioned = errors.New("distortion: field is not conditioned")
)

// Jitter ladder for stabilising near-singular kernel matrices.
var jitters = []float64{1e-10, 1e-8, 1e-6, 1e-4}

// Options configures a distortion field.
type Options struct {
	// Scale is the kernel correlation length. Used as the starting point when
	// FitHyperparams is set, as the fixed value otherwise. Zero means 100.
	Scale float64

	// Amp is the kernel amplitude: the prior displacement standard deviation.
	// Zero means 100.
	Amp float64

	// FitHyperparams selects marginal-likelihood optimisation of (scale, amp)
	// during conditioning.
	FitHyperparams bool

	// MaxIterations caps the hyperparameter optimisation. Zero means 500.
	MaxIterations int

	// Logger receives conditioning diagnostics. Nil means no logging.
	Logger *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.Scale <= 0 {
		o.Scale = 100
	}
	if o.Amp <= 0 {
		o.Amp = 100
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 500
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// Field is a conditioned or unconditioned distortion field. Conditioning
// stores the training data and the Cholesky factorisations needed for
// prediction; re-conditioning replaces them.
type Field struct {
	opts  Options
	scale float64
	amp   float64

	conditioned bool
	inputs      []geometry.Point2D
	targetX     []float64
	targetY     []float64
	nuggetX     []float64
	nuggetY     []float64
	cholX       *mat.Cholesky
	cholY       *mat.Cholesky
	alphaX      *mat.VecDense
	alphaY      *mat.VecDense
}

// New creates an unconditioned field.
func New(opts Options) *Field {
	opts = opts.withDefaults()
	return &Field{opts: opts, scale: opts.Scale, amp: opts.Amp}
}

// Conditioned reports whether the field holds conditioning data.
func (f *Field) Conditioned() bool {
	return f.conditioned
}

// Hyperparams returns the current correlation length and amplitude.
func (f *Field) Hyperparams() (scale, amp float64) {
	return f.scale, f.amp
}

// TrainingSize returns the number of conditioning points.
func (f *Field) TrainingSize() int {
	return len(f.inputs)
}

func kernel(d2, scale, amp float64) float64 {
	return amp * amp * math.Exp(-d2/(2*scale*scale))
}

// trainCov builds K(X,X) + diag(nugget) + jitter*I.
func trainCov(inputs []geometry.Point2D, scale, amp float64, nugget []float64, jitter float64) *mat.SymDense {
	n := len(inputs)
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := kernel(inputs[i].DistanceSq(inputs[j]), scale, amp)
			if i == j {
				v += nugget[i] + jitter
			}
			k.SetSym(i, j, v)
		}
	}
	return k
}

// factorize runs the jitter ladder until the kernel matrix admits a Cholesky
// factorisation.
func factorize(inputs []geometry.Point2D, scale, amp float64, nugget []float64) (*mat.Cholesky, error) {
	for _, jitter := range jitters {
		var chol mat.Cholesky
		if chol.Factorize(trainCov(inputs, scale, amp, nugget, jitter)) {
			return &chol, nil
		}
	}
	return nil, errors.Wrapf(ErrDegenerateKernel,
		"n=%d scale=%g amp=%g after jitter up to %g", len(inputs), scale, amp, jitters[len(jitters)-1])
}

// Condition fits the field to residual displacements observed at frame-A
// positions. nuggetX/nuggetY carry the per-point measurement variances that
// stabilise the kernel diagonal. Hyperparameters are optimised by marginal
// likelihood when the field was built with FitHyperparams, otherwise kept
// fixed. Conditioning replaces any previous conditioning state.
func (f *Field) Condition(inputs []geometry.Point2D, targetX, targetY, nuggetX, nuggetY []float64) error {
	n := len(inputs)
	if len(targetX) != n || len(targetY) != n || len(nuggetX) != n || len(nuggetY) != n {
		return errors.Newf("distortion: training lengths differ: inputs=%d dx=%d dy=%d vx=%d vy=%d",
			n, len(targetX), len(targetY), len(nuggetX), len(nuggetY))
	}

	scale, amp := f.opts.Scale, f.opts.Amp
	if f.opts.FitHyperparams {
		scale, amp = f.fitHyperparams(inputs, targetX, targetY, nuggetX, nuggetY, scale, amp)
	}

	cholX, err := factorize(inputs, scale, amp, nuggetX)
	if err != nil {
		return err
	}
	cholY, err := factorize(inputs, scale, amp, nuggetY)
	if err != nil {
		return err
	}

	alphaX := mat.NewVecDense(n, nil)
	if err := cholX.SolveVecTo(alphaX, mat.NewVecDense(n, targetX)); err != nil {
		return errors.Wrap(ErrDegenerateKernel, err.Error())
	}
	alphaY := mat.NewVecDense(n, nil)
	if err := cholY.SolveVecTo(alphaY, mat.NewVecDense(n, targetY)); err != nil {
		return errors.Wrap(ErrDegenerateKernel, err.Error())
	}

	f.scale, f.amp = scale, amp
	f.inputs = append([]geometry.Point2D(nil), inputs...)
	f.targetX = append([]float64(nil), targetX...)
	f.targetY = append([]float64(nil), targetY...)
	f.nuggetX = append([]float64(nil), nuggetX...)
	f.nuggetY = append([]float64(nil), nuggetY...)
	f.cholX, f.cholY = cholX, cholY
	f.alphaX, f.alphaY = alphaX, alphaY
	f.conditioned = true

	f.opts.Logger.Debugw("distortion field conditioned",
		"points", n, "scale", scale, "amp", amp)
	return nil
}

// fitHyperparams maximises the summed per-axis marginal log-likelihood over
// (scale, amp), optimising in log space to keep both positive. Falls back to
// the starting values if the optimiser cannot improve on them.
func (f *Field) fitHyperparams(inputs []geometry.Point2D, tx, ty, vx, vy []float64, scale0, amp0 float64) (scale, amp float64) {
	objective := func(u []float64) float64 {
		s, a := math.Exp(u[0]), math.Exp(u[1])
		return -(marginalLogLik(inputs, tx, vx, s, a) + marginalLogLik(inputs, ty, vy, s, a))
	}

	settings := &optimize.Settings{
		MajorIterations: f.opts.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-8,
			Iterations: 50,
		},
	}
	u0 := []float64{math.Log(scale0), math.Log(amp0)}
	result, err := optimize.Minimize(optimize.Problem{Func: objective}, u0, settings, &optimize.NelderMead{})
	if err != nil || math.IsInf(result.F, 0) || math.IsNaN(result.F) {
		f.opts.Logger.Warnw("hyperparameter fit failed, keeping starting values",
			"scale", scale0, "amp", amp0, "err", err)
		return scale0, amp0
	}
	return math.Exp(result.X[0]), math.Exp(result.X[1])
}

// marginalLogLik evaluates the gaussian-process marginal log-likelihood of
// one axis, up to constants. Returns -Inf for hyperparameters whose kernel
// matrix cannot be factorised, steering the optimiser away.
func marginalLogLik(inputs []geometry.Point2D, targets, nugget []float64, scale, amp float64) float64 {
	n := len(inputs)
	var chol mat.Cholesky
	if !chol.Factorize(trainCov(inputs, scale, amp, nugget, jitters[0])) {
		return math.Inf(-1)
	}
	y := mat.NewVecDense(n, targets)
	var alpha mat.VecDense
	if err := chol.SolveVecTo(&alpha, y); err != nil {
		return math.Inf(-1)
	}
	return -0.5*mat.Dot(y, &alpha) - 0.5*chol.LogDet()
}
