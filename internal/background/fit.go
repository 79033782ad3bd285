package background

import (
	"math"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"astromap/pkg/bivarg"
	"astromap/pkg/geometry"
)

// MinPairs is the smallest number of nondegenerate tie pairs that constrains
// all seven parameters.
const MinPairs = 4

// covJitter is added to a degenerate per-pair covariance so exact tie points
// still contribute a least-squares term instead of aborting the fit.
const covJitter = 1e-12

// Prior is an independent gaussian prior on the parameter vector. An infinite
// variance makes the corresponding parameter unconstrained.
type Prior struct {
	Mean Params
	Var  [NumParams]float64
}

// FlatPrior returns a fully uninformative prior.
func FlatPrior() Prior {
	var pr Prior
	pr.Mean = Identity()
	for i := range pr.Var {
		pr.Var[i] = math.Inf(1)
	}
	return pr
}

// DefaultPrior anchors the centre of rotation near the frame-A centroid and
// leaves every other parameter unconstrained. The centre and the translation
// trade off exactly in the model, so a fully flat prior leaves the posterior
// improper along that direction; the anchor makes the Laplace covariance
// well defined without influencing the fitted mapping itself.
func DefaultPrior(ptsA []geometry.Point2D) Prior {
	pr := FlatPrior()
	c := geometry.Centroid(ptsA)
	pr.Mean[ParamCX] = c.X
	pr.Mean[ParamCY] = c.Y
	span := geometry.BoundingBox(ptsA)
	sigma := 1e-3 * (1 + math.Max(span.Width, span.Height))
	pr.Var[ParamCX] = sigma * sigma
	pr.Var[ParamCY] = sigma * sigma
	return pr
}

// LogDensity evaluates the unnormalised log prior density at theta.
// Infinite-variance components contribute nothing.
func (pr Prior) LogDensity(theta Params) float64 {
	sum := 0.0
	for i := 0; i < NumParams; i++ {
		if math.IsInf(pr.Var[i], 1) {
			continue
		}
		d := theta[i] - pr.Mean[i]
		sum += d * d / pr.Var[i]
	}
	return -0.5 * sum
}

// FitOptions bounds the MAP optimisation.
type FitOptions struct {
	// MaxIterations caps the Nelder-Mead major iterations. Zero means the
	// default of 4000.
	MaxIterations int

	// Logger receives fit diagnostics. Nil means no logging.
	Logger *zap.SugaredLogger
}

func (o FitOptions) withDefaults() FitOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 4000
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// SuggestInitial produces a deterministic starting point for the MAP fit from
// the point means alone: centroids give the translation, the summed cross and
// dot products of the demeaned coordinates give the rotation, and the RMS
// radius ratio gives a common scale. Per-point uncertainty is ignored.
func SuggestInitial(ptsA, ptsB []geometry.Point2D) Params {
	if len(ptsA) == 0 || len(ptsA) != len(ptsB) {
		return Identity()
	}
	ca := geometry.Centroid(ptsA)
	cb := geometry.Centroid(ptsB)

	var dotSum, crossSum, ra2, rb2 float64
	for i := range ptsA {
		ax, ay := ptsA[i].X-ca.X, ptsA[i].Y-ca.Y
		bx, by := ptsB[i].X-cb.X, ptsB[i].Y-cb.Y
		dotSum += ax*bx + ay*by
		crossSum += ax*by - ay*bx
		ra2 += ax*ax + ay*ay
		rb2 += bx*bx + by*by
	}

	phi := math.Atan2(crossSum, dotSum)
	scale := 1.0
	if ra2 > 0 {
		scale = math.Sqrt(rb2 / ra2)
	}

	// With the centre pinned at the frame-A centroid, the translation that
	// maps centroid to centroid is t = R^T (cb - ca) + ca - s*ca.
	sin, cos := math.Sincos(phi)
	dx, dy := cb.X-ca.X, cb.Y-ca.Y
	tx := cos*dx + sin*dy + ca.X - scale*ca.X
	ty := -sin*dx + cos*dy + ca.Y - scale*ca.Y

	return Params{tx, ty, phi, ca.X, ca.Y, scale, scale}
}

// FitMAP finds the parameter vector maximising the posterior probability of
// the observed tie pairs, starting from initial, and reports the Laplace
// approximation of the posterior covariance. Pairs whose combined covariance
// is degenerate even after jitter are skipped; if fewer than MinPairs
// nondegenerate pairs remain the fit fails with ErrInsufficientData.
func FitMAP(catA, catB []bivarg.Bivarg, initial Params, prior Prior, opts FitOptions) (*Map, error) {
	if len(catA) != len(catB) {
		return nil, errors.Wrapf(ErrInsufficientData, "catalog lengths differ: %d vs %d", len(catA), len(catB))
	}
	opts = opts.withDefaults()

	usable := 0
	for i := range catA {
		if pairUsable(catA[i], catB[i]) {
			usable++
		}
	}
	if usable < MinPairs {
		return nil, errors.Wrapf(ErrInsufficientData, "%d nondegenerate pairs, need %d", usable, MinPairs)
	}

	objective := func(x []float64) float64 {
		var theta Params
		copy(theta[:], x)
		return negLogPosterior(theta, catA, catB, prior)
	}

	settings := &optimize.Settings{
		MajorIterations: opts.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Iterations: 100,
		},
	}
	problem := optimize.Problem{Func: objective}

	result, err := optimize.Minimize(problem, initial[:], settings, &optimize.NelderMead{})
	if err != nil {
		return nil, errors.Wrap(ErrNonConvergent, err.Error())
	}
	if result.Status == optimize.IterationLimit {
		return nil, errors.Wrapf(ErrNonConvergent, "iteration limit %d reached", opts.MaxIterations)
	}
	if math.IsNaN(result.F) || math.IsInf(result.F, 0) {
		return nil, errors.Wrapf(ErrNonConvergent, "objective diverged to %g", result.F)
	}

	var theta Params
	copy(theta[:], result.X)
	opts.Logger.Debugw("background MAP fit",
		"neg_log_posterior", result.F,
		"evaluations", result.FuncEvaluations,
		"pairs", usable)

	cov, err := laplaceCovariance(objective, theta)
	if err != nil {
		return nil, err
	}
	return &Map{Theta: theta, Cov: cov}, nil
}

func pairUsable(a, b bivarg.Bivarg) bool {
	if math.IsNaN(a.Mu.X) || math.IsNaN(a.Mu.Y) ||
		math.IsNaN(b.Mu.X) || math.IsNaN(b.Mu.Y) {
		return false
	}
	// A pair is nondegenerate only when the combined measurement covariance
	// is invertible. Point masses on both sides carry no likelihood weight
	// and must not count toward the fit minimum.
	sxx := a.XX + b.XX
	syy := a.YY + b.YY
	sxy := a.XY + b.XY
	return sxx*syy-sxy*sxy > 0
}

// negLogPosterior is the MAP objective: for each pair, the gaussian
// log-likelihood of observing B given the transformed A under the combined
// covariance, plus the log prior, all negated.
func negLogPosterior(theta Params, catA, catB []bivarg.Bivarg, prior Prior) float64 {
	m00, m01, m10, m11 := pointJacobian(theta)
	sum := 0.0
	for i := range catA {
		a, b := catA[i], catB[i]
		mapped := a.Propagate(apply(theta, a.Mu), m00, m01, m10, m11)

		sxx := mapped.XX + b.XX
		syy := mapped.YY + b.YY
		sxy := mapped.XY + b.XY
		det := sxx*syy - sxy*sxy
		if det <= covJitter {
			sxx += covJitter
			syy += covJitter
			det = sxx*syy - sxy*sxy
			if det <= 0 {
				// Degenerate even after jitter; pair carries no information.
				continue
			}
		}
		dx := b.Mu.X - mapped.Mu.X
		dy := b.Mu.Y - mapped.Mu.Y
		quad := (syy*dx*dx - 2*sxy*dx*dy + sxx*dy*dy) / det
		sum += 0.5 * (quad + math.Log(det))
	}
	return sum - prior.LogDensity(theta)
}

// laplaceCovariance inverts the numerical Hessian of the objective at the MAP
// point to approximate the posterior covariance.
func laplaceCovariance(objective func([]float64) float64, theta Params) (*mat.SymDense, error) {
	hess := mat.NewSymDense(NumParams, nil)
	fd.Hessian(hess, objective, theta[:], nil)

	var chol mat.Cholesky
	if ok := chol.Factorize(hess); !ok {
		return nil, errors.Wrap(ErrNonConvergent, "hessian at optimum is not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, errors.Wrap(ErrNonConvergent, err.Error())
	}
	return &inv, nil
}
