package distortion

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"astromap/pkg/geometry"
)

// Prediction holds the posterior mean displacement and pointwise variance at
// a set of query positions, per axis.
type Prediction struct {
	MeanX []float64
	MeanY []float64
	VarX  []float64
	VarY  []float64
}

// crossCov builds the m x n matrix K(query, training).
func (f *Field) crossCov(points []geometry.Point2D) *mat.Dense {
	m, n := len(points), len(f.inputs)
	ks := mat.NewDense(m, n, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			ks.Set(i, j, kernel(points[i].DistanceSq(f.inputs[j]), f.scale, f.amp))
		}
	}
	return ks
}

// Predict evaluates the conditioned field at the query positions, returning
// the posterior mean displacement and the pointwise posterior variance on
// each axis.
func (f *Field) Predict(points []geometry.Point2D) (*Prediction, error) {
	if !f.conditioned {
		return nil, ErrUnconditioned
	}
	m := len(points)
	pred := &Prediction{
		MeanX: make([]float64, m),
		MeanY: make([]float64, m),
		VarX:  make([]float64, m),
		VarY:  make([]float64, m),
	}
	if m == 0 {
		return pred, nil
	}

	ks := f.crossCov(points)
	var solX, solY mat.Dense
	if err := f.cholX.SolveTo(&solX, ks.T()); err != nil {
		return nil, errors.Wrap(ErrDegenerateKernel, err.Error())
	}
	if err := f.cholY.SolveTo(&solY, ks.T()); err != nil {
		return nil, errors.Wrap(ErrDegenerateKernel, err.Error())
	}

	priorVar := f.amp * f.amp
	n := len(f.inputs)
	for i := 0; i < m; i++ {
		row := ks.RawRowView(i)
		var mx, my, rx, ry float64
		for j := 0; j < n; j++ {
			mx += row[j] * f.alphaX.AtVec(j)
			my += row[j] * f.alphaY.AtVec(j)
			rx += row[j] * solX.At(j, i)
			ry += row[j] * solY.At(j, i)
		}
		pred.MeanX[i] = mx
		pred.MeanY[i] = my
		pred.VarX[i] = clampVar(priorVar - rx)
		pred.VarY[i] = clampVar(priorVar - ry)
	}
	return pred, nil
}

func clampVar(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// PredictJoint evaluates the conditioned field at the query positions with
// the full per-axis posterior covariance across queries, as needed for joint
// draws of the field.
func (f *Field) PredictJoint(points []geometry.Point2D) (meanX, meanY []float64, covX, covY *mat.SymDense, err error) {
	if !f.conditioned {
		return nil, nil, nil, nil, ErrUnconditioned
	}
	m := len(points)
	if m == 0 {
		return nil, nil, nil, nil, nil
	}
	meanX = make([]float64, m)
	meanY = make([]float64, m)
	covX = mat.NewSymDense(m, nil)
	covY = mat.NewSymDense(m, nil)

	ks := f.crossCov(points)
	var solX, solY mat.Dense
	if err := f.cholX.SolveTo(&solX, ks.T()); err != nil {
		return nil, nil, nil, nil, errors.Wrap(ErrDegenerateKernel, err.Error())
	}
	if err := f.cholY.SolveTo(&solY, ks.T()); err != nil {
		return nil, nil, nil, nil, errors.Wrap(ErrDegenerateKernel, err.Error())
	}

	n := len(f.inputs)
	for i := 0; i < m; i++ {
		row := ks.RawRowView(i)
		for j := 0; j < n; j++ {
			meanX[i] += row[j] * f.alphaX.AtVec(j)
			meanY[i] += row[j] * f.alphaY.AtVec(j)
		}
	}
	for i := 0; i < m; i++ {
		rowI := ks.RawRowView(i)
		for j := i; j < m; j++ {
			prior := kernel(points[i].DistanceSq(points[j]), f.scale, f.amp)
			var rx, ry float64
			for k := 0; k < n; k++ {
				rx += rowI[k] * solX.At(k, j)
				ry += rowI[k] * solY.At(k, j)
			}
			covX.SetSym(i, j, prior-rx)
			covY.SetSym(i, j, prior-ry)
		}
	}
	return meanX, meanY, covX, covY, nil
}

// SampleRealisation draws one joint realisation of the displacement field at
// the query positions. The same jitter ladder used during conditioning
// regularises the posterior covariance before the draw.
func (f *Field) SampleRealisation(points []geometry.Point2D, src rand.Source) ([]geometry.Point2D, error) {
	meanX, meanY, covX, covY, err := f.PredictJoint(points)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}
	dx, err := sampleAxis(meanX, covX, src)
	if err != nil {
		return nil, err
	}
	dy, err := sampleAxis(meanY, covY, src)
	if err != nil {
		return nil, err
	}
	out := make([]geometry.Point2D, len(points))
	for i := range out {
		out[i] = geometry.Point2D{X: dx[i], Y: dy[i]}
	}
	return out, nil
}

func sampleAxis(mean []float64, cov *mat.SymDense, src rand.Source) ([]float64, error) {
	m := len(mean)
	for _, jitter := range jitters {
		reg := mat.NewSymDense(m, nil)
		reg.CopySym(cov)
		for i := 0; i < m; i++ {
			reg.SetSym(i, i, reg.At(i, i)+jitter)
		}
		normal, ok := distmv.NewNormal(mean, reg, src)
		if !ok {
			continue
		}
		return normal.Rand(make([]float64, m)), nil
	}
	return nil, errors.Wrapf(ErrDegenerateKernel, "posterior covariance over %d points", m)
}
