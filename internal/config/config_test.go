package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"astromap/internal/background"
)

func writeOptions(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "options.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultEnablesHyperparamFit(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Field.FitHyperparams)
	assert.Zero(t, cfg.RejectSigma)
}

func TestLoad(t *testing.T) {
	path := writeOptions(t, `
reject_sigma = 3.0
subsample = 200
seed = 42

[background]
max_iterations = 1000

[field]
scale = 50.0
amp = 2.5
fit_hyperparams = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, cfg.RejectSigma, 1e-12)
	assert.Equal(t, 200, cfg.Subsample)
	assert.Equal(t, uint64(42), cfg.Seed)
	assert.Equal(t, 1000, cfg.Background.MaxIterations)
	assert.InDelta(t, 50.0, cfg.Field.Scale, 1e-12)
	assert.False(t, cfg.Field.FitHyperparams)
}

func TestLoadUnknownKey(t *testing.T) {
	path := writeOptions(t, "reject_sgima = 3.0\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestMapOptions(t *testing.T) {
	cfg := Default()
	cfg.RejectSigma = 2.5
	cfg.Subsample = 10
	cfg.Field.Scale = 7

	opts, err := cfg.MapOptions(zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.InDelta(t, 2.5, opts.RejectSigma, 1e-12)
	assert.Equal(t, 10, opts.SubsampleN)
	assert.InDelta(t, 7.0, opts.Field.Scale, 1e-12)
	assert.True(t, opts.Field.FitHyperparams)
	assert.NotNil(t, opts.Logger)
	assert.Nil(t, opts.Prior)
}

func TestLoadPrior(t *testing.T) {
	path := writeOptions(t, `
[prior]
mean = [0.0, 0.0, 1.5707963, 5.0, 5.0, 1.0, 1.0]
variance = [0.0, 0.0, 0.01, 1e-6, 1e-6, 0.0, 0.0]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Prior)

	opts, err := cfg.MapOptions(zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NotNil(t, opts.Prior)
	assert.InDelta(t, 1.5707963, opts.Prior.Mean[background.ParamPhi], 1e-12)
	assert.InDelta(t, 0.01, opts.Prior.Var[background.ParamPhi], 1e-12)
	assert.InDelta(t, 1e-6, opts.Prior.Var[background.ParamCX], 1e-12)
	// Non-positive variances read as unconstrained.
	assert.True(t, math.IsInf(opts.Prior.Var[background.ParamTX], 1))
	assert.True(t, math.IsInf(opts.Prior.Var[background.ParamSX], 1))
}

func TestLoadPriorWrongLength(t *testing.T) {
	path := writeOptions(t, `
[prior]
mean = [0.0, 0.0]
variance = [1.0, 1.0]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.MapOptions(zap.NewNop().Sugar())
	assert.Error(t, err)
}
