// Package config loads conditioning options from a TOML file.
package config

import (
	"bytes"
	"math"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"astromap/internal/astromap"
	"astromap/internal/background"
	"astromap/internal/distortion"
)

// Background holds the affine fit settings.
type Background struct {
	MaxIterations int `toml:"max_iterations"`
}

// Prior holds an explicit gaussian prior on the seven background parameters
// (tx, ty, phi, cx, cy, sx, sy). A variance of zero or below leaves that
// parameter unconstrained.
type Prior struct {
	Mean     []float64 `toml:"mean"`
	Variance []float64 `toml:"variance"`
}

func (p *Prior) toBackground() (*background.Prior, error) {
	if len(p.Mean) != background.NumParams || len(p.Variance) != background.NumParams {
		return nil, errors.Newf("prior needs %d mean and variance entries, got %d and %d",
			background.NumParams, len(p.Mean), len(p.Variance))
	}
	var pr background.Prior
	copy(pr.Mean[:], p.Mean)
	for i, v := range p.Variance {
		if v <= 0 {
			pr.Var[i] = math.Inf(1)
		} else {
			pr.Var[i] = v
		}
	}
	return &pr, nil
}

// Field holds the distortion field settings.
type Field struct {
	Scale          float64 `toml:"scale"`
	Amp            float64 `toml:"amp"`
	FitHyperparams bool    `toml:"fit_hyperparams"`
	MaxIterations  int     `toml:"max_iterations"`
}

// Config mirrors the options file. Zero values fall back to the component
// defaults.
type Config struct {
	RejectSigma         float64    `toml:"reject_sigma"`
	MaxRejectIterations int        `toml:"max_reject_iterations"`
	Subsample           int        `toml:"subsample"`
	Seed                uint64     `toml:"seed"`
	Background          Background `toml:"background"`
	Prior               *Prior     `toml:"prior"`
	Field               Field      `toml:"field"`
}

// Default returns the settings used when no options file is given.
func Default() Config {
	return Config{
		RejectSigma: 0,
		Field:       Field{FitHyperparams: true},
	}
}

// Load reads a TOML options file over the defaults. Unknown keys are
// rejected so typos fail loudly.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read options %s", path)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse options %s", path)
	}
	return cfg, nil
}

// MapOptions converts the file settings into conditioning options.
func (c Config) MapOptions(logger *zap.SugaredLogger) (astromap.Options, error) {
	opts := astromap.Options{
		RejectSigma:         c.RejectSigma,
		MaxRejectIterations: c.MaxRejectIterations,
		SubsampleN:          c.Subsample,
		Seed:                c.Seed,
		Background: background.FitOptions{
			MaxIterations: c.Background.MaxIterations,
		},
		Field: distortion.Options{
			Scale:          c.Field.Scale,
			Amp:            c.Field.Amp,
			FitHyperparams: c.Field.FitHyperparams,
			MaxIterations:  c.Field.MaxIterations,
		},
		Logger: logger,
	}
	if c.Prior != nil {
		pr, err := c.Prior.toBackground()
		if err != nil {
			return astromap.Options{}, err
		}
		opts.Prior = pr
	}
	return opts, nil
}
