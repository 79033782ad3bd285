// Command astromap fits and evaluates probabilistic astrometric mappings
// between matched catalogues of uncertain 2D positions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"astromap/internal/config"
	"astromap/internal/version"
)

var (
	flagVerbose bool
	flagOptions string

	logger *zap.SugaredLogger
)

func main() {
	root := &cobra.Command{
		Use:           "astromap",
		Short:         "Probabilistic astrometric mapping between two frames",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger()
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().StringVar(&flagOptions, "options", "", "TOML options file")

	root.AddCommand(newFitCmd(), newPredictCmd(), newSummaryCmd(), newRenderCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "astromap:", err)
		os.Exit(1)
	}
}

func initLogger() error {
	cfg := zap.NewProductionConfig()
	if flagVerbose {
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	logger = l.Sugar()
	return nil
}

// loadConfig reads the options file when given, defaults otherwise.
func loadConfig() (config.Config, error) {
	if flagOptions == "" {
		return config.Default(), nil
	}
	return config.Load(flagOptions)
}
