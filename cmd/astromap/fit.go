package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"astromap/internal/astromap"
	"astromap/internal/catalog"
)

func newFitCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "fit <catalog>",
		Short: "Condition a mapping on a tie-point catalogue and save it",
		Long: `Fit reads a matched catalogue (CSV with header, or whitespace table
for .txt/.dat files), conditions the background transform and distortion
field on it, and writes the result as a versioned map file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := readCatalog(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			opts, err := cfg.MapOptions(logger)
			if err != nil {
				return err
			}
			m := astromap.New(opts)
			if err := m.Condition(cat.A, cat.B); err != nil {
				return errors.Wrap(err, "condition map")
			}
			logger.Infow("fit complete",
				"pairs", cat.Len(),
				"accepted", len(m.Accepted()),
				"rms_residual", m.RMSResidual())

			f, err := os.Create(outPath)
			if err != nil {
				return errors.Wrapf(err, "create %s", outPath)
			}
			if err := m.Encode(f); err != nil {
				f.Close()
				return err
			}
			return errors.Wrapf(f.Close(), "close %s", outPath)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "map.cbor", "output map file")
	return cmd
}

// readCatalog picks the parser from the file extension.
func readCatalog(path string) (*catalog.Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open catalog %s", path)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".dat":
		return catalog.ReadTable(f)
	default:
		return catalog.ReadCSV(f)
	}
}

// loadMap reads a saved map file.
func loadMap(path string) (*astromap.Map, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	opts, err := cfg.MapOptions(logger)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open map %s", path)
	}
	defer f.Close()
	return astromap.Decode(f, opts)
}
