package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/jszwec/csvutil"
	"github.com/spf13/cobra"

	"astromap/internal/astromap"
	"astromap/pkg/bivarg"
	"astromap/pkg/geometry"
)

// predictionRow is one predicted frame-B position with its covariance triple,
// tied back to the queried frame-A position.
type predictionRow struct {
	XA   float64 `csv:"xa"`
	YA   float64 `csv:"ya"`
	XB   float64 `csv:"xb"`
	YB   float64 `csv:"yb"`
	SXXB float64 `csv:"sxxb"`
	SYYB float64 `csv:"syyb"`
	SXYB float64 `csv:"sxyb"`
}

type queryRow struct {
	X float64 `csv:"x"`
	Y float64 `csv:"y"`
}

func newPredictCmd() *cobra.Command {
	var (
		flagAt     []float64
		flagPoints string
		flagGrid   int
		flagSample int
		flagSeed   uint64
	)
	cmd := &cobra.Command{
		Use:   "predict <map>",
		Short: "Evaluate a saved mapping",
		Long: `Predict evaluates a saved map at a single point (--at), at every
point of a query CSV (--points), or over a grid spanning the conditioning
region (--grid). With --sample it instead draws joint realisations of the
mapping at the query points.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadMap(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			switch {
			case len(flagAt) == 2:
				resp, err := m.Evaluate(ctx, astromap.Request{
					Point: &astromap.PointRequest{At: geometry.Point2D{X: flagAt[0], Y: flagAt[1]}},
				})
				if err != nil {
					return err
				}
				p := resp.Point
				fmt.Printf("x=%g y=%g sxx=%g syy=%g sxy=%g\n", p.Mu.X, p.Mu.Y, p.XX, p.YY, p.XY)
				return nil

			case flagPoints != "" && flagSample > 0:
				points, err := readQueryPoints(flagPoints)
				if err != nil {
					return err
				}
				return writeRealisations(os.Stdout, m, ctx, points, flagSample, flagSeed)

			case flagPoints != "":
				points, err := readQueryPoints(flagPoints)
				if err != nil {
					return err
				}
				resp, err := m.Evaluate(ctx, astromap.Request{Batch: &astromap.BatchRequest{At: points}})
				if err != nil {
					return err
				}
				return writePredictions(os.Stdout, points, resp.Batch)

			case flagGrid > 0:
				resp, err := m.Evaluate(ctx, astromap.Request{Grid: &astromap.GridRequest{Res: flagGrid}})
				if err != nil {
					return err
				}
				grid := resp.Grid
				return writePredictions(os.Stdout, grid.Frame.Points(), grid.Points)

			default:
				return errors.New("one of --at, --points, or --grid is required")
			}
		},
	}
	cmd.Flags().Float64SliceVar(&flagAt, "at", nil, "single frame-A position as x,y")
	cmd.Flags().StringVar(&flagPoints, "points", "", "CSV of frame-A query positions (columns x,y)")
	cmd.Flags().IntVar(&flagGrid, "grid", 0, "grid resolution per axis")
	cmd.Flags().IntVar(&flagSample, "sample", 0, "number of joint realisations to draw at --points")
	cmd.Flags().Uint64Var(&flagSeed, "seed", 1, "random seed for --sample")
	return cmd
}

func readQueryPoints(path string) ([]geometry.Point2D, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open points %s", path)
	}
	defer f.Close()

	dec, err := csvutil.NewDecoder(csv.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "read points header %s", path)
	}
	var out []geometry.Point2D
	for {
		var q queryRow
		if err := dec.Decode(&q); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Wrapf(err, "read points %s", path)
		}
		out = append(out, geometry.Point2D{X: q.X, Y: q.Y})
	}
	if len(out) == 0 {
		return nil, errors.Newf("no query points in %s", path)
	}
	return out, nil
}

func writePredictions(w io.Writer, at []geometry.Point2D, preds []bivarg.Bivarg) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	for i, p := range preds {
		row := predictionRow{
			XA: at[i].X, YA: at[i].Y,
			XB: p.Mu.X, YB: p.Mu.Y,
			SXXB: p.XX, SYYB: p.YY, SXYB: p.XY,
		}
		if err := enc.Encode(row); err != nil {
			return errors.Wrapf(err, "write prediction %d", i+1)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush predictions")
}

type realisationRow struct {
	Draw int     `csv:"draw"`
	XA   float64 `csv:"xa"`
	YA   float64 `csv:"ya"`
	XB   float64 `csv:"xb"`
	YB   float64 `csv:"yb"`
}

func writeRealisations(w io.Writer, m *astromap.Map, ctx context.Context, points []geometry.Point2D, n int, seed uint64) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	for draw := 0; draw < n; draw++ {
		resp, err := m.Evaluate(ctx, astromap.Request{
			Realisation: &astromap.RealisationRequest{At: points, Seed: seed + uint64(draw)},
		})
		if err != nil {
			return err
		}
		for i, p := range resp.Realisation {
			row := realisationRow{Draw: draw + 1, XA: points[i].X, YA: points[i].Y, XB: p.X, YB: p.Y}
			if err := enc.Encode(row); err != nil {
				return errors.Wrapf(err, "write realisation %d", draw+1)
			}
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush realisations")
}
