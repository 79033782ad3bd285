package main

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"

	"astromap/internal/astromap"
	"astromap/internal/background"
)

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <map>",
		Short: "Print the fitted parameters of a saved mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadMap(args[0])
			if err != nil {
				return err
			}
			theta := m.Background().Theta
			t := theta.Translation()
			c := theta.Center()
			sx, sy := theta.Scales()
			scale, amp := m.Field().Hyperparams()
			bounds := m.Bounds()

			cov := m.Background().Cov
			std := func(i int) float64 { return math.Sqrt(cov.At(i, i)) }

			fmt.Printf("background:\n")
			fmt.Printf("  translation  (%.6g, %.6g) +- (%.3g, %.3g)\n",
				t.X, t.Y, std(background.ParamTX), std(background.ParamTY))
			fmt.Printf("  angle        %.6g rad +- %.3g\n", theta.Angle(), std(background.ParamPhi))
			fmt.Printf("  centre       (%.6g, %.6g)\n", c.X, c.Y)
			fmt.Printf("  scales       (%.6g, %.6g) +- (%.3g, %.3g)\n",
				sx, sy, std(background.ParamSX), std(background.ParamSY))
			fmt.Printf("distortion:\n")
			fmt.Printf("  length scale %.6g\n", scale)
			fmt.Printf("  amplitude    %.6g\n", amp)
			fmt.Printf("  points       %d\n", m.Field().TrainingSize())
			fmt.Printf("conditioning:\n")
			fmt.Printf("  accepted     %d\n", len(m.Accepted()))
			fmt.Printf("  rms residual %.6g\n", m.RMSResidual())
			fmt.Printf("  bounds       [%.6g, %.6g] x [%.6g, %.6g]\n",
				bounds.X, bounds.X+bounds.Width, bounds.Y, bounds.Y+bounds.Height)

			// Positional confidence from the parameter posterior: scatter of
			// the mapped field centre over parameter draws.
			sx2, sy2, err := centreScatter(m, 256)
			if err != nil {
				return err
			}
			fmt.Printf("  centre scatter (%.3g, %.3g)\n", math.Sqrt(sx2), math.Sqrt(sy2))
			return nil
		},
	}
}

// centreScatter draws n parameter vectors from the background posterior and
// returns the per-axis variance of the mapped bounding-box centre.
func centreScatter(m *astromap.Map, n int) (vx, vy float64, err error) {
	draws, err := m.Background().SampleParams(n, rand.NewSource(1))
	if err != nil {
		return 0, 0, err
	}
	ctr := m.Bounds().Center()
	xs := make([]float64, len(draws))
	ys := make([]float64, len(draws))
	for i, d := range draws {
		p := background.NewMap(d).Apply(ctr)
		xs[i], ys[i] = p.X, p.Y
	}
	return stat.Variance(xs, nil), stat.Variance(ys, nil), nil
}
