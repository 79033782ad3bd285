// Package catalog reads and writes matched tie-point catalogues: one row per
// object, carrying its gaussian position in both frames.
package catalog

import (
	"bufio"
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jszwec/csvutil"

	"astromap/pkg/bivarg"
	"astromap/pkg/geometry"
)

var (
	// ErrBadRow reports a row that cannot be parsed into a tie point.
	ErrBadRow = errors.New("catalog: malformed row")

	// ErrEmpty reports a catalogue with no usable rows.
	ErrEmpty = errors.New("catalog: no tie points")

	// ErrRaggedCatalogs reports frame lists of unequal length.
	ErrRaggedCatalogs = errors.New("catalog: frames have different lengths")
)

// TiePoint is one matched object: mean and covariance triple in frame A,
// then in frame B. Column names follow the on-disk CSV header.
type TiePoint struct {
	XA   float64 `csv:"xa"`
	YA   float64 `csv:"ya"`
	SXXA float64 `csv:"sxxa"`
	SYYA float64 `csv:"syya"`
	SXYA float64 `csv:"sxya"`
	XB   float64 `csv:"xb"`
	YB   float64 `csv:"yb"`
	SXXB float64 `csv:"sxxb"`
	SYYB float64 `csv:"syyb"`
	SXYB float64 `csv:"sxyb"`
}

// Pair converts the row into its two gaussian positions. Validation failures
// keep their cause in the chain and additionally report as ErrBadRow.
func (t TiePoint) Pair() (a, b bivarg.Bivarg, err error) {
	a, err = bivarg.New(geometry.Point2D{X: t.XA, Y: t.YA}, t.SXXA, t.SYYA, t.SXYA)
	if err != nil {
		return a, b, errors.Mark(err, ErrBadRow)
	}
	b, err = bivarg.New(geometry.Point2D{X: t.XB, Y: t.YB}, t.SXXB, t.SYYB, t.SXYB)
	if err != nil {
		return a, b, errors.Mark(err, ErrBadRow)
	}
	return a, b, nil
}

// Catalog holds the matched positions of both frames, index-aligned.
type Catalog struct {
	A []bivarg.Bivarg
	B []bivarg.Bivarg
}

// New pairs two frame lists into a catalogue.
func New(a, b []bivarg.Bivarg) (*Catalog, error) {
	if len(a) != len(b) {
		return nil, errors.Wrapf(ErrRaggedCatalogs, "%d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return nil, ErrEmpty
	}
	return &Catalog{A: a, B: b}, nil
}

// Len returns the number of tie pairs.
func (c *Catalog) Len() int {
	return len(c.A)
}

// MeansA returns the frame-A mean positions.
func (c *Catalog) MeansA() []geometry.Point2D {
	out := make([]geometry.Point2D, len(c.A))
	for i, p := range c.A {
		out[i] = p.Mu
	}
	return out
}

// BoundsA returns the frame-A bounding box of the mean positions.
func (c *Catalog) BoundsA() geometry.Rect {
	return geometry.BoundingBox(c.MeansA())
}

func (c *Catalog) append(t TiePoint, row int) error {
	a, b, err := t.Pair()
	if err != nil {
		return errors.Wrapf(err, "row %d", row)
	}
	c.A = append(c.A, a)
	c.B = append(c.B, b)
	return nil
}

// ReadCSV parses a headed CSV catalogue.
func ReadCSV(r io.Reader) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	dec, err := csvutil.NewDecoder(cr)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog header")
	}

	cat := &Catalog{}
	for row := 1; ; row++ {
		var t TiePoint
		if err := dec.Decode(&t); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Wrapf(ErrBadRow, "row %d: %v", row, err)
		}
		if err := cat.append(t, row); err != nil {
			return nil, err
		}
	}
	if cat.Len() == 0 {
		return nil, ErrEmpty
	}
	return cat, nil
}

// ReadTable parses a whitespace-delimited catalogue with the same ten columns
// as the CSV form and no header. Blank lines and lines starting with '#' are
// skipped.
func ReadTable(r io.Reader) (*Catalog, error) {
	cat := &Catalog{}
	scanner := bufio.NewScanner(r)
	row := 0
	for scanner.Scan() {
		row++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 10 {
			return nil, errors.Wrapf(ErrBadRow, "row %d: %d columns, want 10", row, len(fields))
		}
		var vals [10]float64
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(ErrBadRow, "row %d column %d: %v", row, i+1, err)
			}
			vals[i] = v
		}
		t := TiePoint{
			XA: vals[0], YA: vals[1], SXXA: vals[2], SYYA: vals[3], SXYA: vals[4],
			XB: vals[5], YB: vals[6], SXXB: vals[7], SYYB: vals[8], SXYB: vals[9],
		}
		if err := cat.append(t, row); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read table")
	}
	if cat.Len() == 0 {
		return nil, ErrEmpty
	}
	return cat, nil
}

// WriteCSV writes the catalogue back out with a header row.
func WriteCSV(w io.Writer, cat *Catalog) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	for i := range cat.A {
		a, b := cat.A[i], cat.B[i]
		t := TiePoint{
			XA: a.Mu.X, YA: a.Mu.Y, SXXA: a.XX, SYYA: a.YY, SXYA: a.XY,
			XB: b.Mu.X, YB: b.Mu.Y, SXXB: b.XX, SYYB: b.YY, SXYB: b.XY,
		}
		if err := enc.Encode(t); err != nil {
			return errors.Wrapf(err, "write row %d", i+1)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush catalog")
}
