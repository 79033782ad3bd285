package geometry

// GridFrame is a regular grid of points covering a rectangle. Nodes are stored
// row-major so row/column adjacency survives into downstream consumers.
type GridFrame struct {
	Bounds Rect
	Cols   int
	Rows   int
}

// NewGridFrame builds a grid with the given number of nodes along each axis.
// A resolution below 2 collapses to a 2x2 grid (the rectangle corners).
func NewGridFrame(bounds Rect, resolution int) GridFrame {
	if resolution < 2 {
		resolution = 2
	}
	return GridFrame{Bounds: bounds, Cols: resolution, Rows: resolution}
}

// At returns the node at (row, col).
func (g GridFrame) At(row, col int) Point2D {
	return Point2D{
		X: g.Bounds.X + g.Bounds.Width*float64(col)/float64(g.Cols-1),
		Y: g.Bounds.Y + g.Bounds.Height*float64(row)/float64(g.Rows-1),
	}
}

// Row returns all nodes of one row, left to right.
func (g GridFrame) Row(row int) []Point2D {
	pts := make([]Point2D, g.Cols)
	for c := 0; c < g.Cols; c++ {
		pts[c] = g.At(row, c)
	}
	return pts
}

// Points returns every node in row-major order.
func (g GridFrame) Points() []Point2D {
	pts := make([]Point2D, 0, g.Rows*g.Cols)
	for r := 0; r < g.Rows; r++ {
		pts = append(pts, g.Row(r)...)
	}
	return pts
}

// Index maps (row, col) to the row-major node index.
func (g GridFrame) Index(row, col int) int {
	return row*g.Cols + col
}

// Len returns the total node count.
func (g GridFrame) Len() int {
	return g.Rows * g.Cols
}
