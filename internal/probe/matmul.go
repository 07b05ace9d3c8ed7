package probe

import (
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// Multiply returns A×B. Both matrices are row-major and must be non-empty
// with compatible dimensions.
func Multiply(a, b [][]float64, log *zap.Logger) ([][]float64, error) {
	if len(a) == 0 || len(b) == 0 || len(a[0]) == 0 || len(b[0]) == 0 {
		log.Error("Matrices A or B are empty")
		return nil, fmt.Errorf("matrices A or B are empty")
	}

	_, aCols := len(a), len(a[0])
	bRows, bCols := len(b), len(b[0])

	if aCols != bRows {
		log.Error("Matrix dimensions are not compatible for multiplication",
			zap.Int("a_cols", aCols),
			zap.Int("b_rows", bRows))
		return nil, fmt.Errorf("matrix dimensions are not compatible for multiplication")
	}

	ma, err := dense(a, aCols)
	if err != nil {
		return nil, fmt.Errorf("matrix A: %w", err)
	}
	mb, err := dense(b, bCols)
	if err != nil {
		return nil, fmt.Errorf("matrix B: %w", err)
	}

	var res mat.Dense
	res.Mul(ma, mb)
	return rows(&res), nil
}

func dense(m [][]float64, cols int) (*mat.Dense, error) {
	d := mat.NewDense(len(m), cols, nil)
	for i, row := range m {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, want %d", i, len(row), cols)
		}
		d.SetRow(i, row)
	}
	return d, nil
}

func rows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range r {
		out[i] = make([]float64, c)
		for j := range c {
			out[i][j] = m.At(i, j)
		}
	}
	return out
}
