package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMultiply(t *testing.T) {
	log := zap.NewNop()

	t.Run("valid multiplication", func(t *testing.T) {
		result, err := Multiply([][]float64{{1, 2}, {3, 4}}, [][]float64{{5, 6}, {7, 8}}, log)
		assert.NoError(t, err)
		assert.Equal(t, [][]float64{{19, 22}, {43, 50}}, result)
	})

	t.Run("non-square", func(t *testing.T) {
		result, err := Multiply([][]float64{{1, 2, 3}}, [][]float64{{1}, {1}, {1}}, log)
		assert.NoError(t, err)
		assert.Equal(t, [][]float64{{6}}, result)
	})

	t.Run("incompatible dimensions", func(t *testing.T) {
		result, err := Multiply([][]float64{{1, 2}}, [][]float64{{3, 4, 5}}, log)
		assert.Error(t, err)
		assert.Nil(t, result)
	})

	t.Run("empty matrices", func(t *testing.T) {
		result, err := Multiply([][]float64{}, [][]float64{}, log)
		assert.Error(t, err)
		assert.Nil(t, result)
	})

	t.Run("ragged rows", func(t *testing.T) {
		result, err := Multiply([][]float64{{1, 2}, {3}}, [][]float64{{1}, {1}}, log)
		assert.Error(t, err)
		assert.Nil(t, result)
	})
}
