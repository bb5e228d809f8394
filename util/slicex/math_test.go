package slicex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSum(t *testing.T) {
	assert.Equal(t, int64(0), Sum([]int64(nil)))
	assert.Equal(t, int64(6), Sum([]int64{1, 2, 3}))
	assert.Equal(t, 1.5, Sum([]float64{1, 0.5}))
}

func TestMax(t *testing.T) {
	assert.Equal(t, 0, Max([]int(nil)))
	assert.Equal(t, -1, Max([]int{-3, -1, -2}))
	assert.Equal(t, 9, Max([]int{1, 9, 3}))
}
