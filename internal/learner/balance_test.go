package learner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceClasses_KeepsMostRecentRows(t *testing.T) {
	x := [][]float64{{0}, {1}, {2}, {3}, {4}, {5}, {6}}
	y := [][]float64{{1}, {1}, {-1}, {0}, {1}, {0}, {-1}}

	bx, by, ok := BalanceClasses(x, y)
	require.True(t, ok)
	// min count is 2 (classes -1 and 0); the oldest BUY row is dropped
	assert.Equal(t, [][]float64{{1}, {2}, {3}, {4}, {5}, {6}}, bx)
	assert.Equal(t, [][]float64{{1}, {-1}, {0}, {1}, {0}, {-1}}, by)
}

func TestBalanceClasses_SkipsWhenClassEmpty(t *testing.T) {
	_, _, ok := BalanceClasses([][]float64{{0}, {1}}, [][]float64{{1}, {-1}})
	assert.False(t, ok)
}
