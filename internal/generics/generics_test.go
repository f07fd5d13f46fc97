package generics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceMap(t *testing.T) {
	got := SliceMap([]int{1, 2, 3}, func(e int) int { return e * e })
	require.Equal(t, []int{1, 4, 9}, got)
}

func TestSortedKeysAndValues(t *testing.T) {
	m := map[string]int{"c": 3, "a": 1, "b": 2}
	var keys []string
	var values []int
	for k, v := range SortedKeysAndValues(m) {
		keys = append(keys, k)
		values = append(values, v)
	}
	require.Equal(t, []string{"a", "b", "c"}, keys)
	require.Equal(t, []int{1, 2, 3}, values)
}

func TestArgMax(t *testing.T) {
	require.Equal(t, 2, ArgMax([]float32{0.1, -3, 7, 2}))
	require.Equal(t, -1, ArgMax([]int(nil)))
}

func TestClip(t *testing.T) {
	require.Equal(t, float32(1), Clip(float32(3), -1, 1))
	require.Equal(t, float32(-1), Clip(float32(-3), -1, 1))
	require.Equal(t, float32(0.5), Clip(float32(0.5), -1, 1))
}

func TestMean(t *testing.T) {
	require.InDelta(t, 2.0, Mean([]float32{1, 2, 3}), 1e-6)
	require.Equal(t, 0.0, Mean([]int{}))
}
