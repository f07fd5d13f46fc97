package parameters

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("reacher,arms=3,dt=0.05,friction")
	require.Len(t, params, 4)
	require.Equal(t, "", params["reacher"])
	require.Equal(t, "3", params["arms"])

	arms, err := GetParamOr(params, "arms", 1)
	require.NoError(t, err)
	require.Equal(t, 3, arms)

	dt, err := GetParamOr(params, "dt", float64(0.01))
	require.NoError(t, err)
	require.InDelta(t, 0.05, dt, 1e-9)

	// A key without value parses to true.
	friction, err := GetParamOr(params, "friction", false)
	require.NoError(t, err)
	require.True(t, friction)

	// Missing key returns default.
	gravity, err := GetParamOr(params, "gravity", float32(9.8))
	require.NoError(t, err)
	require.Equal(t, float32(9.8), gravity)
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("pendulum,max_steps=200")
	maxSteps, err := PopParamOr(params, "max_steps", 1000)
	require.NoError(t, err)
	require.Equal(t, 200, maxSteps)
	require.NotContains(t, params, "max_steps")

	_, err = GetParamOr(NewFromConfigString("x=abc"), "x", 0)
	require.Error(t, err)
}

func TestParseIntList(t *testing.T) {
	values, err := ParseIntList("256:256:64", ":")
	require.NoError(t, err)
	require.Equal(t, []int{256, 256, 64}, values)

	values, err = ParseIntList("", ":")
	require.NoError(t, err)
	require.Nil(t, values)

	_, err = ParseIntList("10:x", ":")
	require.Error(t, err)

	params := NewFromConfigString("layers=32:16")
	values, err = PopIntListOr(params, "layers", nil)
	require.NoError(t, err)
	require.Equal(t, []int{32, 16}, values)
	require.NotContains(t, params, "layers")
}
