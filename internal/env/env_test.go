package env

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBox(t *testing.T) {
	b := NewBox(-2, 2, 3)
	require.Equal(t, 3, b.Dims())

	rng := rand.New(rand.NewSource(42))
	for range 100 {
		require.True(t, b.Contains(b.Sample(rng)))
	}

	values := []float32{-5, 0.5, 7}
	b.Clip(values)
	require.Equal(t, []float32{-2, 0.5, 2}, values)
	require.True(t, b.Contains(values))
	require.False(t, b.Contains([]float32{0, 0}))
}

func TestNewFromConfig(t *testing.T) {
	e, err := New("pendulum")
	require.NoError(t, err)
	defer e.Close()
	require.Equal(t, "pendulum", e.Name())
	require.Equal(t, 3, e.ObservationSpace().Dims())
	require.Equal(t, 1, e.ActionSpace().Dims())

	_, err = New("nosuchenv")
	require.Error(t, err)

	// Unknown parameters are rejected.
	_, err = New("pendulum,bogus=1")
	require.Error(t, err)
}

func TestPendulumEpisode(t *testing.T) {
	e, err := New("pendulum,max_steps=50")
	require.NoError(t, err)
	defer e.Close()

	obs := e.Reset(7)
	require.Len(t, obs, 3)
	require.True(t, e.ObservationSpace().Contains(obs))

	var done bool
	var steps int
	for !done {
		obs, reward, isDone := e.Step([]float32{0.5})
		require.True(t, e.ObservationSpace().Contains(obs))
		require.LessOrEqual(t, reward, float32(0)) // Reward is a cost, always <= 0.
		done = isDone
		steps++
		require.LessOrEqual(t, steps, 50)
	}
	require.Equal(t, 50, steps)
}

func TestPendulumDeterministicSeed(t *testing.T) {
	e1, err := New("pendulum")
	require.NoError(t, err)
	defer e1.Close()
	e2, err := New("pendulum")
	require.NoError(t, err)
	defer e2.Close()

	require.Equal(t, e1.Reset(123), e2.Reset(123))
	o1, r1, _ := e1.Step([]float32{1})
	o2, r2, _ := e2.Step([]float32{1})
	require.Equal(t, o1, o2)
	require.Equal(t, r1, r2)
}

func TestReacher(t *testing.T) {
	e, err := New("reacher,arms=3")
	require.NoError(t, err)
	defer e.Close()

	require.Equal(t, 3, e.ActionSpace().Dims())
	require.Equal(t, 3*3+4, e.ObservationSpace().Dims())

	obs := e.Reset(1)
	require.Len(t, obs, 13)
	obs, reward, done := e.Step([]float32{1, -1, 0.2})
	require.Len(t, obs, 13)
	require.Less(t, reward, float32(0))
	require.False(t, done)

	img := e.Render()
	require.NotNil(t, img)
	require.Equal(t, renderSize, img.Bounds().Dx())
}

func TestJointFailureAlwaysFails(t *testing.T) {
	base, err := New("pendulum")
	require.NoError(t, err)
	wrapped := WithJointFailure(base, 1.0)
	defer wrapped.Close()

	wrapped.Reset(3)
	// With prob=1 every torque is dropped, so the transition must match a zero action.
	ref, err := New("pendulum")
	require.NoError(t, err)
	defer ref.Close()
	ref.Reset(3)

	o1, r1, _ := wrapped.Step([]float32{2})
	o2, r2, _ := ref.Step([]float32{0})
	require.Equal(t, o2, o1)
	require.Equal(t, r2, r1)
}

func TestJointFailureDisabled(t *testing.T) {
	base, err := New("pendulum")
	require.NoError(t, err)
	defer base.Close()
	require.Same(t, base, WithJointFailure(base, 0))
}
