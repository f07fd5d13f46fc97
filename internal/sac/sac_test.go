package sac

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/probcircuits/cspnsac/internal/env"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaultsAndValidation(t *testing.T) {
	cfg := Config{}.WithDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 0.1, cfg.EntCoef)
	require.Equal(t, 3e-4, cfg.LearningRate)
	require.Equal(t, 300_000, cfg.BufferSize)
	require.Equal(t, 256, cfg.BatchSize)
	require.Equal(t, 0.99, cfg.Gamma)
	require.Equal(t, 0.005, cfg.Tau)

	bad := cfg
	bad.BufferSize = 10
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Gamma = 1.5
	require.Error(t, bad.Validate())

	bad = cfg
	bad.Tau = 0
	bad = bad.WithDefaults() // zero tau is replaced, not rejected
	require.NoError(t, bad.Validate())
}

func TestReplayBufferRoundTrip(t *testing.T) {
	buf, err := NewReplayBuffer(4, 2, 1)
	require.NoError(t, err)
	require.Equal(t, 0, buf.Size())

	_, err = buf.Sample(rand.New(rand.NewSource(0)), 2)
	require.Error(t, err)

	for i := 0; i < 6; i++ { // overflows capacity, wraps around
		v := float32(i)
		buf.Add([]float32{v, v}, []float32{v / 10}, v, []float32{v + 1, v + 1}, i%2 == 1)
	}
	require.Equal(t, 4, buf.Size())

	rng := rand.New(rand.NewSource(1))
	batch, err := buf.Sample(rng, 32)
	require.NoError(t, err)
	require.Equal(t, 32, batch.Size)
	require.Len(t, batch.Obs, 64)
	require.Len(t, batch.Actions, 32)
	for i := 0; i < batch.Size; i++ {
		// Only transitions 2..5 survive the wrap-around.
		require.GreaterOrEqual(t, batch.Rewards[i], float32(2))
		require.Equal(t, batch.Obs[2*i], batch.Obs[2*i+1])
		require.Equal(t, batch.Obs[2*i]+1, batch.NextObs[2*i])
		require.Equal(t, batch.Obs[2*i]/10, batch.Actions[i])
		wantDone := float32(0)
		if int(batch.Rewards[i])%2 == 1 {
			wantDone = 1
		}
		require.Equal(t, wantDone, batch.Dones[i])
	}
}

func TestBoxTransformSquash(t *testing.T) {
	bt := newBoxTransform(env.NewBox(-2, 2, 1))
	out := make([]float32, 1)

	bt.squashHost([]float32{0}, out)
	require.InDelta(t, 0, float64(out[0]), 1e-6)

	bt.squashHost([]float32{100}, out)
	require.InDelta(t, 2, float64(out[0]), 1e-4)

	bt.squashHost([]float32{-100}, out)
	require.InDelta(t, -2, float64(out[0]), 1e-4)
}

func TestBoxTransformLogProbCorrection(t *testing.T) {
	// For u near zero, tanh is close to identity, so the correction is just
	// log(scale): the density shrinks by the stretch factor.
	bt := newBoxTransform(env.NewBox(-2, 2, 1))
	latent := -0.5
	corrected := bt.logProbHost(latent, []float32{0})
	require.InDelta(t, latent-math.Log(2), corrected, 1e-5)

	// Far in the tails the Jacobian term dominates and the density grows.
	tail := bt.logProbHost(latent, []float32{5})
	require.Greater(t, tail, corrected)

	// Asymmetric boxes shift by the sum of the per-dim log scales.
	wide := newBoxTransform(env.Box{Low: []float32{-1, -4}, High: []float32{1, 4}})
	require.InDelta(t, math.Log(1)+math.Log(4), wide.logScaleSum, 1e-6)
}

func TestTrainerStatePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trainer_state.json")

	// Missing file is a fresh state, not an error.
	ts, err := loadTrainerState(path)
	require.NoError(t, err)
	require.Zero(t, ts.NumTimesteps)

	ts = trainerState{NumTimesteps: 5000, Episodes: 25, Updates: 4000}
	require.NoError(t, ts.save(path))

	loaded, err := loadTrainerState(path)
	require.NoError(t, err)
	require.Equal(t, ts, loaded)
	require.Nil(t, loaded.Config)

	// Hyperparameters round-trip with the counters.
	cfg := Config{EntCoef: 0.3, Seed: 11, LearningStarts: 123}.WithDefaults()
	ts.Config = &cfg
	require.NoError(t, ts.save(path))
	loaded, err = loadTrainerState(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.Config)
	require.Equal(t, cfg, *loaded.Config)
}

func TestResumeKeepsSavedHyperparameters(t *testing.T) {
	saved := Config{EntCoef: 0.3, Gamma: 0.95, BatchSize: 64, Seed: 1, LearningStarts: 500}.WithDefaults()
	flags := Config{EntCoef: 0.1, Seed: 7, LearningStarts: 2000}.WithDefaults()

	merged := resumeConfig(flags, &saved)
	require.Equal(t, 0.3, merged.EntCoef)
	require.Equal(t, 0.95, merged.Gamma)
	require.Equal(t, 64, merged.BatchSize)
	// Only the seed and the warmup length follow the caller.
	require.Equal(t, int64(7), merged.Seed)
	require.Equal(t, 2000, merged.LearningStarts)
}

func TestSeededContextRngState(t *testing.T) {
	rngState := func(seed int64) []uint64 {
		ctx := context.New()
		ctx.RngStateFromSeed(seed)
		v := ctx.GetVariableByScopeAndName(context.RootScope, context.RngStateVariableName)
		require.NotNil(t, v)
		var out []uint64
		tensors.ConstFlatData(v.Value(), func(flat []uint64) {
			out = append(out, flat...)
		})
		return out
	}

	// Equal seeds give identical weight initialization and dropout streams.
	require.Equal(t, rngState(42), rngState(42))
	require.NotEqual(t, rngState(42), rngState(43))
}

func TestFlattenObs(t *testing.T) {
	require.Nil(t, flattenObs(nil))
	flat := flattenObs([][]float32{{1, 2}, {3, 4}, {5, 6}})
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, flat)
}
