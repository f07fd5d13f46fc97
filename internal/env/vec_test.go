package env

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVecEnvLockstep(t *testing.T) {
	vec, err := NewVec("pendulum,max_steps=10", 4, nil)
	require.NoError(t, err)
	defer vec.Close()

	obs := vec.Reset(100)
	require.Len(t, obs, 4)
	for _, o := range obs {
		require.Len(t, o, 3)
	}

	actions := [][]float32{{0}, {0.5}, {-0.5}, {1}}
	for step := 1; step <= 10; step++ {
		var rewards []float32
		var dones []bool
		obs, rewards, dones, err = vec.Step(actions)
		require.NoError(t, err)
		require.Len(t, obs, 4)
		require.Len(t, rewards, 4)
		for ii, done := range dones {
			// All episodes have the same horizon, so they finish in lockstep.
			require.Equal(t, step == 10, done, "env %d at step %d", ii, step)
		}
	}

	// After auto-reset, stepping keeps working.
	_, _, dones, err := vec.Step(actions)
	require.NoError(t, err)
	for _, done := range dones {
		require.False(t, done)
	}
}

func TestVecEnvDistinctSeeds(t *testing.T) {
	vec, err := NewVec("pendulum", 2, nil)
	require.NoError(t, err)
	defer vec.Close()

	obs := vec.Reset(0)
	// Sequential seeds give the copies different initial states.
	require.NotEqual(t, obs[0], obs[1])
}

func TestMonitorWritesEpisodes(t *testing.T) {
	dir := t.TempDir()
	base, err := New("pendulum,max_steps=5")
	require.NoError(t, err)
	monitor, err := NewMonitor(base, dir, "env0")
	require.NoError(t, err)

	monitor.Reset(1)
	for range 5 {
		_, _, _ = monitor.Step([]float32{0})
	}
	monitor.Reset(2)
	for range 5 {
		_, _, _ = monitor.Step([]float32{0})
	}

	stats := monitor.Stats()
	require.Equal(t, 2, stats.Count)
	require.Equal(t, 5.0, stats.MeanLength)
	require.Less(t, stats.MeanReturn, 0.0)

	monitor.Close()
	data, err := os.ReadFile(filepath.Join(dir, "env0.monitor.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4) // header comment + column names + 2 episodes
	require.True(t, strings.HasPrefix(lines[0], "#"))
	require.Equal(t, "r,l,t", lines[1])
}

func TestAggregateStats(t *testing.T) {
	merged := AggregateStats([]EpisodeStats{
		{Count: 1, MeanReturn: -10, MeanLength: 5},
		{Count: 3, MeanReturn: -20, MeanLength: 7},
	})
	require.Equal(t, 4, merged.Count)
	require.InDelta(t, -17.5, merged.MeanReturn, 1e-9)
	require.InDelta(t, 6.5, merged.MeanLength, 1e-9)
}

func TestVideoRecorder(t *testing.T) {
	dir := t.TempDir()
	vec, err := NewVec("pendulum", 1, nil)
	require.NoError(t, err)
	defer vec.Close()
	vec.Reset(0)

	rec := NewVideoRecorder(vec, dir)
	rec.CaptureLength = 3
	rec.Trigger = func(step int) bool { return step%10 == 0 }

	for step := 0; step < 14; step++ {
		rec.NotifyStep(step)
	}
	require.Equal(t, 2, rec.NumClips()) // clips at steps 0 and 10

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, strings.HasSuffix(entries[0].Name(), ".gif"))
}
