package experiment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg := Config{
		Seeds:     []int64{1},
		EnvConfig: "pendulum",
		Timesteps: 1000,
		LogDir:    t.TempDir(),
	}
	return cfg.WithDefaults()
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, cfg.Validate())
	// Unset save interval normalizes to the full run.
	require.Equal(t, cfg.Timesteps, cfg.SaveInterval)

	bad := cfg
	bad.Seeds = nil
	require.Error(t, bad.Validate())

	bad = cfg
	bad.EnvConfig = ""
	require.Error(t, bad.Validate())

	bad = cfg
	bad.SaveInterval = 300 // does not divide 1000
	require.Error(t, bad.Validate())

	bad = cfg
	bad.SaveInterval = 2000 // larger than timesteps
	require.Error(t, bad.Validate())

	bad = cfg
	bad.LogDir = filepath.Join(cfg.LogDir, "missing")
	require.Error(t, bad.Validate())

	bad = cfg
	bad.ModelPath = filepath.Join(cfg.LogDir, "missing")
	require.Error(t, bad.Validate())

	bad = cfg
	bad.JointFailProb = 1
	require.Error(t, bad.Validate())

	// Zero timesteps disables learning but is a valid config.
	zero := cfg
	zero.Timesteps = 0
	zero.SaveInterval = 0
	require.NoError(t, zero.Validate())
}

func TestMakeRunDirsUniqueNames(t *testing.T) {
	logDir := t.TempDir()

	first, err := makeRunDirs(logDir, "proj", "exp_s1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(logDir, "proj", "exp_s1"), first.Root)
	for _, dir := range []string{first.Monitor, first.Models, first.Video} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}

	second, err := makeRunDirs(logDir, "proj", "exp_s1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(logDir, "proj", "exp_s1 (1)"), second.Root)

	third, err := makeRunDirs(logDir, "proj", "exp_s1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(logDir, "proj", "exp_s1 (2)"), third.Root)
}

func TestWriteConfigYAML(t *testing.T) {
	logDir := t.TempDir()
	dirs, err := makeRunDirs(logDir, "proj", "exp_s7")
	require.NoError(t, err)

	cfg := validConfig(t)
	require.NoError(t, writeConfigYAML(dirs, cfg, 7))

	data, err := os.ReadFile(filepath.Join(dirs.Root, "config.yaml"))
	require.NoError(t, err)
	require.Contains(t, string(data), "seed: 7")
	require.Contains(t, string(data), "pendulum")
}

func TestBackendConfig(t *testing.T) {
	require.Equal(t, "", backendConfig(""))
	require.Equal(t, "xla:cuda", backendConfig("cuda"))
	require.Equal(t, "xla:cpu", backendConfig("cpu"))
	require.Equal(t, "xla:tpu", backendConfig("xla:tpu"))
}
