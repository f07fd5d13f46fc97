package explog

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureSink remembers the flushes it receives.
type captureSink struct {
	steps   []int
	flushes []map[string]float64
}

func (c *captureSink) Write(step int, metrics map[string]float64) error {
	c.steps = append(c.steps, step)
	c.flushes = append(c.flushes, metrics)
	return nil
}

func (c *captureSink) Close() error { return nil }

func TestLoggerRecordAndFlush(t *testing.T) {
	sink := &captureSink{}
	logger := New(sink)

	logger.Record("loss", 1.5)
	logger.Record("loss", 0.5) // Overwrites.
	logger.RecordMean("reward", 10)
	logger.RecordMean("reward", 20)
	logger.Flush(100)

	require.Len(t, sink.flushes, 1)
	require.Equal(t, 100, sink.steps[0])
	require.Equal(t, 0.5, sink.flushes[0]["loss"])
	require.Equal(t, 15.0, sink.flushes[0]["reward"])

	// Nothing recorded: flush is a no-op.
	logger.Flush(200)
	require.Len(t, sink.flushes, 1)
}

func TestCSVSinkNewColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.csv")
	sink, err := NewCSVSink(path)
	require.NoError(t, err)

	require.NoError(t, sink.Write(1, map[string]float64{"a": 1}))
	require.NoError(t, sink.Write(2, map[string]float64{"a": 2, "b": 3}))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)

	require.Equal(t, []string{"step", "a", "b"}, rows[0])
	require.Equal(t, []string{"1", "1", ""}, rows[1])
	require.Equal(t, []string{"2", "2", "3"}, rows[2])
}

func TestStdoutSinkLongKeys(t *testing.T) {
	sink := &StdoutSink{MaxKeyLength: 10}

	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	writeErr := sink.Write(3, map[string]float64{
		"rollout/ep_rew_mean": 42.5,
		"loss":                1,
	})
	os.Stdout = orig
	require.NoError(t, w.Close())
	require.NoError(t, writeErr)
	out, err := io.ReadAll(r)
	require.NoError(t, err)

	// The label is truncated for display, but the value is looked up under
	// the full key.
	require.Contains(t, string(out), "rollout/ep")
	require.Contains(t, string(out), "42.5")
}

func TestConfigure(t *testing.T) {
	dir := t.TempDir()
	logger, err := Configure(dir, []string{"stdout", "csv"})
	require.NoError(t, err)
	logger.Record("x", 1)
	logger.Flush(1)
	logger.Close()

	_, err = os.Stat(filepath.Join(dir, "progress.csv"))
	require.NoError(t, err)

	_, err = Configure(dir, []string{"tensorboard"})
	require.Error(t, err)
}
