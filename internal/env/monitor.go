package env

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Monitor wraps an environment and appends one CSV row per finished episode
// (cumulative reward, length, wall time since start) to a per-env file.
// The file starts with a '#'-prefixed JSON header holding the start time and
// environment name, so downstream tooling can align runs.
type Monitor struct {
	Env

	file  *os.File
	start time.Time

	episodeReward float32
	episodeLength int

	mu      sync.Mutex
	returns []float64
	lengths []float64
}

// NewMonitor creates a Monitor writing to dir/<name>.monitor.csv.
func NewMonitor(base Env, dir, name string) (*Monitor, error) {
	path := filepath.Join(dir, name+".monitor.csv")
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create monitor file %q", path)
	}
	m := &Monitor{Env: base, file: file, start: time.Now()}
	_, err = fmt.Fprintf(file, "#{\"t_start\": %d, \"env_id\": %q}\nr,l,t\n",
		m.start.Unix(), base.Name())
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "failed to write monitor header to %q", path)
	}
	return m, nil
}

func (m *Monitor) Reset(seed int64) []float32 {
	m.episodeReward = 0
	m.episodeLength = 0
	return m.Env.Reset(seed)
}

func (m *Monitor) Step(action []float32) (obs []float32, reward float32, done bool) {
	obs, reward, done = m.Env.Step(action)
	m.episodeReward += reward
	m.episodeLength++
	if done {
		elapsed := time.Since(m.start).Seconds()
		if _, err := fmt.Fprintf(m.file, "%g,%d,%.2f\n", m.episodeReward, m.episodeLength, elapsed); err != nil {
			klog.Errorf("Failed to write monitor row: %v", err)
		}
		m.mu.Lock()
		m.returns = append(m.returns, float64(m.episodeReward))
		m.lengths = append(m.lengths, float64(m.episodeLength))
		m.mu.Unlock()
	}
	return
}

func (m *Monitor) Render() image.Image { return m.Env.Render() }

// EpisodeStats summarizes the episodes finished so far.
type EpisodeStats struct {
	Count                 int
	MeanReturn, StdReturn float64
	MeanLength            float64
}

// Stats of all finished episodes so far.
func (m *Monitor) Stats() EpisodeStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := EpisodeStats{Count: len(m.returns)}
	if s.Count == 0 {
		return s
	}
	s.MeanReturn = stat.Mean(m.returns, nil)
	if s.Count > 1 {
		s.StdReturn = stat.StdDev(m.returns, nil)
	}
	s.MeanLength = stat.Mean(m.lengths, nil)
	return s
}

// Close flushes and closes the monitor file, then the wrapped environment.
func (m *Monitor) Close() {
	if err := m.file.Close(); err != nil {
		klog.Errorf("Failed to close monitor file: %v", err)
	}
	m.Env.Close()
}

// AggregateStats merges per-env episode stats, weighting by episode counts.
func AggregateStats(all []EpisodeStats) EpisodeStats {
	var merged EpisodeStats
	var sumReturn, sumLength float64
	for _, s := range all {
		merged.Count += s.Count
		sumReturn += s.MeanReturn * float64(s.Count)
		sumLength += s.MeanLength * float64(s.Count)
	}
	if merged.Count > 0 {
		merged.MeanReturn = sumReturn / float64(merged.Count)
		merged.MeanLength = sumLength / float64(merged.Count)
	}
	return merged
}
