// Package explog implements the run logger: named scalar metrics accumulated
// during training and flushed, per logging round, to one or more sinks.
//
// Two sinks are provided: a stdout sink printing an aligned key/value block,
// and a CSV sink writing one row per flush with one column per metric.
package explog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/probcircuits/cspnsac/internal/generics"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sink receives one flush of metrics at a time.
type Sink interface {
	// Write a full round of metrics, keyed by name, at the given step.
	Write(step int, metrics map[string]float64) error

	// Close the sink, flushing any buffered output.
	Close() error
}

// Logger accumulates metrics and flushes them to its sinks.
// Record overwrites values between flushes; RecordMean averages them.
type Logger struct {
	mu      sync.Mutex
	sinks   []Sink
	values  map[string]float64
	counts  map[string]int
}

// New creates a Logger with the given sinks.
func New(sinks ...Sink) *Logger {
	return &Logger{
		sinks:  sinks,
		values: make(map[string]float64),
		counts: make(map[string]int),
	}
}

// Configure creates a Logger with the named sinks ("stdout", "csv") writing
// under dir. Unknown sink names are an error.
func Configure(dir string, sinkNames []string) (*Logger, error) {
	var sinks []Sink
	for _, name := range sinkNames {
		switch name {
		case "stdout":
			sinks = append(sinks, NewStdoutSink())
		case "csv":
			csvSink, err := NewCSVSink(filepath.Join(dir, "progress.csv"))
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, csvSink)
		default:
			return nil, errors.Errorf("unknown logger sink %q", name)
		}
	}
	return New(sinks...), nil
}

// Record sets the current value for a metric, overwriting any value recorded
// since the last flush.
func (l *Logger) Record(key string, value float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.values[key] = value
	l.counts[key] = 0
}

// RecordMean accumulates a running mean for the metric until the next flush.
func (l *Logger) RecordMean(key string, value float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := l.counts[key]
	l.values[key] = (l.values[key]*float64(count) + value) / float64(count+1)
	l.counts[key] = count + 1
}

// Flush writes the accumulated metrics to every sink and clears them.
func (l *Logger) Flush(step int) {
	l.mu.Lock()
	metrics := l.values
	l.values = make(map[string]float64)
	l.counts = make(map[string]int)
	l.mu.Unlock()

	if len(metrics) == 0 {
		return
	}
	for _, sink := range l.sinks {
		if err := sink.Write(step, metrics); err != nil {
			klog.Errorf("Logger sink failed: %v", err)
		}
	}
}

// Close all the sinks.
func (l *Logger) Close() {
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil {
			klog.Errorf("Failed to close logger sink: %v", err)
		}
	}
}

// StdoutSink prints metrics as an aligned key/value block, the way training
// progress is usually eyeballed. Keys longer than MaxKeyLength are truncated.
type StdoutSink struct {
	// MaxKeyLength truncates long metric names in the block.
	MaxKeyLength int
}

// NewStdoutSink returns a StdoutSink with the default key width.
func NewStdoutSink() *StdoutSink {
	return &StdoutSink{MaxKeyLength: 50}
}

func (s *StdoutSink) Write(step int, metrics map[string]float64) error {
	keys := make([]string, 0, len(metrics))
	width := 0
	for key := range metrics {
		keys = append(keys, key)
		if w := min(len(key), s.MaxKeyLength); w > width {
			width = w
		}
	}
	sort.Strings(keys)

	fmt.Printf("---- step %d ----\n", step)
	for _, key := range keys {
		// Truncation is display only, the value lookup keeps the full key.
		label := key
		if len(label) > s.MaxKeyLength {
			label = label[:s.MaxKeyLength]
		}
		fmt.Printf("| %-*s | %11.4g |\n", width, label, metrics[key])
	}
	return nil
}

func (s *StdoutSink) Close() error { return nil }

// CSVSink appends one row per flush. When a flush introduces a metric that
// wasn't seen before, the file is rewritten with the extended header so old
// rows stay aligned (empty cells for metrics that didn't exist yet).
type CSVSink struct {
	path    string
	columns []string
	rows    [][]string
}

// NewCSVSink creates a CSV sink writing to path.
func NewCSVSink(path string) (*CSVSink, error) {
	// Fail early if the file is not writable.
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create CSV log %q", path)
	}
	if err = file.Close(); err != nil {
		return nil, errors.Wrapf(err, "failed to close CSV log %q", path)
	}
	return &CSVSink{path: path}, nil
}

func (s *CSVSink) Write(step int, metrics map[string]float64) error {
	// Extend columns with any new metric names.
	for key := range generics.SortedKeys(metrics) {
		found := false
		for _, col := range s.columns {
			if col == key {
				found = true
				break
			}
		}
		if !found {
			s.columns = append(s.columns, key)
		}
	}

	row := make([]string, len(s.columns)+1)
	row[0] = strconv.Itoa(step)
	for ii, col := range s.columns {
		if value, found := metrics[col]; found {
			row[ii+1] = strconv.FormatFloat(value, 'g', -1, 64)
		}
	}
	s.rows = append(s.rows, row)
	return s.rewrite()
}

func (s *CSVSink) rewrite() error {
	file, err := os.Create(s.path)
	if err != nil {
		return errors.Wrapf(err, "failed to rewrite CSV log %q", s.path)
	}
	w := csv.NewWriter(file)
	header := append([]string{"step"}, s.columns...)
	if err = w.Write(header); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "failed to write CSV header to %q", s.path)
	}
	for _, row := range s.rows {
		// Older rows may be shorter than the current header.
		padded := row
		if len(padded) < len(header) {
			padded = append(append([]string{}, row...), make([]string, len(header)-len(row))...)
		}
		if err = w.Write(padded); err != nil {
			_ = file.Close()
			return errors.Wrapf(err, "failed to write CSV row to %q", s.path)
		}
	}
	w.Flush()
	if err = w.Error(); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "failed to flush CSV log %q", s.path)
	}
	return file.Close()
}

func (s *CSVSink) Close() error { return nil }
