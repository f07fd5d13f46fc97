// Package env implements the continuous-control environments the agent trains on,
// and the wrappers around them: vectorization, episode monitoring, joint failures
// and video recording.
//
// Environments are created from compact configuration strings, e.g. "pendulum" or
// "reacher,arms=3". Builders register themselves by name, so adding an environment
// doesn't require touching the factory.
package env

import (
	"image"
	"math/rand"

	"github.com/probcircuits/cspnsac/internal/parameters"

	"github.com/pkg/errors"
)

// Box is a bounded continuous space with one (low, high) pair per dimension.
type Box struct {
	Low, High []float32
}

// NewBox creates a Box with the same bounds on every one of dims dimensions.
func NewBox(low, high float32, dims int) Box {
	b := Box{Low: make([]float32, dims), High: make([]float32, dims)}
	for ii := range dims {
		b.Low[ii] = low
		b.High[ii] = high
	}
	return b
}

// Dims returns the number of dimensions of the space.
func (b Box) Dims() int { return len(b.Low) }

// Clip limits values in-place to the bounds of the space.
func (b Box) Clip(values []float32) {
	for ii, v := range values {
		if v < b.Low[ii] {
			values[ii] = b.Low[ii]
		} else if v > b.High[ii] {
			values[ii] = b.High[ii]
		}
	}
}

// Sample returns a uniformly random point of the space.
func (b Box) Sample(rng *rand.Rand) []float32 {
	values := make([]float32, b.Dims())
	for ii := range values {
		values[ii] = b.Low[ii] + rng.Float32()*(b.High[ii]-b.Low[ii])
	}
	return values
}

// Contains reports whether values is within bounds (inclusive).
func (b Box) Contains(values []float32) bool {
	if len(values) != b.Dims() {
		return false
	}
	for ii, v := range values {
		if v < b.Low[ii] || v > b.High[ii] {
			return false
		}
	}
	return true
}

// Env is a single environment instance. Implementations are not safe for
// concurrent use; VecEnv gives each goroutine its own instance.
type Env interface {
	// Name of the environment, for logging and monitor files.
	Name() string

	// Reset starts a new episode, seeding the environment RNG, and returns
	// the initial observation.
	Reset(seed int64) []float32

	// Step applies an action (clipped to the action space) and advances one step.
	Step(action []float32) (obs []float32, reward float32, done bool)

	// Render returns the current frame, for video recording.
	Render() image.Image

	// ObservationSpace of the observations returned by Reset and Step.
	ObservationSpace() Box

	// ActionSpace of the actions accepted by Step.
	ActionSpace() Box

	// Close releases any resources held by the environment.
	Close()
}

// Builder creates an environment from its (already name-stripped) parameters.
type Builder func(params parameters.Params) (Env, error)

var builders = make(map[string]Builder)

// Register an environment builder under the given name, so config strings can refer to it.
func Register(name string, builder Builder) {
	builders[name] = builder
}

// New creates an environment from a configuration string: the environment name,
// optionally followed by comma-separated parameters ("reacher,arms=3").
func New(config string) (Env, error) {
	params := parameters.NewFromConfigString(config)
	for name, builder := range builders {
		if _, found := params[name]; !found {
			continue
		}
		delete(params, name)
		e, err := builder(params)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build environment from config %q", config)
		}
		if len(params) > 0 {
			e.Close()
			return nil, errors.Errorf("unknown parameters %v in environment config %q", params, config)
		}
		return e, nil
	}
	return nil, errors.Errorf("unknown environment in config %q", config)
}
