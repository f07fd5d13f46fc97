package env

import (
	"image"
	"math/rand"
)

// JointFailure wraps an environment so that each action dimension independently
// fails (is zeroed) with the given probability at every step. It models actuators
// that intermittently drop out, forcing the policy to hedge its actions.
type JointFailure struct {
	Env
	prob float32
	rng  *rand.Rand

	// scratch avoids reallocating the masked action on each step.
	scratch []float32
}

// WithJointFailure wraps base so each action dimension is zeroed with probability prob per step.
// A prob of 0 returns base unchanged.
func WithJointFailure(base Env, prob float32) Env {
	if prob <= 0 {
		return base
	}
	return &JointFailure{
		Env:     base,
		prob:    prob,
		scratch: make([]float32, base.ActionSpace().Dims()),
	}
}

func (j *JointFailure) Reset(seed int64) []float32 {
	// Failures draw from their own stream so the base env's dynamics stay
	// reproducible for a given seed regardless of the failure probability.
	j.rng = rand.New(rand.NewSource(seed + 1))
	return j.Env.Reset(seed)
}

func (j *JointFailure) Step(action []float32) (obs []float32, reward float32, done bool) {
	copy(j.scratch, action)
	for ii := range j.scratch {
		if j.rng.Float32() < j.prob {
			j.scratch[ii] = 0
		}
	}
	return j.Env.Step(j.scratch)
}

func (j *JointFailure) Render() image.Image { return j.Env.Render() }
