package env

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// VecEnv steps N environment copies in lockstep. Episodes that finish are
// automatically reset, each with a fresh seed, so the batch of observations
// is always valid.
type VecEnv struct {
	envs []Env

	// nextSeed feeds per-episode seeds; incremented atomically as envs reset.
	nextSeed atomic.Int64

	parallelism int
}

// NewVec builds numEnvs copies of the environment described by config.
// The optional wrap function is applied to every copy (monitors, joint failures).
func NewVec(config string, numEnvs int, wrap func(idx int, e Env) Env) (*VecEnv, error) {
	v := &VecEnv{
		envs:        make([]Env, numEnvs),
		parallelism: runtime.GOMAXPROCS(0),
	}
	for ii := range numEnvs {
		e, err := New(config)
		if err != nil {
			v.Close()
			return nil, err
		}
		if wrap != nil {
			e = wrap(ii, e)
		}
		v.envs[ii] = e
	}
	return v, nil
}

// NumEnvs returns the number of environment copies.
func (v *VecEnv) NumEnvs() int { return len(v.envs) }

// Env returns the idx-th underlying environment. Used for rendering.
func (v *VecEnv) Env(idx int) Env { return v.envs[idx] }

// ObservationSpace of the underlying environment.
func (v *VecEnv) ObservationSpace() Box { return v.envs[0].ObservationSpace() }

// ActionSpace of the underlying environment.
func (v *VecEnv) ActionSpace() Box { return v.envs[0].ActionSpace() }

// Reset restarts every environment copy. Per-episode seeds are drawn
// sequentially starting at baseSeed, so runs are reproducible.
func (v *VecEnv) Reset(baseSeed int64) [][]float32 {
	v.nextSeed.Store(baseSeed)
	obs := make([][]float32, len(v.envs))
	for ii, e := range v.envs {
		obs[ii] = e.Reset(v.nextSeed.Add(1) - 1)
	}
	return obs
}

// Step advances every environment copy by one step, in lockstep.
// Finished episodes are reset and report the first observation of the new
// episode; dones marks which copies finished.
func (v *VecEnv) Step(actions [][]float32) (obs [][]float32, rewards []float32, dones []bool, err error) {
	numEnvs := len(v.envs)
	obs = make([][]float32, numEnvs)
	rewards = make([]float32, numEnvs)
	dones = make([]bool, numEnvs)

	var group errgroup.Group
	group.SetLimit(v.parallelism)
	for ii := range numEnvs {
		group.Go(func() error {
			o, r, d := v.envs[ii].Step(actions[ii])
			rewards[ii], dones[ii] = r, d
			if d {
				o = v.envs[ii].Reset(v.nextSeed.Add(1) - 1)
			}
			obs[ii] = o
			return nil
		})
	}
	err = group.Wait()
	return
}

// Close all the environment copies.
func (v *VecEnv) Close() {
	for _, e := range v.envs {
		if e != nil {
			e.Close()
		}
	}
	klog.V(1).Infof("Closed %d environments", len(v.envs))
}
