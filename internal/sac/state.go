package sac

import (
	"os"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

// trainerState is persisted next to the checkpoints so interrupted runs can
// resume their timestep and episode counters and their hyperparameters.
type trainerState struct {
	NumTimesteps int `json:"num_timesteps"`
	Episodes     int `json:"episodes"`
	Updates      int `json:"updates"`

	// Config are the hyperparameters the run was trained with. Resuming
	// prefers these over the caller's, except for Seed and LearningStarts.
	Config *Config `json:"config,omitempty"`
}

func loadTrainerState(path string) (trainerState, error) {
	var ts trainerState
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ts, nil
	}
	if err != nil {
		return ts, errors.Wrapf(err, "failed to read trainer state %q", path)
	}
	if err := sonic.Unmarshal(data, &ts); err != nil {
		return ts, errors.Wrapf(err, "failed to parse trainer state %q", path)
	}
	return ts, nil
}

func (ts trainerState) save(path string) error {
	data, err := sonic.Marshal(ts)
	if err != nil {
		return errors.Wrap(err, "failed to encode trainer state")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write trainer state %q", path)
	}
	return nil
}
