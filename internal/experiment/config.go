// Package experiment orchestrates full training runs: directory layout,
// environment construction, agent setup, logging, tracking and checkpoints.
package experiment

import (
	"os"

	"github.com/pkg/errors"
	"github.com/probcircuits/cspnsac/internal/cspn"
	"github.com/probcircuits/cspnsac/internal/sac"
)

// Config holds every experiment parameter, one field per CLI flag.
type Config struct {
	Seeds []int64

	// MLPActor selects the squashed-Gaussian MLP policy instead of the circuit.
	MLPActor bool

	NumEnvs   int
	Timesteps int

	// SaveInterval is the checkpoint/video period in env steps. Zero means
	// "once, at the end" and is normalized to Timesteps.
	SaveInterval int

	// LogInterval is in finished episodes.
	LogInterval int

	// EnvConfig is an environment registry config string ("reacher,arms=2").
	EnvConfig string

	// Device selects the accelerator ("cuda", "cpu", or a raw backend config).
	Device string

	Project string
	RunName string
	LogDir  string

	// ModelPath resumes training from an existing checkpoint directory.
	ModelPath string

	NoTrack bool
	NoVideo bool

	// JointFailProb is the per-step, per-dimension action dropout of the
	// joint-failure wrapper.
	JointFailProb float64

	SAC sac.Config

	// CSPN is the circuit config; NumVars and CondDims are filled from the
	// environment spaces at run time.
	CSPN cspn.Config
}

// WithDefaults returns a copy with unset fields normalized.
func (c Config) WithDefaults() Config {
	if c.NumEnvs == 0 {
		c.NumEnvs = 1
	}
	if c.SaveInterval == 0 {
		c.SaveInterval = c.Timesteps
	}
	if c.LogInterval == 0 {
		c.LogInterval = 4
	}
	if c.Project == "" {
		c.Project = "cspn-sac"
	}
	if c.RunName == "" {
		c.RunName = "run"
	}
	if c.LogDir == "" {
		c.LogDir = "."
	}
	c.SAC = c.SAC.WithDefaults()
	return c
}

// Validate fails fast, before any run starts.
func (c Config) Validate() error {
	if len(c.Seeds) == 0 {
		return errors.New("at least one seed is required")
	}
	if c.EnvConfig == "" {
		return errors.New("an environment config is required")
	}
	if c.NumEnvs < 1 {
		return errors.Errorf("num envs must be at least 1, got %d", c.NumEnvs)
	}
	if c.Timesteps < 0 {
		return errors.Errorf("timesteps must not be negative, got %d", c.Timesteps)
	}
	if c.Timesteps > 0 {
		if c.SaveInterval <= 0 || c.Timesteps < c.SaveInterval {
			return errors.Errorf("save interval %d must be positive and at most timesteps %d",
				c.SaveInterval, c.Timesteps)
		}
		if c.Timesteps%c.SaveInterval != 0 {
			return errors.Errorf("timesteps %d must be a multiple of save interval %d",
				c.Timesteps, c.SaveInterval)
		}
	}
	if err := mustBeDir(c.LogDir); err != nil {
		return errors.WithMessage(err, "log dir")
	}
	if c.ModelPath != "" {
		if err := mustBeDir(c.ModelPath); err != nil {
			return errors.WithMessage(err, "model path")
		}
	}
	if c.JointFailProb < 0 || c.JointFailProb >= 1 {
		return errors.Errorf("joint failure probability must be in [0, 1), got %g", c.JointFailProb)
	}
	return c.SAC.Validate()
}

func mustBeDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "failed to stat %q", path)
	}
	if !info.IsDir() {
		return errors.Errorf("%q is not a directory", path)
	}
	return nil
}

// backendConfig maps the --device flag to a GoMLX backend configuration.
func backendConfig(device string) string {
	switch device {
	case "":
		return ""
	case "cuda":
		return "xla:cuda"
	case "cpu":
		return "xla:cpu"
	default:
		return device
	}
}
