package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/probcircuits/cspnsac/internal/cspn"
	"github.com/probcircuits/cspnsac/internal/env"
	"github.com/probcircuits/cspnsac/internal/explog"
	"github.com/probcircuits/cspnsac/internal/generics"
	"github.com/probcircuits/cspnsac/internal/sac"
	"github.com/probcircuits/cspnsac/internal/track"
)

var bannerStyle = lipgloss.NewStyle().
	Bold(true).
	Border(lipgloss.RoundedBorder()).
	Padding(0, 1)

func printBanner(lines ...string) {
	fmt.Println(bannerStyle.Render(strings.Join(lines, "\n")))
}

// trackSink forwards flushed metrics to the tracking run, so the experiment
// logger feeds the remote service like any other sink.
type trackSink struct {
	run *track.Run
}

func (s trackSink) Write(step int, metrics map[string]float64) error {
	s.run.LogMetrics(step, metrics)
	return nil
}

func (s trackSink) Close() error { return nil }

// Run executes one full training run for the given seed. The optional stop
// function is polled by the training loop for graceful interrupts; even an
// interrupted run saves a final checkpoint.
func Run(cfg Config, seed int64, stop func() bool) error {
	runName := fmt.Sprintf("%s_s%d", cfg.RunName, seed)
	dirs, err := makeRunDirs(cfg.LogDir, cfg.Project, runName)
	if err != nil {
		return err
	}
	klog.Infof("Run %q writing to %s", runName, dirs.Root)
	if err = writeConfigYAML(dirs, cfg, seed); err != nil {
		return err
	}

	// Tracking run. A failed login downgrades to a disabled client: training
	// matters more than telemetry.
	client := track.Disabled()
	if !cfg.NoTrack {
		client, err = track.Login()
		if err != nil {
			klog.Warningf("Experiment tracking disabled: %v", err)
			client = track.Disabled()
		}
	}
	trackRun, err := client.StartRun(cfg.Project, runName, cfg.RunName, trackConfig(cfg, seed))
	if err != nil {
		return errors.WithMessage(err, "failed to start tracking run")
	}
	defer trackRun.Finish()

	// Vectorized environment: each copy gets the joint-failure wrapper and its
	// own episode monitor.
	monitors := make([]*env.Monitor, cfg.NumEnvs)
	var wrapErr error
	venv, err := env.NewVec(cfg.EnvConfig, cfg.NumEnvs, func(idx int, e env.Env) env.Env {
		e = env.WithJointFailure(e, float32(cfg.JointFailProb))
		m, err := env.NewMonitor(e, dirs.Monitor, fmt.Sprintf("%d", idx))
		if err != nil {
			wrapErr = err
			return e
		}
		monitors[idx] = m
		return m
	})
	if err != nil {
		return err
	}
	defer venv.Close()
	if wrapErr != nil {
		return wrapErr
	}

	var recorder *env.VideoRecorder
	if !cfg.NoVideo && cfg.Timesteps > 0 {
		recorder = env.NewVideoRecorder(venv, dirs.Video)
		nextClip := 0
		recorder.Trigger = func(step int) bool {
			if step < nextClip {
				return false
			}
			for nextClip <= step {
				nextClip += cfg.SaveInterval
			}
			return true
		}
		defer recorder.Finish()
	}

	sac.SetBackendConfig(backendConfig(cfg.Device))

	// Logger: stdout block, CSV in the run dir, and the tracking sink.
	sinks := []explog.Sink{explog.NewStdoutSink()}
	csvSink, err := explog.NewCSVSink(filepath.Join(dirs.Root, "progress.csv"))
	if err != nil {
		return err
	}
	sinks = append(sinks, csvSink)
	if client.Enabled() {
		sinks = append(sinks, trackSink{run: trackRun})
	}
	logger := explog.New(sinks...)
	defer logger.Close()

	// Fresh runs checkpoint into the run dir; resumed runs keep training the
	// checkpoint they came from.
	checkpointDir := dirs.Models
	resume := cfg.ModelPath != ""
	if resume {
		checkpointDir = cfg.ModelPath
	}

	obsDims := venv.ObservationSpace().Dims()
	actionSpace := venv.ActionSpace()
	sacCfg := cfg.SAC
	sacCfg.Seed = seed

	buildActor := func(ctx *context.Context) (sac.Actor, error) {
		if cfg.MLPActor {
			return sac.NewMLPActor(ctx, obsDims, actionSpace, seed), nil
		}
		circuitCfg := cfg.CSPN
		circuitCfg.NumVars = actionSpace.Dims()
		circuitCfg.CondDims = obsDims
		model, err := cspn.New(circuitCfg)
		if err != nil {
			return nil, err
		}
		return sac.NewCSPNActor(ctx, model, obsDims, actionSpace, seed)
	}

	agent, err := sac.New(sacCfg, obsDims, actionSpace, buildActor, checkpointDir, logger)
	if err != nil {
		return err
	}

	printBanner(
		fmt.Sprintf("%s  seed=%d  env=%s", runName, seed, cfg.EnvConfig),
		agent.Actor().Summary(),
		fmt.Sprintf("Critic parameters: %d", agent.CriticNumParams()),
	)

	if cfg.Timesteps == 0 {
		klog.Info("Timesteps is zero: model constructed, learning disabled")
		return nil
	}

	lastSave := agent.NumTimesteps()
	callback := func(step int) error {
		if recorder != nil {
			recorder.NotifyStep(step)
		}
		if step-lastSave >= cfg.SaveInterval {
			lastSave = step
			if err := agent.Save(); err != nil {
				return err
			}
			trackRun.LogArtifact(step, checkpointDir)
		}
		return nil
	}
	stats := func() env.EpisodeStats {
		return env.AggregateStats(generics.SliceMap(monitors, (*env.Monitor).Stats))
	}

	err = agent.Learn(venv, sac.LearnParams{
		TotalTimesteps:    cfg.Timesteps,
		ResetNumTimesteps: !resume,
		LogInterval:       cfg.LogInterval,
		ShowProgress:      true,
		Callback:          callback,
		Stats:             stats,
		Stop:              stop,
	})
	if err != nil {
		return err
	}

	if err = agent.Save(); err != nil {
		return err
	}
	trackRun.LogArtifact(agent.NumTimesteps(), checkpointDir)
	klog.Infof("Run %q finished after %d timesteps and %d episodes",
		runName, agent.NumTimesteps(), agent.Episodes())
	return nil
}

// trackConfig is the config payload reported to the tracking service.
func trackConfig(cfg Config, seed int64) map[string]any {
	host, _ := os.Hostname()
	return map[string]any{
		"seed":            seed,
		"env":             cfg.EnvConfig,
		"num_envs":        cfg.NumEnvs,
		"timesteps":       cfg.Timesteps,
		"mlp_actor":       cfg.MLPActor,
		"joint_fail_prob": cfg.JointFailProb,
		"ent_coef":        cfg.SAC.EntCoef,
		"learning_rate":   cfg.SAC.LearningRate,
		"learning_starts": cfg.SAC.LearningStarts,
		"buffer_size":     cfg.SAC.BufferSize,
		"batch_size":      cfg.SAC.BatchSize,
		"gamma":           cfg.SAC.Gamma,
		"tau":             cfg.SAC.Tau,
		"repetitions":     cfg.CSPN.Repetitions,
		"cspn_depth":      cfg.CSPN.Depth,
		"num_dist":        cfg.CSPN.NumDists,
		"num_sums":        cfg.CSPN.NumSums,
		"objective":       string(cfg.CSPN.EntropyObjective),
		"host":            host,
	}
}
