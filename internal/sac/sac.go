package sac

import (
	"math/rand"
	"path/filepath"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/probcircuits/cspnsac/internal/env"
	"github.com/probcircuits/cspnsac/internal/explog"
	"github.com/probcircuits/cspnsac/internal/generics"
)

// Config are the Soft Actor-Critic hyperparameters. They are persisted with
// the trainer state, so JSON names are part of the checkpoint format.
type Config struct {
	// EntCoef weighs the entropy bonus (fixed, no auto-tuning).
	EntCoef float64 `json:"ent_coef"`

	LearningRate float64 `json:"learning_rate"`

	// LearningStarts is the number of env steps collected with uniform random
	// actions before any gradient update.
	LearningStarts int `json:"learning_starts"`

	BufferSize int     `json:"buffer_size"`
	BatchSize  int     `json:"batch_size"`
	Gamma      float64 `json:"gamma"`

	// Tau is the polyak coefficient of the target network updates.
	Tau float64 `json:"tau"`

	// Seed drives action sampling, replay sampling and env resets.
	Seed int64 `json:"seed"`

	// CheckpointsToKeep is the number of older checkpoint copies kept around.
	CheckpointsToKeep int `json:"checkpoints_to_keep"`
}

// WithDefaults returns a copy with unset fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.EntCoef == 0 {
		c.EntCoef = 0.1
	}
	if c.LearningRate == 0 {
		c.LearningRate = 3e-4
	}
	if c.LearningStarts == 0 {
		c.LearningStarts = 1000
	}
	if c.BufferSize == 0 {
		c.BufferSize = 300_000
	}
	if c.BatchSize == 0 {
		c.BatchSize = 256
	}
	if c.Gamma == 0 {
		c.Gamma = 0.99
	}
	if c.Tau == 0 {
		c.Tau = 0.005
	}
	if c.CheckpointsToKeep == 0 {
		c.CheckpointsToKeep = 10
	}
	return c
}

// Validate returns an error on nonsensical hyperparameters.
func (c Config) Validate() error {
	if c.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.BufferSize < c.BatchSize {
		return errors.Errorf("buffer size %d is smaller than batch size %d", c.BufferSize, c.BatchSize)
	}
	if c.Gamma <= 0 || c.Gamma > 1 {
		return errors.Errorf("gamma must be in (0, 1], got %g", c.Gamma)
	}
	if c.Tau <= 0 || c.Tau > 1 {
		return errors.Errorf("tau must be in (0, 1], got %g", c.Tau)
	}
	return nil
}

// resumeConfig merges the hyperparameters a checkpoint was trained with into
// the caller's config: the saved values win, except Seed and LearningStarts.
func resumeConfig(cfg Config, saved *Config) Config {
	merged := saved.WithDefaults()
	merged.Seed = cfg.Seed
	merged.LearningStarts = cfg.LearningStarts
	return merged
}

// ActorBuilder creates the policy on the trainer's shared context, under the
// "actor" scope.
type ActorBuilder func(ctx *context.Context) (Actor, error)

// SAC holds one actor, twin critics plus their target and frozen copies, the
// replay buffer and the training executors. All networks live in a single
// GoMLX context so a checkpoint captures the whole trainer.
type SAC struct {
	cfg Config
	ctx *context.Context

	actor            Actor
	obsDims, actDims int
	actionSpace      env.Box
	buffer           *ReplayBuffer
	rng              *rand.Rand

	optimizer                     optimizers.Interface
	criticStepExec, actorStepExec *context.Exec
	checkpoint                    *checkpoints.Handler
	statePath                     string
	state                         trainerState

	logger *explog.Logger
}

// New creates a SAC trainer. The checkpointDir may be empty, in which case
// nothing is persisted; otherwise existing weights and counters are loaded
// from it.
func New(cfg Config, obsDims int, actionSpace env.Box, buildActor ActorBuilder,
	checkpointDir string, logger *explog.Logger) (*SAC, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// An existing trainer state means this directory holds a previous run:
	// resume with the hyperparameters it was trained with, keeping only the
	// caller's seed and warmup length.
	var state trainerState
	var statePath string
	if checkpointDir != "" {
		statePath = filepath.Join(checkpointDir, "trainer_state.json")
		var err error
		state, err = loadTrainerState(statePath)
		if err != nil {
			return nil, err
		}
		if state.Config != nil {
			cfg = resumeConfig(cfg, state.Config)
			if err := cfg.Validate(); err != nil {
				return nil, errors.WithMessagef(err, "invalid saved hyperparameters in %q", statePath)
			}
		}
	}

	s := &SAC{
		cfg:         cfg,
		obsDims:     obsDims,
		actDims:     actionSpace.Dims(),
		actionSpace: actionSpace,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		logger:      logger,
	}
	var err error
	s.buffer, err = NewReplayBuffer(cfg.BufferSize, obsDims, s.actDims)
	if err != nil {
		return nil, err
	}

	ctx := context.New()
	ctx.RngStateFromSeed(cfg.Seed)
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: cfg.LearningRate,
		optimizers.ParamAdamEpsilon:  1e-7,
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.0,

		// Default sizes of the critic (and MLP actor) networks.
		fnnLayer.ParamNumHiddenLayers: 2,
		fnnLayer.ParamNumHiddenNodes:  256,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "none",
	})
	ctx = ctx.Checked(false)
	s.ctx = ctx

	if checkpointDir != "" {
		s.checkpoint, err = checkpoints.Build(ctx).
			Dir(checkpointDir).
			Immediate().
			Keep(cfg.CheckpointsToKeep).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint in %q", checkpointDir)
		}
		s.statePath = statePath
		s.state = state
	}

	s.actor, err = buildActor(ctx)
	if err != nil {
		return nil, err
	}

	// Force creating/loading of variables before touching trainability flags.
	if err = s.materialize(); err != nil {
		return nil, err
	}
	setScopeTrainable(ctx, "/"+scopeTarget, false)
	setScopeTrainable(ctx, "/"+scopeFrozen, false)
	if s.state.NumTimesteps == 0 {
		if err = blendScopeVariables(ctx, "/"+scopeCritic, "/"+scopeTarget, 1); err != nil {
			return nil, err
		}
	}
	if err = blendScopeVariables(ctx, "/"+scopeCritic, "/"+scopeFrozen, 1); err != nil {
		return nil, err
	}

	s.optimizer = optimizers.FromContext(ctx)
	s.buildTrainSteps()
	klog.V(1).Infof("SAC trainer ready: %d actor and %d critic parameters, resuming at step %d",
		s.actor.NumParams(), s.CriticNumParams(), s.state.NumTimesteps)
	return s, nil
}

// materialize runs every network once on a dummy batch so all variables exist
// (or get loaded from the checkpoint).
func (s *SAC) materialize() error {
	obs := make([]float32, s.obsDims)
	act := make([]float32, s.actDims)
	return exceptions.TryCatch[error](func() {
		if _, err := s.actor.Act(obs, 1, true); err != nil {
			exceptions.Panicf("actor failed on dummy batch: %v", err)
		}
		qExec := context.NewExec(backend(), s.ctx,
			func(ctx *context.Context, inputs []*Node) []*Node {
				ctx = ctx.Checked(false)
				obs, act := inputs[0], inputs[1]
				q1, q2 := twinQGraph(ctx, scopeCritic, obs, act)
				qt := minQGraph(ctx, scopeTarget, obs, act)
				qf := minQGraph(ctx, scopeFrozen, obs, act)
				return []*Node{q1, q2, qt, qf}
			})
		_ = qExec.Call(tensorFromFlat(obs, 1, s.obsDims), tensorFromFlat(act, 1, s.actDims))
	})
}

// buildTrainSteps creates the two gradient-step executors. They compile lazily
// on their first call, after the target and frozen scopes are already marked
// non-trainable.
func (s *SAC) buildTrainSteps() {
	entCoef := s.cfg.EntCoef
	gamma := s.cfg.Gamma

	s.criticStepExec = context.NewExec(backend(), s.ctx,
		func(ctx *context.Context, inputs []*Node) *Node {
			obs, act, rewards, nextObs, dones, nextAct, nextLogProb :=
				inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], inputs[5], inputs[6]
			g := obs.Graph()
			ctx.SetTraining(g, true)

			// Soft TD target from the slow critics. The next action and its
			// log-prob are sampled on the host, so no actor variables enter
			// this graph.
			nextQ := minQGraph(ctx, scopeTarget, nextObs, nextAct)
			softV := Sub(nextQ, MulScalar(nextLogProb, entCoef))
			target := Add(rewards, MulScalar(Mul(Sub(OnesLike(dones), dones), softV), gamma))
			target = StopGradient(target)

			q1, q2 := twinQGraph(ctx, scopeCritic, obs, act)
			d1, d2 := Sub(q1, target), Sub(q2, target)
			loss := MulScalar(Add(ReduceAllMean(Mul(d1, d1)), ReduceAllMean(Mul(d2, d2))), 0.5)
			s.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})

	s.actorStepExec = context.NewExec(backend(), s.ctx,
		func(ctx *context.Context, inputs []*Node) []*Node {
			obs, extras := inputs[0], inputs[1:]
			g := obs.Graph()
			ctx.SetTraining(g, true)

			action, logProb, entropy := s.actor.LossTermsGraph(ctx, obs, extras)
			// The frozen critics are a hard copy of the live ones, refreshed
			// before every actor step, so the value gradient reaches the
			// actor without touching critic weights.
			q := minQGraph(ctx, scopeFrozen, obs, action)
			var loss *Node
			if entropy != nil {
				loss = Neg(ReduceAllMean(Add(MulScalar(entropy, entCoef), q)))
			} else {
				loss = ReduceAllMean(Sub(MulScalar(logProb, entCoef), q))
			}
			s.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return []*Node{loss, ReduceAllMean(logProb)}
		})
}

// trainStep runs one critic update, one actor update and the polyak update of
// the targets.
func (s *SAC) trainStep() error {
	batch, err := s.buffer.Sample(s.rng, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	nextAct, nextLogProb, err := s.actor.ActWithLogProb(batch.NextObs, batch.Size)
	if err != nil {
		return err
	}
	nextLP := make([]float32, batch.Size)
	for i, lp := range nextLogProb {
		nextLP[i] = float32(lp)
	}

	var criticLoss float32
	err = exceptions.TryCatch[error](func() {
		inputs := []*tensors.Tensor{
			tensorFromFlat(batch.Obs, batch.Size, batch.ObsDims),
			tensorFromFlat(batch.Actions, batch.Size, batch.ActDims),
			tensorFromFlat(batch.Rewards, batch.Size),
			tensorFromFlat(batch.NextObs, batch.Size, batch.ObsDims),
			tensorFromFlat(batch.Dones, batch.Size),
			tensorFromFlat(nextAct, batch.Size, batch.ActDims),
			tensorFromFlat(nextLP, batch.Size),
		}
		donated := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
			return DonateTensorBuffer(t, backend())
		})
		criticLoss = tensors.ToScalar[float32](s.criticStepExec.Call(donated...)[0])
	})
	if err != nil {
		return errors.WithMessage(err, "critic step failed")
	}

	if err = blendScopeVariables(s.ctx, "/"+scopeCritic, "/"+scopeFrozen, 1); err != nil {
		return err
	}
	extras, err := s.actor.SampleInputs(batch.Obs, batch.Size)
	if err != nil {
		return err
	}
	var actorLoss, meanLogProb float32
	err = exceptions.TryCatch[error](func() {
		inputs := append([]*tensors.Tensor{
			tensorFromFlat(batch.Obs, batch.Size, batch.ObsDims),
		}, extras...)
		donated := generics.SliceMap(inputs, func(t *tensors.Tensor) any {
			return DonateTensorBuffer(t, backend())
		})
		outs := s.actorStepExec.Call(donated...)
		actorLoss = tensors.ToScalar[float32](outs[0])
		meanLogProb = tensors.ToScalar[float32](outs[1])
	})
	if err != nil {
		return errors.WithMessage(err, "actor step failed")
	}

	if err = blendScopeVariables(s.ctx, "/"+scopeCritic, "/"+scopeTarget, s.cfg.Tau); err != nil {
		return err
	}
	s.state.Updates++

	if s.logger != nil {
		s.logger.RecordMean("train/critic_loss", float64(criticLoss))
		s.logger.RecordMean("train/actor_loss", float64(actorLoss))
		s.logger.RecordMean("train/log_prob", float64(meanLogProb))
		if s.state.Updates%100 == 1 {
			if ent, err := s.actor.EntropyEstimate(batch.Obs, batch.Size); err == nil {
				s.logger.RecordMean("train/entropy", ent)
			}
		}
	}
	return nil
}

// LearnParams configure one Learn call.
type LearnParams struct {
	// TotalTimesteps is the target value of the (possibly resumed) timestep
	// counter.
	TotalTimesteps int

	// ResetNumTimesteps starts the counters from zero even when resuming from
	// a checkpoint.
	ResetNumTimesteps bool

	// LogInterval flushes the logger every that many finished episodes.
	LogInterval int

	ShowProgress bool

	// Callback runs after every vectorized env step. Returning an error stops
	// training.
	Callback func(step int) error

	// Stats supplies episode statistics for rollout logging.
	Stats func() env.EpisodeStats

	// Stop is polled once per iteration, for graceful interrupts.
	Stop func() bool
}

// Learn runs the SAC training loop until the timestep counter reaches
// TotalTimesteps.
func (s *SAC) Learn(venv *env.VecEnv, p LearnParams) error {
	if p.ResetNumTimesteps {
		s.state = trainerState{}
	}
	if s.state.NumTimesteps >= p.TotalTimesteps {
		klog.Infof("Nothing to do: already at %d of %d timesteps", s.state.NumTimesteps, p.TotalTimesteps)
		return nil
	}
	if p.LogInterval <= 0 {
		p.LogInterval = 4
	}
	numEnvs := venv.NumEnvs()
	obs := flattenObs(venv.Reset(s.cfg.Seed))

	var bar *progressbar.ProgressBar
	if p.ShowProgress {
		bar = progressbar.NewOptions(p.TotalTimesteps,
			progressbar.OptionSetDescription("training"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts())
		_ = bar.Set(s.state.NumTimesteps)
	}

	actions := make([][]float32, numEnvs)
	for s.state.NumTimesteps < p.TotalTimesteps {
		if p.Stop != nil && p.Stop() {
			klog.Infof("Training interrupted at %d timesteps", s.state.NumTimesteps)
			break
		}

		if s.state.NumTimesteps < s.cfg.LearningStarts {
			for i := range actions {
				actions[i] = s.actionSpace.Sample(s.rng)
			}
		} else {
			flat, err := s.actor.Act(obs, numEnvs, false)
			if err != nil {
				return err
			}
			for i := range actions {
				actions[i] = flat[i*s.actDims : (i+1)*s.actDims]
			}
		}

		nextObs2D, rewards, dones, err := venv.Step(actions)
		if err != nil {
			return errors.WithMessage(err, "environment step failed")
		}
		nextObs := flattenObs(nextObs2D)
		for i := 0; i < numEnvs; i++ {
			s.buffer.Add(
				obs[i*s.obsDims:(i+1)*s.obsDims],
				actions[i],
				rewards[i],
				nextObs[i*s.obsDims:(i+1)*s.obsDims],
				dones[i])
			if dones[i] {
				s.state.Episodes++
				if s.state.Episodes%p.LogInterval == 0 {
					s.logRollout(p)
				}
			}
		}
		obs = nextObs
		s.state.NumTimesteps += numEnvs
		if bar != nil {
			_ = bar.Add(numEnvs)
		}

		if s.state.NumTimesteps >= s.cfg.LearningStarts && s.buffer.Size() >= s.cfg.BatchSize {
			if err := s.trainStep(); err != nil {
				return err
			}
		}
		if p.Callback != nil {
			if err := p.Callback(s.state.NumTimesteps); err != nil {
				return err
			}
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return nil
}

func (s *SAC) logRollout(p LearnParams) {
	if s.logger == nil {
		return
	}
	if p.Stats != nil {
		if st := p.Stats(); st.Count > 0 {
			s.logger.Record("rollout/ep_rew_mean", st.MeanReturn)
			s.logger.Record("rollout/ep_len_mean", st.MeanLength)
		}
	}
	s.logger.Record("time/episodes", float64(s.state.Episodes))
	s.logger.Record("time/total_timesteps", float64(s.state.NumTimesteps))
	s.logger.Record("train/n_updates", float64(s.state.Updates))
	s.logger.Flush(s.state.NumTimesteps)
}

// Save writes a checkpoint and the trainer counters.
func (s *SAC) Save() error {
	if s.checkpoint == nil {
		klog.Warning("No checkpoint directory configured, not saving")
		return nil
	}
	if err := s.checkpoint.Save(); err != nil {
		return errors.WithMessage(err, "failed to save checkpoint")
	}
	s.state.Config = &s.cfg
	return s.state.save(s.statePath)
}

// Actor returns the policy.
func (s *SAC) Actor() Actor { return s.actor }

// NumTimesteps returns the current (possibly resumed) timestep counter.
func (s *SAC) NumTimesteps() int { return s.state.NumTimesteps }

// Episodes returns the number of finished episodes.
func (s *SAC) Episodes() int { return s.state.Episodes }

// CriticNumParams counts the trainable critic parameters.
func (s *SAC) CriticNumParams() int {
	return countScopeParams(s.ctx, "/"+scopeCritic)
}

// flattenObs lays out per-env observation rows contiguously.
func flattenObs(obs [][]float32) []float32 {
	if len(obs) == 0 {
		return nil
	}
	dims := len(obs[0])
	flat := make([]float32, len(obs)*dims)
	for i, row := range obs {
		copy(flat[i*dims:], row)
	}
	return flat
}
