// sacrun trains a Soft Actor-Critic agent whose policy is either a
// conditional probabilistic circuit or a squashed-Gaussian MLP, one full run
// per seed.
//
// Example:
//
//	sacrun --seed=1,2,3 --env=reacher,arms=2 --timesteps=1000000 \
//	    --save_interval=100000 --proj=cspn-sac --run_name=reacher2 --log_dir=runs
package main

import (
	"context"
	"flag"
	"strconv"
	"strings"
	"time"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/probcircuits/cspnsac/internal/cspn"
	"github.com/probcircuits/cspnsac/internal/experiment"
	"github.com/probcircuits/cspnsac/internal/parameters"
	"github.com/probcircuits/cspnsac/internal/sac"
	"github.com/probcircuits/cspnsac/internal/ui/spinning"
)

var (
	flagSeeds    = flag.String("seed", "", "Comma-separated list of seeds; one full training run per seed. Required.")
	flagMLPActor = flag.Bool("mlp_actor", false, "Use a squashed-Gaussian MLP actor instead of the circuit actor.")
	flagNumEnvs  = flag.Int("num_envs", 1, "Number of vectorized environment copies.")

	flagTimesteps    = flag.Int("timesteps", 1_000_000, "Total environment steps to train for. Zero disables learning.")
	flagSaveInterval = flag.Int("save_interval", 0, "Steps between checkpoints and video clips. Defaults to --timesteps.")
	flagLogInterval  = flag.Int("log_interval", 4, "Log every this many finished episodes.")

	flagEnv    = flag.String("env", "", "Environment config string, e.g. \"pendulum\" or \"reacher,arms=2\". Required.")
	flagDevice = flag.String("device", "cuda", "Accelerator: \"cuda\", \"cpu\", or a raw backend config.")

	flagProj    = flag.String("proj", "cspn-sac", "Project name, used as directory and tracking project.")
	flagRunName = flag.String("run_name", "run", "Run name; the seed is appended as _s<seed>.")
	flagLogDir  = flag.String("log_dir", ".", "Existing directory under which runs are created.")

	flagModelPath = flag.String("model_path", "", "Checkpoint directory of a previous run to resume from.")
	flagNoTrack   = flag.Bool("no_track", false, "Do not report this run to the experiment-tracking service.")
	flagNoVideo   = flag.Bool("no_video", false, "Do not record videos of the agent.")

	// SAC hyperparameters.
	flagEntCoef        = flag.Float64("ent_coef", 0.1, "Entropy bonus coefficient.")
	flagLearningRate   = flag.Float64("learning_rate", 3e-4, "Adam learning rate.")
	flagLearningStarts = flag.Int("learning_starts", 1000, "Random-action steps before learning starts.")
	flagBufferSize     = flag.Int("buffer_size", 300_000, "Replay buffer capacity.")
	flagBatchSize      = flag.Int("batch_size", 256, "Mini-batch size of the gradient updates.")
	flagGamma          = flag.Float64("gamma", 0.99, "Discount factor.")
	flagTau            = flag.Float64("tau", 0.005, "Polyak coefficient of the target updates.")
	flagJointFailProb  = flag.Float64("joint_fail_prob", 0.05, "Per-step probability of each action dimension failing (zeroed).")

	// Circuit hyperparameters.
	flagRepetitions     = flag.Int("repetitions", 3, "Circuit repetitions.")
	flagDepth           = flag.Int("cspn_depth", 0, "Circuit depth; 0 means the maximum, ceil(log2(action dims)).")
	flagNumDists        = flag.Int("num_dist", 3, "Gaussians per leaf variable.")
	flagNumSums         = flag.Int("num_sums", 3, "Sum nodes per scope and layer.")
	flagDropout         = flag.Float64("dropout", 0, "Dropout rate of the conditioning feature stack.")
	flagNoReLU          = flag.Bool("no_relu", false, "Disable the inner ReLU of the conditioning networks.")
	flagFeatLayers      = flag.String("feat_layers", "256,256", "Comma-separated sizes of the shared feature stack.")
	flagSumParamLayers  = flag.String("sum_param_layers", "", "Comma-separated hidden sizes of the sum-weight heads.")
	flagDistParamLayers = flag.String("dist_param_layers", "", "Comma-separated hidden sizes of the leaf-parameter heads.")
	flagObjective       = flag.String("objective", string(cspn.ObjectiveRecursive), "Actor entropy objective: \"recursive\" or \"naive\".")

	flagRecursSampleSize = flag.Int("recurs_sample_size", 5, "Samples per node of the recursive entropy estimate.")
	flagNaiveSampleSize  = flag.Int("naive_sample_size", 50, "Samples of the naive entropy estimate.")
)

// globalCtx is cancelled when the program is about to exit, either by an
// interrupt (Ctrl+C) or by reaching the end.
var globalCtx = context.Background()

func parseSeeds(value string) ([]int64, error) {
	var seeds []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seed, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

func buildConfig() (experiment.Config, error) {
	seeds, err := parseSeeds(*flagSeeds)
	if err != nil {
		return experiment.Config{}, err
	}
	featLayers, err := parameters.ParseIntList(*flagFeatLayers, ",")
	if err != nil {
		return experiment.Config{}, err
	}
	sumParamLayers, err := parameters.ParseIntList(*flagSumParamLayers, ",")
	if err != nil {
		return experiment.Config{}, err
	}
	distParamLayers, err := parameters.ParseIntList(*flagDistParamLayers, ",")
	if err != nil {
		return experiment.Config{}, err
	}

	cfg := experiment.Config{
		Seeds:         seeds,
		MLPActor:      *flagMLPActor,
		NumEnvs:       *flagNumEnvs,
		Timesteps:     *flagTimesteps,
		SaveInterval:  *flagSaveInterval,
		LogInterval:   *flagLogInterval,
		EnvConfig:     *flagEnv,
		Device:        *flagDevice,
		Project:       *flagProj,
		RunName:       *flagRunName,
		LogDir:        *flagLogDir,
		ModelPath:     *flagModelPath,
		NoTrack:       *flagNoTrack,
		NoVideo:       *flagNoVideo,
		JointFailProb: *flagJointFailProb,
		SAC: sac.Config{
			EntCoef:        *flagEntCoef,
			LearningRate:   *flagLearningRate,
			LearningStarts: *flagLearningStarts,
			BufferSize:     *flagBufferSize,
			BatchSize:      *flagBatchSize,
			Gamma:          *flagGamma,
			Tau:            *flagTau,
		},
		CSPN: cspn.Config{
			Repetitions:         *flagRepetitions,
			Depth:               *flagDepth,
			NumDists:            *flagNumDists,
			NumSums:             *flagNumSums,
			Dropout:             float32(*flagDropout),
			InnerReLU:           !*flagNoReLU,
			FeatLayers:          featLayers,
			SumParamLayers:      sumParamLayers,
			DistParamLayers:     distParamLayers,
			EntropyObjective:    cspn.Objective(*flagObjective),
			RecursiveSampleSize: *flagRecursSampleSize,
			NaiveSampleSize:     *flagNaiveSampleSize,
		},
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	// Capture Control+C.
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 5*time.Second)
	defer globalCancel()

	// Profilers: HTTP profiler server and CPU profile.
	if *flagProfiler >= 0 {
		setupHTTPProfiler()
		defer httpProfilerOnQuit()
	}
	if *flagCPUProfile != "" {
		stopCPUProfile := createCPUProfile()
		defer stopCPUProfile()
	}

	cfg := must.M1(buildConfig())
	stop := func() bool { return globalCtx.Err() != nil }
	for _, seed := range cfg.Seeds {
		must.M(experiment.Run(cfg, seed, stop))
		if globalCtx.Err() != nil {
			klog.Info("Interrupted, skipping remaining seeds")
			return
		}
	}
}
