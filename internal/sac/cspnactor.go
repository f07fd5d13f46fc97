package sac

import (
	"math/rand"
	"sync"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"github.com/probcircuits/cspnsac/internal/cspn"
	"github.com/probcircuits/cspnsac/internal/env"
)

// CSPNActor is a policy whose conditional distribution over the latent action
// is a probabilistic circuit instead of a single Gaussian. Sampling picks a
// discrete path through the circuit on the host and reparameterizes the leaf
// Gaussians, so the actor loss stays differentiable w.r.t. the circuit
// parameters.
type CSPNActor struct {
	ctx     *context.Context
	model   *cspn.Model
	box     env.Box
	bt      boxTransform
	obsDims int
	actDims int

	paramsExec *context.Exec

	muRng sync.Mutex
	rng   *rand.Rand
}

var _ Actor = (*CSPNActor)(nil)

// NewCSPNActor builds the circuit's conditioning networks under the "actor"
// scope of ctx. The circuit config must have NumVars equal to the action dims
// and CondDims equal to the observation dims.
func NewCSPNActor(ctx *context.Context, model *cspn.Model, obsDims int, box env.Box, seed int64) (*CSPNActor, error) {
	cfg := model.Config()
	if cfg.NumVars != box.Dims() {
		return nil, errors.Errorf("circuit models %d variables, action space has %d dims",
			cfg.NumVars, box.Dims())
	}
	if cfg.CondDims != obsDims {
		return nil, errors.Errorf("circuit conditions on %d dims, observation space has %d dims",
			cfg.CondDims, obsDims)
	}
	a := &CSPNActor{
		ctx:     ctx,
		model:   model,
		box:     box,
		bt:      newBoxTransform(box),
		obsDims: obsDims,
		actDims: box.Dims(),
		rng:     rand.New(rand.NewSource(seed)),
	}
	a.paramsExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, obs *Node) []*Node {
			ctx = ctx.Checked(false)
			return a.model.ParamsGraph(ctx.In("actor"), obs)
		})
	return a, nil
}

// hostParams executes the conditioning networks and copies the circuit
// parameters to the host.
func (a *CSPNActor) hostParams(obs []float32, batch int) (*cspn.HostParams, error) {
	outputs := a.paramsExec.Call(tensorFromFlat(obs, batch, a.obsDims))
	return a.model.HostParams(outputs)
}

// Act implements Actor.
func (a *CSPNActor) Act(obs []float32, batch int, deterministic bool) ([]float32, error) {
	hp, err := a.hostParams(obs, batch)
	if err != nil {
		return nil, err
	}
	a.muRng.Lock()
	u, _ := hp.Sample(a.rng, deterministic)
	a.muRng.Unlock()
	actions := make([]float32, batch*a.actDims)
	for b := 0; b < batch; b++ {
		a.bt.squashHost(u[b], actions[b*a.actDims:(b+1)*a.actDims])
	}
	return actions, nil
}

// ActWithLogProb implements Actor.
func (a *CSPNActor) ActWithLogProb(obs []float32, batch int) ([]float32, []float64, error) {
	hp, err := a.hostParams(obs, batch)
	if err != nil {
		return nil, nil, err
	}
	a.muRng.Lock()
	u, _ := hp.Sample(a.rng, false)
	a.muRng.Unlock()
	actions := make([]float32, batch*a.actDims)
	logProbs := make([]float64, batch)
	for b := 0; b < batch; b++ {
		logProbs[b] = a.bt.logProbHost(hp.LogProbU(b, u[b]), u[b])
		a.bt.squashHost(u[b], actions[b*a.actDims:(b+1)*a.actDims])
	}
	return actions, logProbs, nil
}

// SampleInputs implements Actor: the one-hot leaf selection mask and the
// standard normal draws of a fresh top-down sample.
func (a *CSPNActor) SampleInputs(obs []float32, batch int) ([]*tensors.Tensor, error) {
	hp, err := a.hostParams(obs, batch)
	if err != nil {
		return nil, err
	}
	a.muRng.Lock()
	_, sel := hp.Sample(a.rng, false)
	a.muRng.Unlock()
	cfg := a.model.Config()
	return []*tensors.Tensor{
		tensorFromFlat(sel.Mask, batch, cfg.NumVars, cfg.NumDists, cfg.Repetitions),
		tensorFromFlat(sel.Eps, batch, cfg.NumVars),
	}, nil
}

// LossTermsGraph implements Actor. With the recursive entropy objective the
// circuit's decomposed entropy is returned in-graph; otherwise entropy is nil
// and training falls back on the log-prob surrogate.
func (a *CSPNActor) LossTermsGraph(ctx *context.Context, obs *Node, extras []*Node) (action, logProb, entropy *Node) {
	params := a.model.ParamsGraph(ctx.In("actor"), obs)
	u := a.model.SampleFromParams(params, extras[0], extras[1])
	latentLP := a.model.LogProbFromParams(params, u)
	action = a.bt.squashGraph(u)
	logProb = a.bt.logProbGraph(latentLP, u)
	if a.model.Config().EntropyObjective == cspn.ObjectiveRecursive {
		entropy = a.model.RecursiveEntropyFromParams(params)
	}
	return action, logProb, entropy
}

// EntropyEstimate implements Actor: the configured estimator (recursive
// decomposition or naive Monte-Carlo), averaged over the batch. Both operate
// on the latent distribution, before squashing.
func (a *CSPNActor) EntropyEstimate(obs []float32, batch int) (float64, error) {
	hp, err := a.hostParams(obs, batch)
	if err != nil {
		return 0, err
	}
	cfg := a.model.Config()
	rows := batch
	if cfg.RecursiveSampleSize > 0 && rows > cfg.RecursiveSampleSize {
		rows = cfg.RecursiveSampleSize
	}
	a.muRng.Lock()
	defer a.muRng.Unlock()
	total := 0.0
	for b := 0; b < rows; b++ {
		if cfg.EntropyObjective == cspn.ObjectiveNaive {
			total += hp.NaiveEntropy(b, cfg.NaiveSampleSize, a.rng)
		} else {
			total += hp.RecursiveEntropy(b)
		}
	}
	return total / float64(rows), nil
}

// NumParams implements Actor.
func (a *CSPNActor) NumParams() int {
	return countScopeParams(a.ctx, "/actor")
}

// Summary implements Actor.
func (a *CSPNActor) Summary() string {
	return a.model.Config().Summary()
}
