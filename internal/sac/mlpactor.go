package sac

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/probcircuits/cspnsac/internal/env"
)

const (
	mlpLogStdMin = -20.0
	mlpLogStdMax = 2.0

	logSqrt2Pi = 0.9189385332046727 // 0.5*log(2π)
)

// MLPActor is the standard SAC policy: a squashed diagonal Gaussian whose mean
// and log-std come from feed-forward networks on the observation.
type MLPActor struct {
	ctx              *context.Context
	box              env.Box
	bt               boxTransform
	obsDims, actDims int

	paramsExec *context.Exec

	muRng sync.Mutex
	rng   *rand.Rand
}

var _ Actor = (*MLPActor)(nil)

// NewMLPActor builds the policy networks under the "actor" scope of ctx. The
// network sizes are taken from the context hyperparameters (see fnn layers).
func NewMLPActor(ctx *context.Context, obsDims int, box env.Box, seed int64) *MLPActor {
	a := &MLPActor{
		ctx:     ctx,
		box:     box,
		bt:      newBoxTransform(box),
		obsDims: obsDims,
		actDims: box.Dims(),
		rng:     rand.New(rand.NewSource(seed)),
	}
	a.paramsExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, obs *Node) []*Node {
			ctx = ctx.Checked(false)
			mean, logStd := a.distGraph(ctx, obs)
			return []*Node{mean, logStd}
		})
	return a
}

// distGraph builds (or reuses) the mean and log-std networks.
func (a *MLPActor) distGraph(ctx *context.Context, obs *Node) (mean, logStd *Node) {
	actorCtx := ctx.In("actor")
	mean = fnnLayer.New(actorCtx.In("mean"), obs, a.actDims).Done()
	logStd = fnnLayer.New(actorCtx.In("logstd"), obs, a.actDims).Done()
	logStd = clipNode(logStd, mlpLogStdMin, mlpLogStdMax)
	return
}

// dist executes the networks and copies mean and log-std to the host.
func (a *MLPActor) dist(obs []float32, batch int) (mean, logStd []float32) {
	outputs := a.paramsExec.Call(tensorFromFlat(obs, batch, a.obsDims))
	return flatCopy(outputs[0]), flatCopy(outputs[1])
}

// Act implements Actor.
func (a *MLPActor) Act(obs []float32, batch int, deterministic bool) ([]float32, error) {
	mean, logStd := a.dist(obs, batch)
	actions := make([]float32, batch*a.actDims)
	u := make([]float32, a.actDims)
	a.muRng.Lock()
	defer a.muRng.Unlock()
	for b := 0; b < batch; b++ {
		row := mean[b*a.actDims : (b+1)*a.actDims]
		if deterministic {
			copy(u, row)
		} else {
			for i := range u {
				std := float32(math.Exp(float64(logStd[b*a.actDims+i])))
				u[i] = row[i] + std*float32(a.rng.NormFloat64())
			}
		}
		a.bt.squashHost(u, actions[b*a.actDims:(b+1)*a.actDims])
	}
	return actions, nil
}

// ActWithLogProb implements Actor.
func (a *MLPActor) ActWithLogProb(obs []float32, batch int) ([]float32, []float64, error) {
	mean, logStd := a.dist(obs, batch)
	actions := make([]float32, batch*a.actDims)
	logProbs := make([]float64, batch)
	u := make([]float32, a.actDims)
	a.muRng.Lock()
	defer a.muRng.Unlock()
	for b := 0; b < batch; b++ {
		latentLP := 0.0
		for i := range u {
			ls := float64(logStd[b*a.actDims+i])
			eps := a.rng.NormFloat64()
			u[i] = mean[b*a.actDims+i] + float32(math.Exp(ls)*eps)
			latentLP += -0.5*eps*eps - ls - logSqrt2Pi
		}
		logProbs[b] = a.bt.logProbHost(latentLP, u)
		a.bt.squashHost(u, actions[b*a.actDims:(b+1)*a.actDims])
	}
	return actions, logProbs, nil
}

// SampleInputs implements Actor: one standard normal draw per action dim.
func (a *MLPActor) SampleInputs(obs []float32, batch int) ([]*tensors.Tensor, error) {
	eps := make([]float32, batch*a.actDims)
	a.muRng.Lock()
	for i := range eps {
		eps[i] = float32(a.rng.NormFloat64())
	}
	a.muRng.Unlock()
	return []*tensors.Tensor{tensorFromFlat(eps, batch, a.actDims)}, nil
}

// LossTermsGraph implements Actor. No in-graph entropy: the squashed Gaussian
// has no closed form, so training falls back on the log-prob surrogate.
func (a *MLPActor) LossTermsGraph(ctx *context.Context, obs *Node, extras []*Node) (action, logProb, entropy *Node) {
	mean, logStd := a.distGraph(ctx, obs)
	eps := extras[0]
	u := Add(mean, Mul(Exp(logStd), eps))
	latentLP := ReduceSum(Sub(MulScalar(Mul(eps, eps), -0.5), logStd), -1)
	latentLP = AddScalar(latentLP, -float64(a.actDims)*logSqrt2Pi)
	action = a.bt.squashGraph(u)
	logProb = a.bt.logProbGraph(latentLP, u)
	return action, logProb, nil
}

// EntropyEstimate implements Actor: the latent Gaussian entropy, averaged over
// the batch. The squash correction is not included.
func (a *MLPActor) EntropyEstimate(obs []float32, batch int) (float64, error) {
	_, logStd := a.dist(obs, batch)
	total := 0.0
	for _, ls := range logStd {
		total += float64(ls) + logSqrt2Pi + 0.5
	}
	return total / float64(batch), nil
}

// NumParams implements Actor.
func (a *MLPActor) NumParams() int {
	return countScopeParams(a.ctx, "/actor")
}

// Summary implements Actor.
func (a *MLPActor) Summary() string {
	return fmt.Sprintf("MLP squashed-Gaussian actor: obsDims=%d, actDims=%d, params=%d",
		a.obsDims, a.actDims, a.NumParams())
}
