package sac

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/probcircuits/cspnsac/internal/env"
)

const squashEpsilon = 1e-6

// Actor is a stochastic policy over a continuous, bounded action space. Both
// implementations sample a latent u from a conditional distribution and squash
// it through tanh into the action box.
type Actor interface {
	// Act returns env actions, flat [batch, actDims], for flat observations
	// [batch, obsDims]. Deterministic mode returns the mode of the policy.
	Act(obs []float32, batch int, deterministic bool) ([]float32, error)

	// ActWithLogProb samples actions and their log-densities under the policy.
	ActWithLogProb(obs []float32, batch int) (actions []float32, logProbs []float64, err error)

	// SampleInputs draws the stochastic inputs (noise, mixture selections) that
	// LossTermsGraph needs to reparameterize a sample for the same batch.
	SampleInputs(obs []float32, batch int) ([]*tensors.Tensor, error)

	// LossTermsGraph builds the differentiable pieces of the actor loss:
	// squashed actions [B, A], their log-densities [B], and an in-graph entropy
	// estimate [B] or nil when the policy has none.
	LossTermsGraph(ctx *context.Context, obs *Node, extras []*Node) (action, logProb, entropy *Node)

	// EntropyEstimate is a host-side entropy estimate averaged over the batch,
	// for logging.
	EntropyEstimate(obs []float32, batch int) (float64, error)

	// NumParams is the number of trainable parameters.
	NumParams() int

	Summary() string
}

// boxTransform precomputes the affine part of squashing u into a Box:
// a = center + scale*tanh(u).
type boxTransform struct {
	center, scale []float32
	logScaleSum   float64
}

func newBoxTransform(box env.Box) boxTransform {
	dims := box.Dims()
	bt := boxTransform{
		center: make([]float32, dims),
		scale:  make([]float32, dims),
	}
	for i := 0; i < dims; i++ {
		bt.center[i] = (box.High[i] + box.Low[i]) / 2
		bt.scale[i] = (box.High[i] - box.Low[i]) / 2
		bt.logScaleSum += math.Log(float64(bt.scale[i]))
	}
	return bt
}

// squashGraph maps latent values u [B, A] into the action box.
func (bt boxTransform) squashGraph(u *Node) *Node {
	g := u.Graph()
	return Add(Const(g, bt.center), Mul(Const(g, bt.scale), Tanh(u)))
}

// logProbGraph corrects the latent log-density for the tanh-and-scale change
// of variables: log p(a) = log p(u) - Σ [log scale + log(1 - tanh(u)²+ ε)].
func (bt boxTransform) logProbGraph(latentLogProb, u *Node) *Node {
	tanhU := Tanh(u)
	jac := Log(AddScalar(Sub(OnesLike(tanhU), Mul(tanhU, tanhU)), squashEpsilon))
	correction := AddScalar(ReduceSum(jac, -1), bt.logScaleSum)
	return Sub(latentLogProb, correction)
}

// squashHost is the host-side counterpart of squashGraph for one action row.
func (bt boxTransform) squashHost(u []float32, out []float32) {
	for i, v := range u {
		out[i] = bt.center[i] + bt.scale[i]*float32(math.Tanh(float64(v)))
	}
}

// logProbHost applies the change-of-variables correction on the host.
func (bt boxTransform) logProbHost(latentLogProb float64, u []float32) float64 {
	correction := bt.logScaleSum
	for _, v := range u {
		t := math.Tanh(float64(v))
		correction += math.Log(1 - t*t + squashEpsilon)
	}
	return latentLogProb - correction
}

// tensorFromFlat builds a float32 tensor of the given dims from a flat slice.
func tensorFromFlat(flat []float32, dims ...int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	tensors.MutableFlatData(t, func(out []float32) {
		copy(out, flat)
	})
	return t
}
