package cspn

import (
	"fmt"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// Bounds on the leaf log-stds, to keep sampling and log-probs stable.
	logStdMin = -5.0
	logStdMax = 2.0

	logSqrt2Pi = 0.9189385332046727 // 0.5*log(2π)
)

// graphParams are the circuit parameters produced by the conditioning
// networks for a batch of observations.
type graphParams struct {
	means, stds *Node   // [B, F, I, R]
	sumLogits   []*Node // per sum layer, bottom-up: [B, G, S, C, R]
	rootLogits  *Node   // [B, rootChildren*R]
}

// ParamsGraph builds the conditioning networks and returns all circuit
// parameters as a flat list: means, stds, one node per sum layer (bottom-up),
// then the root logits. The host-side sampler consumes the executed values in
// this same order.
func (m *Model) ParamsGraph(ctx *context.Context, obs *Node) []*Node {
	p := m.paramsGraph(ctx, obs)
	out := []*Node{p.means, p.stds}
	out = append(out, p.sumLogits...)
	out = append(out, p.rootLogits)
	return out
}

func (m *Model) paramsGraph(ctx *context.Context, obs *Node) graphParams {
	cfg, s := m.cfg, m.s
	batch := obs.Shape().Dim(0)
	feat := m.features(ctx, obs)

	var p graphParams
	leafDims := cfg.NumVars * cfg.NumDists * cfg.Repetitions
	means := m.head(ctx, "dist_mean", feat, cfg.DistParamLayers, leafDims)
	p.means = Reshape(means, batch, cfg.NumVars, cfg.NumDists, cfg.Repetitions)
	logStds := m.head(ctx, "dist_logstd", feat, cfg.DistParamLayers, leafDims)
	logStds = clipConst(logStds, logStdMin, logStdMax)
	p.stds = Exp(Reshape(logStds, batch, cfg.NumVars, cfg.NumDists, cfg.Repetitions))

	p.sumLogits = make([]*Node, len(s.levels))
	for l, level := range s.levels {
		dims := level.scopes * cfg.NumSums * level.children * cfg.Repetitions
		logits := m.head(ctx, fmt.Sprintf("sum_%d", l), feat, cfg.SumParamLayers, dims)
		p.sumLogits[l] = Reshape(logits, batch, level.scopes, cfg.NumSums, level.children, cfg.Repetitions)
	}
	p.rootLogits = m.head(ctx, "root", feat, cfg.SumParamLayers, s.rootChildren*cfg.Repetitions)
	return p
}

// features builds the shared conditioning feature stack.
func (m *Model) features(ctx *context.Context, obs *Node) *Node {
	h := obs
	for ii, size := range m.cfg.FeatLayers {
		h = layers.Dense(ctx.In(fmt.Sprintf("feat_%d", ii)), h, true, size)
		h = m.innerAct(h)
		h = m.dropoutGraph(ctx, h)
	}
	return h
}

// head builds one parameter head: a dense chain through sizes, then a linear
// projection to outDims.
func (m *Model) head(ctx *context.Context, name string, feat *Node, sizes []int, outDims int) *Node {
	h := feat
	for ii, size := range sizes {
		h = layers.Dense(ctx.In(fmt.Sprintf("%s_%d", name, ii)), h, true, size)
		h = m.innerAct(h)
	}
	return layers.Dense(ctx.In(name+"_out"), h, true, outDims)
}

func (m *Model) innerAct(x *Node) *Node {
	if !m.cfg.InnerReLU {
		return x
	}
	return Max(x, ZerosLike(x))
}

func (m *Model) dropoutGraph(ctx *context.Context, x *Node) *Node {
	rate := float64(m.cfg.Dropout)
	if rate <= 0 {
		return x
	}
	g := x.Graph()
	if !ctx.IsTraining(g) {
		return x
	}
	keep := 1 - rate
	mask := ConvertDType(
		LessThan(ctx.RandomUniform(g, x.Shape()), Const(g, float32(keep))),
		x.DType())
	return DivScalar(Mul(x, mask), keep)
}

// paramsFromSlice is the inverse of ParamsGraph's flattening.
func (m *Model) paramsFromSlice(params []*Node) graphParams {
	numLevels := len(m.s.levels)
	return graphParams{
		means:      params[0],
		stds:       params[1],
		sumLogits:  params[2 : 2+numLevels],
		rootLogits: params[2+numLevels],
	}
}

// LogProbGraph returns the log-density [B] of the (pre-squash) values u [B, F]
// under the circuit conditioned on obs [B, CondDims].
func (m *Model) LogProbGraph(ctx *context.Context, obs, u *Node) *Node {
	p := m.paramsGraph(ctx, obs)
	return m.circuitLogProb(p, u)
}

// LogProbFromParams is like LogProbGraph but reuses already-built parameter
// nodes, as returned by ParamsGraph on the same graph.
func (m *Model) LogProbFromParams(params []*Node, u *Node) *Node {
	return m.circuitLogProb(m.paramsFromSlice(params), u)
}

// SampleFromParams reconstructs the (pre-squash) values u [B, F] from a
// host-side Selection fed back as graph inputs: selMask [B, F, I, R] one-hot
// over the selected leaf components and eps [B, F] the standard normal draws.
// The result is differentiable w.r.t. the leaf means and stds.
func (m *Model) SampleFromParams(params []*Node, selMask, eps *Node) *Node {
	p := m.paramsFromSlice(params)
	mean := ReduceSum(ReduceSum(Mul(p.means, selMask), -1), -1)
	std := ReduceSum(ReduceSum(Mul(p.stds, selMask), -1), -1)
	return Add(mean, Mul(std, eps))
}

func (m *Model) circuitLogProb(p graphParams, u *Node) *Node {
	cfg, s := m.cfg, m.s
	g := u.Graph()
	batch := u.Shape().Dim(0)

	// Leaf Gaussian log-densities: [B, F, I, R].
	x := ExpandAxes(ExpandAxes(u, -1), -1)
	z := Div(Sub(x, p.means), p.stds)
	logLeaf := Sub(
		Sub(MulScalar(Mul(z, z), -0.5), Log(p.stds)),
		Const(g, float32(logSqrt2Pi)))

	xl := m.groupScopes(g, logLeaf, batch)
	for l := range s.levels {
		xl = sumLayerLogProb(xl, p.sumLogits[l])
		xl = productPairs(xl)
	}

	// Root mixture over the remaining channels and repetitions.
	flat := Reshape(xl, batch, s.rootChildren*cfg.Repetitions)
	logW := logSoftmax(p.rootLogits, 1)
	return logSumExp(Add(flat, logW), 1)
}

// groupScopes pads the per-variable leaf values to fill the scopes and sums
// the variables within each scope (a product of leaves, in log space).
// In: [B, F, I, R]; out: [B, numScopes, I, R].
func (m *Model) groupScopes(g *Graph, logLeaf *Node, batch int) *Node {
	cfg, s := m.cfg, m.s
	if s.padVars > 0 {
		zeros := Zeros(g, shapes.Make(dtypes.Float32, batch, s.padVars, cfg.NumDists, cfg.Repetitions))
		logLeaf = Concatenate([]*Node{logLeaf, zeros}, 1)
	}
	grouped := Reshape(logLeaf, batch, s.numScopes, s.groupSize, cfg.NumDists, cfg.Repetitions)
	return ReduceSum(grouped, 2)
}

// sumLayerLogProb mixes the children channels of each scope.
// In: x [B, G, C, R], logits [B, G, S, C, R]; out: [B, G, S, R].
func sumLayerLogProb(x, logits *Node) *Node {
	logW := logSoftmax(logits, 3)
	xe := ExpandAxes(x, 2) // [B, G, 1, C, R]
	return logSumExp(Add(xe, logW), 3)
}

// productPairs pairs adjacent scopes, taking all channel combinations.
// In: [B, G, S, R] with G even; out: [B, G/2, S*S, R] with channel s0*S+s1.
func productPairs(x *Node) *Node {
	g := x.Graph()
	batch, scopes, sums, reps := x.Shape().Dim(0), x.Shape().Dim(1), x.Shape().Dim(2), x.Shape().Dim(3)
	y := Reshape(x, batch, scopes/2, 2, sums, reps)

	idx := Iota(g, shapes.Make(dtypes.Float32, 1, 1, 2, 1, 1), 2)
	left := ReduceSum(Mul(y, Sub(OnesLike(idx), idx)), 2)  // [B, G/2, S, R]
	right := ReduceSum(Mul(y, idx), 2)                     // [B, G/2, S, R]
	combined := Add(ExpandAxes(left, 3), ExpandAxes(right, 2)) // [B, G/2, S, S, R]
	return Reshape(combined, batch, scopes/2, sums*sums, reps)
}

// RecursiveEntropyGraph returns an approximate entropy [B] of the conditional
// distribution, decomposed over the circuit: exact Gaussian entropies at the
// leaves, H = Σ wᵢ (Hᵢ - log wᵢ) at sums, and additivity at products.
func (m *Model) RecursiveEntropyGraph(ctx *context.Context, obs *Node) *Node {
	p := m.paramsGraph(ctx, obs)
	return m.entropyFromParams(p)
}

// RecursiveEntropyFromParams is like RecursiveEntropyGraph but reuses
// already-built parameter nodes.
func (m *Model) RecursiveEntropyFromParams(params []*Node) *Node {
	return m.entropyFromParams(m.paramsFromSlice(params))
}

func (m *Model) entropyFromParams(p graphParams) *Node {
	cfg, s := m.cfg, m.s
	g := p.stds.Graph()
	batch := p.stds.Shape().Dim(0)

	// Leaf entropies: 0.5*log(2πe) + log σ, shaped [B, F, I, R].
	leafH := AddScalar(Log(p.stds), logSqrt2Pi+0.5)
	ent := m.groupScopes(g, leafH, batch)
	for l := range s.levels {
		ent = sumLayerEntropy(ent, p.sumLogits[l])
		ent = productPairs(ent)
	}

	flat := Reshape(ent, batch, s.rootChildren*cfg.Repetitions)
	logW := logSoftmax(p.rootLogits, 1)
	return ReduceSum(Mul(Exp(logW), Sub(flat, logW)), 1)
}

// sumLayerEntropy propagates entropies through a sum layer:
// H[s] = Σ_c w[s,c] (H[c] - log w[s,c]).
func sumLayerEntropy(ent, logits *Node) *Node {
	logW := logSoftmax(logits, 3)
	he := ExpandAxes(ent, 2) // [B, G, 1, C, R]
	return ReduceSum(Mul(Exp(logW), Sub(he, logW)), 3)
}

// logSumExp reduces the given axis in a numerically stable way.
func logSumExp(x *Node, axis int) *Node {
	maxVal := ReduceMax(x, axis)
	shifted := Sub(x, StopGradient(ExpandAxes(maxVal, axis)))
	return Add(maxVal, Log(ReduceSum(Exp(shifted), axis)))
}

// logSoftmax normalizes log-weights along the given axis.
func logSoftmax(x *Node, axis int) *Node {
	return Sub(x, ExpandAxes(logSumExp(x, axis), axis))
}

// clipConst limits x to [low, high].
func clipConst(x *Node, low, high float64) *Node {
	g := x.Graph()
	return Min(Max(x, Const(g, float32(low))), Const(g, float32(high)))
}
