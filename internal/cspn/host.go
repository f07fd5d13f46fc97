package cspn

import (
	"math"
	"math/rand"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// HostParams holds the executed circuit parameters for a batch of
// observations, copied to the host. They support top-down sampling,
// log-probabilities and entropy estimates without building graphs, which also
// keeps these paths easy to test.
type HostParams struct {
	m     *Model
	batch int

	means, stds []float32   // [B, F, I, R]
	sumLogW     [][]float64 // per level, normalized: [B, G, S, C, R]
	rootLogW    []float64   // normalized: [B, rootChildren*R]
}

// HostParams copies the outputs of an execution of ParamsGraph, in the same
// order that ParamsGraph returns its nodes.
func (m *Model) HostParams(outputs []*tensors.Tensor) (*HostParams, error) {
	if want := 2 + len(m.s.levels) + 1; len(outputs) != want {
		return nil, errors.Errorf("expected %d parameter tensors, got %d", want, len(outputs))
	}
	cfg, s := m.cfg, m.s
	hp := &HostParams{
		m:     m,
		means: flatCopy(outputs[0]),
		stds:  flatCopy(outputs[1]),
	}
	hp.batch = len(hp.means) / (cfg.NumVars * cfg.NumDists * cfg.Repetitions)
	hp.sumLogW = make([][]float64, len(s.levels))
	for l, level := range s.levels {
		logits := flatCopy(outputs[2+l])
		hp.sumLogW[l] = normalizeLogits(logits, level.children*cfg.Repetitions, cfg.Repetitions)
	}
	rootLogits := flatCopy(outputs[2+len(s.levels)])
	hp.rootLogW = normalizeLogits(rootLogits, s.rootChildren*cfg.Repetitions, 1)
	return hp, nil
}

func flatCopy(t *tensors.Tensor) []float32 {
	out := make([]float32, 0, t.Shape().Size())
	tensors.ConstFlatData(t, func(flat []float32) {
		out = append(out, flat...)
	})
	return out
}

// normalizeLogits converts raw logits to log-weights. The flat slice is split
// into groups of groupLen values; within a group the normalized axis runs with
// the given stride, so for sum layers ([..., C, R] with groupLen=C*R,
// stride=R) each fixed repetition normalizes over its children, and for the
// root row stride 1 normalizes the whole group.
func normalizeLogits(logits []float32, groupLen, stride int) []float64 {
	out := make([]float64, len(logits))
	numGroups := len(logits) / groupLen
	perStride := groupLen / stride // entries along the normalized axis
	for grp := 0; grp < numGroups; grp++ {
		base := grp * groupLen
		for off := 0; off < stride; off++ {
			maxVal := math.Inf(-1)
			for c := 0; c < perStride; c++ {
				v := float64(logits[base+c*stride+off])
				if v > maxVal {
					maxVal = v
				}
			}
			sum := 0.0
			for c := 0; c < perStride; c++ {
				sum += math.Exp(float64(logits[base+c*stride+off]) - maxVal)
			}
			logZ := maxVal + math.Log(sum)
			for c := 0; c < perStride; c++ {
				idx := base + c*stride + off
				out[idx] = float64(logits[idx]) - logZ
			}
		}
	}
	return out
}

func (hp *HostParams) Batch() int { return hp.batch }

func (hp *HostParams) leafIdx(b, f, i, r int) int {
	cfg := hp.m.cfg
	return ((b*cfg.NumVars+f)*cfg.NumDists+i)*cfg.Repetitions + r
}

func (hp *HostParams) sumIdx(level, b, g, s, c, r int) int {
	cfg := hp.m.cfg
	spec := hp.m.s.levels[level]
	return ((((b*spec.scopes+g)*cfg.NumSums+s)*spec.children+c)*cfg.Repetitions + r)
}

// Selection is a batch of sampled discrete paths through the circuit, in the
// form fed back to the graph for reparameterized sampling: u = Σ mask*means +
// (Σ mask*stds) * eps, reduced over the distribution and repetition axes.
type Selection struct {
	Mask []float32 // [B, F, I, R], one-hot over (I, R) per (b, f)
	Eps  []float32 // [B, F], standard normal (zero when deterministic)
}

// Sample draws one action per batch element by top-down traversal: sample a
// repetition and channel at the root, recurse through sum and product layers,
// then sample each leaf Gaussian. With deterministic set, mixture channels
// take the arg-max weight and leaves return their means.
func (hp *HostParams) Sample(rng *rand.Rand, deterministic bool) ([][]float32, Selection) {
	cfg, s := hp.m.cfg, hp.m.s
	sel := Selection{
		Mask: make([]float32, hp.batch*cfg.NumVars*cfg.NumDists*cfg.Repetitions),
		Eps:  make([]float32, hp.batch*cfg.NumVars),
	}
	u := make([][]float32, hp.batch)
	for b := 0; b < hp.batch; b++ {
		leafChan, rep := hp.samplePath(b, rng, deterministic)
		u[b] = make([]float32, cfg.NumVars)
		for f := 0; f < cfg.NumVars; f++ {
			i := leafChan[s.scopeOfVar(f)]
			sel.Mask[hp.leafIdx(b, f, i, rep)] = 1
			var eps float32
			if !deterministic {
				eps = float32(rng.NormFloat64())
			}
			sel.Eps[b*cfg.NumVars+f] = eps
			idx := hp.leafIdx(b, f, i, rep)
			u[b][f] = hp.means[idx] + hp.stds[idx]*eps
		}
	}
	return u, sel
}

// samplePath picks a repetition and, per scope, a leaf channel.
func (hp *HostParams) samplePath(b int, rng *rand.Rand, deterministic bool) (leafChan []int, rep int) {
	cfg, s := hp.m.cfg, hp.m.s

	rootRow := hp.rootLogW[b*s.rootChildren*cfg.Repetitions : (b+1)*s.rootChildren*cfg.Repetitions]
	j := pickLog(rootRow, rng, deterministic)
	c, rep := j/cfg.Repetitions, j%cfg.Repetitions

	leafChan = make([]int, s.numScopes)
	if len(s.levels) == 0 {
		leafChan[0] = c
		return leafChan, rep
	}

	type frontierNode struct{ g, s int }
	top := len(s.levels) - 1
	frontier := []frontierNode{
		{0, c / cfg.NumSums},
		{1, c % cfg.NumSums},
	}
	for l := top; l >= 0; l-- {
		next := make([]frontierNode, 0, 2*len(frontier))
		for _, node := range frontier {
			row := make([]float64, hp.m.s.levels[l].children)
			for cc := range row {
				row[cc] = hp.sumLogW[l][hp.sumIdx(l, b, node.g, node.s, cc, rep)]
			}
			cc := pickLog(row, rng, deterministic)
			if l == 0 {
				leafChan[node.g] = cc
				continue
			}
			next = append(next,
				frontierNode{2 * node.g, cc / cfg.NumSums},
				frontierNode{2*node.g + 1, cc % cfg.NumSums})
		}
		frontier = next
	}
	return leafChan, rep
}

// pickLog samples an index from normalized log-weights, or the arg-max.
func pickLog(logW []float64, rng *rand.Rand, deterministic bool) int {
	if deterministic {
		best, bestV := 0, math.Inf(-1)
		for i, v := range logW {
			if v > bestV {
				best, bestV = i, v
			}
		}
		return best
	}
	target := rng.Float64()
	acc := 0.0
	for i, v := range logW {
		acc += math.Exp(v)
		if target < acc {
			return i
		}
	}
	return len(logW) - 1
}

// LogProbU evaluates the exact log-density of the (pre-squash) values u for
// batch element b, by the same bottom-up pass as the graph version but in
// float64.
func (hp *HostParams) LogProbU(b int, u []float32) float64 {
	cfg, s := hp.m.cfg, hp.m.s

	// Leaf log-densities summed per scope: [G][I][R] flat.
	cur := make([]float64, s.numScopes*cfg.NumDists*cfg.Repetitions)
	for f := 0; f < cfg.NumVars; f++ {
		g := s.scopeOfVar(f)
		for i := 0; i < cfg.NumDists; i++ {
			for r := 0; r < cfg.Repetitions; r++ {
				idx := hp.leafIdx(b, f, i, r)
				std := float64(hp.stds[idx])
				z := (float64(u[f]) - float64(hp.means[idx])) / std
				cur[(g*cfg.NumDists+i)*cfg.Repetitions+r] += -0.5*z*z - math.Log(std) - logSqrt2Pi
			}
		}
	}

	children := cfg.NumDists
	for l, level := range s.levels {
		// Sum layer: [G][S][R].
		mixed := make([]float64, level.scopes*cfg.NumSums*cfg.Repetitions)
		row := make([]float64, children)
		for g := 0; g < level.scopes; g++ {
			for sIdx := 0; sIdx < cfg.NumSums; sIdx++ {
				for r := 0; r < cfg.Repetitions; r++ {
					for c := 0; c < children; c++ {
						row[c] = hp.sumLogW[l][hp.sumIdx(l, b, g, sIdx, c, r)] +
							cur[(g*children+c)*cfg.Repetitions+r]
					}
					mixed[(g*cfg.NumSums+sIdx)*cfg.Repetitions+r] = logSumExp64(row)
				}
			}
		}
		// Product layer: pair scopes (2h, 2h+1).
		half := level.scopes / 2
		children = cfg.NumSums * cfg.NumSums
		cur = make([]float64, half*children*cfg.Repetitions)
		for h := 0; h < half; h++ {
			for s0 := 0; s0 < cfg.NumSums; s0++ {
				for s1 := 0; s1 < cfg.NumSums; s1++ {
					for r := 0; r < cfg.Repetitions; r++ {
						cur[(h*children+s0*cfg.NumSums+s1)*cfg.Repetitions+r] =
							mixed[(2*h*cfg.NumSums+s0)*cfg.Repetitions+r] +
								mixed[((2*h+1)*cfg.NumSums+s1)*cfg.Repetitions+r]
					}
				}
			}
		}
	}

	row := make([]float64, s.rootChildren*cfg.Repetitions)
	base := b * len(row)
	for j := range row {
		row[j] = hp.rootLogW[base+j] + cur[j]
	}
	return logSumExp64(row)
}

// NaiveEntropy is the Monte-Carlo estimate -1/n Σ log p(uᵢ) over n fresh
// samples for batch element b.
func (hp *HostParams) NaiveEntropy(b, n int, rng *rand.Rand) float64 {
	cfg, s := hp.m.cfg, hp.m.s
	u := make([]float32, cfg.NumVars)
	total := 0.0
	for k := 0; k < n; k++ {
		leafChan, rep := hp.samplePath(b, rng, false)
		for f := 0; f < cfg.NumVars; f++ {
			idx := hp.leafIdx(b, f, leafChan[s.scopeOfVar(f)], rep)
			u[f] = hp.means[idx] + hp.stds[idx]*float32(rng.NormFloat64())
		}
		total += hp.LogProbU(b, u)
	}
	return -total / float64(n)
}

// RecursiveEntropy decomposes the entropy over the circuit: exact Gaussian
// entropies at the leaves, H = Σ w (H_c - log w) at sums, additivity at
// products. Matches RecursiveEntropyGraph.
func (hp *HostParams) RecursiveEntropy(b int) float64 {
	cfg, s := hp.m.cfg, hp.m.s

	cur := make([]float64, s.numScopes*cfg.NumDists*cfg.Repetitions)
	for f := 0; f < cfg.NumVars; f++ {
		g := s.scopeOfVar(f)
		for i := 0; i < cfg.NumDists; i++ {
			for r := 0; r < cfg.Repetitions; r++ {
				cur[(g*cfg.NumDists+i)*cfg.Repetitions+r] +=
					logSqrt2Pi + 0.5 + math.Log(float64(hp.stds[hp.leafIdx(b, f, i, r)]))
			}
		}
	}

	children := cfg.NumDists
	for l, level := range s.levels {
		mixed := make([]float64, level.scopes*cfg.NumSums*cfg.Repetitions)
		for g := 0; g < level.scopes; g++ {
			for sIdx := 0; sIdx < cfg.NumSums; sIdx++ {
				for r := 0; r < cfg.Repetitions; r++ {
					acc := 0.0
					for c := 0; c < children; c++ {
						logW := hp.sumLogW[l][hp.sumIdx(l, b, g, sIdx, c, r)]
						acc += math.Exp(logW) * (cur[(g*children+c)*cfg.Repetitions+r] - logW)
					}
					mixed[(g*cfg.NumSums+sIdx)*cfg.Repetitions+r] = acc
				}
			}
		}
		half := level.scopes / 2
		children = cfg.NumSums * cfg.NumSums
		cur = make([]float64, half*children*cfg.Repetitions)
		for h := 0; h < half; h++ {
			for s0 := 0; s0 < cfg.NumSums; s0++ {
				for s1 := 0; s1 < cfg.NumSums; s1++ {
					for r := 0; r < cfg.Repetitions; r++ {
						cur[(h*children+s0*cfg.NumSums+s1)*cfg.Repetitions+r] =
							mixed[(2*h*cfg.NumSums+s0)*cfg.Repetitions+r] +
								mixed[((2*h+1)*cfg.NumSums+s1)*cfg.Repetitions+r]
					}
				}
			}
		}
	}

	acc := 0.0
	base := b * s.rootChildren * cfg.Repetitions
	for j := 0; j < s.rootChildren*cfg.Repetitions; j++ {
		logW := hp.rootLogW[base+j]
		acc += math.Exp(logW) * (cur[j] - logW)
	}
	return acc
}

func logSumExp64(xs []float64) float64 {
	maxVal := math.Inf(-1)
	for _, v := range xs {
		if v > maxVal {
			maxVal = v
		}
	}
	if math.IsInf(maxVal, -1) {
		return maxVal
	}
	sum := 0.0
	for _, v := range xs {
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}
