package sac

import (
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Critic scope prefixes. "critic" holds the live twin Q networks, "target"
// their slow copies for TD targets, and "frozen" a hard copy used inside the
// actor step so actor gradients cannot reach the live critic.
const (
	scopeCritic = "critic"
	scopeTarget = "target"
	scopeFrozen = "frozen"
)

// twinQGraph builds (or reuses) the twin Q networks under the given scope and
// returns both values, each [B].
func twinQGraph(ctx *context.Context, scope string, obs, action *Node) (q1, q2 *Node) {
	base := ctx.In(scope)
	input := Concatenate([]*Node{obs, action}, -1)
	q1 = Squeeze(fnnLayer.New(base.In("q1"), input, 1).Done(), -1)
	q2 = Squeeze(fnnLayer.New(base.In("q2"), input, 1).Done(), -1)
	return
}

// minQGraph is the clipped double-Q value, [B].
func minQGraph(ctx *context.Context, scope string, obs, action *Node) *Node {
	q1, q2 := twinQGraph(ctx, scope, obs, action)
	return Min(q1, q2)
}

// blendScopeVariables sets every variable under dstPrefix to
// tau*src + (1-tau)*dst, matching variables by their path relative to the
// prefixes. tau=1 is a hard copy.
func blendScopeVariables(ctx *context.Context, srcPrefix, dstPrefix string, tau float64) error {
	src := make(map[string]*context.Variable)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.HasPrefix(v.Scope(), srcPrefix) {
			src[strings.TrimPrefix(v.Scope(), srcPrefix)+"/"+v.Name()] = v
		}
	})
	var firstErr error
	ctx.EnumerateVariables(func(v *context.Variable) {
		if firstErr != nil || !strings.HasPrefix(v.Scope(), dstPrefix) {
			return
		}
		key := strings.TrimPrefix(v.Scope(), dstPrefix) + "/" + v.Name()
		srcVar, ok := src[key]
		if !ok {
			firstErr = errors.Errorf("no source variable under %s matching %s%s", srcPrefix, dstPrefix, key)
			return
		}
		srcT, dstT := srcVar.Value(), v.Value()
		if srcT.DType() != dtypes.Float32 {
			firstErr = errors.Errorf("variable %s%s has dtype %s, only float32 is blended", dstPrefix, key, srcT.DType())
			return
		}
		blended := tensors.FromShape(srcT.Shape())
		tensors.MutableFlatData(blended, func(out []float32) {
			tensors.ConstFlatData(srcT, func(s []float32) {
				if tau >= 1 {
					copy(out, s)
					return
				}
				tensors.ConstFlatData(dstT, func(d []float32) {
					for i := range out {
						out[i] = float32(tau)*s[i] + float32(1-tau)*d[i]
					}
				})
			})
		})
		v.SetValue(blended)
	})
	return firstErr
}

// setScopeTrainable flips the Trainable flag on every variable under prefix.
func setScopeTrainable(ctx *context.Context, prefix string, trainable bool) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		if strings.HasPrefix(v.Scope(), prefix) {
			v.Trainable = trainable
		}
	})
}

// countScopeParams counts the trainable parameters under prefix.
func countScopeParams(ctx *context.Context, prefix string) int {
	count := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && strings.HasPrefix(v.Scope(), prefix) {
			count += v.Value().Shape().Size()
		}
	})
	return count
}

// flatCopy copies a float32 tensor's data to the host.
func flatCopy(t *tensors.Tensor) []float32 {
	out := make([]float32, 0, t.Shape().Size())
	tensors.ConstFlatData(t, func(flat []float32) {
		out = append(out, flat...)
	})
	return out
}

// clipNode limits x to [low, high].
func clipNode(x *Node, low, high float64) *Node {
	g := x.Graph()
	return Min(Max(x, Const(g, float32(low))), Const(g, float32(high)))
}
