package cspn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMaxDepth(t *testing.T) {
	require.Equal(t, 0, MaxDepth(1))
	require.Equal(t, 1, MaxDepth(2))
	require.Equal(t, 2, MaxDepth(3))
	require.Equal(t, 2, MaxDepth(4))
	require.Equal(t, 3, MaxDepth(5))
	require.Equal(t, 4, MaxDepth(11))
}

func TestConfigValidate(t *testing.T) {
	base := Config{NumVars: 4, CondDims: 8}.WithDefaults()
	require.NoError(t, base.Validate())
	require.Equal(t, 2, base.Depth)
	require.Equal(t, ObjectiveRecursive, base.EntropyObjective)

	bad := base
	bad.NumVars = 0
	require.Error(t, bad.Validate())

	bad = base
	bad.Depth = 5
	require.Error(t, bad.Validate())

	bad = base
	bad.Dropout = 1
	require.Error(t, bad.Validate())

	bad = base
	bad.EntropyObjective = "exact"
	require.Error(t, bad.Validate())
}

func TestStructureLayout(t *testing.T) {
	cfg := Config{NumVars: 5, CondDims: 3, Repetitions: 2, Depth: 2, NumDists: 3, NumSums: 4}
	s := newStructure(cfg)
	require.Equal(t, 4, s.numScopes)
	require.Equal(t, 2, s.groupSize)
	require.Equal(t, 3, s.padVars)
	require.Len(t, s.levels, 2)
	require.Equal(t, 4, s.levels[0].scopes)
	require.Equal(t, 3, s.levels[0].children)
	require.Equal(t, 2, s.levels[1].scopes)
	require.Equal(t, 16, s.levels[1].children)
	require.Equal(t, 16, s.rootChildren)

	// Variables fill scopes contiguously, last scope padded.
	require.Equal(t, 0, s.scopeOfVar(0))
	require.Equal(t, 0, s.scopeOfVar(1))
	require.Equal(t, 2, s.scopeOfVar(4))
	from, to := s.varsOfScope(2)
	require.Equal(t, 4, from)
	require.Equal(t, 5, to)

	// Depth 0 collapses to a single scope holding every variable.
	s = newStructure(Config{NumVars: 5, CondDims: 3, Repetitions: 2, NumDists: 3, NumSums: 4})
	require.Equal(t, 1, s.numScopes)
	require.Equal(t, 5, s.groupSize)
	require.Empty(t, s.levels)
	require.Equal(t, 3, s.rootChildren)
}

func TestNumParams(t *testing.T) {
	// No hidden layers anywhere: two leaf heads of CondDims -> F*I*R plus the
	// root head of CondDims -> I*R (depth 0, so no sum layers).
	cfg := Config{NumVars: 2, CondDims: 3, Repetitions: 1, NumDists: 2, NumSums: 1}
	leafOut := 2 * 2 * 1
	want := 2*(3*leafOut+leafOut) + (3*2 + 2)
	require.Equal(t, want, cfg.NumParams())

	cfg.FeatLayers = []int{8}
	require.Greater(t, cfg.NumParams(), want)
}

func TestNormalizeLogits(t *testing.T) {
	// Uniform logits over 4 children, 2 repetitions interleaved.
	logits := make([]float32, 8)
	logW := normalizeLogits(logits, 8, 2)
	for _, v := range logW {
		require.InDelta(t, math.Log(0.25), v, 1e-9)
	}

	// Stride 1 normalizes the whole group.
	logW = normalizeLogits([]float32{0, 0}, 2, 1)
	require.InDelta(t, math.Log(0.5), logW[0], 1e-9)

	// Repetitions normalize independently.
	logW = normalizeLogits([]float32{1, 0, 1, 0}, 4, 2)
	require.InDelta(t, math.Log(0.5), logW[0], 1e-9) // both children of rep 0 have logit 1
	require.InDelta(t, math.Log(0.5), logW[1], 1e-9)
}

// mixtureParams builds host parameters for a depth-0, single-variable circuit:
// a plain mixture of NumDists Gaussians.
func mixtureParams(t *testing.T, means, stds []float32, weights []float64) *HostParams {
	t.Helper()
	model, err := New(Config{
		NumVars: 1, CondDims: 1,
		Repetitions: 1, NumDists: len(means), NumSums: 1, Depth: 0,
	})
	require.NoError(t, err)
	logW := make([]float64, len(weights))
	for i, w := range weights {
		logW[i] = math.Log(w)
	}
	return &HostParams{
		m:        model,
		batch:    1,
		means:    means,
		stds:     stds,
		sumLogW:  nil,
		rootLogW: logW,
	}
}

func TestLogProbMatchesClosedFormMixture(t *testing.T) {
	hp := mixtureParams(t,
		[]float32{-1, 2}, []float32{0.5, 1.5}, []float64{0.3, 0.7})
	gauss := func(x, mu, sigma float64) float64 {
		z := (x - mu) / sigma
		return math.Exp(-0.5*z*z) / (sigma * math.Sqrt(2*math.Pi))
	}
	for _, x := range []float64{-2, -1, 0, 0.7, 2, 5} {
		want := math.Log(0.3*gauss(x, -1, 0.5) + 0.7*gauss(x, 2, 1.5))
		got := hp.LogProbU(0, []float32{float32(x)})
		require.InDelta(t, want, got, 1e-5, "x=%v", x)
	}
}

func TestSampleDeterministicPicksArgMax(t *testing.T) {
	hp := mixtureParams(t,
		[]float32{-1, 2}, []float32{0.5, 1.5}, []float64{0.3, 0.7})
	rng := rand.New(rand.NewSource(1))
	u, sel := hp.Sample(rng, true)
	require.Len(t, u, 1)
	require.InDelta(t, 2.0, float64(u[0][0]), 1e-6)
	require.Equal(t, []float32{0, 1}, sel.Mask)
	require.Equal(t, float32(0), sel.Eps[0])
}

func TestSampleStatistics(t *testing.T) {
	hp := mixtureParams(t,
		[]float32{-1, 2}, []float32{0.5, 1.5}, []float64{0.3, 0.7})
	rng := rand.New(rand.NewSource(7))
	const n = 20000
	sum, picks := 0.0, 0
	for k := 0; k < n; k++ {
		u, sel := hp.Sample(rng, false)
		sum += float64(u[0][0])
		if sel.Mask[1] == 1 {
			picks++
		}
	}
	wantMean := 0.3*(-1) + 0.7*2
	require.InDelta(t, wantMean, sum/n, 0.05)
	require.InDelta(t, 0.7, float64(picks)/n, 0.02)
}

func TestRecursiveEntropySingleGaussian(t *testing.T) {
	sigma := 0.5
	hp := mixtureParams(t, []float32{3}, []float32{float32(sigma)}, []float64{1})
	want := 0.5*math.Log(2*math.Pi*math.E) + math.Log(sigma)
	require.InDelta(t, want, hp.RecursiveEntropy(0), 1e-6)

	rng := rand.New(rand.NewSource(3))
	require.InDelta(t, want, hp.NaiveEntropy(0, 4000, rng), 0.05)
}

func TestDeepCircuitSamplesAndScores(t *testing.T) {
	model, err := New(Config{
		NumVars: 4, CondDims: 6,
		Repetitions: 2, NumDists: 3, NumSums: 2, Depth: 2,
	})
	require.NoError(t, err)
	cfg, s := model.cfg, model.s
	require.Equal(t, 4, s.numScopes)
	require.Equal(t, 4, s.rootChildren)

	rng := rand.New(rand.NewSource(11))
	batch := 2
	hp := &HostParams{m: model, batch: batch}
	leafLen := batch * cfg.NumVars * cfg.NumDists * cfg.Repetitions
	hp.means = make([]float32, leafLen)
	hp.stds = make([]float32, leafLen)
	for i := range hp.means {
		hp.means[i] = float32(rng.NormFloat64())
		hp.stds[i] = float32(0.2 + rng.Float64())
	}
	hp.sumLogW = make([][]float64, len(s.levels))
	for l, level := range s.levels {
		logits := make([]float32, batch*level.scopes*cfg.NumSums*level.children*cfg.Repetitions)
		for i := range logits {
			logits[i] = float32(rng.NormFloat64())
		}
		hp.sumLogW[l] = normalizeLogits(logits, level.children*cfg.Repetitions, cfg.Repetitions)
	}
	rootLogits := make([]float32, batch*s.rootChildren*cfg.Repetitions)
	for i := range rootLogits {
		rootLogits[i] = float32(rng.NormFloat64())
	}
	hp.rootLogW = normalizeLogits(rootLogits, s.rootChildren*cfg.Repetitions, 1)

	u, sel := hp.Sample(rng, false)
	require.Len(t, u, batch)
	for b := 0; b < batch; b++ {
		require.Len(t, u[b], cfg.NumVars)
		lp := hp.LogProbU(b, u[b])
		require.False(t, math.IsNaN(lp) || math.IsInf(lp, 0))

		// One-hot selection per variable.
		for f := 0; f < cfg.NumVars; f++ {
			count := 0
			for i := 0; i < cfg.NumDists; i++ {
				for r := 0; r < cfg.Repetitions; r++ {
					if sel.Mask[hp.leafIdx(b, f, i, r)] == 1 {
						count++
					}
				}
			}
			require.Equal(t, 1, count, "batch %d var %d", b, f)
		}

		// The recursive decomposition upper-bounds the true entropy, which
		// the naive estimate approaches from below (modulo MC noise).
		recurs := hp.RecursiveEntropy(b)
		naive := hp.NaiveEntropy(b, 3000, rng)
		require.False(t, math.IsNaN(recurs) || math.IsNaN(naive))
		require.LessOrEqual(t, naive, recurs+0.3, "batch %d", b)
	}
}
