// Package cspn implements a Conditional Sum-Product Network (CSPN) over a
// small set of continuous variables, used as the policy head of an RL agent:
// the distribution over actions is a tractable sum-product circuit whose
// leaf Gaussians and sum weights are produced by conditioning networks from
// the observation.
//
// The circuit follows the usual region-graph layout: variables are split into
// 2^depth scopes; per scope a bank of Gaussian leaves, then alternating sum
// layers (mixtures over channels) and product layers (pairing adjacent
// scopes) up to a root mixture across repetitions.
//
// Graph building (differentiable log-probability and entropy) lives in
// graph.go; the host-side mirror used for sampling and acting in host.go.
package cspn

import (
	"bytes"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Objective selects the entropy approximation the agent maximizes and logs.
type Objective string

const (
	// ObjectiveNaive is a Monte-Carlo entropy estimate: -mean log p over samples.
	ObjectiveNaive Objective = "naive"

	// ObjectiveRecursive decomposes the entropy over the circuit: exact leaf
	// entropies combined bottom-up through sums and products.
	ObjectiveRecursive Objective = "recursive"
)

// Config of a CSPN policy head.
type Config struct {
	// NumVars is the number of modeled variables (action dimensions).
	NumVars int

	// CondDims is the dimension of the conditional input (observation).
	CondDims int

	// Repetitions (R) of the circuit, mixed at the root.
	Repetitions int

	// Depth (D) of the circuit: number of scope-halving product layers.
	// 0 means use MaxDepth(NumVars).
	Depth int

	// NumDists (I) is the number of Gaussian leaves per variable and repetition.
	NumDists int

	// NumSums (S) per scope in each sum layer.
	NumSums int

	// Dropout rate applied inside the conditioning feature stack during training.
	Dropout float32

	// InnerReLU applies ReLU between the conditioning layers; otherwise they
	// compose linearly.
	InnerReLU bool

	// FeatLayers are the sizes of the shared conditioning feature stack.
	FeatLayers []int

	// SumParamLayers are the sizes of the head producing sum-layer weights.
	SumParamLayers []int

	// DistParamLayers are the sizes of the head producing leaf parameters.
	DistParamLayers []int

	// EntropyObjective selects the entropy approximation (default recursive).
	EntropyObjective Objective

	// RecursiveSampleSize is the number of observations sampled when estimating
	// the mean recursive entropy of the policy.
	RecursiveSampleSize int

	// NaiveSampleSize is the number of action samples for the naive estimate.
	NaiveSampleSize int
}

// MaxDepth is the deepest sensible circuit for the given number of variables:
// ceil(log2(numVars)).
func MaxDepth(numVars int) int {
	if numVars <= 1 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(numVars))))
}

// WithDefaults fills unset fields with their defaults and returns the config.
func (c Config) WithDefaults() Config {
	if c.Repetitions == 0 {
		c.Repetitions = 3
	}
	if c.NumDists == 0 {
		c.NumDists = 3
	}
	if c.NumSums == 0 {
		c.NumSums = 3
	}
	if c.Depth == 0 {
		c.Depth = MaxDepth(c.NumVars)
	}
	if c.EntropyObjective == "" {
		c.EntropyObjective = ObjectiveRecursive
	}
	if c.RecursiveSampleSize == 0 {
		c.RecursiveSampleSize = 5
	}
	if c.NaiveSampleSize == 0 {
		c.NaiveSampleSize = 50
	}
	return c
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.NumVars < 1 {
		return errors.Errorf("CSPN needs at least 1 variable, got %d", c.NumVars)
	}
	if c.CondDims < 1 {
		return errors.Errorf("CSPN conditional input must have at least 1 dimension, got %d", c.CondDims)
	}
	if c.Repetitions < 1 || c.NumDists < 1 || c.NumSums < 1 {
		return errors.Errorf("CSPN repetitions/dists/sums must all be >= 1, got R=%d I=%d S=%d",
			c.Repetitions, c.NumDists, c.NumSums)
	}
	if maxDepth := MaxDepth(c.NumVars); c.Depth < 0 || c.Depth > maxDepth {
		return errors.Errorf("CSPN depth must be in [0, %d] for %d variables, got %d",
			maxDepth, c.NumVars, c.Depth)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("CSPN dropout must be in [0, 1), got %g", c.Dropout)
	}
	switch c.EntropyObjective {
	case ObjectiveNaive, ObjectiveRecursive:
	default:
		return errors.Errorf("unknown entropy objective %q", c.EntropyObjective)
	}
	return nil
}

// levelSpec describes one sum layer, bottom-up.
type levelSpec struct {
	// scopes entering the sum layer.
	scopes int

	// children channels per scope entering the sum layer.
	children int
}

// structure is the static layout of the circuit derived from the config.
type structure struct {
	numVars   int
	depth     int
	numScopes int // 2^depth
	groupSize int // variables per scope (last scopes may be padded)
	padVars   int // zero-padded variables to fill numScopes*groupSize

	// levels of sum layers, bottom-up: levels[0] mixes the leaf channels.
	levels []levelSpec

	// rootChildren channels entering the root mixture (per repetition).
	rootChildren int
}

// newStructure derives the circuit layout. Config must be validated.
func newStructure(cfg Config) structure {
	s := structure{
		numVars:   cfg.NumVars,
		depth:     cfg.Depth,
		numScopes: 1 << cfg.Depth,
	}
	s.groupSize = (cfg.NumVars + s.numScopes - 1) / s.numScopes
	s.padVars = s.numScopes*s.groupSize - cfg.NumVars
	s.levels = make([]levelSpec, cfg.Depth)
	children := cfg.NumDists
	scopes := s.numScopes
	for l := range cfg.Depth {
		s.levels[l] = levelSpec{scopes: scopes, children: children}
		// The product layer above pairs adjacent scopes.
		children = cfg.NumSums * cfg.NumSums
		scopes /= 2
	}
	s.rootChildren = children
	return s
}

// scopeOfVar returns the scope holding variable f: contiguous blocks of groupSize.
func (s structure) scopeOfVar(f int) int { return f / s.groupSize }

// varsOfScope returns the variable index range [from, to) of scope g.
func (s structure) varsOfScope(g int) (from, to int) {
	from = g * s.groupSize
	to = min((g+1)*s.groupSize, s.numVars)
	if from > s.numVars {
		from = s.numVars
	}
	return
}

// denseParams counts the parameters of a dense layer chain from inDims
// through sizes to outDims (weights plus biases).
func denseParams(inDims int, sizes []int, outDims int) int {
	count := 0
	last := inDims
	for _, size := range sizes {
		count += last*size + size
		last = size
	}
	count += last*outDims + outDims
	return count
}

// featOutDims is the output dimension of the shared conditioning feature stack.
func (c Config) featOutDims() int {
	if len(c.FeatLayers) == 0 {
		return c.CondDims
	}
	return c.FeatLayers[len(c.FeatLayers)-1]
}

// NumParams returns the total number of conditioning-network parameters.
func (c Config) NumParams() int {
	s := newStructure(c)
	featIn := c.CondDims
	count := 0
	last := featIn
	for _, size := range c.FeatLayers {
		count += last*size + size
		last = size
	}
	featOut := c.featOutDims()

	// Leaf heads: means and log-stds.
	leafOut := c.NumVars * c.NumDists * c.Repetitions
	count += 2 * denseParams(featOut, c.DistParamLayers, leafOut)

	// One weight head per sum layer, plus the root head.
	for _, level := range s.levels {
		out := level.scopes * c.NumSums * level.children * c.Repetitions
		count += denseParams(featOut, c.SumParamLayers, out)
	}
	count += denseParams(featOut, c.SumParamLayers, s.rootChildren*c.Repetitions)
	return count
}

// Summary returns a human-readable description of the circuit layout and
// parameter counts, printed when an experiment starts.
func (c Config) Summary() string {
	s := newStructure(c)
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "CSPN over %d variable(s), conditioned on %d input(s):\n", c.NumVars, c.CondDims)
	_, _ = fmt.Fprintf(buf, "  R=%d D=%d I=%d S=%d (%d scope(s) of %d variable(s), %d padded)\n",
		c.Repetitions, c.Depth, c.NumDists, c.NumSums, s.numScopes, s.groupSize, s.padVars)
	for l, level := range s.levels {
		_, _ = fmt.Fprintf(buf, "  sum layer %d: %d scope(s) x %d sums over %d channel(s)\n",
			l, level.scopes, c.NumSums, level.children)
	}
	_, _ = fmt.Fprintf(buf, "  root: mixture over %d channel(s) x %d repetition(s)\n",
		s.rootChildren, c.Repetitions)
	_, _ = fmt.Fprintf(buf, "  conditioning parameters: %d\n", c.NumParams())
	return buf.String()
}

// Model is a CSPN with the structure frozen at construction. All graph-building
// methods are free of internal state: weights live in the *context.Context the
// caller passes in, so executors built over the same context share them.
type Model struct {
	cfg Config
	s   structure
}

// New creates a CSPN model. The config is validated and defaults applied.
func New(cfg Config) (*Model, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg, s: newStructure(cfg)}, nil
}

// Config returns the (defaulted) configuration of the model.
func (m *Model) Config() Config { return m.cfg }
