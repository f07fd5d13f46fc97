package sac

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// ReplayBuffer is a fixed-capacity ring buffer of transitions. Once full, the
// oldest transitions are overwritten.
type ReplayBuffer struct {
	mu sync.Mutex

	capacity, obsDims, actDims int
	size, next                 int

	obs, nextObs []float32 // [capacity, obsDims]
	actions      []float32 // [capacity, actDims]
	rewards      []float32 // [capacity]
	dones        []float32 // [capacity], 1 on terminal transitions
}

// Batch is a sampled mini-batch, laid out flat and row-major so it can be fed
// to tensors directly.
type Batch struct {
	Size             int
	Obs, NextObs     []float32 // [Size, obsDims]
	Actions          []float32 // [Size, actDims]
	Rewards, Dones   []float32 // [Size]
	ObsDims, ActDims int
}

func NewReplayBuffer(capacity, obsDims, actDims int) (*ReplayBuffer, error) {
	if capacity < 1 || obsDims < 1 || actDims < 1 {
		return nil, errors.Errorf("invalid replay buffer dims: capacity=%d, obsDims=%d, actDims=%d",
			capacity, obsDims, actDims)
	}
	return &ReplayBuffer{
		capacity: capacity,
		obsDims:  obsDims,
		actDims:  actDims,
		obs:      make([]float32, capacity*obsDims),
		nextObs:  make([]float32, capacity*obsDims),
		actions:  make([]float32, capacity*actDims),
		rewards:  make([]float32, capacity),
		dones:    make([]float32, capacity),
	}, nil
}

// Add stores one transition. On episode ends nextObs should be the terminal
// observation; when done is set it is never bootstrapped from.
func (b *ReplayBuffer) Add(obs, action []float32, reward float32, nextObs []float32, done bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.next
	copy(b.obs[idx*b.obsDims:], obs)
	copy(b.nextObs[idx*b.obsDims:], nextObs)
	copy(b.actions[idx*b.actDims:], action)
	b.rewards[idx] = reward
	if done {
		b.dones[idx] = 1
	} else {
		b.dones[idx] = 0
	}
	b.next = (b.next + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Size returns the number of stored transitions.
func (b *ReplayBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Sample draws batchSize transitions uniformly with replacement.
func (b *ReplayBuffer) Sample(rng *rand.Rand, batchSize int) (Batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return Batch{}, errors.New("replay buffer is empty")
	}
	batch := Batch{
		Size:    batchSize,
		Obs:     make([]float32, batchSize*b.obsDims),
		NextObs: make([]float32, batchSize*b.obsDims),
		Actions: make([]float32, batchSize*b.actDims),
		Rewards: make([]float32, batchSize),
		Dones:   make([]float32, batchSize),
		ObsDims: b.obsDims,
		ActDims: b.actDims,
	}
	for i := 0; i < batchSize; i++ {
		idx := rng.Intn(b.size)
		copy(batch.Obs[i*b.obsDims:(i+1)*b.obsDims], b.obs[idx*b.obsDims:])
		copy(batch.NextObs[i*b.obsDims:(i+1)*b.obsDims], b.nextObs[idx*b.obsDims:])
		copy(batch.Actions[i*b.actDims:(i+1)*b.actDims], b.actions[idx*b.actDims:])
		batch.Rewards[i] = b.rewards[idx]
		batch.Dones[i] = b.dones[idx]
	}
	return batch, nil
}
