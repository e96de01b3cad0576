package layout

import (
	"math/rand/v2"
	"sync"

	"stripefs/pkg/types"
)

// Placement chooses which target holds each slot of a new layout.
type Placement interface {
	Assign(targets []types.TargetID, stripeCount int) []types.TargetID
}

// Rotation places slot i on targets[(rank+i) mod stripeCount]. Every client
// with the same rank places the same way; ranks spread first slots across
// targets.
type Rotation struct {
	Rank int
}

func (r Rotation) Assign(targets []types.TargetID, stripeCount int) []types.TargetID {
	assigned := make([]types.TargetID, stripeCount)
	for i := range assigned {
		assigned[i] = targets[(r.Rank+i)%stripeCount]
	}
	return assigned
}

// Permutation places slots on a random selection of distinct targets.
type Permutation struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPermutation creates a permutation policy drawing from a PCG generator
// seeded with seed.
func NewPermutation(seed uint64) *Permutation {
	return &Permutation{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (p *Permutation) Assign(targets []types.TargetID, stripeCount int) []types.TargetID {
	p.mu.Lock()
	perm := p.rng.Perm(len(targets))
	p.mu.Unlock()

	assigned := make([]types.TargetID, stripeCount)
	for i := range assigned {
		assigned[i] = targets[perm[i]]
	}
	return assigned
}
