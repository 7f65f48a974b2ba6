// Package shard implements the shard router (component C2): mapping ids,
// lookup keys and new-object writes to one or more shards via configured
// weighted insertion plans.
package shard

import "sort"

// Entry is one (shard, weight) pair as supplied in configuration.
type Entry struct {
	Shard  int
	Weight int
}

// Plan is a weighted list of shards prepared into cumulative-sum form for
// O(log n) weighted selection. Once built it is immutable.
type Plan struct {
	cumulative []int // strictly increasing partial sums
	shards     []int // shards[i] is the shard for cumulative[i]
	total      int
}

// NewPlan converts a raw (shard, weight) list into a prepared Plan. It panics
// if entries is empty or any weight is non-positive — per the design, empty
// plans and non-positive weights are configuration errors detected at start.
func NewPlan(entries []Entry) *Plan {
	if len(entries) == 0 {
		panic("shard: insertion plan must not be empty")
	}
	p := &Plan{
		cumulative: make([]int, len(entries)),
		shards:     make([]int, len(entries)),
	}
	partial := 0
	for i, e := range entries {
		if e.Weight <= 0 {
			panic("shard: insertion plan weights must be positive")
		}
		partial += e.Weight
		p.cumulative[i] = partial
		p.shards[i] = e.Shard
	}
	p.total = partial
	return p
}

// TotalWeight returns the sum of all weights in the plan.
func (p *Plan) TotalWeight() int {
	return p.total
}

// PickByKey selects a shard for an arbitrary non-negative key, matching
// _pick_from_plan(key, plan): index = bisect_right(plan, (key mod total, inf)).
func (p *Plan) PickByKey(key uint64) int {
	target := int(key % uint64(p.total))
	// bisect_right over cumulative sums for the least index whose partial
	// sum strictly exceeds target.
	idx := sort.Search(len(p.cumulative), func(i int) bool {
		return p.cumulative[i] > target
	})
	if idx == len(p.cumulative) {
		idx = len(p.cumulative) - 1
	}
	return p.shards[idx]
}

// PickByRandom selects a shard for a uniform random draw in [0, total), used
// for new-entity placement which has no natural routing key.
func (p *Plan) PickByRandom(draw int) int {
	if draw < 0 {
		draw = -draw
	}
	idx := sort.Search(len(p.cumulative), func(i int) bool {
		return p.cumulative[i] > draw%p.total
	})
	if idx == len(p.cumulative) {
		idx = len(p.cumulative) - 1
	}
	return p.shards[idx]
}

// IntHash interprets digest as a big-endian unsigned integer modulo 2**64:
// every byte of the digest folds into the result, so two digests differing
// anywhere produce different routing keys with overwhelming probability.
func IntHash(digest []byte) uint64 {
	var n uint64
	for _, b := range digest {
		n = n<<8 | uint64(b)
	}
	return n
}
