package shard

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // keyed HMAC, not used for integrity
	"math/rand"
)

// Router is a pure function of configuration: it never touches the network,
// only the cluster's shard count, shard_bits and insertion plans.
type Router struct {
	shardBits   uint
	digestKey   []byte
	lookupPlans []*Plan // oldest first; index len-1 is "latest" / used for writes
	entityPlan  *Plan
}

// Config is the subset of cluster configuration the router needs.
type Config struct {
	ShardBits        uint
	DigestKey        []byte
	LookupPlans      [][]Entry // oldest-to-newest; last plan is used for writes
	EntityPlan       []Entry   // optional; nil means uniform over all configured shards
	AllShardsUniform []int     // used to build a default EntityPlan when EntityPlan is nil
}

// NewRouter builds a Router from raw configuration, preparing every plan's
// cumulative-sum form once up front. Panics on structurally invalid config
// (empty plan lists), matching "empty plans are a configuration error
// detected at start".
func NewRouter(cfg Config) *Router {
	if len(cfg.LookupPlans) == 0 {
		panic("shard: at least one lookup insertion plan is required")
	}
	r := &Router{
		shardBits: cfg.ShardBits,
		digestKey: cfg.DigestKey,
	}
	for _, raw := range cfg.LookupPlans {
		r.lookupPlans = append(r.lookupPlans, NewPlan(raw))
	}
	if len(cfg.EntityPlan) > 0 {
		r.entityPlan = NewPlan(cfg.EntityPlan)
	} else {
		entries := make([]Entry, len(cfg.AllShardsUniform))
		for i, s := range cfg.AllShardsUniform {
			entries[i] = Entry{Shard: s, Weight: 1}
		}
		r.entityPlan = NewPlan(entries)
	}
	return r
}

// ShardBits returns the number of high bits of an id that encode its shard
// number, as configured for this router.
func (r *Router) ShardBits() uint {
	return r.shardBits
}

// ShardOfID extracts the shard number from the high shard_bits bits of id.
func (r *Router) ShardOfID(id int64) int {
	return int(uint64(id) >> (64 - r.shardBits))
}

// Digest computes the keyed HMAC-SHA1 digest of value used for alias
// uniqueness, per the data model's "HMAC(value)" requirement.
func (r *Router) Digest(value string) []byte {
	mac := hmac.New(sha1.New, r.digestKey)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// ShardForEntityWrite picks a shard for a brand-new entity via weighted
// random choice over the entity insertion plan.
func (r *Router) ShardForEntityWrite() int {
	return r.entityPlan.PickByRandom(rand.Intn(r.entityPlan.TotalWeight())) //nolint:gosec // routing, not security
}

// ShardForAliasWrite picks the shard a new alias lookup row should be written
// to: the latest lookup plan, keyed by the alias value's HMAC digest.
func (r *Router) ShardForAliasWrite(digest []byte) int {
	return r.latestLookupPlan().PickByKey(IntHash(digest))
}

// ShardsForAliasRead iterates every lookup plan newest-first, de-duplicating
// shards, so reads remain correct after new plans are appended over time.
func (r *Router) ShardsForAliasRead(digest []byte) []int {
	key := IntHash(digest)
	return r.shardsForKeyAllPlans(key)
}

// ShardForPrefixWrite picks the shard a new prefix-lookup row should be
// written to, keyed by the first byte of value.
func (r *Router) ShardForPrefixWrite(value string) int {
	return r.latestLookupPlan().PickByKey(uint64(firstByte(value)))
}

// ShardsForPrefixRead iterates every lookup plan newest-first for value's
// first-byte key, de-duplicating shards.
func (r *Router) ShardsForPrefixRead(value string) []int {
	return r.shardsForKeyAllPlans(uint64(firstByte(value)))
}

// ShardForPhoneticWrite picks the shard for a new phonetic-lookup row, keyed
// by the phonetic code (identical keying strategy to prefix lookups once
// given the code bytes).
func (r *Router) ShardForPhoneticWrite(code string) int {
	return r.latestLookupPlan().PickByKey(uint64(firstByte(code)))
}

// ShardsForPhoneticRead iterates every lookup plan newest-first for code.
func (r *Router) ShardsForPhoneticRead(code string) []int {
	return r.shardsForKeyAllPlans(uint64(firstByte(code)))
}

func (r *Router) latestLookupPlan() *Plan {
	return r.lookupPlans[len(r.lookupPlans)-1]
}

func (r *Router) shardsForKeyAllPlans(key uint64) []int {
	seen := make(map[int]bool, len(r.lookupPlans))
	var out []int
	for i := len(r.lookupPlans) - 1; i >= 0; i-- {
		s := r.lookupPlans[i].PickByKey(key)
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func firstByte(s string) byte {
	if len(s) == 0 {
		return 0
	}
	return s[0]
}
