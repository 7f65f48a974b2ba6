// Package config loads and validates cluster configuration (component C2/C3
// inputs): shard connection info, insertion plans, shard_bits and the alias
// digest key.
//
// Loading goes through viper so the same document can come from a YAML file,
// environment variables, or be set programmatically in tests.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// ShardConfig is one entry from the "shards" list.
type ShardConfig struct {
	Shard    int    `mapstructure:"shard" yaml:"shard"`
	Count    int    `mapstructure:"count" yaml:"count"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

// PlanEntry is one (shard, weight) pair in an insertion plan.
type PlanEntry struct {
	Shard  int `mapstructure:"shard" yaml:"shard"`
	Weight int `mapstructure:"weight" yaml:"weight"`
}

// Cluster is the whole "dbconf" document described in the design's external
// interfaces section.
type Cluster struct {
	Shards                []ShardConfig `mapstructure:"shards" yaml:"shards"`
	ShardBits             uint          `mapstructure:"shard_bits" yaml:"shard_bits"`
	LookupInsertionPlans  [][]PlanEntry `mapstructure:"lookup_insertion_plans" yaml:"lookup_insertion_plans"`
	EntityInsertionPlan   []PlanEntry   `mapstructure:"entity_insertion_plan" yaml:"entity_insertion_plan"`
	DigestKey             string        `mapstructure:"digest_key" yaml:"digest_key"`
}

// Load reads a Cluster document from path (YAML) using viper, then validates
// it with Validate.
func Load(path string) (*Cluster, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var c Cluster
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshaling %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the structural requirements at startup: required keys
// present and non-empty, each shard entry's connection count positive and
// its shard number unique (host, port and credentials are not checked), and (when
// EntityInsertionPlan is empty) defaults it to a uniform plan over all shards.
func (c *Cluster) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("config: \"shards\" must not be empty")
	}
	if c.ShardBits == 0 {
		return fmt.Errorf("config: \"shard_bits\" must be set")
	}
	if c.ShardBits > 63 {
		return fmt.Errorf("config: \"shard_bits\" must be in [1,63]")
	}
	if len(c.LookupInsertionPlans) == 0 {
		return fmt.Errorf("config: \"lookup_insertion_plans\" must not be empty")
	}
	if c.DigestKey == "" {
		return fmt.Errorf("config: \"digest_key\" must be set")
	}
	seen := make(map[int]bool, len(c.Shards))
	for _, s := range c.Shards {
		if s.Count <= 0 {
			return fmt.Errorf("config: shard %d: \"count\" must be positive", s.Shard)
		}
		if seen[s.Shard] {
			return fmt.Errorf("config: duplicate shard number %d", s.Shard)
		}
		seen[s.Shard] = true
	}
	for i, plan := range c.LookupInsertionPlans {
		if len(plan) == 0 {
			return fmt.Errorf("config: lookup_insertion_plans[%d] must not be empty", i)
		}
	}
	if len(c.EntityInsertionPlan) == 0 {
		for shardNum := range seen {
			c.EntityInsertionPlan = append(c.EntityInsertionPlan, PlanEntry{Shard: shardNum, Weight: 1})
		}
	}
	return nil
}
