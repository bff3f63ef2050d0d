// Package config loads the node/coordinator Configuration from JSON,
// following the teacher's own config.go ("read a JSON file, unmarshal
// into a struct") rather than a flags/env framework.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Configuration enumerates every option spec.md §6 names.
type Configuration struct {
	LogDir             string   `json:"log_dir"`
	TargetLogSize      int64    `json:"target_log_size"`
	LogCleanSleepSecs  int      `json:"log_clean_sleep_secs"`
	PortNumber         int      `json:"port_number"`
	MaxNeighborNodes   int      `json:"max_neighbor_nodes"`
	MaxBatch           int      `json:"max_batch"`
	PrefetchRequestSize int     `json:"prefetch_request_size"`
	PagesInAdvance     int      `json:"pages_in_advance"`
	DataDirectories    []string `json:"data_directories"`

	// Ambient/domain extensions beyond spec.md's literal key list, used
	// by the collaborators SPEC_FULL.md §2/§4.11/§4.12 add.
	CassandraHosts []string `json:"cassandra_hosts"`
	RedisAddr      string   `json:"redis_addr"`
	S3Bucket       string   `json:"s3_bucket"` // optional; empty disables cold archival
	AdminPort      int      `json:"admin_port"`
	SelfHost       string   `json:"self_host"`
	CoordinatorHost string  `json:"coordinator_host"`
	NodeHosts      []string `json:"node_hosts"`
	PageSize       int      `json:"page_size"`
	RowSize        int      `json:"row_size"`
	SlotsPerBlock  int      `json:"slots_per_block"`
}

// Load reads filename as JSON into a Configuration, applying defaults
// for anything a deployment leaves unset.
func Load(filename string) (Configuration, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Configuration{}, fmt.Errorf("config: reading %s: %w", filename, err)
	}
	var c Configuration
	if err := json.Unmarshal(data, &c); err != nil {
		return Configuration{}, fmt.Errorf("config: parsing %s: %w", filename, err)
	}
	c.applyDefaults()
	return c, nil
}

func (c *Configuration) applyDefaults() {
	if c.TargetLogSize <= 0 {
		c.TargetLogSize = 64 << 20
	}
	if c.LogCleanSleepSecs <= 0 {
		c.LogCleanSleepSecs = 1
	}
	if c.MaxNeighborNodes <= 0 {
		c.MaxNeighborNodes = 4
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 256
	}
	if c.PrefetchRequestSize <= 0 {
		c.PrefetchRequestSize = 16
	}
	if c.PagesInAdvance <= 0 {
		c.PagesInAdvance = 4
	}
	if c.PageSize <= 0 {
		c.PageSize = 8192
	}
	if c.RowSize <= 0 {
		c.RowSize = 256
	}
	if c.SlotsPerBlock <= 0 {
		c.SlotsPerBlock = c.PageSize / c.RowSize
	}
	if c.PortNumber <= 0 {
		c.PortNumber = 5433
	}
}
