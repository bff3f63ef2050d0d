// Package metadata implements the metadata catalog collaborator
// (spec.md §6, SPEC_FULL.md §4.12): host/device resolution and device
// assignment, backed by Cassandra.
package metadata

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// Config configures the Cassandra connection, mirroring the teacher's
// own cassandra.Config shape (_examples/SharedCode-sop/cassandra/connection.go).
type Config struct {
	ClusterHosts      []string
	Keyspace          string
	Consistency       gocql.Consistency
	ConnectionTimeout time.Duration
}

// Catalog is the metadata catalog collaborator: `getHostNameForNode`,
// `getDevicePath`, `determine_device`, and index-catalog accessors
// (spec.md §6).
type Catalog struct {
	session *gocql.Session
}

var (
	singleton *Catalog
	singleMu  sync.Mutex
)

// OpenConnection returns the process-wide Catalog, opening it on first
// call — the same open-once singleton idiom as the teacher's
// cassandra.OpenConnection.
func OpenConnection(cfg Config) (*Catalog, error) {
	if singleton != nil {
		return singleton, nil
	}
	singleMu.Lock()
	defer singleMu.Unlock()
	if singleton != nil {
		return singleton, nil
	}

	if cfg.Keyspace == "" {
		cfg.Keyspace = "hrdbms_catalog"
	}
	if cfg.Consistency == gocql.Any {
		cfg.Consistency = gocql.LocalQuorum
	}
	cluster := gocql.NewCluster(cfg.ClusterHosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = cfg.Consistency
	if cfg.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = cfg.ConnectionTimeout
		cluster.Timeout = cfg.ConnectionTimeout
	}
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("metadata: connecting to Cassandra: %w", err)
	}
	singleton = &Catalog{session: session}
	return singleton, nil
}

// GetHostNameForNode resolves a worker node index to its host:port
// (spec.md §6 "getHostNameForNode(i) -> host").
func (c *Catalog) GetHostNameForNode(node uint32) (string, error) {
	var host string
	err := c.session.Query(
		`SELECT hostname FROM nodes WHERE node_id = ?`, node,
	).Scan(&host)
	if err != nil {
		return "", fmt.Errorf("metadata: hostname for node %d: %w", node, err)
	}
	return host, nil
}

// GetDevicePath resolves a device index to its filesystem root
// (spec.md §6 "getDevicePath(dev)").
func (c *Catalog) GetDevicePath(device uint32) (string, error) {
	var path string
	err := c.session.Query(
		`SELECT path FROM devices WHERE device_id = ?`, device,
	).Scan(&path)
	if err != nil {
		return "", fmt.Errorf("metadata: path for device %d: %w", device, err)
	}
	return path, nil
}

// IndexDef describes one secondary index's key columns and ordering.
type IndexDef struct {
	Name        string
	KeyColumns  []string
	Types       []string
	Ascending   []bool
}

// ListIndexes returns the index catalog entries for table (spec.md §6
// "index-catalog accessors").
func (c *Catalog) ListIndexes(table string) ([]IndexDef, error) {
	iter := c.session.Query(
		`SELECT name, key_columns, types, ascending FROM indexes WHERE table_name = ?`, table,
	).Iter()
	defer iter.Close()

	var defs []IndexDef
	var def IndexDef
	for iter.Scan(&def.Name, &def.KeyColumns, &def.Types, &def.Ascending) {
		defs = append(defs, def)
		def = IndexDef{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("metadata: listing indexes for %s: %w", table, err)
	}
	return defs, nil
}

// DetermineDevice hashes partitionKey with FNV-1a and reduces it modulo
// deviceCount, so the same row always resolves to the same device —
// needed for update-in-place correctness (spec.md §4.8 "device =
// rid.device for delete/update").
func DetermineDevice(partitionKey []byte, deviceCount int) uint32 {
	if deviceCount <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write(partitionKey)
	return h.Sum32() % uint32(deviceCount)
}

// OpenDeviceRoster validates that every configured data directory is
// present and writable, failing fast at boot instead of discovering a
// bad device mid-DML (SPEC_FULL.md Supplemented features item 3).
func OpenDeviceRoster(dataDirectories []string) error {
	for _, dir := range dataDirectories {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("metadata: data directory %s: %w", dir, err)
		}
		probe := filepath.Join(dir, ".hrdbms_roster_probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return fmt.Errorf("metadata: data directory %s is not writable: %w", dir, err)
		}
		_ = os.Remove(probe)
	}
	return nil
}
