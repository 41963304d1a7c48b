// Package cluster parses the parameter-server cluster descriptor and derives
// the shard count and per-node capacity bounds the coordinator works with.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/viant/afs"

	"github.com/localrivet/embedservice/internal/errortypes"
)

const (
	// EnvConfigPath names the environment variable holding the descriptor location.
	EnvConfigPath = "ESCLUSTER_CONFIG_PATH"

	// MaxPSPerNode is the most PS processes one physical node may host.
	MaxPSPerNode = 4

	// MaxPSCount is the most PS processes the whole cluster may declare.
	MaxPSCount = 4
)

var (
	ErrDescriptorNotFound = errors.New("cluster: descriptor location not set")
	ErrMalformed          = errors.New("cluster: malformed descriptor")
	ErrTooManyPSPerNode   = errors.New("cluster: too many PS processes on one node")
	ErrTooManyPS          = errors.New("cluster: too many PS processes")
	ErrNoPS               = errors.New("cluster: psNum must be positive")
)

// Descriptor mirrors the JSON document describing the PS cluster.
type Descriptor struct {
	PSNum     int      `json:"psNum"`
	PSCluster []PSNode `json:"psCluster"`
}

// PSNode is one PS entry of the descriptor.
type PSNode struct {
	ID        int       `json:"id"`
	CtrlPanel CtrlPanel `json:"ctrlPanel"`
}

// CtrlPanel carries the address of the node a PS runs on.
type CtrlPanel struct {
	IPAddr string `json:"ipaddr"`
}

// Config is the validated cluster topology. It is immutable once loaded;
// accessors return copies.
type Config struct {
	psCount     int
	psIDs       []int
	nodePSCount map[string]int
	nodeOrder   []string
	raw         []byte
}

// Load parses and validates a descriptor document.
func Load(data []byte) (*Config, error) {
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, errortypes.ConfigError(fmt.Errorf("%w: %v", ErrMalformed, err), "failed to parse cluster descriptor")
	}
	return FromDescriptor(desc)
}

// FromDescriptor validates an already decoded descriptor.
func FromDescriptor(desc Descriptor) (*Config, error) {
	if desc.PSNum <= 0 {
		return nil, errortypes.ConfigError(ErrNoPS, "invalid cluster descriptor").
			WithField("ps_num", desc.PSNum)
	}
	if desc.PSNum > MaxPSCount {
		return nil, errortypes.ConfigError(ErrTooManyPS, "PS num of the cluster can not exceed 4").
			WithField("ps_num", desc.PSNum)
	}

	cfg := &Config{
		psCount:     desc.PSNum,
		psIDs:       make([]int, 0, len(desc.PSCluster)),
		nodePSCount: make(map[string]int),
	}
	for _, node := range desc.PSCluster {
		addr := node.CtrlPanel.IPAddr
		if addr == "" {
			return nil, errortypes.ConfigError(ErrMalformed, "PS entry has no ctrlPanel.ipaddr").
				WithField("ps_id", node.ID)
		}
		if _, seen := cfg.nodePSCount[addr]; !seen {
			cfg.nodeOrder = append(cfg.nodeOrder, addr)
		}
		cfg.nodePSCount[addr]++
		cfg.psIDs = append(cfg.psIDs, node.ID)
	}
	for _, addr := range cfg.nodeOrder {
		if n := cfg.nodePSCount[addr]; n > MaxPSPerNode {
			return nil, errortypes.ConfigError(ErrTooManyPSPerNode, "PS num of one server can not exceed 4").
				WithFields(map[string]interface{}{"node": addr, "ps_count": n})
		}
	}

	raw, err := json.Marshal(desc)
	if err != nil {
		return nil, errortypes.InternalError(err, "failed to encode cluster descriptor")
	}
	cfg.raw = raw
	return cfg, nil
}

// LoadURL reads a descriptor from any location afs understands (local path,
// file://, mem://, gs://, s3://).
func LoadURL(ctx context.Context, fs afs.Service, URL string) (*Config, error) {
	if URL == "" {
		return nil, errortypes.ConfigError(ErrDescriptorNotFound, "cluster descriptor location is empty")
	}
	if fs == nil {
		fs = afs.New()
	}
	data, err := fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, errortypes.ConfigError(err, "failed to read cluster descriptor").WithField("url", URL)
	}
	return Load(data)
}

// PSCount returns the declared cluster-wide PS count.
func (c *Config) PSCount() int {
	return c.psCount
}

// PSIDs returns the PS ids in descriptor order.
func (c *Config) PSIDs() []int {
	return append([]int(nil), c.psIDs...)
}

// NodePSCount returns the number of PS processes per node address.
func (c *Config) NodePSCount() map[string]int {
	out := make(map[string]int, len(c.nodePSCount))
	for k, v := range c.nodePSCount {
		out[k] = v
	}
	return out
}

// Nodes returns node addresses in first-seen order.
func (c *Config) Nodes() []string {
	return append([]string(nil), c.nodeOrder...)
}

// JSON returns the canonical JSON encoding of the descriptor, as forwarded
// to the init layer.
func (c *Config) JSON() []byte {
	return append([]byte(nil), c.raw...)
}

// BucketSize splits a vocabulary evenly across the PS shards, rounding up.
func (c *Config) BucketSize(vocabularySize int64) int64 {
	n := int64(c.psCount)
	return (vocabularySize + n - 1) / n
}
