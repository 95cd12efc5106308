package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
)

// ConsulConfig holds the Consul connection used by ConsulSource.
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	Datacenter string `mapstructure:"datacenter"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// ConsulSource keeps the documents as two keys in the Consul KV store, so
// every gateway replica shares one registry and policy.
type ConsulSource struct {
	kv        *api.KV
	status    *api.Status
	keyPrefix string
}

// NewConsulSource connects to Consul and verifies that a leader is reachable.
func NewConsulSource(cfg ConsulConfig) (*ConsulSource, error) {
	consulCfg := api.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
	}
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}

	client, err := api.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}
	if _, err := client.Status().Leader(); err != nil {
		return nil, fmt.Errorf("connecting to consul: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "casgate/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &ConsulSource{kv: client.KV(), status: client.Status(), keyPrefix: prefix}, nil
}

// Ping checks that the Consul cluster has a leader.
func (c *ConsulSource) Ping(_ context.Context) error {
	leader, err := c.status.Leader()
	if err != nil {
		return err
	}
	if leader == "" {
		return fmt.Errorf("consul has no leader")
	}
	return nil
}

func (c *ConsulSource) key(kind DocumentKind) string {
	return c.keyPrefix + string(kind) + ".yml"
}

// Location returns the KV key of the document.
func (c *ConsulSource) Location(kind DocumentKind) string {
	return "consul:" + c.key(kind)
}

// Read fetches the document from Consul.
func (c *ConsulSource) Read(ctx context.Context, kind DocumentKind) ([]byte, error) {
	pair, _, err := c.kv.Get(c.key(kind), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting key %s: %w", c.key(kind), err)
	}
	if pair == nil {
		return nil, ErrDocumentNotFound
	}
	return pair.Value, nil
}

// Write stores the document in Consul.
func (c *ConsulSource) Write(ctx context.Context, kind DocumentKind, data []byte) error {
	p := &api.KVPair{Key: c.key(kind), Value: data}
	if _, err := c.kv.Put(p, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("putting key %s: %w", c.key(kind), err)
	}
	return nil
}

// Watch blocks on Consul for changes under the key prefix and calls
// onChange after each one, until ctx is cancelled.
func (c *ConsulSource) Watch(ctx context.Context, onChange func()) {
	var lastIndex uint64
	for {
		opts := (&api.QueryOptions{WaitIndex: lastIndex, WaitTime: 5 * time.Minute}).WithContext(ctx)
		_, meta, err := c.kv.List(c.keyPrefix, opts)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if lastIndex != 0 && meta.LastIndex > lastIndex {
			onChange()
		}
		// Consul indexes can go backwards after a snapshot restore.
		if meta.LastIndex < lastIndex {
			lastIndex = 0
			continue
		}
		lastIndex = meta.LastIndex
	}
}
