// Package config loads the topofabric configuration file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Log        LogConfig        `yaml:"log"`
	Fabric     FabricConfig     `yaml:"fabric"`
	Engine     EngineConfig     `yaml:"engine"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	API        APIConfig        `yaml:"api"`
	Raft       RaftConfig       `yaml:"raft"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// FabricConfig names fabric identities
type FabricConfig struct {
	CommonTenant string `yaml:"common_tenant"`
	TenantPrefix string `yaml:"tenant_prefix"`
	RouterIDPool string `yaml:"router_id_pool"`
}

// EngineConfig tunes units of work
type EngineConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// AllowOverlappingSubnets disables overlap validation everywhere
	AllowOverlappingSubnets bool `yaml:"allow_overlapping_subnets"`
}

// ReconcilerConfig configures the periodic validation pass
type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
	Repair   bool          `yaml:"repair"`
}

// APIConfig holds listen addresses
type APIConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// RaftConfig configures the replicated command log
type RaftConfig struct {
	NodeID   string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		DataDir: "./topofabric-data",
		Log:     LogConfig{Level: "info"},
		Fabric: FabricConfig{
			CommonTenant: "common",
			TenantPrefix: "prj_",
			RouterIDPool: "10.255.0.0/24",
		},
		Engine: EngineConfig{
			MaxRetries:   3,
			RetryBackoff: 50 * time.Millisecond,
		},
		Reconciler: ReconcilerConfig{Interval: 10 * time.Minute},
		API: APIConfig{
			HTTPAddr: ":9090",
			GRPCAddr: ":9091",
		},
		Raft: RaftConfig{
			NodeID:   "node-1",
			BindAddr: "127.0.0.1:7946",
		},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values the engine cannot run without
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	prefix, err := netip.ParsePrefix(c.Fabric.RouterIDPool)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("fabric.router_id_pool: %w", err))
	case !prefix.Addr().Is4():
		errs = append(errs, fmt.Errorf("fabric.router_id_pool: %s is not IPv4", prefix))
	case prefix.Bits() > 30:
		errs = append(errs, fmt.Errorf("fabric.router_id_pool: %s has no usable addresses", prefix))
	}
	if c.Engine.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_retries must be positive, got %d", c.Engine.MaxRetries))
	}
	if c.Engine.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("engine.retry_backoff must not be negative"))
	}
	if c.Reconciler.Interval < 0 {
		errs = append(errs, fmt.Errorf("reconciler.interval must not be negative"))
	}
	if c.Fabric.CommonTenant == "" || c.Fabric.TenantPrefix == "" {
		errs = append(errs, errors.New("fabric.common_tenant and fabric.tenant_prefix are required"))
	}
	return errors.Join(errs...)
}
