// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sandboxconfig loads the Session Orchestrator's runtime
// configuration: which driver to construct, resource and timeout bounds,
// the install allowlist, and the optional object-store bundle.
package sandboxconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix every setting is bound
// under, e.g. COREASON_SANDBOX_IDLE_TIMEOUT_SECONDS.
const EnvPrefix = "COREASON_SANDBOX"

// RuntimeKind selects which concrete Backend Driver to construct.
type RuntimeKind string

// Supported runtime kinds.
const (
	RuntimeKindContainer RuntimeKind = "container"
	RuntimeKindMicroVM   RuntimeKind = "microvm"
)

// ObjectStoreConfig is the optional object-store bundle. A nil
// *ObjectStoreConfig (or an empty Bucket) disables artifact uploads
// entirely; the Artifact Processor then leaves non-image URLs unset.
type ObjectStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Region    string `mapstructure:"region" yaml:"region"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

// Enabled reports whether an object store is configured.
func (c *ObjectStoreConfig) Enabled() bool {
	return c != nil && c.Bucket != ""
}

// Config is the Session Orchestrator's complete runtime configuration.
type Config struct {
	RuntimeKind             RuntimeKind        `mapstructure:"runtime_kind" yaml:"runtime_kind"`
	ContainerImage          string             `mapstructure:"container_image" yaml:"container_image"`
	AllowedPackages         []string           `mapstructure:"allowed_packages" yaml:"allowed_packages"`
	ExecutionTimeoutSeconds float64            `mapstructure:"execution_timeout_seconds" yaml:"execution_timeout_seconds"`
	IdleTimeoutSeconds      float64            `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`
	ReaperIntervalSeconds   float64            `mapstructure:"reaper_interval_seconds" yaml:"reaper_interval_seconds"`
	EnableAuditLogging      bool               `mapstructure:"enable_audit_logging" yaml:"enable_audit_logging"`
	ObjectStore             *ObjectStoreConfig `mapstructure:"object_store" yaml:"object_store"`
}

// Defaults matching spec.md §5/§6 exactly.
const (
	DefaultExecutionTimeoutSeconds = 60.0
	DefaultIdleTimeoutSeconds      = 300.0
	DefaultReaperIntervalSeconds   = 60.0
)

// ExecutionTimeout returns ExecutionTimeoutSeconds as a time.Duration.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutSeconds * float64(time.Second))
}

// IdleTimeout returns IdleTimeoutSeconds as a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds * float64(time.Second))
}

// ReaperInterval returns ReaperIntervalSeconds as a time.Duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds * float64(time.Second))
}

// AllowedPackageSet returns AllowedPackages as a lowercase lookup set, the
// form every concrete driver's InstallPackage allowlist check consumes.
func (c *Config) AllowedPackageSet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.AllowedPackages))
	for _, p := range c.AllowedPackages {
		set[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	return set
}

// Load builds a *viper.Viper bound to EnvPrefix and, if configFile is
// non-empty, to that YAML file, then unmarshals it into a Config seeded
// with spec-mandated defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("runtime_kind", string(RuntimeKindContainer))
	v.SetDefault("container_image", "python:3.12-slim")
	v.SetDefault("execution_timeout_seconds", DefaultExecutionTimeoutSeconds)
	v.SetDefault("idle_timeout_seconds", DefaultIdleTimeoutSeconds)
	v.SetDefault("reaper_interval_seconds", DefaultReaperIntervalSeconds)
	v.SetDefault("enable_audit_logging", true)

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read sandbox config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode sandbox config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that could never produce a working
// driver or session manager.
func (c *Config) Validate() error {
	switch c.RuntimeKind {
	case RuntimeKindContainer, RuntimeKindMicroVM:
	default:
		return fmt.Errorf("invalid runtime_kind: %q", c.RuntimeKind)
	}
	if c.RuntimeKind == RuntimeKindContainer && c.ContainerImage == "" {
		return fmt.Errorf("container_image is required when runtime_kind is %q", RuntimeKindContainer)
	}
	if c.ExecutionTimeoutSeconds <= 0 {
		return fmt.Errorf("execution_timeout_seconds must be positive, got %v", c.ExecutionTimeoutSeconds)
	}
	if c.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("idle_timeout_seconds must not be negative, got %v", c.IdleTimeoutSeconds)
	}
	if c.ReaperIntervalSeconds <= 0 {
		return fmt.Errorf("reaper_interval_seconds must be positive, got %v", c.ReaperIntervalSeconds)
	}
	return nil
}
