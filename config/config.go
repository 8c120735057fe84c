//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package config loads sandboxd configuration from YAML with SANDBOX_*
// environment overrides and maps it to engine options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-sandbox-go/artifact"
	"trpc.group/trpc-go/trpc-sandbox-go/artifact/inmemory"
	"trpc.group/trpc-go/trpc-sandbox-go/artifact/tcos"
	"trpc.group/trpc-go/trpc-sandbox-go/limits"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
	"trpc.group/trpc-go/trpc-sandbox-go/sandbox"
	"trpc.group/trpc-go/trpc-sandbox-go/workspace"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SANDBOX_"

// Artifact backends.
const (
	BackendNone     = ""
	BackendInMemory = "inmemory"
	BackendCOS      = "cos"
)

// Config is the sandboxd configuration.
type Config struct {
	Socket      string          `yaml:"socket"`
	Concurrency int             `yaml:"concurrency"`
	TempDir     string          `yaml:"temp_dir"`
	Images      ImagesConfig    `yaml:"images"`
	Workspace   WorkspaceConfig `yaml:"workspace"`
	Limits      LimitsConfig    `yaml:"limits"`
	Security    SecurityConfig  `yaml:"security"`
	Outputs     OutputsConfig   `yaml:"outputs"`
	Artifacts   ArtifactsConfig `yaml:"artifacts"`
	Server      ServerConfig    `yaml:"server"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Log         LogConfig       `yaml:"log"`
}

// ImagesConfig controls provisioning.
type ImagesConfig struct {
	PullPolicy string `yaml:"pull_policy"`
	Platform   string `yaml:"platform"`
	Helper     string `yaml:"helper"`
}

// WorkspaceConfig controls workspace volumes.
type WorkspaceConfig struct {
	MountPath string            `yaml:"mount_path"`
	InputPath string            `yaml:"input_path"`
	Locking   bool              `yaml:"locking"`
	Labels    map[string]string `yaml:"labels"`
}

// LimitsConfig overrides planned limits when set.
type LimitsConfig struct {
	Memory   string        `yaml:"memory"`
	CPUQuota int64         `yaml:"cpu_quota"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SecurityConfig sets container hardening flags.
type SecurityConfig struct {
	ReadonlyRootfs  bool `yaml:"readonly_rootfs"`
	NoNewPrivileges bool `yaml:"no_new_privileges"`
	NetworkDisabled bool `yaml:"network_disabled"`
}

// OutputsConfig bounds recovered outputs.
type OutputsConfig struct {
	MaxFileSize string `yaml:"max_file_size"`
}

// ArtifactsConfig selects where saved outputs go.
type ArtifactsConfig struct {
	Backend string    `yaml:"backend"`
	COS     COSConfig `yaml:"cos"`
}

// COSConfig configures the COS backend. Empty credentials fall back to
// TCOS_SECRETID and TCOS_SECRETKEY.
type COSConfig struct {
	BucketURL string        `yaml:"bucket_url"`
	SecretID  string        `yaml:"secret_id"`
	SecretKey string        `yaml:"secret_key"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// TelemetryConfig configures OTLP export. Empty endpoints disable it.
type TelemetryConfig struct {
	TraceEndpoint  string `yaml:"trace_endpoint"`
	MetricEndpoint string `yaml:"metric_endpoint"`
	Protocol       string `yaml:"protocol"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	Trace bool   `yaml:"trace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Concurrency: sandbox.DefaultConcurrency,
		Images: ImagesConfig{
			PullPolicy: string(provision.PullMissing),
		},
		Workspace: WorkspaceConfig{
			MountPath: workspace.DefaultMountPath,
			InputPath: sandbox.DefaultInputPath,
			Locking:   true,
		},
		Security: SecurityConfig{
			NoNewPrivileges: true,
			NetworkDisabled: true,
		},
		Outputs: OutputsConfig{
			MaxFileSize: units.BytesSize(float64(sandbox.DefaultMaxOutputBytes)),
		},
		Server: ServerConfig{
			Listen:      ":8080",
			CORSOrigins: []string{"*"},
		},
		Telemetry: TelemetryConfig{Protocol: "grpc"},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Decode(bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges YAML from r into c. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from SANDBOX_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errList []error
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errList = append(errList, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("SOCKET", &c.Socket)
	str("TEMP_DIR", &c.TempDir)
	str("PULL_POLICY", &c.Images.PullPolicy)
	str("PLATFORM", &c.Images.Platform)
	str("HELPER_IMAGE", &c.Images.Helper)
	str("MOUNT_PATH", &c.Workspace.MountPath)
	str("INPUT_PATH", &c.Workspace.InputPath)
	str("MEMORY", &c.Limits.Memory)
	str("MAX_OUTPUT_SIZE", &c.Outputs.MaxFileSize)
	str("ARTIFACT_BACKEND", &c.Artifacts.Backend)
	str("COS_BUCKET_URL", &c.Artifacts.COS.BucketURL)
	str("LISTEN", &c.Server.Listen)
	str("OTLP_TRACE_ENDPOINT", &c.Telemetry.TraceEndpoint)
	str("OTLP_METRIC_ENDPOINT", &c.Telemetry.MetricEndpoint)
	str("OTLP_PROTOCOL", &c.Telemetry.Protocol)
	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOCKING", &c.Workspace.Locking)
	boolean("READONLY_ROOTFS", &c.Security.ReadonlyRootfs)
	boolean("NO_NEW_PRIVILEGES", &c.Security.NoNewPrivileges)
	boolean("NETWORK_DISABLED", &c.Security.NetworkDisabled)
	boolean("LOG_TRACE", &c.Log.Trace)

	if v, ok := lookup(EnvPrefix + "CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("%sCONCURRENCY: %w", EnvPrefix, err))
		} else {
			c.Concurrency = n
		}
	}
	if v, ok := lookup(EnvPrefix + "CPU_QUOTA"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errList = append(errList, fmt.Errorf("%sCPU_QUOTA: %w", EnvPrefix, err))
		} else {
			c.Limits.CPUQuota = n
		}
	}
	if v, ok := lookup(EnvPrefix + "TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errList = append(errList, fmt.Errorf("%sTIMEOUT: %w", EnvPrefix, err))
		} else {
			c.Limits.Timeout = d
		}
	}
	if v, ok := lookup(EnvPrefix + "CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}
	return errors.Join(errList...)
}

// Validate checks values that cannot be checked while decoding.
func (c *Config) Validate() error {
	var errList []error
	if _, err := provision.ParsePullPolicy(c.Images.PullPolicy); err != nil {
		errList = append(errList, err)
	}
	if _, err := limits.ParseMemory(c.Limits.Memory); err != nil {
		errList = append(errList, err)
	}
	if _, err := c.maxOutputBytes(); err != nil {
		errList = append(errList, err)
	}
	if c.Concurrency <= 0 {
		errList = append(errList, fmt.Errorf("concurrency must be positive, got %d", c.Concurrency))
	}
	if c.Limits.CPUQuota < 0 || c.Limits.Timeout < 0 {
		errList = append(errList, errors.New("limit overrides must not be negative"))
	}
	if !strings.HasPrefix(c.Workspace.MountPath, "/") || !strings.HasPrefix(c.Workspace.InputPath, "/") {
		errList = append(errList, errors.New("workspace mount_path and input_path must be absolute"))
	}
	switch c.Artifacts.Backend {
	case BackendNone, BackendInMemory:
	case BackendCOS:
		if c.Artifacts.COS.BucketURL == "" {
			errList = append(errList, errors.New("artifacts.cos.bucket_url is required for the cos backend"))
		}
	default:
		errList = append(errList, fmt.Errorf("unknown artifact backend %q", c.Artifacts.Backend))
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		errList = append(errList, fmt.Errorf("unknown telemetry protocol %q", c.Telemetry.Protocol))
	}
	return errors.Join(errList...)
}

// ArtifactService builds the configured backend, nil when none is set.
func (c *Config) ArtifactService() (artifact.Service, error) {
	switch c.Artifacts.Backend {
	case BackendInMemory:
		return inmemory.NewService(), nil
	case BackendCOS:
		var opts []tcos.Option
		if c.Artifacts.COS.SecretID != "" {
			opts = append(opts, tcos.WithSecretID(c.Artifacts.COS.SecretID))
		}
		if c.Artifacts.COS.SecretKey != "" {
			opts = append(opts, tcos.WithSecretKey(c.Artifacts.COS.SecretKey))
		}
		if c.Artifacts.COS.Timeout > 0 {
			opts = append(opts, tcos.WithTimeout(c.Artifacts.COS.Timeout))
		}
		return tcos.NewService(c.Artifacts.COS.BucketURL, opts...)
	default:
		return nil, nil
	}
}

// EngineOptions maps the configuration to sandbox options.
func (c *Config) EngineOptions() ([]sandbox.Option, error) {
	policy, err := provision.ParsePullPolicy(c.Images.PullPolicy)
	if err != nil {
		return nil, err
	}
	memory, err := limits.ParseMemory(c.Limits.Memory)
	if err != nil {
		return nil, err
	}
	maxOut, err := c.maxOutputBytes()
	if err != nil {
		return nil, err
	}
	opts := []sandbox.Option{
		sandbox.WithSocketPath(c.Socket),
		sandbox.WithPullPolicy(policy),
		sandbox.WithPlatform(c.Images.Platform),
		sandbox.WithMountPath(c.Workspace.MountPath),
		sandbox.WithInputPath(c.Workspace.InputPath),
		sandbox.WithVolumeLabels(c.Workspace.Labels),
		sandbox.WithWorkspaceLocking(c.Workspace.Locking),
		sandbox.WithTempDir(c.TempDir),
		sandbox.WithReadonlyRootfs(c.Security.ReadonlyRootfs),
		sandbox.WithNoNewPrivileges(c.Security.NoNewPrivileges),
		sandbox.WithNetworkDisabled(c.Security.NetworkDisabled),
		sandbox.WithLimitOverrides(memory, c.Limits.CPUQuota, c.Limits.Timeout),
		sandbox.WithMaxOutputBytes(maxOut),
		sandbox.WithConcurrency(c.Concurrency),
	}
	if c.Images.Helper != "" {
		opts = append(opts, sandbox.WithHelperImage(c.Images.Helper))
	}
	svc, err := c.ArtifactService()
	if err != nil {
		return nil, err
	}
	if svc != nil {
		opts = append(opts, sandbox.WithArtifactService(svc))
	}
	return opts, nil
}

func (c *Config) maxOutputBytes() (int64, error) {
	if c.Outputs.MaxFileSize == "" {
		return sandbox.DefaultMaxOutputBytes, nil
	}
	n, err := units.RAMInBytes(c.Outputs.MaxFileSize)
	if err != nil {
		return 0, fmt.Errorf("outputs.max_file_size: %w", err)
	}
	return n, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
