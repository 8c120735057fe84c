//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-sandbox-go/artifact/inmemory"
	"trpc.group/trpc-go/trpc-sandbox-go/artifact/tcos"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Workspace.Locking)
	assert.True(t, cfg.Security.NetworkDisabled)
	assert.Equal(t, "/workspace", cfg.Workspace.MountPath)

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	assert.NotEmpty(t, opts)

	svc, err := cfg.ArtifactService()
	require.NoError(t, err)
	assert.Nil(t, svc)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandboxd.yaml")
	content := `
socket: /tmp/docker.sock
concurrency: 2
images:
  pull_policy: always
  helper: busybox:1.36
workspace:
  labels:
    team: infra
limits:
  memory: 512m
  timeout: 30s
artifacts:
  backend: inmemory
server:
  listen: 127.0.0.1:9000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("SANDBOX_CONCURRENCY", "8")
	t.Setenv("SANDBOX_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/docker.sock", cfg.Socket)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, string(provision.PullAlways), cfg.Images.PullPolicy)
	assert.Equal(t, "busybox:1.36", cfg.Images.Helper)
	assert.Equal(t, map[string]string{"team": "infra"}, cfg.Workspace.Labels)
	assert.Equal(t, "512m", cfg.Limits.Memory)
	assert.Equal(t, 30*time.Second, cfg.Limits.Timeout)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	// Untouched defaults survive a partial file.
	assert.True(t, cfg.Security.NoNewPrivileges)

	svc, err := cfg.ArtifactService()
	require.NoError(t, err)
	assert.IsType(t, &inmemory.Service{}, svc)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
}

func TestDecode_RejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	err := cfg.Decode(strings.NewReader("sockett: /x\n"))
	require.Error(t, err)
}

func TestDecode_EmptyDocument(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Decode(strings.NewReader("")))
	assert.Equal(t, Default(), cfg)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"SANDBOX_LOCKING":          "false",
		"SANDBOX_READONLY_ROOTFS":  "true",
		"SANDBOX_CPU_QUOTA":        "50000",
		"SANDBOX_TIMEOUT":          "1m",
		"SANDBOX_LOG_LEVEL":        "debug",
		"SANDBOX_ARTIFACT_BACKEND": "cos",
		"SANDBOX_COS_BUCKET_URL":   "https://bucket.cos.example.com",
	}))
	require.NoError(t, err)
	assert.False(t, cfg.Workspace.Locking)
	assert.True(t, cfg.Security.ReadonlyRootfs)
	assert.Equal(t, int64(50000), cfg.Limits.CPUQuota)
	assert.Equal(t, time.Minute, cfg.Limits.Timeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())

	svc, err := cfg.ArtifactService()
	require.NoError(t, err)
	assert.IsType(t, &tcos.Service{}, svc)
}

func TestApplyEnv_CollectsErrors(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"SANDBOX_LOCKING":     "maybe",
		"SANDBOX_CONCURRENCY": "many",
		"SANDBOX_TIMEOUT":     "soon",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SANDBOX_LOCKING")
	assert.Contains(t, err.Error(), "SANDBOX_CONCURRENCY")
	assert.Contains(t, err.Error(), "SANDBOX_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"pull policy", func(c *Config) { c.Images.PullPolicy = "sometimes" }, "sometimes"},
		{"memory", func(c *Config) { c.Limits.Memory = "lots" }, "lots"},
		{"max output", func(c *Config) { c.Outputs.MaxFileSize = "big" }, "max_file_size"},
		{"concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"mount path", func(c *Config) { c.Workspace.MountPath = "work" }, "absolute"},
		{"cos bucket", func(c *Config) { c.Artifacts.Backend = BackendCOS }, "bucket_url"},
		{"backend", func(c *Config) { c.Artifacts.Backend = "s3" }, "s3"},
		{"protocol", func(c *Config) { c.Telemetry.Protocol = "udp" }, "udp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
