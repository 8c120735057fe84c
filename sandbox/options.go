//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

package sandbox

import (
	"time"

	"trpc.group/trpc-go/trpc-sandbox-go/artifact"
	"trpc.group/trpc-go/trpc-sandbox-go/command"
	"trpc.group/trpc-go/trpc-sandbox-go/extract"
	"trpc.group/trpc-go/trpc-sandbox-go/orchestrator"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
	"trpc.group/trpc-go/trpc-sandbox-go/workspace"
)

// Defaults.
const (
	DefaultInputPath      = "/inputs"
	DefaultOutputPattern  = "**"
	DefaultMaxOutputBytes = int64(16 << 20)
	DefaultConcurrency    = 4
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	socketPath      string
	pullPolicy      provision.PullPolicy
	platform        string
	progress        provision.ProgressFunc
	mountPath       string
	inputPath       string
	shell           string
	tempDir         string
	helperImage     string
	helperKeepAlive time.Duration
	volumeLabels    map[string]string
	locking         bool
	readonlyRootfs  bool
	noNewPrivileges bool
	networkDisabled bool
	memoryBytes     int64
	cpuQuota        int64
	timeout         time.Duration
	maxOutputBytes  int64
	concurrency     int
	artifacts       artifact.Service
	stateHook       orchestrator.StateHook
}

func defaultOptions() options {
	return options{
		pullPolicy:      provision.PullMissing,
		mountPath:       workspace.DefaultMountPath,
		inputPath:       DefaultInputPath,
		shell:           command.DefaultShell,
		helperImage:     extract.DefaultHelperImage,
		helperKeepAlive: extract.DefaultKeepAlive,
		locking:         true,
		noNewPrivileges: true,
		networkDisabled: true,
		maxOutputBytes:  DefaultMaxOutputBytes,
		concurrency:     DefaultConcurrency,
	}
}

// WithSocketPath sets the preferred engine socket. It is used only when it
// exists and is readable.
func WithSocketPath(p string) Option {
	return func(o *options) { o.socketPath = p }
}

// WithPullPolicy sets the default pull policy for primary images.
func WithPullPolicy(p provision.PullPolicy) Option {
	return func(o *options) { o.pullPolicy = p }
}

// WithPlatform pulls images for platform, e.g. "linux/amd64".
func WithPlatform(platform string) Option {
	return func(o *options) { o.platform = platform }
}

// WithPullProgress receives image pull progress.
func WithPullProgress(fn provision.ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// WithMountPath sets where the workspace volume is mounted.
func WithMountPath(p string) Option {
	return func(o *options) { o.mountPath = p }
}

// WithInputPath sets where staged inputs are mounted.
func WithInputPath(p string) Option {
	return func(o *options) { o.inputPath = p }
}

// WithShell sets the shell used for simple mode and shell wrapping.
func WithShell(shell string) Option {
	return func(o *options) { o.shell = shell }
}

// WithTempDir sets the root for staging and extraction directories.
func WithTempDir(dir string) Option {
	return func(o *options) { o.tempDir = dir }
}

// WithHelperImage sets the image of the extraction helper.
func WithHelperImage(ref string) Option {
	return func(o *options) { o.helperImage = ref }
}

// WithHelperKeepAlive bounds the lifetime of the extraction helper.
func WithHelperKeepAlive(d time.Duration) Option {
	return func(o *options) { o.helperKeepAlive = d }
}

// WithVolumeLabels adds labels to created workspace volumes.
func WithVolumeLabels(labels map[string]string) Option {
	return func(o *options) { o.volumeLabels = labels }
}

// WithWorkspaceLocking serializes invocations sharing a workspace volume.
// Enabled by default.
func WithWorkspaceLocking(enabled bool) Option {
	return func(o *options) { o.locking = enabled }
}

// WithReadonlyRootfs runs primary containers with a read-only root.
func WithReadonlyRootfs(enabled bool) Option {
	return func(o *options) { o.readonlyRootfs = enabled }
}

// WithNoNewPrivileges sets no-new-privileges. Enabled by default.
func WithNoNewPrivileges(enabled bool) Option {
	return func(o *options) { o.noNewPrivileges = enabled }
}

// WithNetworkDisabled detaches primary containers from every network.
// Enabled by default.
func WithNetworkDisabled(disabled bool) Option {
	return func(o *options) { o.networkDisabled = disabled }
}

// WithLimitOverrides replaces planned limits with positive values.
func WithLimitOverrides(memoryBytes, cpuQuota int64, timeout time.Duration) Option {
	return func(o *options) {
		o.memoryBytes = memoryBytes
		o.cpuQuota = cpuQuota
		o.timeout = timeout
	}
}

// WithMaxOutputBytes caps how much of each recovered file is returned.
func WithMaxOutputBytes(n int64) Option {
	return func(o *options) { o.maxOutputBytes = n }
}

// WithConcurrency sets the InvokeBatch pool size.
func WithConcurrency(n int) Option {
	return func(o *options) { o.concurrency = n }
}

// WithArtifactService persists recovered outputs that ask to be saved.
func WithArtifactService(s artifact.Service) Option {
	return func(o *options) { o.artifacts = s }
}

// WithStateHook observes primary container lifecycle transitions.
func WithStateHook(h orchestrator.StateHook) Option {
	return func(o *options) { o.stateHook = h }
}
