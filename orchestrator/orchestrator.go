//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package orchestrator runs one container to completion and returns its
// demultiplexed output.
//
// A run moves through Created, Started, Exited, LogsFetched and Removed.
// Once a container exists Removed is always reached, whatever failed in
// between. The container is created without engine-side auto-remove so
// its logs stay readable after exit; it is removed explicitly afterwards.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	itelemetry "trpc.group/trpc-go/trpc-sandbox-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
	"trpc.group/trpc-go/trpc-sandbox-go/logframe"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
	atrace "trpc.group/trpc-go/trpc-sandbox-go/telemetry/trace"
)

// Defaults.
const (
	DefaultCPUPeriod     = int64(100000)
	DefaultRemoveTimeout = 30 * time.Second
	DefaultLogLimit      = int64(64 << 20)
	DefaultTmpfs         = "rw,nosuid,nodev,size=64m"

	LabelCreatedBy = "io.trpc.sandbox.created-by"
	CreatedBy      = "trpc-sandbox-go"
)

// API is the part of the engine client the orchestrator uses.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform,
		containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string,
		condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ImageEnsurer provisions images before create.
type ImageEnsurer interface {
	Ensure(ctx context.Context, ref string, policy provision.PullPolicy) error
}

// State is a lifecycle state of a run.
type State string

// Lifecycle states.
const (
	StateCreated     State = "created"
	StateStarted     State = "started"
	StateExited      State = "exited"
	StateLogsFetched State = "logs_fetched"
	StateRemoved     State = "removed"
)

// StateHook observes lifecycle transitions.
type StateHook func(containerID string, state State)

// Config describes one container run.
type Config struct {
	Image string
	// Entrypoint overrides the image entrypoint when non-nil.
	Entrypoint []string
	Cmd        []string
	// Env holds KEY=VALUE pairs.
	Env        []string
	WorkingDir string
	// Binds are hostOrVolume:containerPath[:mode] specs.
	Binds []string

	MemoryBytes int64
	CPUQuota    int64
	CPUPeriod   int64
	// Timeout bounds the wait for exit. Zero means no deadline.
	Timeout time.Duration

	ReadonlyRootfs  bool
	NoNewPrivileges bool
	// AutoRemove is kept for callers; the container is always removed
	// once its logs are fetched.
	AutoRemove      bool
	NetworkDisabled bool
	PullPolicy      provision.PullPolicy

	Labels map[string]string
	User   string
	Name   string
}

// Result is the outcome of a run.
type Result struct {
	ContainerID string
	Stdout      string
	Stderr      string
	ExitCode    int
	Success     bool
	HasOutput   bool
	TimedOut    bool
	Duration    time.Duration
	// CleanupErr records a failed removal. It never replaces the run error.
	CleanupErr error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStateHook observes lifecycle transitions.
func WithStateHook(h StateHook) Option {
	return func(o *Orchestrator) { o.hook = h }
}

// WithRemoveTimeout bounds log fetching after a timeout and container removal.
func WithRemoveTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.removeTimeout = d }
}

// WithLogLimit caps the buffered log size.
func WithLogLimit(n int64) Option {
	return func(o *Orchestrator) { o.logLimit = n }
}

// Orchestrator runs containers.
type Orchestrator struct {
	api           API
	images        ImageEnsurer
	hook          StateHook
	removeTimeout time.Duration
	logLimit      int64
}

// New returns an Orchestrator. images may be nil to skip provisioning.
func New(api API, images ImageEnsurer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:           api,
		images:        images,
		removeTimeout: DefaultRemoveTimeout,
		logLimit:      DefaultLogLimit,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run provisions the image, runs the container to completion and removes
// it. A non-zero exit code is reported through Result.Success, not as an
// error. When the deadline expires the container is killed, its logs are
// still collected and the returned error wraps context.DeadlineExceeded.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (res Result, err error) {
	start := time.Now()
	ctx, span := atrace.Tracer.Start(ctx, itelemetry.SpanRunContainer)
	span.SetAttributes(
		attribute.String(itelemetry.KeyImage, cfg.Image),
		attribute.Int64(itelemetry.KeyMemoryBytes, cfg.MemoryBytes),
		attribute.Int64(itelemetry.KeyCPUQuota, cfg.CPUQuota),
		attribute.Int64(itelemetry.KeyTimeoutMillis, cfg.Timeout.Milliseconds()),
	)
	defer func() {
		res.Duration = time.Since(start)
		span.SetAttributes(
			attribute.Int(itelemetry.KeyExitCode, res.ExitCode),
			attribute.Bool(itelemetry.KeyTimedOut, res.TimedOut),
		)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String(itelemetry.KeyErrorKind, string(errs.KindOf(err))))
		}
		span.End()
	}()

	if cfg.Image == "" {
		return res, errs.Validation("container run", "image is required")
	}
	if o.images != nil {
		if err := o.images.Ensure(ctx, cfg.Image, cfg.PullPolicy); err != nil {
			return res, err
		}
	}

	created, err := o.api.ContainerCreate(ctx, containerConfig(cfg), hostConfig(cfg), nil, nil, cfg.Name)
	if err != nil {
		return res, errs.Classify("container create", err)
	}
	id := created.ID
	res.ContainerID = id
	span.SetAttributes(attribute.String(itelemetry.KeyContainerID, id))
	for _, w := range created.Warnings {
		log.Warnf("orchestrator: create %s: %s", shortID(id), w)
	}
	o.transition(id, StateCreated)
	defer func() {
		res.CleanupErr = o.remove(ctx, id)
	}()

	if err := o.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return res, errs.Classify("container start", err)
	}
	o.transition(id, StateStarted)

	exitCode, waitErr := o.wait(ctx, id, cfg.Timeout)
	if errors.Is(waitErr, context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
	}
	res.ExitCode = exitCode
	o.transition(id, StateExited)

	out, logErr := o.logs(ctx, id, waitErr != nil)
	if logErr != nil {
		log.Warnf("orchestrator: logs for %s: %v", shortID(id), logErr)
	} else {
		o.transition(id, StateLogsFetched)
	}
	res.Stdout = out.StdoutText
	res.Stderr = out.StderrText
	res.HasOutput = out.HasOutput()
	res.Success = waitErr == nil && res.ExitCode == 0

	switch {
	case res.TimedOut:
		return res, errs.New(errs.KindExecution, "container wait",
			fmt.Errorf("container exceeded timeout %s: %w", cfg.Timeout, context.DeadlineExceeded))
	case waitErr != nil:
		return res, errs.Classify("container wait", waitErr)
	case logErr != nil:
		return res, errs.Classify("container logs", logErr)
	}
	return res, nil
}

// wait blocks until the container stops or the deadline passes. On
// deadline or cancellation the container is killed.
func (o *Orchestrator) wait(ctx context.Context, id string, timeout time.Duration) (int, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	statusCh, errCh := o.api.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return int(st.StatusCode), errors.New(st.Error.Message)
		}
		return int(st.StatusCode), nil
	case err := <-errCh:
		if waitCtx.Err() != nil {
			o.kill(ctx, id)
			return -1, waitCtx.Err()
		}
		return -1, err
	case <-waitCtx.Done():
		o.kill(ctx, id)
		return -1, waitCtx.Err()
	}
}

func (o *Orchestrator) kill(ctx context.Context, id string) {
	kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.removeTimeout)
	defer cancel()
	if err := o.api.ContainerKill(kctx, id, "SIGKILL"); err != nil && !errs.IsNotFound(err) {
		log.Warnf("orchestrator: kill %s: %v", shortID(id), err)
	}
}

// logs reads the combined output as one buffer. After a failed wait the
// caller's context may be gone, so a detached one is used.
func (o *Orchestrator) logs(ctx context.Context, id string, detached bool) (logframe.Output, error) {
	if detached {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), o.removeTimeout)
		defer cancel()
	}
	rc, err := o.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     false,
	})
	if err != nil {
		return logframe.Output{}, err
	}
	defer rc.Close()
	return logframe.ReadAll(rc, o.logLimit)
}

// remove force-removes the container with a context that outlives the
// caller's cancellation. Failures are logged and returned, never raised.
func (o *Orchestrator) remove(ctx context.Context, id string) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.removeTimeout)
	defer cancel()
	err := o.api.ContainerRemove(rctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errs.IsNotFound(err) {
		log.Warnf("orchestrator: remove %s: %v", shortID(id), err)
		return err
	}
	o.transition(id, StateRemoved)
	return nil
}

func (o *Orchestrator) transition(id string, s State) {
	log.Debugf("orchestrator: %s %s", shortID(id), s)
	if o.hook != nil {
		o.hook(id, s)
	}
}

func containerConfig(cfg Config) *container.Config {
	labels := map[string]string{LabelCreatedBy: CreatedBy}
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	return &container.Config{
		Image:           cfg.Image,
		Entrypoint:      cfg.Entrypoint,
		Cmd:             cfg.Cmd,
		Env:             cfg.Env,
		WorkingDir:      cfg.WorkingDir,
		User:            cfg.User,
		Labels:          labels,
		NetworkDisabled: cfg.NetworkDisabled,
		AttachStdout:    false,
		AttachStderr:    false,
		Tty:             false,
	}
}

func hostConfig(cfg Config) *container.HostConfig {
	period := cfg.CPUPeriod
	if period == 0 && cfg.CPUQuota > 0 {
		period = DefaultCPUPeriod
	}
	hc := &container.HostConfig{
		Binds:          cfg.Binds,
		AutoRemove:     false,
		ReadonlyRootfs: cfg.ReadonlyRootfs,
		Resources: container.Resources{
			Memory:    cfg.MemoryBytes,
			CPUQuota:  cfg.CPUQuota,
			CPUPeriod: period,
		},
	}
	if cfg.MemoryBytes > 0 {
		hc.Resources.MemorySwap = cfg.MemoryBytes
	}
	if cfg.ReadonlyRootfs {
		hc.Tmpfs = map[string]string{"/tmp": DefaultTmpfs}
	}
	if cfg.NoNewPrivileges {
		hc.SecurityOpt = []string{"no-new-privileges:true"}
	}
	if cfg.NetworkDisabled {
		hc.NetworkMode = container.NetworkMode(network.NetworkNone)
	}
	return hc
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
