//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package sandbox runs commands in ephemeral containers against a
// persistent per-session workspace volume and recovers the files they
// leave behind.
//
// One Invoke resolves nothing new: the engine endpoint is resolved once
// when the Engine is built. Each call provisions the image, ensures the
// workspace volume, stages inputs, runs the container under planned
// resource limits and, when asked, extracts outputs from the volume after
// the container is gone.
package sandbox

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-sandbox-go/dockerhost"
	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	"trpc.group/trpc-go/trpc-sandbox-go/extract"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
	"trpc.group/trpc-go/trpc-sandbox-go/orchestrator"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
	"trpc.group/trpc-go/trpc-sandbox-go/workspace"
)

// Client is the engine API the Engine drives.
type Client interface {
	provision.API
	orchestrator.API
	workspace.API
	workspace.Remover
	extract.API
	dockerhost.Pinger
	Close() error
}

// Engine runs sandboxed invocations.
type Engine struct {
	cli       Client
	endpoint  dockerhost.Result
	opts      options
	images    *provision.Provisioner
	orch      *orchestrator.Orchestrator
	volumes   *workspace.Manager
	extractor *extract.Extractor
	locker    *workspace.Locker
	pool      *ants.PoolWithFunc
}

// New resolves the engine endpoint and connects to it.
func New(opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	endpoint := dockerhost.Resolve(o.socketPath)
	log.Infof("sandbox: engine endpoint %s (%s, exists=%t accessible=%t)",
		endpoint.Path, endpoint.Source, endpoint.Exists, endpoint.Accessible)
	cli, err := dockerhost.NewClient(endpoint)
	if err != nil {
		return nil, err
	}
	e, err := NewWithClient(cli, endpoint, opts...)
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	return e, nil
}

// NewWithClient builds an Engine on an existing client. endpoint is only
// reported back through Endpoint.
func NewWithClient(cli Client, endpoint dockerhost.Result, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency <= 0 {
		return nil, errs.Validation("sandbox", "concurrency must be positive, got %d", o.concurrency)
	}

	var provOpts []provision.Option
	if o.progress != nil {
		provOpts = append(provOpts, provision.WithProgress(o.progress))
	}
	if o.platform != "" {
		provOpts = append(provOpts, provision.WithPlatform(o.platform))
	}
	images := provision.New(cli, provOpts...)

	var orchOpts []orchestrator.Option
	if o.stateHook != nil {
		orchOpts = append(orchOpts, orchestrator.WithStateHook(o.stateHook))
	}

	e := &Engine{
		cli:      cli,
		endpoint: endpoint,
		opts:     o,
		images:   images,
		// Images are provisioned by Invoke before the workspace is touched.
		orch: orchestrator.New(cli, nil, orchOpts...),
		volumes: workspace.NewManager(cli,
			workspace.WithMountPath(o.mountPath),
			workspace.WithLabels(o.volumeLabels),
		),
		extractor: extract.New(cli,
			extract.WithImageEnsurer(images),
			extract.WithHelperImage(o.helperImage),
			extract.WithKeepAlive(o.helperKeepAlive),
			extract.WithTempDir(o.tempDir),
		),
	}
	if o.locking {
		e.locker = workspace.NewLocker()
	}
	pool, err := newBatchPool(o.concurrency)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	return e, nil
}

// Endpoint returns how the engine endpoint was resolved.
func (e *Engine) Endpoint() dockerhost.Result {
	return e.endpoint
}

// Ping checks that the engine answers.
func (e *Engine) Ping(ctx context.Context) error {
	return dockerhost.Ping(ctx, e.cli)
}

// EnsureWorkspace makes sure the named volume exists and reports whether
// it was created.
func (e *Engine) EnsureWorkspace(ctx context.Context, name string) (bool, error) {
	if e.locker != nil {
		defer e.locker.Lock(name)()
	}
	return e.volumes.Ensure(ctx, workspace.Volume{Name: name, MountPath: e.opts.mountPath})
}

// WorkspaceFor returns the volume a session maps to without touching the
// engine.
func (e *Engine) WorkspaceFor(s workspace.Session) workspace.Volume {
	return e.volumes.Volume(s)
}

// RemoveWorkspace deletes a workspace volume. A missing volume is not an
// error.
func (e *Engine) RemoveWorkspace(ctx context.Context, name string, force bool) error {
	if e.locker != nil {
		defer e.locker.Lock(name)()
	}
	return workspace.Remove(ctx, e.cli, name, force)
}

// Close releases the batch pool and the engine client.
func (e *Engine) Close() error {
	e.pool.Release()
	if err := e.cli.Close(); err != nil {
		return fmt.Errorf("close engine client: %w", err)
	}
	return nil
}

var _ Client = (*client.Client)(nil)
