//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package workspace names and provisions the persistent volume shared by
// the invocations of one logical session.
//
// The manager creates volumes lazily and never deletes them; deletion is
// an explicit operation (Remove) so later invocations in a session can
// read what earlier ones wrote.
package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/volume"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	itelemetry "trpc.group/trpc-go/trpc-sandbox-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
	atrace "trpc.group/trpc-go/trpc-sandbox-go/telemetry/trace"
)

// Naming and labelling.
const (
	NamePrefix       = "workspace-"
	DefaultMountPath = "/workspace"

	LabelCreatedBy      = "io.trpc.sandbox.created-by"
	LabelSessionKeyHash = "io.trpc.sandbox.session-key-hash"
	CreatedBy           = "trpc-sandbox-go"

	tokenLen = 12
)

// Session identifies the logical session an invocation belongs to.
// Fields are consulted in order: Override, WorkflowID (with Date), NodeID.
type Session struct {
	Override   string
	WorkflowID string
	NodeID     string
	// Date scopes workflow sessions to a calendar day. Zero means today.
	Date time.Time
}

// SessionKey derives the key a volume name is hashed from. A session with
// no identity gets a random key and therefore a fresh volume.
func SessionKey(s Session) string {
	switch {
	case s.Override != "":
		return "override:" + s.Override
	case s.WorkflowID != "":
		d := s.Date
		if d.IsZero() {
			d = time.Now()
		}
		return fmt.Sprintf("workflow:%s:%s", s.WorkflowID, d.Format(time.DateOnly))
	case s.NodeID != "":
		return "node:" + s.NodeID
	default:
		return "random:" + uuid.NewString()
	}
}

// NameFor hashes key into a volume name.
func NameFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	return NamePrefix + hex.EncodeToString(sum[:])[:tokenLen]
}

// Volume is a session workspace.
type Volume struct {
	Name      string
	MountPath string
	Key       string
}

// Bind renders the volume as a bind spec with mode "rw" or "ro".
func (v Volume) Bind(mode string) string {
	if mode == "" {
		mode = "rw"
	}
	return v.Name + ":" + v.MountPath + ":" + mode
}

// API is the part of the engine client the manager uses.
type API interface {
	VolumeInspect(ctx context.Context, volumeID string) (volume.Volume, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithMountPath sets where volumes are mounted in containers.
func WithMountPath(p string) Option {
	return func(m *Manager) { m.mountPath = p }
}

// WithLabels adds labels to created volumes.
func WithLabels(labels map[string]string) Option {
	return func(m *Manager) {
		for k, v := range labels {
			m.labels[k] = v
		}
	}
}

// Manager names and ensures workspace volumes.
type Manager struct {
	api       API
	mountPath string
	labels    map[string]string
}

// NewManager returns a Manager using api.
func NewManager(api API, opts ...Option) *Manager {
	m := &Manager{
		api:       api,
		mountPath: DefaultMountPath,
		labels:    map[string]string{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Volume returns the workspace for s without touching the engine.
func (m *Manager) Volume(s Session) Volume {
	key := SessionKey(s)
	return Volume{Name: NameFor(key), MountPath: m.mountPath, Key: key}
}

// Ensure makes sure the volume exists, creating it when inspection fails.
// It reports whether the volume was created.
func (m *Manager) Ensure(ctx context.Context, v Volume) (created bool, err error) {
	ctx, span := atrace.Tracer.Start(ctx, itelemetry.SpanEnsureWorkspace)
	span.SetAttributes(attribute.String(itelemetry.KeyVolume, v.Name))
	defer func() {
		span.SetAttributes(attribute.Bool(itelemetry.KeyVolumeCreated, created))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if v.Name == "" {
		return false, errs.Validation("workspace ensure", "volume name is empty")
	}
	if _, err := m.api.VolumeInspect(ctx, v.Name); err == nil {
		return false, nil
	} else if !errs.IsNotFound(err) {
		log.Debugf("workspace: inspect %s: %v; creating", v.Name, err)
	}

	labels := map[string]string{LabelCreatedBy: CreatedBy}
	for k, val := range m.labels {
		labels[k] = val
	}
	if v.Key != "" {
		sum := sha256.Sum256([]byte(v.Key))
		labels[LabelSessionKeyHash] = hex.EncodeToString(sum[:])
	}
	if _, err := m.api.VolumeCreate(ctx, volume.CreateOptions{Name: v.Name, Labels: labels}); err != nil {
		return false, errs.Classify("volume create", err)
	}
	log.Infof("workspace: created volume %s", v.Name)
	return true, nil
}

// EnsureSession derives the volume for s and ensures it exists.
func (m *Manager) EnsureSession(ctx context.Context, s Session) (Volume, error) {
	v := m.Volume(s)
	_, err := m.Ensure(ctx, v)
	return v, err
}

// Remover is the part of the engine client Remove uses.
type Remover interface {
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// Remove deletes a workspace volume. A missing volume is not an error.
func Remove(ctx context.Context, api Remover, name string, force bool) (err error) {
	ctx, span := atrace.Tracer.Start(ctx, itelemetry.SpanRemoveWorkspace)
	span.SetAttributes(attribute.String(itelemetry.KeyVolume, name))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if name == "" {
		return errs.Validation("workspace remove", "volume name is empty")
	}
	if err := api.VolumeRemove(ctx, name, force); err != nil {
		if errs.IsNotFound(err) {
			return nil
		}
		return errs.Classify("volume remove", err)
	}
	log.Infof("workspace: removed volume %s", name)
	return nil
}
