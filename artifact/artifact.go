//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package artifact stores files recovered from sandbox runs. Files are
// versioned per name inside a Scope: the workspace they came from and the
// invocation that produced them.
package artifact

import (
	"context"
	"errors"
)

// SharedPrefix marks a filename as shared by every invocation of a
// workspace instead of belonging to one invocation.
const SharedPrefix = "workspace:"

// ErrInvalidName is returned for filenames that cannot be stored.
var ErrInvalidName = errors.New("artifact: invalid filename")

// Artifact is one stored file.
type Artifact struct {
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	// Name is the filename the artifact was stored under.
	Name string `json:"name,omitempty"`
}

// Scope locates artifacts.
type Scope struct {
	// Workspace is the workspace volume name.
	Workspace string
	// Invocation identifies a single run inside the workspace.
	Invocation string
}

// Service persists artifacts. Versions start at 0 and grow by one per save.
type Service interface {
	// SaveArtifact stores art under filename and returns its version.
	SaveArtifact(ctx context.Context, scope Scope, filename string, art *Artifact) (int, error)
	// LoadArtifact returns a version of filename, the latest when version
	// is nil. A missing artifact yields nil and no error.
	LoadArtifact(ctx context.Context, scope Scope, filename string, version *int) (*Artifact, error)
	// ListArtifactKeys lists the filenames visible in scope, including the
	// workspace-shared ones.
	ListArtifactKeys(ctx context.Context, scope Scope) ([]string, error)
	// DeleteArtifact removes every version of filename.
	DeleteArtifact(ctx context.Context, scope Scope, filename string) error
	// ListVersions lists the stored versions of filename.
	ListVersions(ctx context.Context, scope Scope, filename string) ([]int, error)
}

// ContextWithService returns a copy of ctx carrying service.
func ContextWithService(ctx context.Context, service Service) context.Context {
	return context.WithValue(ctx, serviceKey{}, service)
}

// ServiceFromContext returns the service carried by ctx.
func ServiceFromContext(ctx context.Context) (Service, bool) {
	service, ok := ctx.Value(serviceKey{}).(Service)
	return service, ok && service != nil
}

type serviceKey struct{}
