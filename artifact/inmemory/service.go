//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory artifact service for tests and
// single-process deployments.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"trpc.group/trpc-go/trpc-sandbox-go/artifact"
	iartifact "trpc.group/trpc-go/trpc-sandbox-go/internal/artifact"
)

// Service keeps every version of every artifact in memory.
type Service struct {
	mu sync.RWMutex
	// objects maps an object name prefix to its versions.
	objects map[string][]*artifact.Artifact
}

// NewService returns an empty Service.
func NewService() *Service {
	return &Service{objects: make(map[string][]*artifact.Artifact)}
}

// SaveArtifact implements artifact.Service.
func (s *Service) SaveArtifact(_ context.Context, scope artifact.Scope, filename string,
	art *artifact.Artifact) (int, error) {
	if err := iartifact.ValidateFilename(filename); err != nil {
		return 0, err
	}
	if art == nil {
		return 0, fmt.Errorf("artifact %q is nil", filename)
	}
	stored := &artifact.Artifact{
		Data:     append([]byte(nil), art.Data...),
		MimeType: art.MimeType,
		Name:     filename,
	}
	key := iartifact.BuildObjectNamePrefix(scope, filename)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append(s.objects[key], stored)
	return len(s.objects[key]) - 1, nil
}

// LoadArtifact implements artifact.Service.
func (s *Service) LoadArtifact(_ context.Context, scope artifact.Scope, filename string,
	version *int) (*artifact.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.objects[iartifact.BuildObjectNamePrefix(scope, filename)]
	if len(versions) == 0 {
		return nil, nil
	}
	idx := len(versions) - 1
	if version != nil {
		idx = *version
		if idx < 0 || idx >= len(versions) {
			return nil, fmt.Errorf("version %d of %q does not exist", idx, filename)
		}
	}
	return versions[idx], nil
}

// ListArtifactKeys implements artifact.Service.
func (s *Service) ListArtifactKeys(_ context.Context, scope artifact.Scope) ([]string, error) {
	prefixes := []string{iartifact.BuildInvocationPrefix(scope), iartifact.BuildSharedPrefix(scope)}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for key := range s.objects {
		for _, p := range prefixes {
			if !strings.HasPrefix(key, p) {
				continue
			}
			if name, _, ok := iartifact.ParseObjectName(key + "0"); ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteArtifact implements artifact.Service. Deleting a missing
// artifact is not an error.
func (s *Service) DeleteArtifact(_ context.Context, scope artifact.Scope, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, iartifact.BuildObjectNamePrefix(scope, filename))
	return nil
}

// ListVersions implements artifact.Service.
func (s *Service) ListVersions(_ context.Context, scope artifact.Scope, filename string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.objects[iartifact.BuildObjectNamePrefix(scope, filename)]
	out := make([]int, len(versions))
	for i := range versions {
		out[i] = i
	}
	return out, nil
}
