//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package artifact holds the object naming shared by artifact backends.
//
// Object names are laid out as:
//   - {workspace}/{invocation}/{filename}/{version} for invocation files
//   - {workspace}/_shared/{filename}/{version} for "workspace:" files
package artifact

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"trpc.group/trpc-go/trpc-sandbox-go/artifact"
)

const sharedDir = "_shared"

// IsShared reports whether filename is workspace-shared.
func IsShared(filename string) bool {
	return strings.HasPrefix(filename, artifact.SharedPrefix)
}

// ValidateFilename rejects names that would break the object layout.
func ValidateFilename(filename string) error {
	name := strings.TrimPrefix(filename, artifact.SharedPrefix)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q", artifact.ErrInvalidName, filename)
	}
	return nil
}

// BuildInvocationPrefix returns the prefix of the invocation's own files.
func BuildInvocationPrefix(scope artifact.Scope) string {
	return escape(scope.Workspace) + "/" + escape(scope.Invocation) + "/"
}

// BuildSharedPrefix returns the prefix of the workspace-shared files.
func BuildSharedPrefix(scope artifact.Scope) string {
	return escape(scope.Workspace) + "/" + sharedDir + "/"
}

// BuildObjectNamePrefix returns the prefix under which every version of
// filename is stored.
func BuildObjectNamePrefix(scope artifact.Scope, filename string) string {
	if IsShared(filename) {
		return BuildSharedPrefix(scope) + escape(filename) + "/"
	}
	return BuildInvocationPrefix(scope) + escape(filename) + "/"
}

// BuildObjectName returns the object name of one version of filename.
func BuildObjectName(scope artifact.Scope, filename string, version int) string {
	return BuildObjectNamePrefix(scope, filename) + strconv.Itoa(version)
}

// ParseObjectName splits a name built by BuildObjectName into its filename
// and version.
func ParseObjectName(name string) (filename string, version int, ok bool) {
	parts := strings.Split(name, "/")
	if len(parts) != 4 {
		return "", 0, false
	}
	v, err := strconv.Atoi(parts[3])
	if err != nil || v < 0 {
		return "", 0, false
	}
	f, err := url.PathUnescape(parts[2])
	if err != nil {
		return "", 0, false
	}
	return f, v, true
}

// Latest returns the highest version, or -1 for none.
func Latest(versions []int) int {
	latest := -1
	for _, v := range versions {
		if v > latest {
			latest = v
		}
	}
	return latest
}

func escape(s string) string {
	return url.PathEscape(s)
}
