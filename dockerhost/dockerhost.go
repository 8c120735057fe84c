//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package dockerhost locates the container engine's control endpoint.
//
// Resolution never fails: when nothing usable is found the platform
// default is returned so callers always have something to dial.
package dockerhost

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
)

// Kind is the transport of the endpoint.
type Kind string

// Endpoint kinds.
const (
	KindUnix      Kind = "unix"
	KindNamedPipe Kind = "npipe"
)

// Source records how a Result was chosen.
type Source string

// Result sources.
const (
	SourcePreferred  Source = "preferred"
	SourceAutoDetect Source = "platform_auto_detect"
	SourceFallback   Source = "default_fallback"
)

const (
	defaultUnixSocket = "/var/run/docker.sock"
	defaultNamedPipe  = `\\.\pipe\docker_engine`
)

// Result is a resolved endpoint.
type Result struct {
	Path       string
	Kind       Kind
	Exists     bool
	Accessible bool
	Source     Source
}

// Host renders r as a docker host URL.
func (r Result) Host() string {
	if r.Kind == KindNamedPipe {
		return "npipe://" + strings.ReplaceAll(r.Path, `\`, "/")
	}
	return "unix://" + r.Path
}

// probe is replaced in tests so candidates on the build host do not leak in.
var probe = probePath

// Resolve finds the endpoint for the running platform. An empty preferred
// falls back to a unix:// or npipe:// DOCKER_HOST.
func Resolve(preferred string) Result {
	if preferred == "" {
		preferred = hostFromEnv(os.Getenv(client.EnvOverrideHost))
	}
	home, _ := os.UserHomeDir()
	return ResolveFor(runtime.GOOS, home, preferred)
}

// ResolveFor resolves the endpoint as it would be on goos with the given
// home directory.
func ResolveFor(goos, home, preferred string) Result {
	if preferred != "" {
		path, kind := splitHost(preferred)
		exists, accessible := probe(path, kind)
		if exists && accessible {
			log.Debugf("dockerhost: using preferred endpoint %s", path)
			return Result{Path: path, Kind: kind, Exists: true, Accessible: true, Source: SourcePreferred}
		}
		log.Debugf("dockerhost: preferred endpoint %s unusable (exists=%t accessible=%t)",
			path, exists, accessible)
	}
	for _, c := range Candidates(goos, home, os.Getenv("XDG_RUNTIME_DIR")) {
		kind := kindFor(goos)
		exists, accessible := probe(c, kind)
		if exists && accessible {
			log.Debugf("dockerhost: detected endpoint %s", c)
			return Result{Path: c, Kind: kind, Exists: true, Accessible: true, Source: SourceAutoDetect}
		}
	}
	path := defaultPath(goos)
	kind := kindFor(goos)
	exists, accessible := probe(path, kind)
	log.Debugf("dockerhost: no endpoint detected, falling back to %s", path)
	return Result{Path: path, Kind: kind, Exists: exists, Accessible: accessible, Source: SourceFallback}
}

// Candidates lists endpoint paths for goos in probe order.
func Candidates(goos, home, runtimeDir string) []string {
	switch goos {
	case "windows":
		return []string{defaultNamedPipe}
	case "darwin":
		c := []string{defaultUnixSocket}
		if home != "" {
			c = append(c,
				filepath.Join(home, ".colima", "default", "docker.sock"),
				filepath.Join(home, ".colima", "docker.sock"),
				filepath.Join(home, ".docker", "run", "docker.sock"),
				filepath.Join(home, ".rd", "docker.sock"),
			)
		}
		return c
	default:
		c := []string{defaultUnixSocket, "/run/docker.sock"}
		if goos == "linux" {
			c = append(c, "/var/snap/docker/common/run/docker.sock")
		}
		if runtimeDir != "" {
			c = append(c, filepath.Join(runtimeDir, "docker.sock"))
		}
		return c
	}
}

// NewClient builds an engine client for r with API version negotiation.
// Later opts override earlier ones.
func NewClient(r Result, opts ...client.Opt) (*client.Client, error) {
	all := append([]client.Opt{
		client.WithHost(r.Host()),
		client.WithAPIVersionNegotiation(),
	}, opts...)
	cli, err := client.NewClientWithOpts(all...)
	if err != nil {
		return nil, errs.New(errs.KindConnection, "engine client", err)
	}
	return cli, nil
}

// Pinger is the part of the engine client Ping needs.
type Pinger interface {
	Ping(ctx context.Context) (types.Ping, error)
}

// Ping checks that the engine answers. Any failure is a connection error.
func Ping(ctx context.Context, cli Pinger) error {
	if _, err := cli.Ping(ctx); err != nil {
		return errs.New(errs.KindConnection, "engine ping", err)
	}
	return nil
}

func kindFor(goos string) Kind {
	if goos == "windows" {
		return KindNamedPipe
	}
	return KindUnix
}

func defaultPath(goos string) string {
	if goos == "windows" {
		return defaultNamedPipe
	}
	return defaultUnixSocket
}

func hostFromEnv(v string) string {
	if strings.HasPrefix(v, "unix://") || strings.HasPrefix(v, "npipe://") {
		return v
	}
	return ""
}

func splitHost(h string) (string, Kind) {
	switch {
	case strings.HasPrefix(h, "unix://"):
		return strings.TrimPrefix(h, "unix://"), KindUnix
	case strings.HasPrefix(h, "npipe://"):
		return strings.ReplaceAll(strings.TrimPrefix(h, "npipe://"), "/", `\`), KindNamedPipe
	case strings.HasPrefix(h, `\\.\pipe\`):
		return h, KindNamedPipe
	case strings.HasPrefix(h, "//./pipe/"):
		return strings.ReplaceAll(h, "/", `\`), KindNamedPipe
	default:
		// Anything else is a filesystem path and gets probed, on Windows
		// too (AF_UNIX sockets).
		return h, KindUnix
	}
}

// probePath reports whether path exists and can be opened. Named pipes
// are assumed present. Opening a socket fails with ENXIO once the
// permission check has passed, so only permission errors count against it.
func probePath(path string, kind Kind) (exists, accessible bool) {
	if kind == KindNamedPipe {
		return true, true
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return true, false
		}
		return false, false
	}
	f, err := os.Open(path)
	if err == nil {
		_ = f.Close()
		return true, true
	}
	if errors.Is(err, fs.ErrPermission) {
		return true, false
	}
	return true, true
}
