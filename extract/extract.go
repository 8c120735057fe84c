//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package extract recovers files a run left on a workspace volume. The
// volume is mounted read-only into a short-lived helper container and the
// files are copied out as tar archives, trying per-file copies first and
// then a whole-directory archive with progressively looser extraction.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	itelemetry "trpc.group/trpc-go/trpc-sandbox-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
	"trpc.group/trpc-go/trpc-sandbox-go/logframe"
	"trpc.group/trpc-go/trpc-sandbox-go/orchestrator"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
	atrace "trpc.group/trpc-go/trpc-sandbox-go/telemetry/trace"
)

// Defaults.
const (
	DefaultHelperImage  = "alpine:latest"
	DefaultMountPath    = "/workspace"
	DefaultKeepAlive    = 60 * time.Second
	DefaultReadyTimeout = 5 * time.Second
	DefaultCopyTimeout  = 2 * time.Minute

	LabelRole  = "io.trpc.sandbox.role"
	RoleHelper = "extract-helper"

	readyPollInterval = 100 * time.Millisecond
	listLimit         = int64(4 << 20)
)

// Strategy names the branch that produced a Result.
type Strategy string

// Strategies in the order they are attempted.
const (
	StrategyPerFile    Strategy = "per_file"
	StrategyUnstripped Strategy = "unstripped"
	StrategyStripped   Strategy = "stripped"
	StrategyLenient    Strategy = "lenient"
	StrategyNone       Strategy = "none"
)

// API is the part of the engine client the extractor uses.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform,
		containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string,
		options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string,
		config container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, container.PathStat, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ImageEnsurer provisions the helper image.
type ImageEnsurer interface {
	Ensure(ctx context.Context, ref string, policy provision.PullPolicy) error
}

// Request names the volume and the path inside it to recover.
type Request struct {
	VolumeName  string
	MountPath   string
	SourcePath  string
	HostDestDir string
}

// Attempt is one extraction try over a directory archive.
type Attempt struct {
	Strategy        Strategy
	StripComponents int
	Files           int
	Err             string
}

// Diagnostics explains how a Result came about. Callers need not act on it.
type Diagnostics struct {
	ResolvedPath string
	Listing      []string
	ListingErr   string
	ArchiveSize  int64
	Attempts     []Attempt
	Notes        []string
}

// Result is the outcome of an extraction.
type Result struct {
	// TarContents lists the regular files found at the source path.
	TarContents []string
	// ExtractedFiles lists the file names written to HostDestDir.
	ExtractedFiles []string
	ArchiveSize    int64
	Strategy       Strategy
	Diagnostics    Diagnostics
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithHelperImage sets the helper image.
func WithHelperImage(ref string) Option {
	return func(e *Extractor) { e.helperImage = ref }
}

// WithHelperPullPolicy sets how the helper image is provisioned.
func WithHelperPullPolicy(p provision.PullPolicy) Option {
	return func(e *Extractor) { e.pullPolicy = p }
}

// WithImageEnsurer provisions the helper image before it is created.
func WithImageEnsurer(images ImageEnsurer) Option {
	return func(e *Extractor) { e.images = images }
}

// WithKeepAlive bounds how long the helper container lives.
func WithKeepAlive(d time.Duration) Option {
	return func(e *Extractor) { e.keepAlive = d }
}

// WithReadyTimeout bounds the wait for the helper to be running.
func WithReadyTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.readyTimeout = d }
}

// WithTempDir sets where archives are spooled. Defaults to os.TempDir.
func WithTempDir(dir string) Option {
	return func(e *Extractor) { e.tempDir = dir }
}

// Extractor copies files out of workspace volumes.
type Extractor struct {
	api          API
	images       ImageEnsurer
	helperImage  string
	pullPolicy   provision.PullPolicy
	keepAlive    time.Duration
	readyTimeout time.Duration
	tempDir      string
}

// New returns an Extractor using api.
func New(api API, opts ...Option) *Extractor {
	e := &Extractor{
		api:          api,
		helperImage:  DefaultHelperImage,
		pullPolicy:   provision.PullMissing,
		keepAlive:    DefaultKeepAlive,
		readyTimeout: DefaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ResolvePath returns the in-container path for source. Absolute paths are
// kept, relative ones are placed under mount.
func ResolvePath(mount, source string) string {
	if mount == "" {
		mount = DefaultMountPath
	}
	if path.IsAbs(source) {
		return path.Clean(source)
	}
	return path.Join(mount, source)
}

// Extract copies the files at req.SourcePath on req.VolumeName into
// req.HostDestDir. A missing source directory yields an empty Result and
// no error.
func (e *Extractor) Extract(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := atrace.Tracer.Start(ctx, itelemetry.SpanExtract)
	defer func() {
		span.SetAttributes(
			attribute.String(itelemetry.KeyStrategy, string(res.Strategy)),
			attribute.Int(itelemetry.KeyArtifactCount, len(res.ExtractedFiles)),
			attribute.Int64(itelemetry.KeyArtifactBytes, res.ArchiveSize),
		)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String(itelemetry.KeyErrorKind, string(errs.KindOf(err))))
		} else {
			itelemetry.RecordExtraction(ctx, string(res.Strategy), len(res.ExtractedFiles), res.ArchiveSize)
		}
		span.End()
	}()

	if req.VolumeName == "" {
		return res, errs.Validation("extract", "volume name is required")
	}
	if req.HostDestDir == "" {
		return res, errs.Validation("extract", "host destination directory is required")
	}
	if req.MountPath == "" {
		req.MountPath = DefaultMountPath
	}
	if !path.IsAbs(req.MountPath) {
		return res, errs.Validation("extract", "mount path %q must be absolute", req.MountPath)
	}
	abs := ResolvePath(req.MountPath, req.SourcePath)
	res.Diagnostics.ResolvedPath = abs
	span.SetAttributes(
		attribute.String(itelemetry.KeyVolume, req.VolumeName),
		attribute.String(itelemetry.KeyArtifactPath, abs),
	)
	if err := os.MkdirAll(req.HostDestDir, 0o755); err != nil {
		return res, errs.Extraction("extract", string(StrategyNone), fmt.Errorf("create destination: %w", err))
	}

	id, err := e.startHelper(ctx, req)
	if err != nil {
		return res, err
	}
	defer func() {
		if rerr := e.removeHelper(ctx, id); rerr != nil {
			res.Diagnostics.Notes = append(res.Diagnostics.Notes, "helper removal failed: "+rerr.Error())
		}
	}()
	if err := e.waitReady(ctx, id); err != nil {
		log.Debugf("extract: helper %s not ready: %v", shortID(id), err)
		res.Diagnostics.Notes = append(res.Diagnostics.Notes, "helper not ready: "+err.Error())
	}

	names, lerr := e.list(ctx, id, abs)
	res.Diagnostics.Listing = names
	if lerr != nil {
		res.Diagnostics.ListingErr = lerr.Error()
	}
	if len(names) > 0 {
		files, size, perr := e.copyEach(ctx, id, abs, names, req.HostDestDir)
		if perr == nil {
			res.TarContents = names
			res.ExtractedFiles = files
			res.ArchiveSize = size
			res.Strategy = StrategyPerFile
			return res, nil
		}
		if errs.IsConnection(perr) {
			return res, perr
		}
		log.Debugf("extract: per-file copy failed, using directory archive: %v", perr)
		res.Diagnostics.Notes = append(res.Diagnostics.Notes, "per-file copy failed: "+perr.Error())
	}
	return e.copyDir(ctx, id, abs, req.HostDestDir, res)
}

// startHelper creates and starts the helper with the volume mounted
// read-only. A helper that fails to start is removed before returning.
func (e *Extractor) startHelper(ctx context.Context, req Request) (string, error) {
	if e.images != nil {
		if err := e.images.Ensure(ctx, e.helperImage, e.pullPolicy); err != nil {
			return "", err
		}
	}
	secs := int(e.keepAlive / time.Second)
	if secs < 1 {
		secs = 1
	}
	cfg := &container.Config{
		Image: e.helperImage,
		Cmd:   []string{"sleep", strconv.Itoa(secs)},
		Labels: map[string]string{
			orchestrator.LabelCreatedBy: orchestrator.CreatedBy,
			LabelRole:                   RoleHelper,
		},
		NetworkDisabled: true,
	}
	hc := &container.HostConfig{
		Binds:          []string{req.VolumeName + ":" + req.MountPath + ":ro"},
		NetworkMode:    container.NetworkMode(network.NetworkNone),
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges:true"},
	}
	created, err := e.api.ContainerCreate(ctx, cfg, hc, nil, nil, "")
	if err != nil {
		return "", errs.Classify("extract helper create", err)
	}
	if err := e.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = e.removeHelper(ctx, created.ID)
		return "", errs.Classify("extract helper start", err)
	}
	log.Debugf("extract: helper %s started for volume %s", shortID(created.ID), req.VolumeName)
	return created.ID, nil
}

// waitReady polls until the helper reports running. Archive copies also
// work on a stopped container, so callers only note a failure.
func (e *Extractor) waitReady(ctx context.Context, id string) error {
	rctx, cancel := context.WithTimeout(ctx, e.readyTimeout)
	defer cancel()
	t := time.NewTicker(readyPollInterval)
	defer t.Stop()
	for {
		insp, err := e.api.ContainerInspect(rctx, id)
		if err == nil && insp.State != nil {
			if insp.State.Running {
				return nil
			}
			if insp.State.Status == "exited" || insp.State.Status == "dead" {
				return fmt.Errorf("helper is %s", insp.State.Status)
			}
		}
		select {
		case <-rctx.Done():
			if err != nil {
				return err
			}
			return rctx.Err()
		case <-t.C:
		}
	}
}

func (e *Extractor) removeHelper(ctx context.Context, id string) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orchestrator.DefaultRemoveTimeout)
	defer cancel()
	err := e.api.ContainerRemove(rctx, id, container.RemoveOptions{Force: true})
	if err != nil && !errs.IsNotFound(err) {
		log.Warnf("extract: remove helper %s: %v", shortID(id), err)
		return err
	}
	return nil
}

// list returns the base names of regular files directly under dir. A
// missing or unreadable dir is reported as no files.
func (e *Extractor) list(ctx context.Context, id, dir string) ([]string, error) {
	out, code, err := e.exec(ctx, id, []string{"find", dir, "-mindepth", "1", "-maxdepth", "1", "-type", "f"})
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("find exited with %d: %s", code, strings.TrimSpace(out.StderrText))
	}
	if strings.Contains(out.StderrText, "No such file") || strings.Contains(out.StderrText, "Permission denied") {
		return nil, errors.New(strings.TrimSpace(out.StderrText))
	}
	var names []string
	for _, line := range strings.Split(out.StdoutText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, path.Base(line))
	}
	return names, nil
}

// exec runs argv in the helper and returns its demultiplexed output and
// exit code.
func (e *Extractor) exec(ctx context.Context, id string, argv []string) (logframe.Output, int, error) {
	ex, err := e.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return logframe.Output{}, -1, err
	}
	hj, err := e.api.ContainerExecAttach(ctx, ex.ID, container.ExecStartOptions{})
	if err != nil {
		return logframe.Output{}, -1, err
	}
	out, err := logframe.ReadAll(hj.Reader, listLimit)
	hj.Close()
	if err != nil {
		return out, -1, err
	}
	insp, err := e.api.ContainerExecInspect(ctx, ex.ID)
	if err != nil {
		return out, -1, err
	}
	return out, insp.ExitCode, nil
}

// copyEach copies every listed file through its own archive. Any failure
// aborts so the caller can fall back to the directory archive.
func (e *Extractor) copyEach(ctx context.Context, id, dir string, names []string, dest string) ([]string, int64, error) {
	var (
		files []string
		total int64
	)
	for _, name := range names {
		tarPath, size, err := e.fetch(ctx, id, path.Join(dir, name))
		if err != nil {
			return nil, 0, err
		}
		got, err := extractFlatten(tarPath, dest, 0, false)
		_ = os.Remove(tarPath)
		if err != nil {
			return nil, 0, err
		}
		files = append(files, got...)
		total += size
	}
	return files, total, nil
}

// copyDir recovers the whole directory archive of dir.
func (e *Extractor) copyDir(ctx context.Context, id, dir, dest string, res Result) (Result, error) {
	res.Strategy = StrategyNone
	tarPath, size, err := e.fetch(ctx, id, dir)
	if errs.IsNotFound(err) {
		tarPath, size, err = e.fetch(ctx, id, dir+"/")
	}
	if errs.IsNotFound(err) {
		res.Diagnostics.Notes = append(res.Diagnostics.Notes, "source directory absent")
		log.Debugf("extract: %s absent, nothing to extract", dir)
		return res, nil
	}
	if err != nil {
		if errs.IsConnection(err) {
			return res, err
		}
		return res, errs.Extraction("extract archive", string(StrategyNone), err)
	}
	defer os.Remove(tarPath)

	res.ArchiveSize = size
	res.Diagnostics.ArchiveSize = size
	if size == 0 {
		res.Diagnostics.Notes = append(res.Diagnostics.Notes, "empty archive")
		return res, nil
	}
	contents, lerr := listRegular(tarPath)
	res.TarContents = contents
	if lerr != nil {
		res.Diagnostics.Notes = append(res.Diagnostics.Notes, "archive listing incomplete: "+lerr.Error())
	}
	if len(contents) == 0 && lerr == nil {
		return res, nil
	}

	attempts := []struct {
		strategy Strategy
		strip    int
		lenient  bool
	}{
		{StrategyUnstripped, 0, false},
		{StrategyStripped, segments(dir), false},
		{StrategyLenient, 0, true},
	}
	var lastErr error
	for _, a := range attempts {
		files, err := extractFlatten(tarPath, dest, a.strip, a.lenient)
		att := Attempt{Strategy: a.strategy, StripComponents: a.strip, Files: len(files)}
		if err != nil {
			att.Err = err.Error()
			lastErr = err
		}
		res.Diagnostics.Attempts = append(res.Diagnostics.Attempts, att)
		res.Strategy = a.strategy
		if err == nil && len(files) > 0 {
			res.ExtractedFiles = files
			return res, nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("archive yielded no files")
	}
	return res, errs.Extraction("extract archive", string(res.Strategy), lastErr)
}

// fetch spools the archive of p to a temp file.
func (e *Extractor) fetch(ctx context.Context, id, p string) (string, int64, error) {
	cctx, cancel := context.WithTimeout(ctx, DefaultCopyTimeout)
	defer cancel()
	rc, _, err := e.api.CopyFromContainer(cctx, id, p)
	if err != nil {
		if errs.IsNotFound(err) {
			return "", 0, err
		}
		return "", 0, errs.Classify("copy from container", err)
	}
	defer rc.Close()
	dir := e.tempDir
	if dir == "" {
		dir = os.TempDir()
	}
	return spool(dir, rc)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
