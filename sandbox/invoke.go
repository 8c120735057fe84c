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
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-sandbox-go/command"
	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	"trpc.group/trpc-go/trpc-sandbox-go/extract"
	itelemetry "trpc.group/trpc-go/trpc-sandbox-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-sandbox-go/limits"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
	"trpc.group/trpc-go/trpc-sandbox-go/orchestrator"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
	"trpc.group/trpc-go/trpc-sandbox-go/staging"
	atrace "trpc.group/trpc-go/trpc-sandbox-go/telemetry/trace"
	"trpc.group/trpc-go/trpc-sandbox-go/workspace"
)

// Labels set on primary containers.
const (
	LabelInvocation = "io.trpc.sandbox.invocation"
	LabelWorkspace  = "io.trpc.sandbox.workspace"

	outputDirPrefix = "sandbox-output-"
)

// Request describes one invocation.
type Request struct {
	// ID names the invocation. A random one is used when empty.
	ID         string
	Image      string
	Mode       command.Mode
	Entrypoint string
	Command    string
	Env        []string
	// WorkingDir defaults to the workspace mount path.
	WorkingDir string
	Session    workspace.Session
	Inputs     []staging.Input
	// PullPolicy overrides the engine default.
	PullPolicy provision.PullPolicy
	// MemoryBytes, CPUQuota and Timeout override planned limits when
	// positive.
	MemoryBytes int64
	CPUQuota    int64
	Timeout     time.Duration
	Output      *OutputRequest
}

// OutputRequest asks for files to be recovered from the workspace.
type OutputRequest struct {
	// SourcePath is absolute or relative to the workspace mount.
	SourcePath string
	// Pattern filters recovered file names, e.g. "*.csv" or "**".
	Pattern string
	// Save persists matching files to the artifact service.
	Save bool
}

// OutputFile is one recovered file.
type OutputFile struct {
	Name     string
	Data     []byte
	MIMEType string
	// Size is the size on disk; Data may be truncated to the output limit.
	Size      int64
	Truncated bool
	// Version is set when the file was saved as an artifact.
	Version *int
}

// Response is the outcome of an invocation.
type Response struct {
	ID               string
	Result           orchestrator.Result
	Command          command.Spec
	Limits           limits.Limits
	Workspace        workspace.Volume
	WorkspaceCreated bool
	Inputs           []staging.File
	SkippedInputs    []staging.Skip
	Outputs          map[string]OutputFile
	Extraction       *extract.Result
	Duration         time.Duration
}

// Invoke runs one request to completion. A non-zero exit code is reported
// in Response.Result, not as an error. Validation and provisioning errors
// halt before any container is created; later errors are returned together
// with the partial Response.
func (e *Engine) Invoke(ctx context.Context, req Request) (resp *Response, err error) {
	start := time.Now()
	ctx, span := atrace.Tracer.Start(ctx, itelemetry.SpanInvoke)
	span.SetAttributes(attribute.String(itelemetry.KeyImage, req.Image))
	defer func() {
		outcome := itelemetry.OutcomeSuccess
		switch {
		case resp != nil && resp.Result.TimedOut:
			outcome = itelemetry.OutcomeTimeout
		case err != nil || (resp != nil && !resp.Result.Success):
			outcome = itelemetry.OutcomeFailure
		}
		if resp != nil {
			resp.Duration = time.Since(start)
		}
		span.SetAttributes(attribute.String(itelemetry.KeyOutcome, outcome))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String(itelemetry.KeyErrorKind, string(errs.KindOf(err))))
		}
		span.End()
		itelemetry.RecordInvocation(ctx, req.Image, outcome, time.Since(start))
	}()

	spec, policy, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := e.images.Ensure(ctx, req.Image, policy); err != nil {
		return nil, err
	}

	vol := e.volumes.Volume(req.Session)
	span.SetAttributes(
		attribute.String(itelemetry.KeyVolume, vol.Name),
		attribute.String(itelemetry.KeySessionKey, vol.Key),
	)
	if e.locker != nil {
		defer e.locker.Lock(vol.Name)()
	}
	resp = &Response{ID: req.ID, Command: spec, Workspace: vol}
	if resp.WorkspaceCreated, err = e.volumes.Ensure(ctx, vol); err != nil {
		return resp, err
	}

	binds := []string{vol.Bind("rw")}
	var sizes []int64
	if len(req.Inputs) > 0 {
		staged, err := staging.Stage(ctx, e.opts.tempDir, req.Inputs)
		if err != nil {
			return resp, errs.New(errs.KindExecution, "stage inputs", err)
		}
		defer func() {
			if cerr := staged.Cleanup(); cerr != nil {
				log.Warnf("sandbox: remove staging dir: %v", cerr)
			}
		}()
		resp.Inputs = staged.Files
		resp.SkippedInputs = staged.Skipped
		sizes = staged.Sizes()
		binds = append(binds, staged.Bind(e.opts.inputPath))
	}

	lim := limits.Plan(sizes).
		Override(e.opts.memoryBytes, e.opts.cpuQuota, e.opts.timeout).
		Override(req.MemoryBytes, req.CPUQuota, req.Timeout)
	resp.Limits = lim
	log.Debugf("sandbox: %s on %s: %s [%s]", req.ID, vol.Name, spec, lim)

	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = vol.MountPath
	}
	res, runErr := e.orch.Run(ctx, orchestrator.Config{
		Image:           req.Image,
		Entrypoint:      spec.Entrypoint,
		Cmd:             spec.Cmd,
		Env:             req.Env,
		WorkingDir:      workingDir,
		Binds:           binds,
		MemoryBytes:     lim.MemoryBytes,
		CPUQuota:        lim.CPUQuota,
		CPUPeriod:       lim.CPUPeriod,
		Timeout:         lim.Timeout(),
		ReadonlyRootfs:  e.opts.readonlyRootfs,
		NoNewPrivileges: e.opts.noNewPrivileges,
		NetworkDisabled: e.opts.networkDisabled,
		AutoRemove:      true,
		PullPolicy:      policy,
		Labels: map[string]string{
			LabelInvocation: req.ID,
			LabelWorkspace:  vol.Name,
		},
	})
	resp.Result = res
	if runErr != nil && !res.TimedOut {
		return resp, runErr
	}

	if req.Output != nil {
		if xerr := e.collect(ctx, req, vol, resp); xerr != nil {
			log.Warnf("sandbox: collect outputs for %s: %v", req.ID, xerr)
			if runErr == nil {
				return resp, xerr
			}
		}
	}
	return resp, runErr
}

// prepare validates req and builds the container command.
func (e *Engine) prepare(ctx context.Context, req Request) (command.Spec, provision.PullPolicy, error) {
	if req.Image == "" {
		return command.Spec{}, "", errs.Validation("invoke", "image is required")
	}
	if _, err := provision.Normalize(req.Image); err != nil {
		return command.Spec{}, "", err
	}
	mode := req.Mode
	if mode == "" {
		mode = command.ModeSimple
	}
	spec, err := command.Build(command.BuildInput{
		Mode:       mode,
		Entrypoint: req.Entrypoint,
		Command:    req.Command,
		Shell:      e.opts.shell,
	})
	if err != nil {
		return command.Spec{}, "", err
	}
	if req.Output != nil {
		if _, err := MatchOutput(req.Output.Pattern, ""); err != nil {
			return command.Spec{}, "", err
		}
		if _, ok := e.artifactService(ctx); req.Output.Save && !ok {
			return command.Spec{}, "", errs.Validation("save outputs", "%v", errNoArtifactService)
		}
	}
	policy := req.PullPolicy
	if policy == "" {
		policy = e.opts.pullPolicy
	}
	return spec, policy, nil
}

// collect extracts the requested outputs into a scratch directory, filters
// them and optionally saves them.
func (e *Engine) collect(ctx context.Context, req Request, vol workspace.Volume, resp *Response) error {
	dir, err := os.MkdirTemp(e.opts.tempDir, outputDirPrefix)
	if err != nil {
		return errs.Extraction("collect outputs", string(extract.StrategyNone), err)
	}
	defer func() {
		if rerr := os.RemoveAll(dir); rerr != nil {
			log.Warnf("sandbox: remove output dir: %v", rerr)
		}
	}()

	xres, err := e.extractor.Extract(ctx, extract.Request{
		VolumeName:  vol.Name,
		MountPath:   vol.MountPath,
		SourcePath:  req.Output.SourcePath,
		HostDestDir: dir,
	})
	resp.Extraction = &xres
	if err != nil {
		return err
	}
	outputs, err := readOutputs(dir, xres.ExtractedFiles, req.Output.Pattern, e.opts.maxOutputBytes)
	if err != nil {
		return errs.Extraction("read outputs", string(xres.Strategy), err)
	}
	resp.Outputs = outputs
	if req.Output.Save {
		return e.save(ctx, req.ID, vol, outputs)
	}
	return nil
}

var errNoArtifactService = errors.New("no artifact service configured")
