//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

package server

import (
	"sort"
	"time"

	"trpc.group/trpc-go/trpc-sandbox-go/command"
	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	"trpc.group/trpc-go/trpc-sandbox-go/limits"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
	"trpc.group/trpc-go/trpc-sandbox-go/sandbox"
	"trpc.group/trpc-go/trpc-sandbox-go/staging"
	"trpc.group/trpc-go/trpc-sandbox-go/workspace"
)

// InvocationRequest is the wire form of sandbox.Request. Inputs carry
// their bytes inline; host paths are never accepted over HTTP.
type InvocationRequest struct {
	ID         string         `json:"id,omitempty"`
	Image      string         `json:"image"`
	Mode       string         `json:"mode,omitempty"`
	Entrypoint string         `json:"entrypoint,omitempty"`
	Command    string         `json:"command"`
	Env        []string       `json:"env,omitempty"`
	WorkingDir string         `json:"working_dir,omitempty"`
	Session    SessionSpec    `json:"session"`
	Inputs     []InputFile    `json:"inputs,omitempty"`
	PullPolicy string         `json:"pull_policy,omitempty"`
	Memory     string         `json:"memory,omitempty"`
	CPUQuota   int64          `json:"cpu_quota,omitempty"`
	Timeout    string         `json:"timeout,omitempty"`
	Output     *OutputRequest `json:"output,omitempty"`
}

// SessionSpec selects the workspace volume.
type SessionSpec struct {
	Override   string `json:"override,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	// Date is YYYY-MM-DD and scopes workflow sessions.
	Date string `json:"date,omitempty"`
}

// InputFile is a base64-encoded input.
type InputFile struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// OutputRequest mirrors sandbox.OutputRequest.
type OutputRequest struct {
	SourcePath string `json:"source_path"`
	Pattern    string `json:"pattern,omitempty"`
	Save       bool   `json:"save,omitempty"`
}

// InvocationResponse is the wire form of sandbox.Response.
type InvocationResponse struct {
	ID            string          `json:"id"`
	ContainerID   string          `json:"container_id,omitempty"`
	ExitCode      int             `json:"exit_code"`
	Success       bool            `json:"success"`
	TimedOut      bool            `json:"timed_out"`
	HasOutput     bool            `json:"has_output"`
	Stdout        string          `json:"stdout"`
	Stderr        string          `json:"stderr"`
	Command       []string        `json:"command,omitempty"`
	ShellWrapped  bool            `json:"shell_wrapped"`
	Limits        LimitsView      `json:"limits"`
	Workspace     WorkspaceView   `json:"workspace"`
	Inputs        []InputView     `json:"inputs,omitempty"`
	SkippedInputs []InputView     `json:"skipped_inputs,omitempty"`
	Outputs       []OutputView    `json:"outputs,omitempty"`
	Extraction    *ExtractionView `json:"extraction,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	CleanupError  string          `json:"cleanup_error,omitempty"`
}

// LimitsView reports applied limits.
type LimitsView struct {
	MemoryBytes int64 `json:"memory_bytes"`
	CPUQuota    int64 `json:"cpu_quota"`
	CPUPeriod   int64 `json:"cpu_period"`
	TimeoutMS   int64 `json:"timeout_ms"`
}

// WorkspaceView reports the volume used.
type WorkspaceView struct {
	Name      string `json:"name"`
	MountPath string `json:"mount_path"`
	Created   bool   `json:"created"`
}

// InputView reports a staged or skipped input.
type InputView struct {
	Name  string `json:"name"`
	Size  int64  `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

// OutputView is a recovered file.
type OutputView struct {
	Name      string `json:"name"`
	Data      []byte `json:"data"`
	MIMEType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
	Version   *int   `json:"version,omitempty"`
}

// ExtractionView summarizes artifact extraction.
type ExtractionView struct {
	Strategy       string   `json:"strategy"`
	ArchiveSize    int64    `json:"archive_size"`
	TarContents    []string `json:"tar_contents,omitempty"`
	ExtractedFiles []string `json:"extracted_files,omitempty"`
	Notes          []string `json:"notes,omitempty"`
}

// ErrorBody is returned with every non-2xx status.
type ErrorBody struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
	// Response carries partial results when the failure happened after
	// the container was created.
	Response *InvocationResponse `json:"response,omitempty"`
}

// BatchRequest runs several invocations concurrently.
type BatchRequest struct {
	Requests []InvocationRequest `json:"requests"`
}

// BatchResponse keeps request order.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// BatchResult is one entry of a BatchResponse.
type BatchResult struct {
	Response *InvocationResponse `json:"response,omitempty"`
	Error    *ErrorBody          `json:"error,omitempty"`
}

// EndpointView reports the resolved engine socket.
type EndpointView struct {
	Path       string `json:"path"`
	Kind       string `json:"kind"`
	Source     string `json:"source"`
	Exists     bool   `json:"exists"`
	Accessible bool   `json:"accessible"`
}

func (in InvocationRequest) toRequest() (sandbox.Request, error) {
	mode, err := command.ParseMode(in.Mode)
	if err != nil {
		return sandbox.Request{}, err
	}
	var policy provision.PullPolicy
	if in.PullPolicy != "" {
		if policy, err = provision.ParsePullPolicy(in.PullPolicy); err != nil {
			return sandbox.Request{}, err
		}
	}
	memory, err := limits.ParseMemory(in.Memory)
	if err != nil {
		return sandbox.Request{}, err
	}
	var timeout time.Duration
	if in.Timeout != "" {
		if timeout, err = time.ParseDuration(in.Timeout); err != nil || timeout < 0 {
			return sandbox.Request{}, errs.Validation("timeout", "invalid timeout %q", in.Timeout)
		}
	}
	if in.CPUQuota < 0 {
		return sandbox.Request{}, errs.Validation("cpu quota", "negative cpu quota %d", in.CPUQuota)
	}
	session := workspace.Session{
		Override:   in.Session.Override,
		WorkflowID: in.Session.WorkflowID,
		NodeID:     in.Session.NodeID,
	}
	if in.Session.Date != "" {
		if session.Date, err = time.Parse(time.DateOnly, in.Session.Date); err != nil {
			return sandbox.Request{}, errs.Validation("session date", "invalid date %q", in.Session.Date)
		}
	}
	inputs := make([]staging.Input, 0, len(in.Inputs))
	for _, f := range in.Inputs {
		inputs = append(inputs, staging.Input{Name: f.Name, Data: f.Data})
	}
	req := sandbox.Request{
		ID:          in.ID,
		Image:       in.Image,
		Mode:        mode,
		Entrypoint:  in.Entrypoint,
		Command:     in.Command,
		Env:         in.Env,
		WorkingDir:  in.WorkingDir,
		Session:     session,
		Inputs:      inputs,
		PullPolicy:  policy,
		MemoryBytes: memory,
		CPUQuota:    in.CPUQuota,
		Timeout:     timeout,
	}
	if in.Output != nil {
		req.Output = &sandbox.OutputRequest{
			SourcePath: in.Output.SourcePath,
			Pattern:    in.Output.Pattern,
			Save:       in.Output.Save,
		}
	}
	return req, nil
}

func toResponse(r *sandbox.Response) *InvocationResponse {
	if r == nil {
		return nil
	}
	out := &InvocationResponse{
		ID:           r.ID,
		ContainerID:  r.Result.ContainerID,
		ExitCode:     r.Result.ExitCode,
		Success:      r.Result.Success,
		TimedOut:     r.Result.TimedOut,
		HasOutput:    r.Result.HasOutput,
		Stdout:       r.Result.Stdout,
		Stderr:       r.Result.Stderr,
		ShellWrapped: r.Command.ShellWrapped,
		Limits: LimitsView{
			MemoryBytes: r.Limits.MemoryBytes,
			CPUQuota:    r.Limits.CPUQuota,
			CPUPeriod:   r.Limits.CPUPeriod,
			TimeoutMS:   r.Limits.TimeoutMillis,
		},
		Workspace: WorkspaceView{
			Name:      r.Workspace.Name,
			MountPath: r.Workspace.MountPath,
			Created:   r.WorkspaceCreated,
		},
		DurationMS: r.Duration.Milliseconds(),
	}
	out.Command = append(append(out.Command, r.Command.Entrypoint...), r.Command.Cmd...)
	if r.Result.CleanupErr != nil {
		out.CleanupError = r.Result.CleanupErr.Error()
	}
	for _, f := range r.Inputs {
		out.Inputs = append(out.Inputs, InputView{Name: f.Name, Size: f.Size})
	}
	for _, s := range r.SkippedInputs {
		v := InputView{Name: s.Name}
		if s.Err != nil {
			v.Error = s.Err.Error()
		}
		out.SkippedInputs = append(out.SkippedInputs, v)
	}
	for _, f := range r.Outputs {
		out.Outputs = append(out.Outputs, OutputView{
			Name:      f.Name,
			Data:      f.Data,
			MIMEType:  f.MIMEType,
			Size:      f.Size,
			Truncated: f.Truncated,
			Version:   f.Version,
		})
	}
	sort.Slice(out.Outputs, func(i, j int) bool { return out.Outputs[i].Name < out.Outputs[j].Name })
	if x := r.Extraction; x != nil {
		out.Extraction = &ExtractionView{
			Strategy:       string(x.Strategy),
			ArchiveSize:    x.ArchiveSize,
			TarContents:    x.TarContents,
			ExtractedFiles: x.ExtractedFiles,
			Notes:          x.Diagnostics.Notes,
		}
	}
	return out
}

func toErrorBody(err error, resp *sandbox.Response) *ErrorBody {
	return &ErrorBody{
		Kind:     string(errs.KindOf(err)),
		Message:  err.Error(),
		Response: toResponse(resp),
	}
}
