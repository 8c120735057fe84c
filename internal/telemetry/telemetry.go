//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the span names, attribute keys and shared
// instruments used by the sandbox packages.
package telemetry

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// grpcDial is swapped in tests.
var grpcDial = grpc.Dial

// telemetry service constants.
const (
	ServiceName      = "trpc-sandbox-go"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-sandbox"
	InstrumentName   = "trpc.sandbox.go"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// Span names.
const (
	SpanInvoke          = "sandbox.invoke"
	SpanEnsureImage     = "sandbox.image.ensure"
	SpanRunContainer    = "sandbox.container.run"
	SpanEnsureWorkspace = "sandbox.workspace.ensure"
	SpanRemoveWorkspace = "sandbox.workspace.remove"
	SpanExtract         = "sandbox.artifacts.extract"
	SpanStageInputs     = "sandbox.inputs.stage"
)

// Attribute keys.
const (
	KeyImage         = "sandbox.image"
	KeyPullPolicy    = "sandbox.image.pull_policy"
	KeyPulled        = "sandbox.image.pulled"
	KeyContainerID   = "sandbox.container.id"
	KeyExitCode      = "sandbox.container.exit_code"
	KeyTimedOut      = "sandbox.container.timed_out"
	KeyMemoryBytes   = "sandbox.limits.memory_bytes"
	KeyCPUQuota      = "sandbox.limits.cpu_quota"
	KeyTimeoutMillis = "sandbox.limits.timeout_ms"
	KeyVolume        = "sandbox.workspace.volume"
	KeyVolumeCreated = "sandbox.workspace.created"
	KeySessionKey    = "sandbox.workspace.session_key"
	KeyArtifactPath  = "sandbox.artifacts.path"
	KeyArtifactCount = "sandbox.artifacts.count"
	KeyArtifactBytes = "sandbox.artifacts.bytes"
	KeyStrategy      = "sandbox.artifacts.strategy"
	KeyInputCount    = "sandbox.inputs.count"
	KeyInputSkipped  = "sandbox.inputs.skipped"
	KeyErrorKind     = "sandbox.error.kind"
	KeyOutcome       = "sandbox.outcome"
)

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	// Insecure transport. Put a TLS terminating collector in front in production.
	conn, err := grpcDial(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
