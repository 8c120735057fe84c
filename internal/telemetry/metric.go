//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Meter names.
const (
	MeterNameInvoke  = "trpc_sandbox_go.invoke"
	MeterNameImage   = "trpc_sandbox_go.image"
	MeterNameExtract = "trpc_sandbox_go.extract"
)

// Metric names.
const (
	MetricInvocationCount    = "trpc_sandbox_go.invocation.count"
	MetricInvocationDuration = "trpc_sandbox_go.invocation.duration"
	MetricImagePullCount     = "trpc_sandbox_go.image.pull.count"
	MetricExtractedFiles     = "trpc_sandbox_go.artifacts.files"
	MetricExtractedBytes     = "trpc_sandbox_go.artifacts.bytes"
)

// Instruments default to no-ops until metric.InitMeterProvider runs.
var (
	MeterProvider metric.MeterProvider = noop.NewMeterProvider()

	InvocationCount    metric.Int64Counter     = noop.Int64Counter{}
	InvocationDuration metric.Float64Histogram = noop.Float64Histogram{}
	ImagePullCount     metric.Int64Counter     = noop.Int64Counter{}
	ExtractedFiles     metric.Int64Counter     = noop.Int64Counter{}
	ExtractedBytes     metric.Int64Histogram   = noop.Int64Histogram{}
)

// RecordInvocation counts one invocation and records its wall time.
func RecordInvocation(ctx context.Context, image, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String(KeyImage, image),
		attribute.String(KeyOutcome, outcome),
	)
	InvocationCount.Add(ctx, 1, attrs)
	InvocationDuration.Record(ctx, d.Seconds(), attrs)
}

// IncImagePull counts one image pull.
func IncImagePull(ctx context.Context, image, outcome string) {
	ImagePullCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String(KeyImage, image),
		attribute.String(KeyOutcome, outcome),
	))
}

// RecordExtraction records the files and bytes pulled out of a volume.
func RecordExtraction(ctx context.Context, strategy string, files int, bytes int64) {
	attrs := metric.WithAttributes(attribute.String(KeyStrategy, strategy))
	ExtractedFiles.Add(ctx, int64(files), attrs)
	ExtractedBytes.Record(ctx, bytes, attrs)
}
