//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package limits derives container resource limits from the sizes of the
// files staged as input.
package limits

import (
	"fmt"
	"math"
	"time"

	units "github.com/docker/go-units"

	"trpc.group/trpc-go/trpc-sandbox-go/errs"
)

// Planner constants.
const (
	MiB = int64(units.MiB)
	GiB = int64(units.GiB)

	BaseMemory  = 256 * MiB
	MinMemory   = 512 * MiB
	MaxMemory   = 4 * GiB
	LargeInput  = 50 * MiB
	CPUPeriod   = int64(100000)
	CPUQuotaLow = int64(75000)
	CPUQuotaHi  = int64(150000)

	BaseTimeoutMillis = int64(60000)
	StepTimeoutMillis = int64(30000)
	TimeoutStepBytes  = 10 * MiB
	MinTimeoutMillis  = int64(120000)
	MaxTimeoutMillis  = int64(600000)
)

// Limits are the resources granted to one container run.
type Limits struct {
	MemoryBytes   int64
	CPUQuota      int64
	CPUPeriod     int64
	TimeoutMillis int64
}

// Plan computes limits for a set of input file sizes. Negative sizes count
// as zero. The result is monotonic in both the total and the largest size.
func Plan(sizes []int64) Limits {
	var total, largest int64
	for _, s := range sizes {
		if s < 0 {
			s = 0
		}
		total = addSat(total, s)
		if s > largest {
			largest = s
		}
	}

	memory := addSat(BaseMemory, max(mulSat(total, 2), mulSat(largest, 4)))
	memory = min(max(memory, MinMemory), MaxMemory)

	quota := CPUQuotaLow
	if total > LargeInput {
		quota = CPUQuotaHi
	}

	steps := total / TimeoutStepBytes
	if total%TimeoutStepBytes != 0 {
		steps++
	}
	timeout := addSat(BaseTimeoutMillis, mulSat(steps, StepTimeoutMillis))
	timeout = min(max(timeout, MinTimeoutMillis), MaxTimeoutMillis)

	return Limits{
		MemoryBytes:   memory,
		CPUQuota:      quota,
		CPUPeriod:     CPUPeriod,
		TimeoutMillis: timeout,
	}
}

// Timeout returns TimeoutMillis as a duration.
func (l Limits) Timeout() time.Duration {
	return time.Duration(l.TimeoutMillis) * time.Millisecond
}

// CPUs returns the quota as a fraction of one core.
func (l Limits) CPUs() float64 {
	if l.CPUPeriod == 0 {
		return 0
	}
	return float64(l.CPUQuota) / float64(l.CPUPeriod)
}

func (l Limits) String() string {
	return fmt.Sprintf("memory=%s cpus=%.2f timeout=%s",
		units.BytesSize(float64(l.MemoryBytes)), l.CPUs(), l.Timeout())
}

// Override replaces planned values with explicit positive overrides.
func (l Limits) Override(memory, cpuQuota int64, timeout time.Duration) Limits {
	if memory > 0 {
		l.MemoryBytes = memory
	}
	if cpuQuota > 0 {
		l.CPUQuota = cpuQuota
	}
	if timeout > 0 {
		l.TimeoutMillis = timeout.Milliseconds()
	}
	return l
}

// ParseMemory parses a human size such as "512m" or "2GiB".
// The empty string parses to 0.
func ParseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errs.Validation("memory limit", "invalid memory size %q: %v", s, err)
	}
	if n < 0 {
		return 0, errs.Validation("memory limit", "negative memory size %q", s)
	}
	return n, nil
}

func addSat(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

func mulSat(a, k int64) int64 {
	if a != 0 && a > math.MaxInt64/k {
		return math.MaxInt64
	}
	return a * k
}
