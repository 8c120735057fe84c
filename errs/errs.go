//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package errs defines the error taxonomy shared by the sandbox engine.
//
// Every failure surfaced by the engine is an *Error carrying a Kind. Callers
// branch on the kind with the Is* helpers: connection errors deserve a retry
// or an operator hint, validation and provisioning errors halt the
// invocation, extraction errors mean output recovery gave up.
package errs

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/client"
)

// Kind classifies an engine failure.
type Kind string

// Error kinds.
const (
	KindConnection   Kind = "connection"
	KindProvisioning Kind = "provisioning"
	KindExecution    Kind = "execution"
	KindExtraction   Kind = "extraction"
	KindValidation   Kind = "validation"
)

// ConnectionHint is appended to every connection error.
const ConnectionHint = "ensure the container engine is running and accessible"

// Error is a classified engine failure.
type Error struct {
	Kind Kind
	// Op names the failed step, e.g. "container create".
	Op string
	// Ref is the image reference for provisioning errors.
	Ref string
	// Strategy is the last extraction strategy attempted.
	Strategy string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Ref != "" {
		fmt.Fprintf(&b, " (image %s)", e.Ref)
	}
	if e.Strategy != "" {
		fmt.Fprintf(&b, " (strategy %s)", e.Strategy)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Kind == KindConnection {
		b.WriteString("; ")
		b.WriteString(ConnectionHint)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation returns a validation error with a formatted message.
func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Provisioning returns a provisioning error for image ref.
func Provisioning(op, ref string, err error) *Error {
	return &Error{Kind: KindProvisioning, Op: op, Ref: ref, Err: err}
}

// Extraction returns an extraction error naming the last strategy tried.
func Extraction(op, strategy string, err error) *Error {
	return &Error{Kind: KindExtraction, Op: op, Strategy: strategy, Err: err}
}

// KindOf reports the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsConnection reports whether err is a connection error.
func IsConnection(err error) bool { return KindOf(err) == KindConnection }

// IsProvisioning reports whether err is a provisioning error.
func IsProvisioning(err error) bool { return KindOf(err) == KindProvisioning }

// IsExecution reports whether err is an execution error.
func IsExecution(err error) bool { return KindOf(err) == KindExecution }

// IsExtraction reports whether err is an extraction error.
func IsExtraction(err error) bool { return KindOf(err) == KindExtraction }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsNotFound reports whether the engine answered "not found".
func IsNotFound(err error) bool {
	return cerrdefs.IsNotFound(err)
}

var connectionPatterns = []string{
	"cannot connect to the docker daemon",
	"is the docker daemon running",
	"error during connect",
	"connection refused",
	"connect: permission denied",
	"dial unix",
	"open //./pipe/",
	"the system cannot find the file specified",
}

// IsConnectionFailure reports whether err looks like an unreachable or
// forbidden control endpoint.
func IsConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	if client.IsErrConnectionFailed(err) {
		return true
	}
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range connectionPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify wraps err for op. Already classified errors pass through,
// connection failures become KindConnection and everything else
// KindExecution.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if IsConnectionFailure(err) {
		return New(KindConnection, op, err)
	}
	return New(KindExecution, op, err)
}
