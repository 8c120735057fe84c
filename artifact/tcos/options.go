//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

package tcos

import (
	"net/http"
	"time"
)

// Option configures the COS service.
type Option func(*options)

type options struct {
	httpClient *http.Client
	timeout    time.Duration
	secretID   string
	secretKey  string
	pageSize   int
}

// WithHTTPClient sets the HTTP client used for COS requests. The client is
// responsible for request signing.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) { o.timeout = timeout }
}

// WithSecretID sets the COS secret ID. Defaults to $TCOS_SECRETID.
func WithSecretID(secretID string) Option {
	return func(o *options) { o.secretID = secretID }
}

// WithSecretKey sets the COS secret key. Defaults to $TCOS_SECRETKEY.
func WithSecretKey(secretKey string) Option {
	return func(o *options) { o.secretKey = secretKey }
}

// WithPageSize sets how many keys one bucket listing request returns.
func WithPageSize(n int) Option {
	return func(o *options) { o.pageSize = n }
}
