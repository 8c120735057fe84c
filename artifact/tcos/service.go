//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package tcos stores sandbox artifacts in Tencent Cloud Object Storage.
//
// Credentials come from TCOS_SECRETID and TCOS_SECRETKEY unless given
// through WithSecretID and WithSecretKey:
//
//	service, err := tcos.NewService("https://bucket.cos.region.myqcloud.com")
package tcos

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/tencentyun/cos-go-sdk-v5"

	"trpc.group/trpc-go/trpc-sandbox-go/artifact"
	iartifact "trpc.group/trpc-go/trpc-sandbox-go/internal/artifact"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultPageSize = 1000
	defaultMimeType = "application/octet-stream"
)

// Service is a COS-backed artifact.Service.
type Service struct {
	cosClient *cos.Client
	pageSize  int
}

// NewService returns a Service for the bucket at bucketURL.
func NewService(bucketURL string, opts ...Option) (*Service, error) {
	o := &options{
		timeout:   defaultTimeout,
		secretID:  os.Getenv("TCOS_SECRETID"),
		secretKey: os.Getenv("TCOS_SECRETKEY"),
		pageSize:  defaultPageSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	u, err := url.Parse(bucketURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid bucket url %q", bucketURL)
	}

	httpClient := o.httpClient
	switch {
	case httpClient == nil:
		httpClient = &http.Client{
			Timeout: o.timeout,
			Transport: &cos.AuthorizationTransport{
				SecretID:  o.secretID,
				SecretKey: o.secretKey,
			},
		}
	case httpClient.Timeout == 0 && o.timeout > 0:
		httpClient = &http.Client{Timeout: o.timeout, Transport: httpClient.Transport}
	}
	return &Service{
		cosClient: cos.NewClient(&cos.BaseURL{BucketURL: u}, httpClient),
		pageSize:  o.pageSize,
	}, nil
}

// SaveArtifact uploads art as the next version of filename.
func (s *Service) SaveArtifact(ctx context.Context, scope artifact.Scope, filename string,
	art *artifact.Artifact) (int, error) {
	if err := iartifact.ValidateFilename(filename); err != nil {
		return 0, err
	}
	if art == nil {
		return 0, fmt.Errorf("artifact %q is nil", filename)
	}
	versions, err := s.ListVersions(ctx, scope, filename)
	if err != nil {
		return 0, err
	}
	version := iartifact.Latest(versions) + 1
	mimeType := art.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	_, err = s.cosClient.Object.Put(ctx, iartifact.BuildObjectName(scope, filename, version),
		bytes.NewReader(art.Data), &cos.ObjectPutOptions{
			ObjectPutHeaderOptions: &cos.ObjectPutHeaderOptions{ContentType: mimeType},
		})
	if err != nil {
		return 0, fmt.Errorf("upload artifact %q: %w", filename, err)
	}
	return version, nil
}

// LoadArtifact downloads a version of filename, the latest when version is
// nil.
func (s *Service) LoadArtifact(ctx context.Context, scope artifact.Scope, filename string,
	version *int) (*artifact.Artifact, error) {
	var target int
	if version != nil {
		target = *version
	} else {
		versions, err := s.ListVersions(ctx, scope, filename)
		if err != nil {
			return nil, err
		}
		if target = iartifact.Latest(versions); target < 0 {
			return nil, nil
		}
	}

	resp, err := s.cosClient.Object.Get(ctx, iartifact.BuildObjectName(scope, filename, target), nil)
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("download artifact %q: %w", filename, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact %q: %w", filename, err)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	return &artifact.Artifact{Data: data, MimeType: mimeType, Name: filename}, nil
}

// ListArtifactKeys lists the invocation's files and the workspace-shared
// ones.
func (s *Service) ListArtifactKeys(ctx context.Context, scope artifact.Scope) ([]string, error) {
	seen := map[string]bool{}
	for _, prefix := range []string{iartifact.BuildInvocationPrefix(scope), iartifact.BuildSharedPrefix(scope)} {
		keys, err := s.list(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if name, _, ok := iartifact.ParseObjectName(k); ok {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteArtifact removes every version of filename.
func (s *Service) DeleteArtifact(ctx context.Context, scope artifact.Scope, filename string) error {
	versions, err := s.ListVersions(ctx, scope, filename)
	if err != nil {
		return err
	}
	for _, v := range versions {
		_, err := s.cosClient.Object.Delete(ctx, iartifact.BuildObjectName(scope, filename, v))
		if err != nil && !cos.IsNotFoundError(err) {
			return fmt.Errorf("delete artifact %q version %d: %w", filename, v, err)
		}
	}
	return nil
}

// ListVersions lists the stored versions of filename in ascending order.
func (s *Service) ListVersions(ctx context.Context, scope artifact.Scope, filename string) ([]int, error) {
	keys, err := s.list(ctx, iartifact.BuildObjectNamePrefix(scope, filename))
	if err != nil {
		return nil, err
	}
	versions := []int{}
	for _, k := range keys {
		if name, v, ok := iartifact.ParseObjectName(k); ok && name == filename {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// list returns every key under prefix, following truncated listings.
func (s *Service) list(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		marker string
	)
	for {
		res, _, err := s.cosClient.Bucket.Get(ctx, &cos.BucketGetOptions{
			Prefix:  prefix,
			Marker:  marker,
			MaxKeys: s.pageSize,
		})
		if err != nil {
			if cos.IsNotFoundError(err) {
				return keys, nil
			}
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		for _, obj := range res.Contents {
			keys = append(keys, obj.Key)
		}
		if !res.IsTruncated || len(res.Contents) == 0 {
			return keys, nil
		}
		marker = res.NextMarker
		if marker == "" {
			marker = res.Contents[len(res.Contents)-1].Key
		}
	}
}
