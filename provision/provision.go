//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package provision makes sure an image is present locally before a
// container is created from it.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	itelemetry "trpc.group/trpc-go/trpc-sandbox-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
	atrace "trpc.group/trpc-go/trpc-sandbox-go/telemetry/trace"
)

// PullPolicy decides when an image is pulled.
type PullPolicy string

// Pull policies.
const (
	PullAlways  PullPolicy = "always"
	PullMissing PullPolicy = "missing"
	PullNever   PullPolicy = "never"
)

// ParsePullPolicy parses a policy name. The empty string means PullMissing.
// Kubernetes style names (Always, IfNotPresent, Never) are accepted too.
func ParsePullPolicy(s string) (PullPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PullMissing), "ifnotpresent":
		return PullMissing, nil
	case string(PullAlways):
		return PullAlways, nil
	case string(PullNever):
		return PullNever, nil
	default:
		return "", errs.Validation("pull policy", "unknown pull policy %q", s)
	}
}

// API is the part of the engine client the provisioner uses.
type API interface {
	ImageInspect(ctx context.Context, ref string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
}

// Progress is one pull progress update.
type Progress struct {
	ID       string
	Status   string
	Progress string
	Current  int64
	Total    int64
}

// ProgressFunc receives pull progress.
type ProgressFunc func(Progress)

// Option configures a Provisioner.
type Option func(*options)

type options struct {
	progress ProgressFunc
	platform string
}

// WithProgress streams pull progress to fn.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// WithPlatform pulls images for platform, e.g. "linux/amd64".
func WithPlatform(platform string) Option {
	return func(o *options) { o.platform = platform }
}

// Provisioner ensures images exist locally.
type Provisioner struct {
	api  API
	opts options
}

// New returns a Provisioner using api.
func New(api API, opts ...Option) *Provisioner {
	p := &Provisioner{api: api}
	for _, o := range opts {
		o(&p.opts)
	}
	return p
}

// Ensure makes ref available locally according to policy.
func (p *Provisioner) Ensure(ctx context.Context, ref string, policy PullPolicy) (err error) {
	ctx, span := atrace.Tracer.Start(ctx, itelemetry.SpanEnsureImage)
	span.SetAttributes(
		attribute.String(itelemetry.KeyImage, ref),
		attribute.String(itelemetry.KeyPullPolicy, string(policy)),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String(itelemetry.KeyErrorKind, string(errs.KindOf(err))))
		}
		span.End()
	}()

	pullRef, err := Normalize(ref)
	if err != nil {
		return err
	}
	if policy == "" {
		policy = PullMissing
	}

	switch policy {
	case PullAlways:
		span.SetAttributes(attribute.Bool(itelemetry.KeyPulled, true))
		return p.pull(ctx, ref, pullRef)
	case PullMissing, PullNever:
		present, err := p.present(ctx, ref)
		if err != nil {
			return err
		}
		if present {
			log.Debugf("provision: image %s present locally", ref)
			return nil
		}
		if policy == PullNever {
			return errs.Provisioning("image ensure", ref,
				errors.New("image not present locally and pull policy is never"))
		}
		span.SetAttributes(attribute.Bool(itelemetry.KeyPulled, true))
		return p.pull(ctx, ref, pullRef)
	default:
		return errs.Validation("image ensure", "unknown pull policy %q", policy)
	}
}

// Normalize validates ref and returns the familiar form with an explicit
// tag, e.g. "alpine" becomes "alpine:latest".
func Normalize(ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", errs.Validation("image reference", "image reference is empty")
	}
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", &errs.Error{Kind: errs.KindValidation, Op: "image reference", Ref: ref, Err: err}
	}
	return reference.FamiliarString(reference.TagNameOnly(named)), nil
}

func (p *Provisioner) present(ctx context.Context, ref string) (bool, error) {
	_, err := p.api.ImageInspect(ctx, ref)
	switch {
	case err == nil:
		return true, nil
	case errs.IsNotFound(err):
		return false, nil
	case errs.IsConnectionFailure(err):
		return false, errs.New(errs.KindConnection, "image inspect", err)
	default:
		return false, errs.Provisioning("image inspect", ref, err)
	}
}

func (p *Provisioner) pull(ctx context.Context, ref, pullRef string) error {
	log.Infof("provision: pulling image %s", pullRef)
	rc, err := p.api.ImagePull(ctx, pullRef, image.PullOptions{Platform: p.opts.platform})
	if err != nil {
		itelemetry.IncImagePull(ctx, ref, itelemetry.OutcomeFailure)
		if errs.IsConnectionFailure(err) {
			return errs.New(errs.KindConnection, "image pull", err)
		}
		return errs.Provisioning("image pull", ref, err)
	}
	defer rc.Close()

	if err := p.drain(rc); err != nil {
		itelemetry.IncImagePull(ctx, ref, itelemetry.OutcomeFailure)
		return errs.Provisioning("image pull", ref, err)
	}
	itelemetry.IncImagePull(ctx, ref, itelemetry.OutcomeSuccess)
	log.Infof("provision: pulled image %s", pullRef)
	return nil
}

// drain consumes the pull stream. The pull only completes once the stream
// is read to the end; an error frame aborts it.
func (p *Provisioner) drain(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode pull progress: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if p.opts.progress == nil {
			continue
		}
		pr := Progress{ID: msg.ID, Status: msg.Status}
		if msg.Progress != nil {
			pr.Current = msg.Progress.Current
			pr.Total = msg.Progress.Total
			pr.Progress = msg.Progress.String()
		}
		p.opts.progress(pr)
	}
}
