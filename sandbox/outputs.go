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
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	ds "github.com/bmatcuk/doublestar/v4"

	"trpc.group/trpc-go/trpc-sandbox-go/artifact"
	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
	"trpc.group/trpc-go/trpc-sandbox-go/workspace"
)

// MatchOutput reports whether name matches pattern. An empty pattern
// matches everything.
func MatchOutput(pattern, name string) (bool, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = DefaultOutputPattern
	}
	if !ds.ValidatePattern(pattern) {
		return false, errs.Validation("output pattern", "invalid pattern %q", pattern)
	}
	return ds.Match(pattern, name)
}

// readOutputs loads the extracted files in dir whose names match pattern.
// Each file is read up to limit bytes.
func readOutputs(dir string, names []string, pattern string, limit int64) (map[string]OutputFile, error) {
	out := make(map[string]OutputFile, len(names))
	for _, name := range names {
		ok, err := MatchOutput(pattern, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		f, err := readLimited(filepath.Join(dir, name), limit)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		f.Name = name
		out[name] = f
	}
	return out, nil
}

func readLimited(p string, limit int64) (OutputFile, error) {
	fh, err := os.Open(p)
	if err != nil {
		return OutputFile{}, err
	}
	defer fh.Close()
	info, err := fh.Stat()
	if err != nil {
		return OutputFile{}, err
	}
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	data, err := io.ReadAll(io.LimitReader(fh, limit))
	if err != nil && !errors.Is(err, io.EOF) {
		return OutputFile{}, err
	}
	return OutputFile{
		Data:      data,
		MIMEType:  DetectMIME(filepath.Base(p), data),
		Size:      info.Size(),
		Truncated: info.Size() > int64(len(data)),
	}, nil
}

// DetectMIME guesses a MIME type from the extension, falling back to
// content sniffing.
func DetectMIME(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// artifactService returns the engine's service, else the one on ctx.
func (e *Engine) artifactService(ctx context.Context) (artifact.Service, bool) {
	if e.opts.artifacts != nil {
		return e.opts.artifacts, true
	}
	return artifact.ServiceFromContext(ctx)
}

// save stores outputs as artifacts scoped to the workspace and invocation.
func (e *Engine) save(ctx context.Context, id string, vol workspace.Volume, outputs map[string]OutputFile) error {
	svc, ok := e.artifactService(ctx)
	if !ok {
		return errs.Validation("save outputs", "%v", errNoArtifactService)
	}
	scope := artifact.Scope{Workspace: vol.Name, Invocation: id}
	for name, f := range outputs {
		v, err := svc.SaveArtifact(ctx, scope, name, &artifact.Artifact{
			Data:     f.Data,
			MimeType: f.MIMEType,
			Name:     name,
		})
		if err != nil {
			return errs.New(errs.KindExtraction, "save output "+name, err)
		}
		f.Version = &v
		outputs[name] = f
		log.Debugf("sandbox: saved %s as version %d in %s/%s", name, v, vol.Name, id)
	}
	return nil
}
