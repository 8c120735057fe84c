//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package staging writes invocation inputs into a temporary host directory
// that is bind-mounted read-only into the container.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	itelemetry "trpc.group/trpc-go/trpc-sandbox-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
	atrace "trpc.group/trpc-go/trpc-sandbox-go/telemetry/trace"
)

// DirPrefix prefixes every staging directory.
const DirPrefix = "sandbox-input-"

// Staged entries are world-readable so any container user can read them.
const (
	dirMode  os.FileMode = 0o755
	fileMode os.FileMode = 0o644
)

// Input is one file to stage. Data is used when Path is empty.
type Input struct {
	Name string
	Path string
	Data []byte
}

// Skip records an input that could not be staged.
type Skip struct {
	Name string
	Err  error
}

// File is a staged input.
type File struct {
	Name string
	Size int64
}

// Staged is a populated staging directory.
type Staged struct {
	Dir     string
	Files   []File
	Skipped []Skip
}

// Stage creates a directory under root (os.TempDir when empty) and writes
// each input into it. An input that fails is logged and recorded in
// Skipped; the others are still staged. Only failing to create the
// directory is an error.
func Stage(ctx context.Context, root string, inputs []Input) (*Staged, error) {
	_, span := atrace.Tracer.Start(ctx, itelemetry.SpanStageInputs)
	defer span.End()

	dir, err := os.MkdirTemp(root, DirPrefix)
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	// MkdirTemp uses 0700; containers running as a non-root USER must
	// still read the bind.
	if err := os.Chmod(dir, dirMode); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("chmod staging dir: %w", err)
	}
	s := &Staged{Dir: dir}
	seen := map[string]bool{}
	for _, in := range inputs {
		name, err := stage(dir, in, seen)
		if err != nil {
			log.Warnf("staging: skip input %q: %v", in.Name, err)
			s.Skipped = append(s.Skipped, Skip{Name: in.Name, Err: err})
			continue
		}
		seen[name.Name] = true
		s.Files = append(s.Files, name)
	}
	span.SetAttributes(
		attribute.Int(itelemetry.KeyInputCount, len(s.Files)),
		attribute.Int(itelemetry.KeyInputSkipped, len(s.Skipped)),
	)
	return s, nil
}

func stage(dir string, in Input, seen map[string]bool) (File, error) {
	name := sanitize(in.Name)
	if name == "" && in.Path != "" {
		name = sanitize(filepath.Base(in.Path))
	}
	if name == "" {
		return File{}, errors.New("input has no usable name")
	}
	if seen[name] {
		return File{}, fmt.Errorf("duplicate input name %q", name)
	}
	dst := filepath.Join(dir, name)
	var n int64
	if in.Path == "" {
		if err := os.WriteFile(dst, in.Data, fileMode); err != nil {
			_ = os.Remove(dst)
			return File{}, err
		}
		n = int64(len(in.Data))
	} else {
		var err error
		if n, err = copyFile(in.Path, dst); err != nil {
			_ = os.Remove(dst)
			return File{}, err
		}
	}
	// Undo the umask.
	if err := os.Chmod(dst, fileMode); err != nil {
		_ = os.Remove(dst)
		return File{}, err
	}
	return File{Name: name, Size: n}, nil
}

func copyFile(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", src)
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fileMode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// sanitize keeps the base name and rejects names that would escape dir.
func sanitize(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == ".." {
		return ""
	}
	return name
}

// Sizes returns the staged file sizes for limit planning.
func (s *Staged) Sizes() []int64 {
	if s == nil {
		return nil
	}
	sizes := make([]int64, 0, len(s.Files))
	for _, f := range s.Files {
		sizes = append(sizes, f.Size)
	}
	return sizes
}

// Names returns the staged file names, sorted.
func (s *Staged) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// Bind renders a read-only bind of the directory at containerPath.
func (s *Staged) Bind(containerPath string) string {
	return s.Dir + ":" + containerPath + ":ro"
}

// Cleanup removes the directory. It is safe to call more than once and on
// a nil receiver.
func (s *Staged) Cleanup() error {
	if s == nil || s.Dir == "" {
		return nil
	}
	err := os.RemoveAll(s.Dir)
	s.Dir = ""
	return err
}
