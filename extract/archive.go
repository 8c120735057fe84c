//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

package extract

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	archive "github.com/moby/go-archive"

	"trpc.group/trpc-go/trpc-sandbox-go/log"
)

// Temporary file and directory prefixes.
const (
	ArchivePrefix = "sandbox-archive-"
	ScratchPrefix = ".sandbox-extract-"
)

var errUnsafeEntry = errors.New("archive entry escapes extraction root")

// spool writes r to a uniquely named tar file under dir and returns its
// path and size. The file is removed again if writing fails.
func spool(dir string, r io.Reader) (string, int64, error) {
	p := filepath.Join(dir, ArchivePrefix+uuid.NewString()+".tar")
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create temp archive: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(p)
		return "", 0, fmt.Errorf("write temp archive: %w", err)
	}
	return p, n, nil
}

// openArchive opens a spooled archive, transparently decompressing it.
func openArchive(tarPath string) (*tar.Reader, func(), error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return nil, nil, err
	}
	rc, err := archive.DecompressStream(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("decompress archive: %w", err)
	}
	return tar.NewReader(rc), func() {
		_ = rc.Close()
		_ = f.Close()
	}, nil
}

// listRegular returns the names of regular files in the archive. On a read
// error it returns what it saw so far together with the error.
func listRegular(tarPath string) ([]string, error) {
	tr, closeFn, err := openArchive(tarPath)
	if err != nil {
		return nil, err
	}
	defer closeFn()
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return names, err
		}
		if isRegular(hdr) {
			names = append(names, hdr.Name)
		}
	}
}

// extractFlatten extracts the archive at tarPath with strip leading path
// components removed, then moves every regular file to the top level of
// dest. Extraction happens in a scratch directory inside dest so nothing
// partial is left behind when it fails.
//
// In strict mode an entry that escapes the root or a read error fails the
// attempt. In lenient mode unsafe entries are clamped into the root and a
// read error ends extraction with whatever was recovered.
func extractFlatten(tarPath, dest string, strip int, lenient bool) ([]string, error) {
	scratch, err := os.MkdirTemp(dest, ScratchPrefix)
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := unpack(tarPath, scratch, strip, lenient); err != nil {
		return nil, err
	}
	return flatten(scratch, dest)
}

func unpack(tarPath, root string, strip int, lenient bool) error {
	tr, closeFn, err := openArchive(tarPath)
	if err != nil {
		return err
	}
	defer closeFn()
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if lenient {
				log.Warnf("extract: archive read stopped early: %v", err)
				return nil
			}
			return fmt.Errorf("read archive: %w", err)
		}
		if !isRegular(hdr) {
			continue
		}
		rel, unsafe := entryPath(hdr.Name, strip)
		if unsafe && !lenient {
			return fmt.Errorf("%w: %s", errUnsafeEntry, hdr.Name)
		}
		if rel == "" {
			continue
		}
		target, err := securejoin.SecureJoin(root, rel)
		if err != nil {
			if lenient {
				continue
			}
			return err
		}
		if err := writeEntry(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
			if lenient {
				log.Warnf("extract: skip %s: %v", hdr.Name, err)
				continue
			}
			return err
		}
	}
}

func writeEntry(target string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o600)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(target)
	}
	return err
}

// flatten moves every regular file below scratch into dest. Base names
// that collide get their relative directory folded into the name.
func flatten(scratch, dest string) ([]string, error) {
	var rels []string
	err := filepath.WalkDir(scratch, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(scratch, p)
			if err != nil {
				return err
			}
			rels = append(rels, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk scratch dir: %w", err)
	}
	// Shallow entries claim their base name first.
	sort.Slice(rels, func(i, j int) bool {
		di, dj := strings.Count(rels[i], string(filepath.Separator)), strings.Count(rels[j], string(filepath.Separator))
		if di != dj {
			return di < dj
		}
		return rels[i] < rels[j]
	})

	used := map[string]bool{}
	files := make([]string, 0, len(rels))
	for _, rel := range rels {
		name := filepath.Base(rel)
		if used[name] {
			name = strings.ReplaceAll(filepath.ToSlash(rel), "/", "_")
		}
		for base, n := name, 1; used[name]; n++ {
			name = fmt.Sprintf("%s~%d", base, n)
		}
		used[name] = true
		if err := os.Rename(filepath.Join(scratch, rel), filepath.Join(dest, name)); err != nil {
			return files, fmt.Errorf("move %s: %w", rel, err)
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// entryPath cleans an archive entry name and drops strip leading
// components. unsafe reports a ".." component.
func entryPath(name string, strip int) (rel string, unsafe bool) {
	var parts []string
	for _, p := range strings.Split(strings.ReplaceAll(name, `\`, "/"), "/") {
		switch p {
		case "", ".":
		case "..":
			unsafe = true
		default:
			parts = append(parts, p)
		}
	}
	if len(parts) <= strip {
		return "", unsafe
	}
	return path.Join(parts[strip:]...), unsafe
}

// segments counts the components of a container path.
func segments(p string) int {
	n := 0
	for _, s := range strings.Split(path.Clean(p), "/") {
		if s != "" && s != "." {
			n++
		}
	}
	return n
}

func isRegular(hdr *tar.Header) bool {
	//nolint:staticcheck // TypeRegA is still produced by old archivers.
	return hdr.Typeflag == tar.TypeReg || hdr.Typeflag == tar.TypeRegA
}
