//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package dockertest serves a fake Docker Engine API from an httptest
// server so packages can be tested without a daemon.
package dockertest

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/require"
)

// APIVersion is the engine API version the fake client speaks.
const APIVersion = "1.46"

// NewClient starts an httptest server running h and returns a client bound
// to it. Both are closed when the test ends.
func NewClient(t *testing.T, h http.HandlerFunc) *client.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	parsed, err := url.Parse(srv.URL)
	require.NoError(t, err)
	cli, err := client.NewClientWithOpts(
		client.WithHost("tcp://"+parsed.Host),
		client.WithVersion(APIVersion),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cli.Close()
		srv.Close()
	})
	return cli
}

// Frames builds a multiplexed stream holding stdout then stderr.
// Empty strings produce no frame.
func Frames(t *testing.T, stdout, stderr string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if stdout != "" {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
		require.NoError(t, err)
	}
	if stderr != "" {
		_, err := stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
		require.NoError(t, err)
	}
	return buf.Bytes()
}

// WriteHijackStream answers an exec start request: it hijacks the
// connection, sends the upgrade response and the multiplexed output, then
// closes the connection.
func WriteHijackStream(t *testing.T, w http.ResponseWriter, stdout, stderr string) {
	t.Helper()
	hj, ok := w.(http.Hijacker)
	require.True(t, ok, "response writer does not support hijacking")
	conn, buf, err := hj.Hijack()
	require.NoError(t, err)
	defer conn.Close()

	_, _ = buf.WriteString("HTTP/1.1 101 UPGRADED\r\n" +
		"Content-Type: application/vnd.docker.multiplexed-stream\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: tcp\r\n\r\n")
	_, _ = buf.Write(Frames(t, stdout, stderr))
	_ = buf.Flush()
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// NotFound answers with the engine's 404 error body.
func NotFound(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusNotFound, map[string]string{"message": msg})
}

// WriteArchive answers a GET /containers/{id}/archive request with the
// path stat header and the tar body.
func WriteArchive(t *testing.T, w http.ResponseWriter, name string, body []byte) {
	t.Helper()
	w.Header().Set("X-Docker-Container-Path-Stat", PathStatHeader(t, container.PathStat{
		Name:  name,
		Size:  int64(len(body)),
		Mode:  os.ModeDir | 0o755,
		Mtime: time.Unix(1700000000, 0).UTC(),
	}))
	w.Header().Set("Content-Type", "application/x-tar")
	_, _ = w.Write(body)
}

// PathStatHeader encodes stat the way the engine does.
func PathStatHeader(t *testing.T, stat container.PathStat) string {
	t.Helper()
	b, err := json.Marshal(stat)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

// Tar builds an archive from name to content. Names ending in "/" become
// directories. Entries are written in sorted order.
func Tar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, n := range names {
		hdr := &tar.Header{Name: n, Mode: 0o644, Size: int64(len(files[n])), ModTime: time.Unix(1700000000, 0)}
		if strings.HasSuffix(n, "/") {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
			hdr.Size = 0
		} else {
			hdr.Typeflag = tar.TypeReg
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(files[n]))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// Op reports whether r is method on a path containing fragment.
func Op(r *http.Request, method, fragment string) bool {
	return r.Method == method && strings.Contains(r.URL.Path, fragment)
}
