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
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	"trpc.group/trpc-go/trpc-sandbox-go/internal/dockertest"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
)

const helperID = "4e1fe1234567890abc"

type createBody struct {
	container.Config
	HostConfig container.HostConfig
}

type fakeDaemon struct {
	t *testing.T

	findOut  string
	findErr  string
	findCode int
	// archives maps a requested path to its tar body. Missing paths 404.
	archives map[string][]byte

	mu       sync.Mutex
	create   createBody
	copied   []string
	execCmd  []string
	removed  bool
	startErr bool
}

func (f *fakeDaemon) handler(w http.ResponseWriter, r *http.Request) {
	switch {
	case dockertest.Op(r, http.MethodPost, "/containers/create"):
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.create))
		dockertest.WriteJSON(w, http.StatusCreated, container.CreateResponse{ID: helperID})
	case dockertest.Op(r, http.MethodPost, "/containers/"+helperID+"/start"):
		if f.startErr {
			dockertest.WriteJSON(w, http.StatusInternalServerError, map[string]string{"message": "no space left"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case dockertest.Op(r, http.MethodGet, "/containers/"+helperID+"/json"):
		dockertest.WriteJSON(w, http.StatusOK, map[string]any{
			"Id":    helperID,
			"State": map[string]any{"Running": true, "Status": "running"},
		})
	case dockertest.Op(r, http.MethodPost, "/containers/"+helperID+"/exec"):
		var body container.ExecOptions
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.execCmd = body.Cmd
		f.mu.Unlock()
		dockertest.WriteJSON(w, http.StatusCreated, map[string]string{"Id": "exec1"})
	case dockertest.Op(r, http.MethodPost, "/exec/exec1/start"):
		dockertest.WriteHijackStream(f.t, w, f.findOut, f.findErr)
	case dockertest.Op(r, http.MethodGet, "/exec/exec1/json"):
		dockertest.WriteJSON(w, http.StatusOK, map[string]any{"ExitCode": f.findCode, "Running": false})
	case dockertest.Op(r, http.MethodGet, "/containers/"+helperID+"/archive"):
		p := r.URL.Query().Get("path")
		f.mu.Lock()
		f.copied = append(f.copied, p)
		f.mu.Unlock()
		body, ok := f.archives[p]
		if !ok {
			dockertest.NotFound(w, "Could not find the file "+p+" in container "+helperID)
			return
		}
		dockertest.WriteArchive(f.t, w, filepath.Base(p), body)
	case dockertest.Op(r, http.MethodDelete, "/containers/"+helperID):
		f.mu.Lock()
		f.removed = true
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		f.t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		http.Error(w, "unexpected", http.StatusTeapot)
	}
}

func newExtractor(t *testing.T, f *fakeDaemon, opts ...Option) *Extractor {
	f.t = t
	cli := dockertest.NewClient(t, f.handler)
	opts = append([]Option{WithTempDir(t.TempDir()), WithReadyTimeout(time.Second)}, opts...)
	return New(cli, opts...)
}

func request(t *testing.T) Request {
	return Request{
		VolumeName:  "workspace-abc",
		SourcePath:  "out",
		HostDestDir: filepath.Join(t.TempDir(), "dest"),
	}
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(b)
}

func TestExtract_PerFile(t *testing.T) {
	f := &fakeDaemon{
		findOut: "/workspace/out/a.txt\n/workspace/out/b.txt\n",
		archives: map[string][]byte{
			"/workspace/out/a.txt": dockertest.Tar(t, map[string]string{"a.txt": "alpha"}),
			"/workspace/out/b.txt": dockertest.Tar(t, map[string]string{"b.txt": "beta"}),
		},
	}
	e := newExtractor(t, f)
	req := request(t)

	res, err := e.Extract(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StrategyPerFile, res.Strategy)
	require.Equal(t, []string{"a.txt", "b.txt"}, res.TarContents)
	require.Equal(t, []string{"a.txt", "b.txt"}, res.ExtractedFiles)
	require.Positive(t, res.ArchiveSize)
	require.Equal(t, "/workspace/out", res.Diagnostics.ResolvedPath)
	require.Equal(t, "alpha", readFile(t, req.HostDestDir, "a.txt"))
	require.Equal(t, "beta", readFile(t, req.HostDestDir, "b.txt"))

	require.Equal(t, []string{"find", "/workspace/out", "-mindepth", "1", "-maxdepth", "1", "-type", "f"}, f.execCmd)
	require.Equal(t, []string{"workspace-abc:/workspace:ro"}, f.create.HostConfig.Binds)
	require.True(t, f.create.HostConfig.ReadonlyRootfs)
	require.Equal(t, RoleHelper, f.create.Labels[LabelRole])
	require.Equal(t, DefaultHelperImage, f.create.Image)
	require.True(t, f.removed)
}

func TestExtract_DirectoryArchiveFlattens(t *testing.T) {
	f := &fakeDaemon{
		archives: map[string][]byte{
			"/workspace/out": dockertest.Tar(t, map[string]string{
				"out/":          "",
				"out/x.txt":     "top",
				"out/sub/":      "",
				"out/sub/x.txt": "nested",
				"out/sub/y.txt": "why",
			}),
		},
	}
	e := newExtractor(t, f)
	req := request(t)

	res, err := e.Extract(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StrategyUnstripped, res.Strategy)
	require.ElementsMatch(t, []string{"out/x.txt", "out/sub/x.txt", "out/sub/y.txt"}, res.TarContents)
	require.Equal(t, []string{"out_sub_x.txt", "x.txt", "y.txt"}, res.ExtractedFiles)
	require.Equal(t, "top", readFile(t, req.HostDestDir, "x.txt"))
	require.Equal(t, "nested", readFile(t, req.HostDestDir, "out_sub_x.txt"))
	require.Len(t, res.Diagnostics.Attempts, 1)

	entries, err := os.ReadDir(req.HostDestDir)
	require.NoError(t, err)
	require.Len(t, entries, 3, "scratch directories must not remain")
	require.True(t, f.removed)
}

func TestExtract_MissingDirectoryIsEmpty(t *testing.T) {
	f := &fakeDaemon{
		findErr:  "find: /workspace/out: No such file or directory\n",
		findCode: 1,
	}
	e := newExtractor(t, f)

	res, err := e.Extract(context.Background(), request(t))
	require.NoError(t, err)
	require.Equal(t, StrategyNone, res.Strategy)
	require.Empty(t, res.ExtractedFiles)
	require.Empty(t, res.TarContents)
	require.Contains(t, res.Diagnostics.ListingErr, "No such file")
	require.Equal(t, []string{"/workspace/out", "/workspace/out/"}, f.copied)
	require.True(t, f.removed)
}

func TestExtract_TrailingSlashRetry(t *testing.T) {
	f := &fakeDaemon{
		archives: map[string][]byte{
			"/workspace/out/": dockertest.Tar(t, map[string]string{"out/r.txt": "retry"}),
		},
	}
	e := newExtractor(t, f)
	req := request(t)

	res, err := e.Extract(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []string{"r.txt"}, res.ExtractedFiles)
	require.Equal(t, "retry", readFile(t, req.HostDestDir, "r.txt"))
}

func TestExtract_ZeroSizeArchive(t *testing.T) {
	f := &fakeDaemon{archives: map[string][]byte{"/workspace/out": {}}}
	e := newExtractor(t, f)

	res, err := e.Extract(context.Background(), request(t))
	require.NoError(t, err)
	require.Equal(t, StrategyNone, res.Strategy)
	require.Zero(t, res.ArchiveSize)
	require.Empty(t, res.ExtractedFiles)
	require.Contains(t, res.Diagnostics.Notes, "empty archive")
}

func TestExtract_DirectoriesOnly(t *testing.T) {
	f := &fakeDaemon{archives: map[string][]byte{
		"/workspace/out": dockertest.Tar(t, map[string]string{"out/": "", "out/empty/": ""}),
	}}
	e := newExtractor(t, f)

	res, err := e.Extract(context.Background(), request(t))
	require.NoError(t, err)
	require.Equal(t, StrategyNone, res.Strategy)
	require.Empty(t, res.ExtractedFiles)
	require.Positive(t, res.ArchiveSize)
}

func TestExtract_AllStrategiesFail(t *testing.T) {
	full := dockertest.Tar(t, map[string]string{"a.txt": strings.Repeat("x", 4096)})
	f := &fakeDaemon{archives: map[string][]byte{"/workspace/out": full[:512+100]}}
	e := newExtractor(t, f)
	req := request(t)

	res, err := e.Extract(context.Background(), req)
	require.Error(t, err)
	require.True(t, errs.IsExtraction(err))
	var ee *errs.Error
	require.ErrorAs(t, err, &ee)
	require.Equal(t, string(StrategyLenient), ee.Strategy)
	require.Equal(t, []string{"a.txt"}, res.TarContents)
	require.Len(t, res.Diagnostics.Attempts, 3)
	require.NotEmpty(t, res.Diagnostics.Attempts[0].Err)

	entries, err := os.ReadDir(req.HostDestDir)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.True(t, f.removed)
}

func TestExtract_LenientClampsUnsafeEntries(t *testing.T) {
	f := &fakeDaemon{archives: map[string][]byte{
		"/workspace/out": dockertest.Tar(t, map[string]string{"../evil.txt": "gotcha"}),
	}}
	e := newExtractor(t, f)
	req := request(t)

	res, err := e.Extract(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StrategyLenient, res.Strategy)
	require.Equal(t, []string{"evil.txt"}, res.ExtractedFiles)
	_, err = os.Stat(filepath.Join(filepath.Dir(req.HostDestDir), "evil.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestExtract_HelperStartFailureRemovesHelper(t *testing.T) {
	f := &fakeDaemon{startErr: true}
	e := newExtractor(t, f)

	_, err := e.Extract(context.Background(), request(t))
	require.Error(t, err)
	require.True(t, errs.IsExecution(err))
	require.True(t, f.removed)
}

func TestExtract_Validation(t *testing.T) {
	e := New(nil)
	_, err := e.Extract(context.Background(), Request{HostDestDir: t.TempDir()})
	require.True(t, errs.IsValidation(err))
	_, err = e.Extract(context.Background(), Request{VolumeName: "v"})
	require.True(t, errs.IsValidation(err))
	_, err = e.Extract(context.Background(), Request{VolumeName: "v", MountPath: "rel", HostDestDir: t.TempDir()})
	require.True(t, errs.IsValidation(err))
}

type recordingEnsurer struct {
	ref    string
	policy provision.PullPolicy
}

func (r *recordingEnsurer) Ensure(_ context.Context, ref string, policy provision.PullPolicy) error {
	r.ref, r.policy = ref, policy
	return nil
}

func TestExtract_ProvisionsHelperImage(t *testing.T) {
	f := &fakeDaemon{findCode: 0}
	images := &recordingEnsurer{}
	e := newExtractor(t, f, WithImageEnsurer(images), WithHelperImage("busybox:1.36"),
		WithHelperPullPolicy(provision.PullNever), WithKeepAlive(30*time.Second))

	_, err := e.Extract(context.Background(), request(t))
	require.NoError(t, err)
	require.Equal(t, "busybox:1.36", images.ref)
	require.Equal(t, provision.PullNever, images.policy)
	require.Equal(t, "busybox:1.36", f.create.Image)
	require.Equal(t, []string{"sleep", "30"}, []string(f.create.Cmd))
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		mount, source, want string
	}{
		{"/workspace", "out", "/workspace/out"},
		{"/workspace", "./out/../res", "/workspace/res"},
		{"/workspace", "/data/out/", "/data/out"},
		{"", "out", "/workspace/out"},
		{"/workspace", "", "/workspace"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ResolvePath(tt.mount, tt.source), "%s + %s", tt.mount, tt.source)
	}
}

func TestEntryPath(t *testing.T) {
	tests := []struct {
		name   string
		strip  int
		want   string
		unsafe bool
	}{
		{"out/a.txt", 0, "out/a.txt", false},
		{"./out/a.txt", 1, "a.txt", false},
		{"workspace/out/a.txt", 2, "a.txt", false},
		{"out/a.txt", 2, "", false},
		{"../a.txt", 0, "a.txt", true},
		{`out\b.txt`, 1, "b.txt", false},
	}
	for _, tt := range tests {
		got, unsafe := entryPath(tt.name, tt.strip)
		assert.Equal(t, tt.want, got, tt.name)
		assert.Equal(t, tt.unsafe, unsafe, tt.name)
	}
}

func TestSegments(t *testing.T) {
	assert.Equal(t, 2, segments("/workspace/out"))
	assert.Equal(t, 2, segments("/workspace/out/"))
	assert.Equal(t, 0, segments("/"))
}

func TestExtractFlatten_StrippedDepth(t *testing.T) {
	dir := t.TempDir()
	tarPath, _, err := spool(dir, strings.NewReader(string(dockertest.Tar(t, map[string]string{
		"workspace/out/a.txt": "a",
	}))))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(filepath.Base(tarPath), ArchivePrefix))

	dest := filepath.Join(dir, "dest")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	files, err := extractFlatten(tarPath, dest, 2, false)
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt"}, files)

	files, err = extractFlatten(tarPath, dest, 3, false)
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestExtractFlatten_CollisionNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	tarPath, _, err := spool(dir, strings.NewReader(string(dockertest.Tar(t, map[string]string{
		"out/b.txt":       "top-b",
		"out/out_a_b.txt": "top-joined",
		"out/a/b.txt":     "nested-b",
		"out/x/a/b.txt":   "deeper-b",
		"out/x_a/b.txt":   "other-b",
	}))))
	require.NoError(t, err)

	dest := filepath.Join(dir, "dest")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	files, err := extractFlatten(tarPath, dest, 0, false)
	require.NoError(t, err)
	require.Len(t, files, 5)

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	contents := map[string]string{}
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(dest, name))
		require.NoError(t, err)
		contents[name] = string(b)
	}
	assert.Equal(t, "top-b", contents["b.txt"])
	assert.Equal(t, "top-joined", contents["out_a_b.txt"])
	assert.Equal(t, "nested-b", contents["out_a_b.txt~1"])
	assert.ElementsMatch(t, []string{"top-b", "top-joined", "nested-b", "deeper-b", "other-b"},
		[]string{contents["b.txt"], contents["out_a_b.txt"], contents["out_a_b.txt~1"],
			contents["out_x_a_b.txt"], contents["out_x_a_b.txt~1"]})
}
