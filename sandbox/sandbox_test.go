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
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-sandbox-go/artifact"
	"trpc.group/trpc-go/trpc-sandbox-go/artifact/inmemory"
	"trpc.group/trpc-go/trpc-sandbox-go/command"
	"trpc.group/trpc-go/trpc-sandbox-go/dockerhost"
	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	"trpc.group/trpc-go/trpc-sandbox-go/extract"
	"trpc.group/trpc-go/trpc-sandbox-go/internal/dockertest"
	"trpc.group/trpc-go/trpc-sandbox-go/limits"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
	"trpc.group/trpc-go/trpc-sandbox-go/staging"
	"trpc.group/trpc-go/trpc-sandbox-go/workspace"
)

const (
	primaryID = "a11ce0000000000000000001"
	helperID  = "4e1fe0000000000000000002"
)

type createBody struct {
	container.Config
	HostConfig container.HostConfig
}

// fakeEngine is an in-memory container engine covering a full invocation.
type fakeEngine struct {
	t *testing.T

	mu            sync.Mutex
	calls         []string
	volumes       map[string]bool
	missingImages map[string]bool
	primary       createBody
	exitCode      int
	stdout        string
	stderr        string
	listing       string
	files         map[string]string
}

func newFakeEngine(t *testing.T) *fakeEngine {
	return &fakeEngine{
		t:             t,
		volumes:       map[string]bool{},
		missingImages: map[string]bool{},
		files:         map[string]string{},
	}
}

func (f *fakeEngine) record(c string) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeEngine) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) handler(w http.ResponseWriter, r *http.Request) {
	switch {
	case dockertest.Op(r, http.MethodGet, "/images/"):
		ref := strings.TrimSuffix(r.URL.Path[strings.Index(r.URL.Path, "/images/")+len("/images/"):], "/json")
		f.record("image inspect " + ref)
		f.mu.Lock()
		missing := f.missingImages[ref]
		f.mu.Unlock()
		if missing {
			dockertest.NotFound(w, "No such image: "+ref)
			return
		}
		dockertest.WriteJSON(w, http.StatusOK, map[string]any{"Id": "sha256:feed", "RepoTags": []string{ref}})
	case dockertest.Op(r, http.MethodPost, "/volumes/create"):
		var opts volume.CreateOptions
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&opts))
		f.record("volume create " + opts.Name)
		f.mu.Lock()
		f.volumes[opts.Name] = true
		f.mu.Unlock()
		dockertest.WriteJSON(w, http.StatusCreated, volume.Volume{Name: opts.Name, Labels: opts.Labels})
	case dockertest.Op(r, http.MethodGet, "/volumes/"):
		name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		f.mu.Lock()
		ok := f.volumes[name]
		f.mu.Unlock()
		if !ok {
			dockertest.NotFound(w, "get "+name+": no such volume")
			return
		}
		dockertest.WriteJSON(w, http.StatusOK, volume.Volume{Name: name})
	case dockertest.Op(r, http.MethodDelete, "/volumes/"):
		name := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		f.record("volume remove " + name)
		f.mu.Lock()
		ok := f.volumes[name]
		delete(f.volumes, name)
		f.mu.Unlock()
		if !ok {
			dockertest.NotFound(w, "get "+name+": no such volume")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case dockertest.Op(r, http.MethodPost, "/containers/create"):
		var body createBody
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		id := primaryID
		if body.Labels[extract.LabelRole] == extract.RoleHelper {
			id = helperID
		} else {
			f.mu.Lock()
			f.primary = body
			f.mu.Unlock()
		}
		f.record("create " + id[:6])
		dockertest.WriteJSON(w, http.StatusCreated, container.CreateResponse{ID: id})
	case dockertest.Op(r, http.MethodPost, "/containers/"+primaryID+"/start"),
		dockertest.Op(r, http.MethodPost, "/containers/"+helperID+"/start"):
		f.record("start")
		w.WriteHeader(http.StatusNoContent)
	case dockertest.Op(r, http.MethodPost, "/containers/"+primaryID+"/wait"):
		f.record("wait")
		dockertest.WriteJSON(w, http.StatusOK, container.WaitResponse{StatusCode: int64(f.exitCode)})
	case dockertest.Op(r, http.MethodGet, "/containers/"+primaryID+"/logs"):
		f.record("logs")
		_, _ = w.Write(dockertest.Frames(f.t, f.stdout, f.stderr))
	case dockertest.Op(r, http.MethodGet, "/containers/"+helperID+"/json"):
		dockertest.WriteJSON(w, http.StatusOK, map[string]any{
			"Id":    helperID,
			"State": map[string]any{"Running": true, "Status": "running"},
		})
	case dockertest.Op(r, http.MethodPost, "/containers/"+helperID+"/exec"):
		dockertest.WriteJSON(w, http.StatusCreated, map[string]string{"Id": "exec1"})
	case dockertest.Op(r, http.MethodPost, "/exec/exec1/start"):
		dockertest.WriteHijackStream(f.t, w, f.listing, "")
	case dockertest.Op(r, http.MethodGet, "/exec/exec1/json"):
		dockertest.WriteJSON(w, http.StatusOK, map[string]any{"ExitCode": 0})
	case dockertest.Op(r, http.MethodGet, "/containers/"+helperID+"/archive"):
		p := r.URL.Query().Get("path")
		name := p[strings.LastIndex(p, "/")+1:]
		content, ok := f.files[name]
		if !ok {
			dockertest.NotFound(w, "Could not find the file "+p)
			return
		}
		dockertest.WriteArchive(f.t, w, name, dockertest.Tar(f.t, map[string]string{name: content}))
	case dockertest.Op(r, http.MethodDelete, "/containers/"):
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		f.record("remove " + id[:6])
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, "/_ping"):
		w.Header().Set("API-Version", dockertest.APIVersion)
		w.WriteHeader(http.StatusOK)
	default:
		f.t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		http.Error(w, "unexpected", http.StatusTeapot)
	}
}

func newEngine(t *testing.T, f *fakeEngine, opts ...Option) (*Engine, string) {
	t.Helper()
	tmp := t.TempDir()
	cli := dockertest.NewClient(t, f.handler)
	opts = append([]Option{WithTempDir(tmp)}, opts...)
	e, err := NewWithClient(cli, dockerhost.Result{Path: "/var/run/docker.sock", Kind: dockerhost.KindUnix}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.pool.Release() })
	return e, tmp
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "temporary directories must be removed")
}

func TestInvoke_SimpleModeWithInputsAndOutputs(t *testing.T) {
	f := newFakeEngine(t)
	f.stdout = "hello\n"
	f.listing = "/workspace/out/result.json\n/workspace/out/debug.log\n"
	f.files = map[string]string{"result.json": `{"ok":true}`, "debug.log": "noise"}
	store := inmemory.NewService()
	e, tmp := newEngine(t, f, WithArtifactService(store))

	resp, err := e.Invoke(context.Background(), Request{
		ID:      "run-1",
		Image:   "alpine:latest",
		Command: "echo hello",
		Session: workspace.Session{WorkflowID: "wf-1", Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		Inputs: []staging.Input{
			{Name: "data.txt", Data: []byte("hi")},
			{Name: "gone.bin", Path: "/nonexistent/gone.bin"},
		},
		Output: &OutputRequest{SourcePath: "out", Pattern: "*.json", Save: true},
	})
	require.NoError(t, err)

	require.Equal(t, 0, resp.Result.ExitCode)
	require.True(t, resp.Result.Success)
	require.Equal(t, "hello\n", resp.Result.Stdout)
	require.Empty(t, resp.Result.Stderr)

	wantVolume := workspace.NameFor("workflow:wf-1:2025-03-01")
	require.Equal(t, wantVolume, resp.Workspace.Name)
	require.True(t, resp.WorkspaceCreated)
	require.Equal(t, []staging.File{{Name: "data.txt", Size: 2}}, resp.Inputs)
	require.Len(t, resp.SkippedInputs, 1)
	require.Equal(t, "gone.bin", resp.SkippedInputs[0].Name)
	require.Equal(t, limits.Plan([]int64{2}), resp.Limits)

	body := f.primary
	require.Equal(t, []string{"/bin/sh"}, []string(body.Entrypoint))
	require.Equal(t, []string{"-c", "echo hello"}, []string(body.Cmd))
	require.Equal(t, "/workspace", body.WorkingDir)
	require.Equal(t, "run-1", body.Labels[LabelInvocation])
	require.Len(t, body.HostConfig.Binds, 2)
	require.Equal(t, wantVolume+":/workspace:rw", body.HostConfig.Binds[0])
	require.True(t, strings.HasSuffix(body.HostConfig.Binds[1], ":"+DefaultInputPath+":ro"))
	require.Equal(t, limits.MinMemory, body.HostConfig.Memory)
	require.Equal(t, limits.CPUQuotaLow, body.HostConfig.CPUQuota)
	require.Contains(t, body.HostConfig.SecurityOpt, "no-new-privileges:true")
	require.Equal(t, "none", string(body.HostConfig.NetworkMode))

	require.Len(t, resp.Outputs, 1)
	out := resp.Outputs["result.json"]
	require.Equal(t, `{"ok":true}`, string(out.Data))
	require.Equal(t, "application/json", out.MIMEType)
	require.NotNil(t, out.Version)
	require.Equal(t, 0, *out.Version)
	require.Equal(t, extract.StrategyPerFile, resp.Extraction.Strategy)

	saved, err := store.LoadArtifact(context.Background(),
		artifact.Scope{Workspace: wantVolume, Invocation: "run-1"}, "result.json", nil)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"ok":true}`), saved.Data)

	calls := f.seen()
	require.Contains(t, calls, "remove "+primaryID[:6])
	require.Contains(t, calls, "remove "+helperID[:6])
	requireEmptyDir(t, tmp)
}

func TestInvoke_AdvancedModeShellWrapping(t *testing.T) {
	f := newFakeEngine(t)
	e, _ := newEngine(t, f)

	resp, err := e.Invoke(context.Background(), Request{
		Image:   "alpine:latest",
		Mode:    command.ModeAdvanced,
		Command: "echo a > /tmp/x.txt",
	})
	require.NoError(t, err)
	require.True(t, resp.Command.ShellWrapped)
	require.Empty(t, f.primary.Entrypoint)
	require.Equal(t, []string{"/bin/sh", "-c", "echo a > /tmp/x.txt"}, []string(f.primary.Cmd))
	require.NotEmpty(t, resp.ID)
	require.Nil(t, resp.Extraction)
	require.NotContains(t, f.seen(), "create "+helperID[:6])
}

func TestInvoke_SameSessionReusesWorkspace(t *testing.T) {
	f := newFakeEngine(t)
	e, _ := newEngine(t, f)
	session := workspace.Session{WorkflowID: "wf-9", Date: time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)}

	first, err := e.Invoke(context.Background(), Request{Image: "alpine", Command: "true", Session: session})
	require.NoError(t, err)
	second, err := e.Invoke(context.Background(), Request{Image: "alpine", Command: "true", Session: session})
	require.NoError(t, err)

	require.Equal(t, first.Workspace.Name, second.Workspace.Name)
	require.True(t, first.WorkspaceCreated)
	require.False(t, second.WorkspaceCreated)
	require.Equal(t, first.Workspace.Name, e.WorkspaceFor(session).Name)
}

func TestInvoke_NonZeroExitIsNotAnError(t *testing.T) {
	f := newFakeEngine(t)
	f.exitCode = 3
	f.stderr = "boom\n"
	e, _ := newEngine(t, f)

	resp, err := e.Invoke(context.Background(), Request{Image: "alpine", Command: "exit 3"})
	require.NoError(t, err)
	require.Equal(t, 3, resp.Result.ExitCode)
	require.False(t, resp.Result.Success)
	require.Equal(t, "boom\n", resp.Result.Stderr)
}

func TestInvoke_ValidationHaltsEarly(t *testing.T) {
	f := newFakeEngine(t)
	e, _ := newEngine(t, f)

	tests := []Request{
		{Command: "true"},
		{Image: "UPPER/Case:bad", Command: "true"},
		{Image: "alpine", Mode: command.ModeSimple},
		{Image: "alpine", Mode: command.ModeAdvanced, Entrypoint: "   ", Command: "ls"},
		{Image: "alpine", Command: "true", Output: &OutputRequest{Pattern: "[unclosed"}},
	}
	for _, req := range tests {
		_, err := e.Invoke(context.Background(), req)
		require.Error(t, err, "%+v", req)
		require.True(t, errs.IsValidation(err), "%+v: %v", req, err)
	}
	require.Empty(t, f.seen())
}

func TestInvoke_ProvisioningHaltsBeforeWorkspace(t *testing.T) {
	f := newFakeEngine(t)
	f.missingImages["python:3.12"] = true
	e, _ := newEngine(t, f)

	_, err := e.Invoke(context.Background(), Request{
		Image:      "python:3.12",
		Command:    "python -V",
		PullPolicy: provision.PullNever,
	})
	require.Error(t, err)
	require.True(t, errs.IsProvisioning(err))
	for _, c := range f.seen() {
		require.False(t, strings.HasPrefix(c, "volume"), c)
		require.False(t, strings.HasPrefix(c, "create"), c)
	}
}

func TestInvoke_SaveWithoutServiceFails(t *testing.T) {
	f := newFakeEngine(t)
	f.listing = "/workspace/a.txt\n"
	f.files = map[string]string{"a.txt": "a"}
	e, _ := newEngine(t, f)

	resp, err := e.Invoke(context.Background(), Request{
		Image:   "alpine",
		Command: "true",
		Output:  &OutputRequest{Save: true},
	})
	require.Error(t, err)
	require.True(t, errs.IsValidation(err))
	require.Nil(t, resp)
	require.Empty(t, f.seen())
}

func TestInvoke_SaveUsesContextService(t *testing.T) {
	f := newFakeEngine(t)
	f.listing = "/workspace/a.txt\n"
	f.files = map[string]string{"a.txt": "a"}
	e, _ := newEngine(t, f)
	store := inmemory.NewService()
	ctx := artifact.ContextWithService(context.Background(), store)

	resp, err := e.Invoke(ctx, Request{
		ID:      "ctx-run",
		Image:   "alpine",
		Command: "true",
		Output:  &OutputRequest{Save: true},
	})
	require.NoError(t, err)
	keys, err := store.ListArtifactKeys(ctx, artifact.Scope{Workspace: resp.Workspace.Name, Invocation: "ctx-run"})
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt"}, keys)
}

func TestInvokeBatch_KeepsOrder(t *testing.T) {
	f := newFakeEngine(t)
	e, _ := newEngine(t, f, WithConcurrency(2))

	reqs := []Request{
		{ID: "one", Image: "alpine", Command: "true"},
		{ID: "two", Command: "true"},
		{ID: "three", Image: "alpine", Command: "true"},
		{ID: "four", Image: "alpine", Command: "true"},
	}
	results := e.InvokeBatch(context.Background(), reqs)
	require.Len(t, results, len(reqs))
	for i, r := range results {
		if i == 1 {
			require.True(t, errs.IsValidation(r.Err))
			require.Nil(t, r.Response)
			continue
		}
		require.NoError(t, r.Err)
		require.Equal(t, reqs[i].ID, r.Response.ID)
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	f := newFakeEngine(t)
	e, _ := newEngine(t, f)
	ctx := context.Background()

	created, err := e.EnsureWorkspace(ctx, "workspace-manual")
	require.NoError(t, err)
	require.True(t, created)
	created, err = e.EnsureWorkspace(ctx, "workspace-manual")
	require.NoError(t, err)
	require.False(t, created)

	require.NoError(t, e.RemoveWorkspace(ctx, "workspace-manual", false))
	require.NoError(t, e.RemoveWorkspace(ctx, "workspace-manual", false))
	require.NoError(t, e.Ping(ctx))
	require.Equal(t, dockerhost.KindUnix, e.Endpoint().Kind)
}

func TestNewWithClient_RejectsBadConcurrency(t *testing.T) {
	_, err := NewWithClient(nil, dockerhost.Result{}, WithConcurrency(0))
	require.True(t, errs.IsValidation(err))
}

func TestMatchOutput(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"", "a.txt", true},
		{"**", "a.txt", true},
		{"*.csv", "a.csv", true},
		{"*.csv", "a.txt", false},
		{"report-*.{csv,json}", "report-1.json", true},
	}
	for _, tt := range tests {
		got, err := MatchOutput(tt.pattern, tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s ~ %s", tt.pattern, tt.name)
	}
	_, err := MatchOutput("[", "a")
	require.True(t, errs.IsValidation(err))
}

func TestDetectMIME(t *testing.T) {
	assert.Equal(t, "application/json", DetectMIME("a.json", nil))
	assert.Equal(t, "image/png", DetectMIME("plot.png", nil))
	assert.Equal(t, "text/plain; charset=utf-8", DetectMIME("noext", []byte("plain words")))
}

func TestReadOutputsTruncates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/big.bin", []byte(strings.Repeat("x", 100)), 0o644))
	out, err := readOutputs(dir, []string{"big.bin"}, "", 10)
	require.NoError(t, err)
	require.Len(t, out["big.bin"].Data, 10)
	require.True(t, out["big.bin"].Truncated)
	require.EqualValues(t, 100, out["big.bin"].Size)
}
