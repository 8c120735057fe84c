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
	"context"
	"encoding/xml"
	"hash/crc64"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-sandbox-go/artifact"
)

type object struct {
	data     []byte
	mimeType string
}

type listObject struct {
	Key  string
	Size int64
}

type listBucketResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string
	Prefix      string
	Marker      string
	MaxKeys     int
	IsTruncated bool
	NextMarker  string `xml:",omitempty"`
	Contents    []listObject
}

// fakeCOS serves the subset of the COS object API the service uses.
type fakeCOS struct {
	mu      sync.Mutex
	objects map[string]object
	lists   int
}

var crcTable = crc64.MakeTable(crc64.ECMA)

func (f *fakeCOS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodGet && key == "":
		f.lists++
		f.list(w, r)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = object{data: data, mimeType: r.Header.Get("Content-Type")}
		w.Header().Set("x-cos-hash-crc64ecma", strconv.FormatUint(crc64.Checksum(data, crcTable), 10))
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		obj, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, "<Error><Code>NoSuchKey</Code><Message>not found</Message></Error>")
			return
		}
		w.Header().Set("Content-Type", obj.mimeType)
		w.Header().Set("x-cos-hash-crc64ecma", strconv.FormatUint(crc64.Checksum(obj.data, crcTable), 10))
		_, _ = w.Write(obj.data)
	case r.Method == http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeCOS) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	prefix, marker := q.Get("prefix"), q.Get("marker")
	maxKeys, err := strconv.Atoi(q.Get("max-keys"))
	if err != nil || maxKeys <= 0 {
		maxKeys = 1000
	}
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) && k > marker {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	res := listBucketResult{Name: "bucket", Prefix: prefix, Marker: marker, MaxKeys: maxKeys}
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
		res.IsTruncated = true
		res.NextMarker = keys[len(keys)-1]
	}
	for _, k := range keys {
		res.Contents = append(res.Contents, listObject{Key: k, Size: int64(len(f.objects[k].data))})
	}
	w.Header().Set("Content-Type", "application/xml")
	_ = xml.NewEncoder(w).Encode(res)
}

func newService(t *testing.T, opts ...Option) (*Service, *fakeCOS) {
	t.Helper()
	fake := &fakeCOS{objects: map[string]object{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithHTTPClient(srv.Client())}, opts...)
	s, err := NewService(srv.URL, opts...)
	require.NoError(t, err)
	return s, fake
}

func TestService_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s, fake := newService(t)
	scope := artifact.Scope{Workspace: "workspace-0123456789ab", Invocation: "run-1"}

	for i := 0; i < 3; i++ {
		v, err := s.SaveArtifact(ctx, scope, "result.json", &artifact.Artifact{
			Data:     []byte(`{"n":` + strconv.Itoa(i) + `}`),
			MimeType: "application/json",
		})
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	require.Contains(t, fake.objects, "workspace-0123456789ab/run-1/result.json/2")

	versions, err := s.ListVersions(ctx, scope, "result.json")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, versions)

	latest, err := s.LoadArtifact(ctx, scope, "result.json", nil)
	require.NoError(t, err)
	require.Equal(t, &artifact.Artifact{
		Data:     []byte(`{"n":2}`),
		MimeType: "application/json",
		Name:     "result.json",
	}, latest)

	v0 := 0
	first, err := s.LoadArtifact(ctx, scope, "result.json", &v0)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"n":0}`), first.Data)

	missing, err := s.LoadArtifact(ctx, scope, "absent.txt", nil)
	require.NoError(t, err)
	require.Nil(t, missing)
	v9 := 9
	missing, err = s.LoadArtifact(ctx, scope, "result.json", &v9)
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, s.DeleteArtifact(ctx, scope, "result.json"))
	versions, err = s.ListVersions(ctx, scope, "result.json")
	require.NoError(t, err)
	require.Empty(t, versions)
	require.Empty(t, fake.objects)
}

func TestService_ListArtifactKeys(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	run1 := artifact.Scope{Workspace: "ws", Invocation: "run-1"}
	run2 := artifact.Scope{Workspace: "ws", Invocation: "run-2"}

	for _, name := range []string{"b.txt", "a.txt", "workspace:cache.bin"} {
		_, err := s.SaveArtifact(ctx, run1, name, &artifact.Artifact{Data: []byte(name)})
		require.NoError(t, err)
	}
	_, err := s.SaveArtifact(ctx, run2, "c.txt", &artifact.Artifact{Data: []byte("c")})
	require.NoError(t, err)

	keys, err := s.ListArtifactKeys(ctx, run1)
	require.NoError(t, err)
	require.Equal(t, []string{"a.txt", "b.txt", "workspace:cache.bin"}, keys)

	keys, err = s.ListArtifactKeys(ctx, run2)
	require.NoError(t, err)
	require.Equal(t, []string{"c.txt", "workspace:cache.bin"}, keys)

	shared, err := s.LoadArtifact(ctx, run2, "workspace:cache.bin", nil)
	require.NoError(t, err)
	require.Equal(t, "application/octet-stream", shared.MimeType)
}

func TestService_PaginatedListing(t *testing.T) {
	ctx := context.Background()
	s, fake := newService(t, WithPageSize(2))
	scope := artifact.Scope{Workspace: "ws", Invocation: "run"}
	for i := 0; i < 5; i++ {
		_, err := s.SaveArtifact(ctx, scope, "log.txt", &artifact.Artifact{Data: []byte("x")})
		require.NoError(t, err)
	}
	fake.lists = 0
	versions, err := s.ListVersions(ctx, scope, "log.txt")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3, 4}, versions)
	require.Equal(t, 3, fake.lists)
}

func TestService_Validation(t *testing.T) {
	_, err := NewService("not a url")
	require.Error(t, err)

	s, _ := newService(t)
	_, err = s.SaveArtifact(context.Background(), artifact.Scope{Workspace: "ws"}, "a/b", &artifact.Artifact{})
	require.ErrorIs(t, err, artifact.ErrInvalidName)
	_, err = s.SaveArtifact(context.Background(), artifact.Scope{Workspace: "ws"}, "a", nil)
	require.Error(t, err)
}

var _ artifact.Service = (*Service)(nil)
