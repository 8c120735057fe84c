//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package server exposes a sandbox.Engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-sandbox-go/dockerhost"
	"trpc.group/trpc-go/trpc-sandbox-go/errs"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
	"trpc.group/trpc-go/trpc-sandbox-go/sandbox"
)

// DefaultMaxBodyBytes bounds request bodies, inputs included.
const DefaultMaxBodyBytes = 64 << 20

// Engine is the part of *sandbox.Engine the server drives.
type Engine interface {
	Invoke(ctx context.Context, req sandbox.Request) (*sandbox.Response, error)
	InvokeBatch(ctx context.Context, reqs []sandbox.Request) []sandbox.BatchItem
	EnsureWorkspace(ctx context.Context, name string) (bool, error)
	RemoveWorkspace(ctx context.Context, name string, force bool) error
	Endpoint() dockerhost.Result
	Ping(ctx context.Context) error
}

var _ Engine = (*sandbox.Engine)(nil)

// Server routes HTTP requests to an Engine.
type Server struct {
	engine       Engine
	router       *mux.Router
	origins      []string
	maxBodyBytes int64
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed origins. Nil keeps "*".
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		if origins != nil {
			s.origins = origins
		}
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// New creates a Server for engine.
func New(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:       engine,
		router:       mux.NewRouter(),
		origins:      []string{"*"},
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type"},
	})
	s.router.Use(c.Handler)
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/endpoint", s.handleEndpoint).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/invocations", s.handleInvoke).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/invocations:batch", s.handleBatch).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/workspaces/{name}", s.handleEnsureWorkspace).Methods(http.MethodPut)
	s.router.HandleFunc("/v1/workspaces/{name}", s.handleRemoveWorkspace).Methods(http.MethodDelete)

	// Preflight requests are answered by the CORS middleware; the route
	// only has to match.
	preflight := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }
	s.router.PathPrefix("/").HandlerFunc(preflight).Methods(http.MethodOptions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEndpoint(w http.ResponseWriter, _ *http.Request) {
	ep := s.engine.Endpoint()
	s.writeJSON(w, http.StatusOK, EndpointView{
		Path:       ep.Path,
		Kind:       string(ep.Kind),
		Source:     string(ep.Source),
		Exists:     ep.Exists,
		Accessible: ep.Accessible,
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var in InvocationRequest
	if err := s.decode(w, r, &in); err != nil {
		s.writeError(w, err, nil)
		return
	}
	req, err := in.toRequest()
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	resp, err := s.engine.Invoke(r.Context(), req)
	if err != nil {
		log.Warnf("invocation %s failed: %v", req.ID, err)
		s.writeError(w, err, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, toResponse(resp))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var in BatchRequest
	if err := s.decode(w, r, &in); err != nil {
		s.writeError(w, err, nil)
		return
	}
	out := BatchResponse{Results: make([]BatchResult, len(in.Requests))}
	reqs := make([]sandbox.Request, 0, len(in.Requests))
	index := make([]int, 0, len(in.Requests))
	for i, ir := range in.Requests {
		req, err := ir.toRequest()
		if err != nil {
			out.Results[i].Error = toErrorBody(err, nil)
			continue
		}
		reqs = append(reqs, req)
		index = append(index, i)
	}
	for j, item := range s.engine.InvokeBatch(r.Context(), reqs) {
		res := &out.Results[index[j]]
		if item.Err != nil {
			res.Error = toErrorBody(item.Err, item.Response)
			continue
		}
		res.Response = toResponse(item.Response)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnsureWorkspace(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	created, err := s.engine.EnsureWorkspace(r.Context(), name)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]any{"name": name, "created": created})
}

func (s *Server) handleRemoveWorkspace(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	force := r.URL.Query().Get("force") == "true"
	if err := s.engine.RemoveWorkspace(r.Context(), name, force); err != nil {
		s.writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errs.Validation("decode request", "body exceeds %d bytes", tooLarge.Limit)
		}
		if errors.Is(err, io.EOF) {
			return errs.Validation("decode request", "empty body")
		}
		return errs.Validation("decode request", "%v", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error, resp *sandbox.Response) {
	s.writeJSON(w, StatusFor(err), toErrorBody(err, resp))
}

// StatusFor maps an engine error to an HTTP status.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindConnection:
		return http.StatusServiceUnavailable
	case errs.KindProvisioning:
		return http.StatusFailedDependency
	}
	if errs.IsNotFound(err) {
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
