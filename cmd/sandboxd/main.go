//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package main runs the sandbox engine as an HTTP daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trpc.group/trpc-go/trpc-sandbox-go/config"
	"trpc.group/trpc-go/trpc-sandbox-go/log"
	"trpc.group/trpc-go/trpc-sandbox-go/provision"
	"trpc.group/trpc-go/trpc-sandbox-go/sandbox"
	"trpc.group/trpc-go/trpc-sandbox-go/server"
	"trpc.group/trpc-go/trpc-sandbox-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-sandbox-go/telemetry/trace"
)

var (
	configPath = flag.String("config", os.Getenv("SANDBOX_CONFIG"), "Path to the YAML config file.")
	listen     = flag.String("listen", "", "Listen address, overrides server.listen.")
	logLevel   = flag.String("log-level", "", "Log level, overrides log.level.")
	drain      = flag.Duration("shutdown-timeout", 30*time.Second, "Time allowed for in-flight invocations on shutdown.")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	log.SetLevel(cfg.Log.Level)
	log.SetTraceEnabled(cfg.Log.Trace)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry := startTelemetry(ctx, cfg.Telemetry)
	defer shutdownTelemetry()

	opts, err := cfg.EngineOptions()
	if err != nil {
		log.Fatalf("engine options: %v", err)
	}
	opts = append(opts, sandbox.WithPullProgress(func(p provision.Progress) {
		log.Debugf("pull %s: %s %s", p.ID, p.Status, p.Progress)
	}))
	engine, err := sandbox.New(opts...)
	if err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Warnf("engine not reachable yet: %v", err)
	}

	srv := &http.Server{
		Addr: cfg.Server.Listen,
		Handler: server.New(engine,
			server.WithCORSOrigins(cfg.Server.CORSOrigins),
		).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("sandboxd listening on %s", cfg.Server.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("serve: %v", err)
		}
	case <-ctx.Done():
		log.Infof("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), *drain)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}
}

func startTelemetry(ctx context.Context, cfg config.TelemetryConfig) func() {
	var cleanups []func()
	if cfg.TraceEndpoint != "" {
		clean, err := trace.Start(ctx,
			trace.WithEndpoint(cfg.TraceEndpoint),
			trace.WithProtocol(cfg.Protocol),
		)
		if err != nil {
			log.Warnf("trace exporter disabled: %v", err)
		} else {
			cleanups = append(cleanups, func() {
				if err := clean(); err != nil {
					log.Warnf("trace shutdown: %v", err)
				}
			})
		}
	}
	if cfg.MetricEndpoint != "" {
		mp, err := metric.NewMeterProvider(ctx,
			metric.WithEndpoint(cfg.MetricEndpoint),
			metric.WithProtocol(cfg.Protocol),
		)
		if err == nil {
			err = metric.InitMeterProvider(mp)
		}
		if err != nil {
			log.Warnf("metric exporter disabled: %v", err)
		} else {
			cleanups = append(cleanups, func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := mp.Shutdown(sctx); err != nil {
					log.Warnf("metric shutdown: %v", err)
				}
			})
		}
	}
	return func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
}
