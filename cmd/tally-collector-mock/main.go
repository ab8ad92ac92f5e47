// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tally-collector-mock is a stand-in collector for development and
// integration tests. It accepts the agent's /i requests (GET query or
// POST form body, gzip aware), answers {"result":"Success"}, and keeps
// every accepted request in memory.
//
// Endpoints:
//   - GET|POST /i: ingestion
//   - GET /requests[?param=name]: accepted requests, optionally only
//     those carrying a parameter
//   - DELETE /requests: forget accepted requests
//   - POST /inject?fail=N&reject=M: answer the next N requests with the
//     failure status and the next M with a negative result
//   - GET /healthz
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/bureau-foundation/tally/lib/clock"
	"github.com/bureau-foundation/tally/lib/logging"
	"github.com/bureau-foundation/tally/lib/process"
	"github.com/bureau-foundation/tally/lib/version"
)

func main() {
	process.Exit(run(os.Args[1:]))
}

func run(args []string) error {
	flags := pflag.NewFlagSet("tally-collector-mock", pflag.ContinueOnError)
	listen := flags.String("listen", "127.0.0.1:8080", "address to listen on")
	appKey := flags.String("app-key", "", "reject requests for any other app key")
	salt := flags.String("salt", "", "require a checksum256 computed with this salt")
	failStatus := flags.Int("fail-status", http.StatusServiceUnavailable, "HTTP status of injected failures")
	failFirst := flags.Int("fail-first", 0, "fail this many requests before accepting any")
	logLevel := flags.String("log-level", "info", "log level")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *showVersion {
		fmt.Printf("tally-collector-mock %s\n", version.Info())
		return nil
	}

	logger, err := logging.New(logging.Options{Level: *logLevel})
	if err != nil {
		return err
	}
	defer logger.Sync()

	gin.SetMode(gin.ReleaseMode)
	mock := newCollector(collectorConfig{
		AppKey:     *appKey,
		Salt:       *salt,
		FailStatus: *failStatus,
	}, clock.Real(), logger)
	mock.failures = *failFirst

	server := &http.Server{
		Addr:              *listen,
		Handler:           mock.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.ListenAndServe()
	}()
	logger.Info("collector mock running", zap.String("listen", *listen))

	select {
	case err := <-serveDone:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownContext); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
