// Copyright 2025 Warden Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// wardend is the backup and failover daemon. It runs the snapshot
// manager, change-log archiver, verification service and failover
// coordinator against a shared archive store, and exposes their health
// over prometheus.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/worker/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardenhq/warden/core/alerts"
	"github.com/wardenhq/warden/core/backups"
	"github.com/wardenhq/warden/core/replica"
	"github.com/wardenhq/warden/internal/archive"
	"github.com/wardenhq/warden/internal/catalog"
	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/protected"
	"github.com/wardenhq/warden/internal/restore"
	"github.com/wardenhq/warden/worker/failover"
	"github.com/wardenhq/warden/worker/logarchiver"
	"github.com/wardenhq/warden/worker/snapshotter"
	"github.com/wardenhq/warden/worker/verifier"
)

var logger = loggo.GetLogger("warden.daemon")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "wardend: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath    string
		loggingConfig string
		metricsAddr   string
	)
	flags := gnuflag.NewFlagSetWithFlagKnownAs("wardend", gnuflag.ContinueOnError, "option")
	flags.StringVar(&configPath, "config", "", "path to the daemon configuration file")
	flags.StringVar(&loggingConfig, "logging-config", "<root>=INFO", "loggo logging configuration")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	if err := loggo.ConfigureLoggers(loggingConfig); err != nil {
		return errors.Trace(err)
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Read(configPath); err != nil {
			return errors.Trace(err)
		}
	}

	ctx := context.Background()
	clk := clock.WallClock

	backend, err := newBackend(ctx, cfg, clk)
	if err != nil {
		return errors.Trace(err)
	}
	cat := catalog.New(backend)

	hub := alerts.NewHub(clk)
	unsubscribe := hub.Subscribe(logAlert)
	defer unsubscribe()

	registry := prometheus.NewRegistry()
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Errorf("metrics listener: %v", err)
			}
		}()
	}

	engine, err := restore.NewEngine(restore.Config{
		Catalog: cat,
		Clock:   clk,
		Logger:  loggo.GetLogger("warden.restore"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	// The protected store behind the daemon. Deployments embed their
	// own store behind the protected interfaces; the built-in one keeps
	// a single-host install self-contained.
	store := protected.NewMemStore(clk)
	nodes := replica.NewMemRegistry()
	requests := make(chan backups.SnapshotRequest, 4)

	runner := worker.NewRunner(worker.RunnerParams{
		Clock:        clk,
		IsFatal:      func(error) bool { return false },
		RestartDelay: 3 * time.Second,
		Logger:       loggo.GetLogger("warden.runner"),
	})

	if err := runner.StartWorker("snapshotter", func() (worker.Worker, error) {
		return snapshotter.NewWorker(snapshotter.Config{
			Clock:                clk,
			Logger:               loggo.GetLogger("warden.snapshotter"),
			Catalog:              cat,
			Source:               store,
			Alerts:               hub,
			Policies:             cfg.Policies(),
			Requests:             requests,
			PrometheusRegisterer: registry,
		})
	}); err != nil {
		return errors.Trace(err)
	}

	if err := runner.StartWorker("logarchiver", func() (worker.Worker, error) {
		return logarchiver.NewWorker(logarchiver.Config{
			Clock:          clk,
			Logger:         loggo.GetLogger("warden.logarchiver"),
			Catalog:        cat,
			Source:         store,
			Alerts:         hub,
			FlushInterval:  cfg.ChangeLog.FlushInterval.D(),
			MaxSegmentSize: cfg.ChangeLog.MaxSegmentSize,
			SpoolLimit:     cfg.ChangeLog.SpoolLimit,
			Requests:       requests,
		})
	}); err != nil {
		return errors.Trace(err)
	}

	if err := runner.StartWorker("verifier", func() (worker.Worker, error) {
		return verifier.NewWorker(verifier.Config{
			Clock:                clk,
			Logger:               loggo.GetLogger("warden.verifier"),
			Catalog:              cat,
			Engine:               engine,
			Alerts:               hub,
			Interval:             cfg.Verification.Interval.D(),
			TimeBudget:           cfg.Verification.TimeBudget.D(),
			PrometheusRegisterer: registry,
		})
	}); err != nil {
		return errors.Trace(err)
	}

	if err := runner.StartWorker("failover", func() (worker.Worker, error) {
		return failover.NewWorker(failover.Config{
			Clock:     clk,
			Logger:    loggo.GetLogger("warden.failover"),
			Registry:  nodes,
			Directory: logDirectory{},
			Alerts:    hub,
			Engine:    engine,
			NewDestination: func(replica.Node) (protected.Destination, error) {
				return protected.NewMemStore(clk), nil
			},
			HeartbeatInterval:    cfg.Failover.HeartbeatInterval.D(),
			MissThreshold:        cfg.Failover.MissThreshold,
			FreshnessBound:       cfg.Failover.FreshnessBound.D(),
			DirectoryName:        cfg.Failover.DirectoryName,
			PrometheusRegisterer: registry,
		})
	}); err != nil {
		return errors.Trace(err)
	}

	logger.Infof("wardend started, archive kind %q", cfg.Archive.Kind)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Infof("received %v, shutting down", sig)
	runner.Kill()
	return errors.Trace(runner.Wait())
}

// newBackend builds the archive store from config: the raw backend,
// throttled when a bandwidth cap is set, with retry outermost so it
// sees seekable readers.
func newBackend(ctx context.Context, cfg *config.Config, clk clock.Clock) (archive.Backend, error) {
	var backend archive.Backend
	var err error
	switch cfg.Archive.Kind {
	case "file":
		backend, err = archive.NewFSBackend(cfg.Archive.Path)
	case "s3":
		backend, err = archive.NewS3Backend(ctx, archive.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
		})
	default:
		return nil, errors.NotValidf("archive kind %q", cfg.Archive.Kind)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Archive.MaxBytesPerSecond > 0 {
		backend = archive.WithRateLimit(backend, cfg.Archive.MaxBytesPerSecond)
	}
	return archive.WithRetry(backend, archive.RetryParams{
		Attempts: cfg.Archive.RetryAttempts,
		Delay:    cfg.Archive.RetryDelay.D(),
		MaxDelay: 30 * time.Second,
		Clock:    clk,
	})
}

// logAlert is the built-in alert delivery channel; external channels
// subscribe to the hub the same way.
func logAlert(event alerts.Event) {
	switch event.Severity {
	case alerts.SeverityCritical:
		logger.Errorf("ALERT [%s] %s", event.Subsystem, event.Message)
	default:
		logger.Warningf("alert [%s] %s", event.Subsystem, event.Message)
	}
}

// logDirectory satisfies the routing directory with a log line; real
// deployments plug in DNS or a service registry here.
type logDirectory struct{}

// SetPrimary is part of the replica.Directory interface.
func (logDirectory) SetPrimary(_ context.Context, name, endpoint string) error {
	logger.Infof("directory %q now points at %s", name, endpoint)
	return nil
}
