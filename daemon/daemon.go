// Copyright 2026 The Vidurai Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon assembles the pipeline: IPC intake feeds the
// stabilizer, stabilized events fan out to the archiver and the
// in-process bus, and the bus feeds IPC subscribers. It also runs the
// archiver's maintenance loop and owns orderly shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vidurai-project/vidurai/archive"
	"github.com/vidurai-project/vidurai/bus"
	"github.com/vidurai-project/vidurai/event"
	"github.com/vidurai-project/vidurai/filter"
	"github.com/vidurai-project/vidurai/ipc"
	"github.com/vidurai-project/vidurai/lib/clock"
	"github.com/vidurai-project/vidurai/lib/config"
	"github.com/vidurai-project/vidurai/stabilizer"
)

// Daemon wires the stabilizer, archiver, bus, and IPC server together
// according to a Config.
type Daemon struct {
	config  *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	started time.Time

	stabilizer *stabilizer.Stabilizer
	archiver   *archive.Archiver
	bus        *bus.Bus
	server     *ipc.Server
}

// New builds the daemon. The archiver's storage directories are
// created here; a failure to create them is fatal.
func New(cfg *config.Config, logger *slog.Logger, clk clock.Clock) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}

	pathFilter, err := filter.New(cfg.Stabilizer.IgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	compression, err := archive.ParseCompressionTag(cfg.Storage.Compression)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}
	archiver, err := archive.New(archive.Options{
		BaseDir:                cfg.Storage.BaseDir,
		HotMaxSize:             cfg.Storage.HotMaxSize,
		HotMaxAge:              cfg.Storage.HotMaxAge.Std(),
		HotRetentionDays:       cfg.Storage.HotRetentionDays,
		ColdRetentionDays:      cfg.Storage.ColdRetentionDays,
		ArchivalEnabled:        cfg.Storage.ArchivalEnabled,
		AllowUnarchivedCleanup: cfg.Storage.AllowUnarchivedCleanup,
		Compression:            compression,
		SweepInterval:          cfg.Storage.SweepInterval.Std(),
		CleanupSchedule:        cfg.Storage.CleanupSchedule,
		Clock:                  clk,
		Logger:                 logger,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	daemon := &Daemon{
		config:   cfg,
		logger:   logger,
		clock:    clk,
		started:  clk.Now(),
		archiver: archiver,
		bus:      bus.New(0, logger),
	}

	daemon.stabilizer = stabilizer.New(stabilizer.Options{
		Clock:              clk,
		Logger:             logger,
		Filter:             pathFilter,
		DebounceDelay:      cfg.Stabilizer.DebounceDelay.Std(),
		DedupWindow:        cfg.Stabilizer.DedupWindow.Std(),
		MaxEventsPerSecond: cfg.Stabilizer.MaxEventsPerSecond,
		EnableBatching:     cfg.Stabilizer.EnableBatching,
		BatchWindow:        cfg.Stabilizer.BatchWindow.Std(),
		MaxBatchSize:       cfg.Stabilizer.MaxBatchSize,
	})
	daemon.stabilizer.OnEvent(daemon.persist)
	daemon.stabilizer.OnBatch(daemon.persistBatch)

	socketPath := cfg.IPC.SocketPath
	if socketPath == "" {
		socketPath = config.DefaultSocketPath()
	}
	daemon.server, err = ipc.NewServer(ipc.ServerOptions{
		SocketPath:        socketPath,
		HeartbeatInterval: cfg.IPC.HeartbeatInterval.Std(),
		Clock:             clk,
		Logger:            logger,
	}, daemon)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}
	return daemon, nil
}

// persist handles one stabilized emission: archive first, then fan
// out. A storage failure is logged, not propagated — consumers still
// see the event.
func (d *Daemon) persist(stabilizedEvent *event.Stabilized) {
	if _, err := d.archiver.Write(stabilizedEvent.Envelope); err != nil {
		d.logger.Error("archiving event failed",
			"event_type", stabilizedEvent.Envelope.Type, "error", err)
	}
	d.bus.Publish(stabilizedEvent)
}

// persistBatch handles a batch emission (batching mode).
func (d *Daemon) persistBatch(batch []*event.Stabilized) {
	envelopes := make([]*event.Envelope, 0, len(batch))
	for _, stabilizedEvent := range batch {
		envelopes = append(envelopes, stabilizedEvent.Envelope)
	}
	if _, err := d.archiver.WriteBatch(envelopes); err != nil {
		d.logger.Error("archiving batch failed", "events", len(batch), "error", err)
	}
	for _, stabilizedEvent := range batch {
		d.bus.Publish(stabilizedEvent)
	}
}

// SubmitEvent implements ipc.Backend. Dropped events are counted by
// the stabilizer, never surfaced as errors.
func (d *Daemon) SubmitEvent(envelope *event.Envelope) error {
	d.stabilizer.Submit(envelope)
	return nil
}

// SubmitBatch implements ipc.Backend.
func (d *Daemon) SubmitBatch(envelopes []*event.Envelope) error {
	for _, envelope := range envelopes {
		d.stabilizer.Submit(envelope)
	}
	return nil
}

// Query implements ipc.Backend.
func (d *Daemon) Query(options archive.QueryOptions) ([]*event.Envelope, error) {
	return d.archiver.Query(options)
}

// Stats implements ipc.Backend.
func (d *Daemon) Stats() (ipc.StatsResult, error) {
	archiveStats, err := d.archiver.Stats()
	if err != nil {
		return ipc.StatsResult{}, err
	}
	return ipc.StatsResult{
		Stabilizer: d.stabilizer.Stats(),
		Archive:    archiveStats,
		Uptime:     d.clock.Now().Sub(d.started).Seconds(),
	}, nil
}

// Subscribe implements ipc.Backend.
func (d *Daemon) Subscribe(eventTypes []string, handler func(*event.Stabilized)) func() {
	subscription := d.bus.Subscribe(eventTypes, handler)
	return subscription.Cancel
}

// Replay implements ipc.Backend.
func (d *Daemon) Replay(limit int) []*event.Stabilized {
	return d.bus.Replay(limit)
}

// SocketPath returns the socket the daemon serves on.
func (d *Daemon) SocketPath() string {
	socketPath := d.config.IPC.SocketPath
	if socketPath == "" {
		return config.DefaultSocketPath()
	}
	return socketPath
}

// Run serves until ctx is cancelled, then shuts down in order: IPC
// server first (no new events), then the stabilizer (pending events
// flush into the archiver), then the archiver (hot file closed).
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		if err := d.archiver.RunMaintenance(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("maintenance loop failed", "error", err)
		}
	}()

	serveResult := make(chan error, 1)
	go func() { serveResult <- d.server.Serve(ctx) }()

	d.logger.Info("daemon running",
		"socket", d.SocketPath(),
		"storage", d.config.Storage.BaseDir,
		"environment", string(d.config.Environment))

	var err error
	select {
	case <-ctx.Done():
		err = <-serveResult
	case err = <-serveResult:
		cancel()
	}
	<-maintenanceDone

	d.stabilizer.Stop()
	if stopErr := d.archiver.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	d.logger.Info("daemon stopped")
	return err
}
