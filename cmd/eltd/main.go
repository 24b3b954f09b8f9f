package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"
	"github.com/worldline-go/hardloop"

	"github.com/loamtrace/elt/internal/boundary"
	"github.com/loamtrace/elt/internal/cluster"
	"github.com/loamtrace/elt/internal/config"
	"github.com/loamtrace/elt/internal/crypto"
	"github.com/loamtrace/elt/internal/httpclient"
	"github.com/loamtrace/elt/internal/job"
	"github.com/loamtrace/elt/internal/lake"
	"github.com/loamtrace/elt/internal/narrative"
	"github.com/loamtrace/elt/internal/registry"
	"github.com/loamtrace/elt/internal/scheduler"
	"github.com/loamtrace/elt/internal/server"
	"github.com/loamtrace/elt/internal/source"
	"github.com/loamtrace/elt/internal/source/github"
	"github.com/loamtrace/elt/internal/source/google"
	"github.com/loamtrace/elt/internal/source/ios"
	"github.com/loamtrace/elt/internal/source/macos"
	"github.com/loamtrace/elt/internal/source/notion"
	"github.com/loamtrace/elt/internal/source/plaid"
	"github.com/loamtrace/elt/internal/source/spotify"
	"github.com/loamtrace/elt/internal/source/strava"
	"github.com/loamtrace/elt/internal/store"
	"github.com/loamtrace/elt/internal/store/memory"
	"github.com/loamtrace/elt/internal/store/postgres"
	"github.com/loamtrace/elt/internal/store/sqlite3"
	"github.com/loamtrace/elt/internal/stream"
	"github.com/loamtrace/elt/internal/syncexec"
	"github.com/loamtrace/elt/internal/token"
	"github.com/loamtrace/elt/internal/transform"
)

var (
	name    = "eltd"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var encKey []byte
	if cfg.Store.EncryptionKey != "" {
		encKey, err = crypto.DeriveKey(cfg.Store.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
	}

	st, err := openStore(ctx, cfg, encKey)
	if err != nil {
		return err
	}
	defer st.Close()

	lakeStore, err := lake.NewFSStore(cfg.Lake.Root)
	if err != nil {
		return err
	}

	// ────────────────────────────────────────────
	// Catalog.

	ontologies := registry.DefaultOntologies()
	ontReg := registry.NewOntologyRegistry(ontologies...)

	tables := make([]string, 0, len(ontologies))
	for _, o := range ontologies {
		tables = append(tables, o.Table)
	}
	reg := registry.New(tables)

	writer := stream.NewWriter()
	tokens := token.NewManager(st, reg, encKey)

	deps := source.Deps{
		Streams: st,
		Tokens:  tokens,
		HTTP:    &http.Client{Timeout: config.Duration(cfg.Sync.Timeout, 60*time.Second)},
		Retry:   httpclient.RetryPolicy{MaxAttempts: cfg.Sync.RetryAttempts},
		Writer:  writer,
	}

	google.Register(reg, deps)
	notion.Register(reg, deps)
	strava.Register(reg, deps)
	spotify.Register(reg, deps)
	github.Register(reg, deps)
	plaid.Register(reg, deps)
	ios.Register(reg, deps)
	macos.Register(reg, deps)
	reg.Freeze()

	// ────────────────────────────────────────────
	// Pipeline.

	factory := stream.NewFactory(reg)

	executor := syncexec.New(factory, st, writer, lakeStore)
	executor.Timeout = config.Duration(cfg.Sync.StreamingTimeout, 300*time.Second)

	runner := transform.New(reg, st, writer, lakeStore, func(ctx context.Context, id string) (string, error) {
		sc, err := st.GetSourceConnection(ctx, id)
		if err != nil {
			return "", err
		}
		return sc.Source, nil
	})

	orchestrator := job.New(st, executor, runner, executor)

	aggregator := boundary.New(ontReg, st, st, boundary.Config{
		BucketWidth:      config.Duration(cfg.Boundary.BucketWidth, 2*time.Minute),
		PrimaryThreshold: cfg.Boundary.PrimaryThreshold,
	}, cfg.Boundary.HealthValueField)

	synthesizer := narrative.New(ontReg, st, st)
	pipeline := narrative.NewPipeline(aggregator, synthesizer, st)

	// ────────────────────────────────────────────
	// Cluster (optional).

	cl, err := cluster.New(cfg.Server.Alan)
	if err != nil {
		return fmt.Errorf("create cluster: %w", err)
	}
	if cl != nil {
		go func() {
			if err := cl.Start(ctx, func(newKey []byte) {
				st.SetEncryptionKey(newKey)
				tokens.SetEncryptionKey(newKey)
			}); err != nil {
				slog.Error("cluster stopped", "error", err)
			}
		}()
		defer cl.Stop() //nolint:errcheck
	}

	// ────────────────────────────────────────────
	// Workers, scheduler, periodic passes.

	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 1
	}
	pollInterval := config.Duration(cfg.Scheduler.PollInterval, 5*time.Second)
	for i := 0; i < workers; i++ {
		go workerLoop(ctx, orchestrator, pollInterval)
	}

	sched := scheduler.New(st, st, reg, orchestrator, cl)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if err := startPeriodicPasses(ctx, cfg, st, orchestrator, pipeline); err != nil {
		return err
	}

	// ────────────────────────────────────────────
	// HTTP surface.

	srv, err := server.New(cfg.Server, cfg.Sources, reg, factory, st, tokens, orchestrator, executor, writer, sched, cl)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	return srv.Start(ctx)
}

// eltStore widens store.Store with the key swap both backends provide.
type eltStore interface {
	store.Store
	SetEncryptionKey(key []byte)
}

func openStore(ctx context.Context, cfg *config.Config, encKey []byte) (eltStore, error) {
	switch {
	case cfg.Store.Postgres != nil:
		return postgres.New(ctx, cfg.Store.Postgres, encKey)
	case cfg.Store.SQLite != nil:
		return sqlite3.New(ctx, cfg.Store.SQLite, encKey)
	default:
		m := memory.New()
		m.SetEncryptionKey(encKey)
		return m, nil
	}
}

// workerLoop claims and runs jobs until the context ends, sleeping between
// empty polls.
func workerLoop(ctx context.Context, orchestrator *job.Orchestrator, pollInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ran, err := orchestrator.Run(ctx)
		if err != nil {
			slog.Error("worker: run failed", "error", err)
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// startPeriodicPasses wires the enrichment and synthesis crons. Both are
// idempotent over their windows, so replays after downtime are safe.
func startPeriodicPasses(ctx context.Context, cfg *config.Config, st store.Store, orchestrator *job.Orchestrator, pipeline *narrative.Pipeline) error {
	var crons []hardloop.Cron

	if cfg.Scheduler.Enrichment != "" {
		crons = append(crons, hardloop.Cron{
			Name:  "enrichment",
			Specs: []string{cfg.Scheduler.Enrichment},
			Func: func(ctx context.Context) error {
				enqueueEnrichments(ctx, st, orchestrator)
				return nil
			},
		})
	}

	if cfg.Scheduler.Synthesis != "" {
		lookback := config.Duration(cfg.Scheduler.SynthesisLookback, 24*time.Hour)
		crons = append(crons, hardloop.Cron{
			Name:  "synthesis",
			Specs: []string{cfg.Scheduler.Synthesis},
			Func: func(ctx context.Context) error {
				end := time.Now().UTC()
				written, err := pipeline.Run(ctx, end.Add(-lookback), end)
				if err != nil {
					slog.Error("synthesis pass failed", "error", err)
					return nil
				}
				slog.Info("synthesis pass complete", "primitives", written)
				return nil
			},
		})
	}

	if len(crons) == 0 {
		return nil
	}

	cronJob, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("create periodic crons: %w", err)
	}
	if err := cronJob.Start(ctx); err != nil {
		return fmt.Errorf("start periodic crons: %w", err)
	}
	return nil
}

// enqueueEnrichments chains a location_visit clustering transform for every
// connection with an enabled ios location stream.
func enqueueEnrichments(ctx context.Context, st store.Store, orchestrator *job.Orchestrator) {
	streams, err := st.ListEnabledStreams(ctx)
	if err != nil {
		slog.Error("enrichment: list streams failed", "error", err)
		return
	}

	for _, row := range streams {
		if row.StreamName != "location" {
			continue
		}
		if _, err := orchestrator.Enqueue(ctx, store.JobTransform, job.TransformPayload{
			SourceConnectionID: row.SourceConnectionID,
			StreamName:         row.StreamName,
			TargetOntology:     "location_visit",
		}, nil); err != nil {
			slog.Error("enrichment: enqueue failed", "source_connection_id", row.SourceConnectionID, "error", err)
		}
	}
}
