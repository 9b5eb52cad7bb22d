// Package pipeline wires the extraction pipeline together: event log,
// batcher, oracle, policy engine, dedup, router, ingest and gateway.
// One pipeline instance owns the data directory, guarded by a file lock.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mnemod/mnemod/internal/config"
	"github.com/mnemod/mnemod/internal/dedup"
	"github.com/mnemod/mnemod/internal/episode"
	"github.com/mnemod/mnemod/internal/eventlog"
	"github.com/mnemod/mnemod/internal/extract"
	"github.com/mnemod/mnemod/internal/gateway"
	"github.com/mnemod/mnemod/internal/ingest"
	"github.com/mnemod/mnemod/internal/oracle"
	"github.com/mnemod/mnemod/internal/route"
	"github.com/mnemod/mnemod/internal/store"
)

// Pipeline is the fully wired daemon.
type Pipeline struct {
	cfg    *config.Config
	sqlite *store.SQLiteStore
	st     store.Store
	log    *eventlog.Log

	batcher   *episode.Batcher
	extractor *extract.Engine
	router    *route.Router
	gateway   *gateway.Server
	kafka     *ingest.KafkaConsumer
	lock      *FileLock
}

// New builds the pipeline from config. The events database is always
// local SQLite; the memory store follows cfg.Store.Driver.
func New(ctx context.Context, cfg *config.Config, version string) (*Pipeline, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	sqlite, err := store.OpenSQLite(cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var st store.Store = sqlite
	if cfg.Store.Driver == "postgres" {
		pg, err := store.OpenPostgres(ctx, cfg.Store.PostgresURL, 0)
		if err != nil {
			sqlite.Close()
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st = pg
	}

	orc, err := oracle.NewOpenAI(cfg.Oracle)
	if err != nil {
		sqlite.Close()
		return nil, err
	}

	log := eventlog.New(sqlite.DB())
	deduper := dedup.New(cfg.Dedup, st, orc, orc)
	extractor := extract.New(cfg.Policy, orc, deduper, log)
	batcher := episode.NewBatcher(episode.Config{
		MaxEvents:    cfg.Batcher.MaxEvents,
		MaxAge:       cfg.Batcher.MaxAge,
		TickInterval: cfg.Batcher.TickInterval,
	}, extractor)
	router := route.New(cfg.Route, st, orc)

	return &Pipeline{
		cfg:       cfg,
		sqlite:    sqlite,
		st:        st,
		log:       log,
		batcher:   batcher,
		extractor: extractor,
		router:    router,
		gateway:   gateway.New(cfg.Gateway, log, batcher, router, st, extractor, version),
		kafka:     ingest.NewKafka(cfg.Ingest.Kafka, log, batcher),
		lock:      NewFileLock(filepath.Join(cfg.Paths.DataDir, "mnemod.lock")),
	}, nil
}

// Router exposes the retrieval surface for in-process callers (CLI).
func (p *Pipeline) Router() *route.Router { return p.router }

// Run acquires the instance lock, replays pending events, and serves
// until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	ok, err := p.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another mnemod instance owns %s", p.cfg.Paths.DataDir)
	}
	defer p.lock.Unlock()
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.batcher.Run(ctx)
	}()

	if err := p.replay(ctx); err != nil {
		cancel()
		wg.Wait()
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.kafka.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Kafka ingest stopped", "error", err)
			cancel()
		}
	}()

	err = p.gateway.Run(ctx)
	cancel()
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// replay refeeds events that were logged but never extracted, so a
// crash between append and flush loses nothing.
func (p *Pipeline) replay(ctx context.Context) error {
	repos, err := p.log.ReposWithUnprocessed(ctx)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	for _, repo := range repos {
		events, err := p.log.Unprocessed(ctx, repo)
		if err != nil {
			return fmt.Errorf("replay %s: %w", repo, err)
		}
		for _, e := range events {
			p.batcher.Append(e)
		}
		slog.Info("Replayed pending events", "repo", repo, "events", len(events))
	}
	return nil
}

// Close releases storage handles.
func (p *Pipeline) Close() {
	if p.st != nil && p.st != store.Store(p.sqlite) {
		p.st.Close()
	}
	if p.sqlite != nil {
		p.sqlite.Close()
	}
}
