package episode

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnemod/mnemod/internal/eventlog"
)

// Processor receives flushed episodes. The batcher calls it synchronously
// from the owning repo's actor, so at most one call per repo is in flight
// at a time.
type Processor interface {
	ProcessEpisode(ctx context.Context, ep *Episode) error
}

// Config controls when a buffer becomes an episode.
type Config struct {
	MaxEvents    int           // flush at this many buffered events
	MaxAge       time.Duration // flush when the oldest event is this old
	TickInterval time.Duration // how often age-based flush is re-evaluated
}

// Batcher owns one buffer per repository. Each repo gets a single-writer
// actor goroutine; actors for different repos run independently and may
// flush concurrently, but within one repo appends and flushes are fully
// serialized, so the buffer is never observed half-cleared.
type Batcher struct {
	cfg  Config
	proc Processor

	mu     sync.Mutex
	actors map[string]*repoActor
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatcher creates a batcher. Zero config fields get defaults.
func NewBatcher(cfg Config, proc Processor) *Batcher {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 50
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 4 * time.Hour
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	b := &Batcher{
		cfg:    cfg,
		proc:   proc,
		actors: make(map[string]*repoActor),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Run blocks until ctx is cancelled, then stops every actor and waits
// for in-flight flushes. An in-flight flush either completes fully or
// leaves its buffer intact; partial drains cannot happen because the
// buffer is cleared only after the processor returns.
func (b *Batcher) Run(ctx context.Context) error {
	<-ctx.Done()
	b.cancel()
	b.wg.Wait()
	slog.Info("Batcher stopped")
	return ctx.Err()
}

// Append routes an event to its repo's actor, creating the actor on first
// use. Non-blocking for the caller unless the actor's inbox is full.
func (b *Batcher) Append(e eventlog.Event) {
	b.actor(e.Repo).inbox <- e
}

func (b *Batcher) actor(repo string) *repoActor {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a, ok := b.actors[repo]; ok {
		return a
	}
	a := &repoActor{
		repo:  repo,
		cfg:   b.cfg,
		proc:  b.proc,
		inbox: make(chan eventlog.Event, 256),
	}
	b.actors[repo] = a

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		a.loop(b.ctx)
	}()
	return a
}

// BufferedCounts returns the current buffer size per repo (diagnostics).
func (b *Batcher) BufferedCounts() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[string]int, len(b.actors))
	for repo, a := range b.actors {
		counts[repo] = int(a.buffered.Load())
	}
	return counts
}

// repoActor is the single writer for one repo's buffer.
type repoActor struct {
	repo     string
	cfg      Config
	proc     Processor
	inbox    chan eventlog.Event
	buf      buffer
	buffered atomic.Int64
}

func (a *repoActor) loop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-a.inbox:
			a.buf.add(e)
			a.buffered.Store(int64(a.buf.len()))
			if a.buf.shouldFlush(time.Now(), a.cfg) {
				a.flush(ctx)
			}
		case <-ticker.C:
			// Age-based flush must fire even when no new events arrive.
			if a.buf.shouldFlush(time.Now(), a.cfg) {
				a.flush(ctx)
			}
		}
	}
}

// flush snapshots the buffer, hands the episode to the processor, and
// clears the buffer only on success. On failure the buffer is untouched
// and the next tick retries with the same deterministic episode id.
func (a *repoActor) flush(ctx context.Context) {
	events := a.buf.snapshot()
	if len(events) == 0 {
		return
	}
	ep := New(a.repo, events)

	if err := a.proc.ProcessEpisode(ctx, ep); err != nil {
		slog.Warn("Batcher flush failed, keeping buffer", "repo", a.repo, "episode", ep.ID, "error", err)
		return
	}

	a.buf.clear()
	a.buffered.Store(0)
	slog.Info("Batcher flushed episode", "repo", a.repo, "episode", ep.ID, "events", len(events))
}

// buffer is the ordered event list owned by exactly one actor.
type buffer struct {
	events   []eventlog.Event
	oldestTS time.Time
}

func (b *buffer) add(e eventlog.Event) {
	if len(b.events) == 0 {
		b.oldestTS = e.TS
	}
	b.events = append(b.events, e)
}

func (b *buffer) len() int { return len(b.events) }

// shouldFlush is true at MaxEvents buffered events or once the oldest
// buffered event reaches MaxAge.
func (b *buffer) shouldFlush(now time.Time, cfg Config) bool {
	if len(b.events) == 0 {
		return false
	}
	if len(b.events) >= cfg.MaxEvents {
		return true
	}
	return now.Sub(b.oldestTS) >= cfg.MaxAge
}

// snapshot returns the buffered events without clearing them.
func (b *buffer) snapshot() []eventlog.Event {
	out := make([]eventlog.Event, len(b.events))
	copy(out, b.events)
	return out
}

func (b *buffer) clear() {
	b.events = nil
	b.oldestTS = time.Time{}
}
