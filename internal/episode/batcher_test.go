package episode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mnemod/mnemod/internal/eventlog"
)

// recordingProcessor collects flushed episodes and can be told to fail.
type recordingProcessor struct {
	mu       sync.Mutex
	episodes []*Episode
	fail     bool
}

func (p *recordingProcessor) ProcessEpisode(_ context.Context, ep *Episode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("oracle unavailable")
	}
	p.episodes = append(p.episodes, ep)
	return nil
}

func (p *recordingProcessor) setFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func (p *recordingProcessor) flushed() []*Episode {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Episode, len(p.episodes))
	copy(out, p.episodes)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func testEvent(repo string, n int) eventlog.Event {
	return eventlog.Event{
		ID:   repo + "-" + string(rune('a'+n%26)) + "-" + time.Now().Format("150405.000000000"),
		Repo: repo,
		Kind: eventlog.KindUser,
		TS:   time.Now().UTC(),
	}
}

func TestFlushAtMaxEvents(t *testing.T) {
	proc := &recordingProcessor{}
	b := NewBatcher(Config{MaxEvents: 50, MaxAge: 4 * time.Hour, TickInterval: time.Hour}, proc)

	for i := 0; i < 49; i++ {
		b.Append(testEvent("repo-a", i))
	}
	waitFor(t, func() bool { return b.BufferedCounts()["repo-a"] == 49 })
	if len(proc.flushed()) != 0 {
		t.Fatal("49 events must not flush")
	}

	b.Append(testEvent("repo-a", 49))
	waitFor(t, func() bool { return len(proc.flushed()) == 1 })

	eps := proc.flushed()
	if len(eps[0].Events) != 50 {
		t.Errorf("expected 50 events in episode, got %d", len(eps[0].Events))
	}
	if b.BufferedCounts()["repo-a"] != 0 {
		t.Error("expected buffer cleared after flush")
	}
}

func TestAgeBasedFlush(t *testing.T) {
	proc := &recordingProcessor{}
	b := NewBatcher(Config{MaxEvents: 50, MaxAge: 50 * time.Millisecond, TickInterval: 10 * time.Millisecond}, proc)

	b.Append(testEvent("repo-a", 0))
	b.Append(testEvent("repo-a", 1))

	waitFor(t, func() bool { return len(proc.flushed()) == 1 })
	if len(proc.flushed()[0].Events) != 2 {
		t.Errorf("expected 2 events, got %d", len(proc.flushed()[0].Events))
	}
}

func TestFailedFlushKeepsBuffer(t *testing.T) {
	proc := &recordingProcessor{}
	proc.setFail(true)
	b := NewBatcher(Config{MaxEvents: 3, MaxAge: time.Hour, TickInterval: 20 * time.Millisecond}, proc)

	for i := 0; i < 3; i++ {
		b.Append(testEvent("repo-a", i))
	}
	// The count flush fails; the buffer must stay whole.
	waitFor(t, func() bool { return b.BufferedCounts()["repo-a"] == 3 })
	time.Sleep(50 * time.Millisecond)
	if len(proc.flushed()) != 0 {
		t.Fatal("failed flush must not record an episode")
	}
	if b.BufferedCounts()["repo-a"] != 3 {
		t.Fatalf("buffer drained on failure: %d", b.BufferedCounts()["repo-a"])
	}

	// Once the processor recovers, the ticker retries the same buffer.
	proc.setFail(false)
	waitFor(t, func() bool { return len(proc.flushed()) == 1 })
	if len(proc.flushed()[0].Events) != 3 {
		t.Errorf("expected all 3 buffered events in retried episode, got %d", len(proc.flushed()[0].Events))
	}
}

func TestRetryReusesEpisodeID(t *testing.T) {
	events := []eventlog.Event{testEvent("repo-a", 0), testEvent("repo-a", 1)}
	first := New("repo-a", events)
	second := New("repo-a", events)
	if first.ID != second.ID {
		t.Errorf("same event span must produce the same episode id: %s vs %s", first.ID, second.ID)
	}
	other := New("repo-b", events)
	if other.ID == first.ID {
		t.Error("different repos must produce different episode ids")
	}
}

func TestReposBatchIndependently(t *testing.T) {
	proc := &recordingProcessor{}
	b := NewBatcher(Config{MaxEvents: 2, MaxAge: time.Hour, TickInterval: time.Hour}, proc)

	b.Append(testEvent("repo-a", 0))
	b.Append(testEvent("repo-b", 0))
	b.Append(testEvent("repo-a", 1))

	waitFor(t, func() bool { return len(proc.flushed()) == 1 })
	ep := proc.flushed()[0]
	if ep.Repo != "repo-a" || len(ep.Events) != 2 {
		t.Errorf("expected repo-a to flush alone, got %s with %d events", ep.Repo, len(ep.Events))
	}
	if b.BufferedCounts()["repo-b"] != 1 {
		t.Error("repo-b buffer must be untouched")
	}
}

func TestNoEventLossAcrossFlushes(t *testing.T) {
	proc := &recordingProcessor{}
	b := NewBatcher(Config{MaxEvents: 10, MaxAge: time.Hour, TickInterval: time.Hour}, proc)

	for i := 0; i < 30; i++ {
		b.Append(testEvent("repo-a", i))
	}
	waitFor(t, func() bool { return len(proc.flushed()) == 3 })

	total := 0
	for _, ep := range proc.flushed() {
		total += len(ep.Events)
	}
	if total != 30 {
		t.Errorf("expected 30 events across episodes, got %d", total)
	}
}
