// Package episode turns each repository's unbounded event stream into
// bounded episodes, the unit handed to extraction.
package episode

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/mnemod/mnemod/internal/eventlog"
)

// Episode is a bounded batch of one repo's events. Ephemeral: it is built
// at flush time, lives for the duration of one extraction call, and is
// never persisted.
type Episode struct {
	ID      string
	Repo    string
	StartTS time.Time
	EndTS   time.Time
	Events  []eventlog.Event
}

// New builds an episode from an ordered event slice. The id is derived
// from the repo and the first and last event ids, so a retried flush of
// the same buffer reuses the same episode id.
func New(repo string, events []eventlog.Event) *Episode {
	ep := &Episode{
		ID:     episodeID(repo, events),
		Repo:   repo,
		Events: events,
	}
	if len(events) > 0 {
		ep.StartTS = events[0].TS
		ep.EndTS = events[len(events)-1].TS
	}
	return ep
}

// EventIDs returns the ids of the episode's events.
func (ep *Episode) EventIDs() []string {
	ids := make([]string, len(ep.Events))
	for i, e := range ep.Events {
		ids[i] = e.ID
	}
	return ids
}

// episodeID generates a deterministic id from the repo and event span.
func episodeID(repo string, events []eventlog.Event) string {
	key := repo
	if len(events) > 0 {
		key += ":" + events[0].ID + ":" + events[len(events)-1].ID
	}
	h := sha256.Sum256([]byte(key))
	return fmt.Sprintf("ep-%x", h[:8])
}
