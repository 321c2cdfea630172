// Package facts provides the per-engine working memory: always-current
// state facts keyed by attribute reference, and immutable, expiring event
// facts used for time-windowed pattern matching.
package facts

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ApollusEHS-OSS/openremote/asset"
)

// DefaultMinExpiration bounds how quickly an event fact may expire. Every
// inserted event keeps at least this window regardless of the requested
// value, so near-zero expirations cannot starve rule conditions that span a
// small time window.
const DefaultMinExpiration = time.Minute

// StateFact is the always-current snapshot of one asset attribute. Exactly
// one live instance exists per attribute reference.
type StateFact struct {
	Ref       asset.AttributeRef
	Value     any
	Timestamp time.Time
}

// EventFact is one expiring, immutable record of an attribute update.
// Timestamp is the value's source time, not processing time.
type EventFact struct {
	ID         string
	Ref        asset.AttributeRef
	Value      any
	Timestamp  time.Time
	Expiration time.Duration
}

// expired reports whether the fact's age exceeds its window at the given
// instant. The boundary is exclusive: a fact expiring exactly at now stays.
func (f EventFact) expired(now time.Time) bool {
	return f.Timestamp.Add(f.Expiration).Before(now)
}

// Memory holds and expires facts for one engine and serves isolated
// snapshots to rule evaluation
type Memory struct {
	mu            sync.Mutex
	states        map[asset.AttributeRef]StateFact
	events        map[string]EventFact
	minExpiration time.Duration
}

// NewMemory creates an empty fact memory. A non-positive minExpiration
// falls back to DefaultMinExpiration.
func NewMemory(minExpiration time.Duration) *Memory {
	if minExpiration <= 0 {
		minExpiration = DefaultMinExpiration
	}
	return &Memory{
		states:        make(map[asset.AttributeRef]StateFact),
		events:        make(map[string]EventFact),
		minExpiration: minExpiration,
	}
}

// UpsertState replaces any existing state fact for the reference
func (m *Memory) UpsertState(ref asset.AttributeRef, value any, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[ref] = StateFact{Ref: ref, Value: value, Timestamp: ts}
}

// RemoveState retracts the state fact for the reference, if any
func (m *Memory) RemoveState(ref asset.AttributeRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, ref)
}

// RemoveAsset retracts every state fact belonging to the asset
func (m *Memory) RemoveAsset(assetID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for ref := range m.states {
		if ref.AssetID == assetID {
			delete(m.states, ref)
			removed++
		}
	}
	return removed
}

// InsertEvent inserts one event fact and returns its generated id. The
// effective expiration is max(requested, guaranteed minimum).
func (m *Memory) InsertEvent(ref asset.AttributeRef, value any, ts time.Time, expiration time.Duration) string {
	if expiration < m.minExpiration {
		expiration = m.minExpiration
	}

	fact := EventFact{
		ID:         uuid.NewString(),
		Ref:        ref,
		Value:      value,
		Timestamp:  ts,
		Expiration: expiration,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[fact.ID] = fact
	return fact.ID
}

// ExpireEvents removes all event facts whose timestamp+expiration lies
// before now, and returns how many were removed
func (m *Memory) ExpireEvents(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, fact := range m.events {
		if fact.expired(now) {
			delete(m.events, id)
			removed++
		}
	}
	return removed
}

// Clear drops every fact. Used when an engine is destroyed.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[asset.AttributeRef]StateFact)
	m.events = make(map[string]EventFact)
}

// Counts returns the current number of state and event facts
func (m *Memory) Counts() (states, events int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states), len(m.events)
}

// MinExpiration returns the guaranteed minimum event expiration window
func (m *Memory) MinExpiration() time.Duration {
	return m.minExpiration
}

// Snapshot returns a read-only view of the memory for one evaluation pass.
// Facts inserted concurrently after the call are not visible through it.
func (m *Memory) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[asset.AttributeRef]StateFact, len(m.states))
	for ref, fact := range m.states {
		states[ref] = fact
	}

	events := make([]EventFact, 0, len(m.events))
	for _, fact := range m.events {
		events = append(events, fact)
	}
	// Stable event order for reproducible evaluation: oldest first, id as
	// tie-breaker
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})

	return &Snapshot{states: states, events: events, taken: time.Now()}
}
