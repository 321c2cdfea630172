package facts

import (
	"time"

	"github.com/ApollusEHS-OSS/openremote/asset"
)

// Snapshot is the read-only view of a fact memory handed to rule evaluation
// for one pass. Evaluation never observes facts inserted mid-pass.
type Snapshot struct {
	states map[asset.AttributeRef]StateFact
	events []EventFact
	taken  time.Time
}

// Taken returns when the snapshot was captured
func (s *Snapshot) Taken() time.Time {
	return s.taken
}

// State returns the state fact for the reference, if present
func (s *Snapshot) State(ref asset.AttributeRef) (StateFact, bool) {
	fact, ok := s.states[ref]
	return fact, ok
}

// StateValue is a convenience lookup by asset id and attribute name
func (s *Snapshot) StateValue(assetID, attributeName string) (any, bool) {
	fact, ok := s.states[asset.AttributeRef{AssetID: assetID, AttributeName: attributeName}]
	if !ok {
		return nil, false
	}
	return fact.Value, true
}

// States returns all state facts. The slice is owned by the caller; the
// facts themselves are immutable by convention.
func (s *Snapshot) States() []StateFact {
	out := make([]StateFact, 0, len(s.states))
	for _, fact := range s.states {
		out = append(out, fact)
	}
	return out
}

// AssetStates returns the state facts of one asset
func (s *Snapshot) AssetStates(assetID string) []StateFact {
	var out []StateFact
	for ref, fact := range s.states {
		if ref.AssetID == assetID {
			out = append(out, fact)
		}
	}
	return out
}

// Events returns all event facts, oldest first
func (s *Snapshot) Events() []EventFact {
	return s.events
}

// EventsFor returns the event facts of one attribute reference, oldest first
func (s *Snapshot) EventsFor(ref asset.AttributeRef) []EventFact {
	var out []EventFact
	for _, fact := range s.events {
		if fact.Ref == ref {
			out = append(out, fact)
		}
	}
	return out
}

// EventsSince returns the event facts with a source time at or after the
// given instant, oldest first
func (s *Snapshot) EventsSince(since time.Time) []EventFact {
	var out []EventFact
	for _, fact := range s.events {
		if !fact.Timestamp.Before(since) {
			out = append(out, fact)
		}
	}
	return out
}

// Len returns the state and event fact counts
func (s *Snapshot) Len() (states, events int) {
	return len(s.states), len(s.events)
}
