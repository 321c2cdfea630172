// Package rulelang defines the pluggable rule-language capability: a
// compiler per language tag turns ruleset source text into compiled rules
// the engine can evaluate against fact snapshots. Language backends are
// swapped without touching the engine.
package rulelang

import (
	"fmt"
	"sync"

	"github.com/ApollusEHS-OSS/openremote/asset"
	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/facts"
	"github.com/ApollusEHS-OSS/openremote/geofence"
	"github.com/ApollusEHS-OSS/openremote/ruleset"
)

// Notification is a named payload a fired rule wants delivered to the
// platform's notification pipeline
type Notification struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Actions collects the side effects one fired rule requests. South-bound
// attribute writes re-enter the ingestion funnel; they never recurse into
// evaluation synchronously.
type Actions struct {
	AttributeWrites []asset.AttributeWrite
	Notifications   []Notification
}

// Empty reports whether the rule requested no side effects
func (a *Actions) Empty() bool {
	return a == nil || (len(a.AttributeWrites) == 0 && len(a.Notifications) == 0)
}

// Merge appends another rule's actions
func (a *Actions) Merge(other *Actions) {
	if other == nil {
		return
	}
	a.AttributeWrites = append(a.AttributeWrites, other.AttributeWrites...)
	a.Notifications = append(a.Notifications, other.Notifications...)
}

// Rule is one compiled rule. Evaluate returns the requested actions when
// the rule fires, nil when its condition does not hold, and an error when
// the condition or action raised.
type Rule interface {
	Name() string
	Evaluate(snapshot *facts.Snapshot) (*Actions, error)
}

// CompiledRuleset is the opaque compiled form of one ruleset inside a
// deployment
type CompiledRuleset interface {
	Rules() []Rule
}

// GeofenceProvider is implemented by compiled rulesets that declare
// geofences for assets
type GeofenceProvider interface {
	Geofences(assetID string) []geofence.Definition
}

// Compiler is the per-language compile capability
type Compiler interface {
	Lang() ruleset.Lang
	Compile(rs ruleset.Ruleset) (CompiledRuleset, error)
}

// Registry resolves compilers by language tag
type Registry struct {
	mu        sync.RWMutex
	compilers map[ruleset.Lang]Compiler
}

// NewRegistry creates a registry preloaded with the given compilers
func NewRegistry(compilers ...Compiler) *Registry {
	r := &Registry{compilers: make(map[ruleset.Lang]Compiler)}
	for _, c := range compilers {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the compiler for its language tag
func (r *Registry) Register(c Compiler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compilers[c.Lang()] = c
}

// Langs returns the registered language tags
func (r *Registry) Langs() []ruleset.Lang {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ruleset.Lang, 0, len(r.compilers))
	for lang := range r.compilers {
		out = append(out, lang)
	}
	return out
}

// Compile resolves the compiler for the ruleset's language tag and compiles
// the source. An unregistered tag is a compilation error.
func (r *Registry) Compile(rs ruleset.Ruleset) (CompiledRuleset, error) {
	r.mu.RLock()
	compiler, ok := r.compilers[rs.Lang]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownLanguage, rs.Lang),
			"Registry", "Compile", "resolve compiler")
	}
	return compiler.Compile(rs)
}
