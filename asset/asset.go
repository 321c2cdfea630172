// Package asset provides the asset and tenant domain model consumed by the
// rules subsystem: attribute references, attribute events flowing through the
// processing pipeline, and the storage contract used to resolve scope
// ownership and access predicates.
package asset

import (
	"fmt"
	"time"
)

// Tenant represents a realm that owns assets and tenant-scoped rulesets
type Tenant struct {
	Realm       string `json:"realm"`
	DisplayName string `json:"displayName,omitempty"`
	Active      bool   `json:"active"`
}

// Attribute is a single named value on an asset together with the meta flags
// the rules subsystem cares about
type Attribute struct {
	Name      string    `json:"name"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`

	// RuleState mirrors the attribute into engine fact memory as a state fact
	RuleState bool `json:"ruleState,omitempty"`
	// RuleEvent additionally inserts every update as an expiring event fact
	RuleEvent bool `json:"ruleEvent,omitempty"`
	// RuleEventExpires is the requested event fact expiration window;
	// zero means the engine default applies
	RuleEventExpires time.Duration `json:"ruleEventExpires,omitempty"`
}

// Asset is the persisted asset node the rules subsystem resolves scope
// ownership against. The wider asset graph (types, paths, parents) is owned
// by the platform; only the fields the rules core reads are modelled here.
type Asset struct {
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Realm      string               `json:"realm"`
	ParentID   string               `json:"parentId,omitempty"`
	PublicRead bool                 `json:"publicRead,omitempty"`
	Attributes map[string]Attribute `json:"attributes,omitempty"`
}

// Attribute returns the named attribute and whether it exists
func (a *Asset) Attribute(name string) (Attribute, bool) {
	attr, ok := a.Attributes[name]
	return attr, ok
}

// AttributeRef identifies one attribute of one asset. It is the state fact
// key: exactly one live state fact exists per ref.
type AttributeRef struct {
	AssetID       string `json:"assetId"`
	AttributeName string `json:"attributeName"`
}

// String returns the canonical "assetId:attributeName" form
func (r AttributeRef) String() string {
	return fmt.Sprintf("%s:%s", r.AssetID, r.AttributeName)
}

// AttributeEvent is one attribute update flowing through the pipeline.
// Timestamp is the value's source time, not processing time.
type AttributeEvent struct {
	Ref       AttributeRef `json:"ref"`
	Realm     string       `json:"realm"`
	Value     any          `json:"value"`
	Timestamp time.Time    `json:"timestamp"`

	// Deleted marks attribute (or asset) removal; the matching state fact
	// is retracted instead of replaced
	Deleted bool `json:"deleted,omitempty"`
}

// AttributeWrite is a south-bound attribute update requested by a fired rule.
// It re-enters the pipeline through the same ingestion funnel as any
// externally-sourced change.
type AttributeWrite struct {
	Ref   AttributeRef `json:"ref"`
	Value any          `json:"value"`
}
