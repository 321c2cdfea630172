// Package ruleset provides the ruleset model (scope, language, enablement
// flags) and the storage contract for ruleset definitions. Rulesets are the
// unit of deployment: any merge or delete triggers redeployment of the
// owning engine.
package ruleset

import (
	"fmt"
	"time"
)

// Lang tags the rule language a ruleset is written in. The engine treats the
// compiler/evaluator for a language as a pluggable capability keyed by this
// tag.
type Lang string

const (
	// LangJSON is the JSON condition/action rule language
	LangJSON Lang = "json"
	// LangCEL is the Common Expression Language backend
	LangCEL Lang = "cel"
)

// ScopeKind discriminates the three engine scopes
type ScopeKind string

const (
	// ScopeGlobal rulesets observe every attribute change on the platform
	ScopeGlobal ScopeKind = "global"
	// ScopeTenant rulesets observe changes within one realm
	ScopeTenant ScopeKind = "tenant"
	// ScopeAsset rulesets observe changes of one asset
	ScopeAsset ScopeKind = "asset"
)

// Scope identifies the engine that owns a ruleset: exactly one of global,
// one tenant, or one asset. Scope is a plain value, not a type hierarchy.
type Scope struct {
	Kind    ScopeKind `json:"kind"`
	Realm   string    `json:"realm,omitempty"`
	AssetID string    `json:"assetId,omitempty"`
}

// GlobalScope returns the global engine scope
func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

// TenantScope returns the engine scope for one realm
func TenantScope(realm string) Scope {
	return Scope{Kind: ScopeTenant, Realm: realm}
}

// AssetScope returns the engine scope for one asset
func AssetScope(assetID string) Scope {
	return Scope{Kind: ScopeAsset, AssetID: assetID}
}

// Validate checks internal scope consistency
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		if s.Realm != "" || s.AssetID != "" {
			return fmt.Errorf("global scope must not carry realm or asset id")
		}
	case ScopeTenant:
		if s.Realm == "" {
			return fmt.Errorf("tenant scope requires a realm")
		}
		if s.AssetID != "" {
			return fmt.Errorf("tenant scope must not carry an asset id")
		}
	case ScopeAsset:
		if s.AssetID == "" {
			return fmt.Errorf("asset scope requires an asset id")
		}
	default:
		return fmt.Errorf("unknown scope kind %q", s.Kind)
	}
	return nil
}

// String returns a stable human-readable form used in logs and metrics labels
func (s Scope) String() string {
	switch s.Kind {
	case ScopeTenant:
		return fmt.Sprintf("tenant(%s)", s.Realm)
	case ScopeAsset:
		return fmt.Sprintf("asset(%s)", s.AssetID)
	default:
		return "global"
	}
}

// Ruleset is a named, scoped unit of rule source text and its enablement
// flags
type Ruleset struct {
	ID      int64  `json:"id"`
	Version int64  `json:"version"`
	Name    string `json:"name"`
	Scope   Scope  `json:"scope"`
	Lang    Lang   `json:"lang"`
	Rules   string `json:"rules"` // source text, opaque to the store

	Enabled    bool `json:"enabled"`
	PublicRead bool `json:"publicRead,omitempty"`

	// Continuous rulesets are re-evaluated periodically to enforce
	// geofence/notification logic; only meaningful for tenant and asset
	// scopes
	Continuous bool `json:"continuous,omitempty"`

	CreatedOn    time.Time `json:"createdOn"`
	LastModified time.Time `json:"lastModified"`
}

// Validate checks structural validity before a merge. Referential checks
// (asset exists, tenant active) are the rules service's responsibility.
func (r Ruleset) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("ruleset name is required")
	}
	if r.Lang == "" {
		return fmt.Errorf("ruleset language is required")
	}
	if r.Rules == "" {
		return fmt.Errorf("ruleset source is required")
	}
	if err := r.Scope.Validate(); err != nil {
		return err
	}
	if r.Continuous && r.Scope.Kind == ScopeGlobal {
		return fmt.Errorf("global rulesets cannot be continuous")
	}
	return nil
}

// Query filters ruleset listings
type Query struct {
	Lang        Lang // zero value matches any language
	EnabledOnly bool
	PublicOnly  bool
}

func (q Query) matches(r Ruleset) bool {
	if q.Lang != "" && r.Lang != q.Lang {
		return false
	}
	if q.EnabledOnly && !r.Enabled {
		return false
	}
	if q.PublicOnly && !r.PublicRead {
		return false
	}
	return true
}
