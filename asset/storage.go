package asset

import (
	"context"
	"sync"
	"time"

	"github.com/ApollusEHS-OSS/openremote/errors"
)

// Storage is the asset store consumed by the rules subsystem. It resolves
// scope ownership and access predicates only; the engine evaluation loop
// never touches it.
type Storage interface {
	// Find returns the asset with the given id, or ErrAssetNotFound
	Find(ctx context.Context, assetID string) (*Asset, error)

	// IsUserAsset reports whether the asset is linked to the given user.
	// The rules subsystem itself never filters by user; this is the access
	// predicate the platform's REST layer calls before handing a restricted
	// user's request (geofence lookups, per-asset deployment status) to the
	// service.
	IsUserAsset(ctx context.Context, userID, assetID string) (bool, error)

	// FindTenant returns the tenant for the given realm, or ErrTenantNotFound
	FindTenant(ctx context.Context, realm string) (*Tenant, error)

	// ActiveTenants returns all tenants currently active
	ActiveTenants(ctx context.Context) ([]Tenant, error)
}

// MemoryStorage is an in-memory Storage implementation used by the daemon
// (asset persistence is owned by the wider platform) and by tests.
type MemoryStorage struct {
	mu         sync.RWMutex
	assets     map[string]*Asset
	tenants    map[string]*Tenant
	userAssets map[string]map[string]struct{} // userID -> assetID set
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory asset store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		assets:     make(map[string]*Asset),
		tenants:    make(map[string]*Tenant),
		userAssets: make(map[string]map[string]struct{}),
	}
}

// Find returns the asset with the given id
func (s *MemoryStorage) Find(_ context.Context, assetID string) (*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[assetID]
	if !ok {
		return nil, errors.ErrAssetNotFound
	}
	return a.clone(), nil
}

// IsUserAsset reports whether the asset is linked to the given user
func (s *MemoryStorage) IsUserAsset(_ context.Context, userID, assetID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.userAssets[userID]
	if !ok {
		return false, nil
	}
	_, linked := set[assetID]
	return linked, nil
}

// FindTenant returns the tenant for the given realm
func (s *MemoryStorage) FindTenant(_ context.Context, realm string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[realm]
	if !ok {
		return nil, errors.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

// ActiveTenants returns all active tenants
func (s *MemoryStorage) ActiveTenants(_ context.Context) ([]Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Tenant
	for _, t := range s.tenants {
		if t.Active {
			out = append(out, *t)
		}
	}
	return out, nil
}

// PutTenant inserts or replaces a tenant
func (s *MemoryStorage) PutTenant(t Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.Realm] = &t
}

// PutAsset inserts or replaces an asset
func (s *MemoryStorage) PutAsset(a Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Attributes == nil {
		a.Attributes = make(map[string]Attribute)
	}
	s.assets[a.ID] = &a
}

// RemoveAsset deletes an asset and its user links
func (s *MemoryStorage) RemoveAsset(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assets, assetID)
	for _, set := range s.userAssets {
		delete(set, assetID)
	}
}

// LinkUserAsset links an asset to a user for restricted access checks
func (s *MemoryStorage) LinkUserAsset(userID, assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.userAssets[userID]
	if !ok {
		set = make(map[string]struct{})
		s.userAssets[userID] = set
	}
	set[assetID] = struct{}{}
}

// WriteAttribute updates one attribute value in place, preserving meta
// flags. Missing asset or attribute is reported via the usual sentinels so
// south-bound writes for retired assets surface in logs.
func (s *MemoryStorage) WriteAttribute(ref AttributeRef, value any, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[ref.AssetID]
	if !ok {
		return errors.ErrAssetNotFound
	}
	attr, ok := a.Attributes[ref.AttributeName]
	if !ok {
		return errors.ErrKeyNotFound
	}
	attr.Value = value
	attr.Timestamp = ts
	a.Attributes[ref.AttributeName] = attr
	return nil
}

func (a *Asset) clone() *Asset {
	cp := *a
	cp.Attributes = make(map[string]Attribute, len(a.Attributes))
	for k, v := range a.Attributes {
		cp.Attributes[k] = v
	}
	return &cp
}
