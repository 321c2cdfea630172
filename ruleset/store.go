package ruleset

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ApollusEHS-OSS/openremote/errors"
)

// Store is the durable store of ruleset definitions. Merge is an idempotent
// upsert keyed by id (insert when id is zero); the store is the source of
// truth for ruleset bodies and engines read it only on (re)deploy.
type Store interface {
	// Merge upserts a ruleset, assigning an id on insert, and returns the
	// stored form
	Merge(ctx context.Context, r Ruleset) (Ruleset, error)

	// FindByID returns the ruleset with the given id, or ErrRulesetNotFound
	FindByID(ctx context.Context, id int64) (Ruleset, error)

	// Delete removes the ruleset with the given id; deleting an absent id
	// is not an error
	Delete(ctx context.Context, id int64) error

	// GlobalRulesets lists global-scoped rulesets matching the query
	GlobalRulesets(ctx context.Context, q Query) ([]Ruleset, error)

	// TenantRulesets lists tenant-scoped rulesets for a realm
	TenantRulesets(ctx context.Context, realm string, q Query) ([]Ruleset, error)

	// AssetRulesets lists asset-scoped rulesets; an empty assetID matches
	// every asset
	AssetRulesets(ctx context.Context, assetID string, q Query) ([]Ruleset, error)
}

// MemoryStore is an in-memory Store used in tests and single-node setups
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	rulesets map[int64]Ruleset
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory ruleset store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rulesets: make(map[int64]Ruleset),
		now:      time.Now,
	}
}

// Merge upserts a ruleset, assigning an id on insert
func (s *MemoryStore) Merge(_ context.Context, r Ruleset) (Ruleset, error) {
	if err := r.Validate(); err != nil {
		return Ruleset{}, errors.WrapInvalid(err, "MemoryStore", "Merge", "validate ruleset")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if r.ID == 0 {
		s.seq++
		r.ID = s.seq
		r.CreatedOn = now
	} else if existing, ok := s.rulesets[r.ID]; ok {
		r.CreatedOn = existing.CreatedOn
		r.Version = existing.Version + 1
	} else if r.ID > s.seq {
		// Preserve caller-chosen ids without ever reissuing them
		s.seq = r.ID
	}
	r.LastModified = now

	s.rulesets[r.ID] = r
	return r, nil
}

// FindByID returns the ruleset with the given id
func (s *MemoryStore) FindByID(_ context.Context, id int64) (Ruleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rulesets[id]
	if !ok {
		return Ruleset{}, errors.ErrRulesetNotFound
	}
	return r, nil
}

// Delete removes the ruleset with the given id
func (s *MemoryStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rulesets, id)
	return nil
}

// GlobalRulesets lists global-scoped rulesets
func (s *MemoryStore) GlobalRulesets(_ context.Context, q Query) ([]Ruleset, error) {
	return s.list(func(r Ruleset) bool {
		return r.Scope.Kind == ScopeGlobal
	}, q), nil
}

// TenantRulesets lists tenant-scoped rulesets for a realm
func (s *MemoryStore) TenantRulesets(_ context.Context, realm string, q Query) ([]Ruleset, error) {
	return s.list(func(r Ruleset) bool {
		return r.Scope.Kind == ScopeTenant && r.Scope.Realm == realm
	}, q), nil
}

// AssetRulesets lists asset-scoped rulesets
func (s *MemoryStore) AssetRulesets(_ context.Context, assetID string, q Query) ([]Ruleset, error) {
	return s.list(func(r Ruleset) bool {
		if r.Scope.Kind != ScopeAsset {
			return false
		}
		return assetID == "" || r.Scope.AssetID == assetID
	}, q), nil
}

func (s *MemoryStore) list(match func(Ruleset) bool, q Query) []Ruleset {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Ruleset
	for _, r := range s.rulesets {
		if match(r) && q.matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
