package ruleset

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/pkg/retry"
)

const (
	rulesetKeyPrefix = "rulesets."
	sequenceKey      = "sequence"
)

// KVStore persists rulesets in a NATS JetStream KV bucket. Each ruleset is
// one JSON value under "rulesets.<id>"; id allocation goes through an
// optimistic CAS loop on the "sequence" key.
type KVStore struct {
	bucket jetstream.KeyValue
	retry  retry.Config
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*KVStore)(nil)

// NewKVStore creates a KV-backed ruleset store on the given bucket
func NewKVStore(bucket jetstream.KeyValue) *KVStore {
	return &KVStore{
		bucket: bucket,
		retry:  retry.DefaultConfig(),
		logger: slog.Default().With("component", "ruleset-kvstore"),
		now:    time.Now,
	}
}

// Merge upserts a ruleset, assigning an id on insert
func (s *KVStore) Merge(ctx context.Context, r Ruleset) (Ruleset, error) {
	if err := r.Validate(); err != nil {
		return Ruleset{}, errors.WrapInvalid(err, "KVStore", "Merge", "validate ruleset")
	}

	now := s.now()
	if r.ID == 0 {
		id, err := s.nextID(ctx)
		if err != nil {
			return Ruleset{}, errors.WrapTransient(err, "KVStore", "Merge", "allocate ruleset id")
		}
		r.ID = id
		r.CreatedOn = now
	} else if existing, err := s.FindByID(ctx, r.ID); err == nil {
		r.CreatedOn = existing.CreatedOn
		r.Version = existing.Version + 1
	}
	r.LastModified = now

	data, err := json.Marshal(r)
	if err != nil {
		return Ruleset{}, errors.WrapInvalid(err, "KVStore", "Merge", "encode ruleset")
	}

	if _, err := s.bucket.Put(ctx, rulesetKey(r.ID), data); err != nil {
		return Ruleset{}, errors.WrapTransient(err, "KVStore", "Merge", "write ruleset")
	}

	s.logger.Debug("Ruleset merged", "id", r.ID, "scope", r.Scope.String(), "version", r.Version)
	return r, nil
}

// FindByID returns the ruleset with the given id
func (s *KVStore) FindByID(ctx context.Context, id int64) (Ruleset, error) {
	entry, err := s.bucket.Get(ctx, rulesetKey(id))
	if err != nil {
		if isKeyNotFound(err) {
			return Ruleset{}, errors.ErrRulesetNotFound
		}
		return Ruleset{}, errors.WrapTransient(err, "KVStore", "FindByID", "read ruleset")
	}

	var r Ruleset
	if err := json.Unmarshal(entry.Value(), &r); err != nil {
		return Ruleset{}, errors.WrapInvalid(err, "KVStore", "FindByID", "decode ruleset")
	}
	return r, nil
}

// Delete removes the ruleset with the given id; absent ids are ignored
func (s *KVStore) Delete(ctx context.Context, id int64) error {
	if err := s.bucket.Delete(ctx, rulesetKey(id)); err != nil && !isKeyNotFound(err) {
		return errors.WrapTransient(err, "KVStore", "Delete", "delete ruleset")
	}
	return nil
}

// GlobalRulesets lists global-scoped rulesets
func (s *KVStore) GlobalRulesets(ctx context.Context, q Query) ([]Ruleset, error) {
	return s.scan(ctx, q, func(r Ruleset) bool {
		return r.Scope.Kind == ScopeGlobal
	})
}

// TenantRulesets lists tenant-scoped rulesets for a realm
func (s *KVStore) TenantRulesets(ctx context.Context, realm string, q Query) ([]Ruleset, error) {
	return s.scan(ctx, q, func(r Ruleset) bool {
		return r.Scope.Kind == ScopeTenant && r.Scope.Realm == realm
	})
}

// AssetRulesets lists asset-scoped rulesets
func (s *KVStore) AssetRulesets(ctx context.Context, assetID string, q Query) ([]Ruleset, error) {
	return s.scan(ctx, q, func(r Ruleset) bool {
		if r.Scope.Kind != ScopeAsset {
			return false
		}
		return assetID == "" || r.Scope.AssetID == assetID
	})
}

// nextID allocates the next ruleset id with a CAS loop on the sequence key
func (s *KVStore) nextID(ctx context.Context) (int64, error) {
	var id int64

	err := retry.Do(ctx, s.retry, func() error {
		entry, err := s.bucket.Get(ctx, sequenceKey)
		if err != nil {
			if !isKeyNotFound(err) {
				return err
			}
			if _, err := s.bucket.Create(ctx, sequenceKey, []byte("1")); err != nil {
				// Lost the race to initialize; retry the read
				return errors.ErrRevisionConflict
			}
			id = 1
			return nil
		}

		current, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return retry.NonRetryable(fmt.Errorf("corrupt sequence value %q: %w", entry.Value(), err))
		}

		next := current + 1
		if _, err := s.bucket.Update(ctx, sequenceKey, []byte(strconv.FormatInt(next, 10)), entry.Revision()); err != nil {
			return errors.ErrRevisionConflict
		}
		id = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *KVStore) scan(ctx context.Context, q Query, match func(Ruleset) bool) ([]Ruleset, error) {
	lister, err := s.bucket.ListKeys(ctx)
	if err != nil {
		if isKeyNotFound(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "scan", "list keys")
	}

	var ids []int64
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, rulesetKeyPrefix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(key, rulesetKeyPrefix), 10, 64)
		if err != nil {
			s.logger.Warn("Skipping malformed ruleset key", "key", key)
			continue
		}
		ids = append(ids, id)
	}

	// Stable listing order: ascending id, matching engine evaluation order
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []Ruleset
	for _, id := range ids {
		r, err := s.FindByID(ctx, id)
		if err != nil {
			if errors.IsInvalid(err) {
				s.logger.Warn("Skipping undecodable ruleset", "id", id, "error", err)
				continue
			}
			return nil, err
		}
		if match(r) && q.matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func rulesetKey(id int64) string {
	return rulesetKeyPrefix + strconv.FormatInt(id, 10)
}

func isKeyNotFound(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrNoKeysFound) {
		return true
	}
	// Raw NATS errors observed from older servers
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "no keys found")
}
