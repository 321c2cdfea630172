package ruleset

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ApollusEHS-OSS/openremote/errors"
)

func testRuleset(name string, scope Scope) Ruleset {
	return Ruleset{
		Name:    name,
		Scope:   scope,
		Lang:    LangJSON,
		Rules:   `{"rules":[]}`,
		Enabled: true,
	}
}

func TestMemoryStoreMergeAssignsIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Merge(ctx, testRuleset("one", GlobalScope()))
	require.NoError(t, err)
	second, err := s.Merge(ctx, testRuleset("two", GlobalScope()))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.False(t, first.CreatedOn.IsZero())
	assert.False(t, first.LastModified.IsZero())
}

func TestMemoryStoreMergeIsUpsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	stored, err := s.Merge(ctx, testRuleset("presence", TenantScope("customerA")))
	require.NoError(t, err)

	stored.Rules = `{"rules":[{"name":"updated"}]}`
	updated, err := s.Merge(ctx, stored)
	require.NoError(t, err)

	assert.Equal(t, stored.ID, updated.ID)
	assert.Equal(t, stored.CreatedOn, updated.CreatedOn)
	assert.Equal(t, stored.Version+1, updated.Version)

	found, err := s.FindByID(ctx, stored.ID)
	require.NoError(t, err)
	assert.Contains(t, found.Rules, "updated")
}

func TestMemoryStoreMergeRejectsInvalid(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Merge(context.Background(), Ruleset{Name: "nameless scope"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMemoryStoreFindAndDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.FindByID(ctx, 42)
	assert.ErrorIs(t, err, errors.ErrRulesetNotFound)

	stored, err := s.Merge(ctx, testRuleset("doomed", GlobalScope()))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, stored.ID))
	_, err = s.FindByID(ctx, stored.ID)
	assert.ErrorIs(t, err, errors.ErrRulesetNotFound)

	// Deleting an absent id is not an error
	assert.NoError(t, s.Delete(ctx, 999))
}

func TestMemoryStoreListings(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	mustMerge := func(r Ruleset) Ruleset {
		stored, err := s.Merge(ctx, r)
		require.NoError(t, err)
		return stored
	}

	mustMerge(testRuleset("g1", GlobalScope()))
	mustMerge(testRuleset("tA", TenantScope("customerA")))
	mustMerge(testRuleset("tB", TenantScope("customerB")))
	mustMerge(testRuleset("a1", AssetScope("apartment-1")))
	a2 := testRuleset("a2-disabled", AssetScope("apartment-2"))
	a2.Enabled = false
	mustMerge(a2)

	global, err := s.GlobalRulesets(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, "g1", global[0].Name)

	tenantA, err := s.TenantRulesets(ctx, "customerA", Query{})
	require.NoError(t, err)
	require.Len(t, tenantA, 1)
	assert.Equal(t, "tA", tenantA[0].Name)

	allAssets, err := s.AssetRulesets(ctx, "", Query{})
	require.NoError(t, err)
	assert.Len(t, allAssets, 2)

	enabledAssets, err := s.AssetRulesets(ctx, "", Query{EnabledOnly: true})
	require.NoError(t, err)
	require.Len(t, enabledAssets, 1)
	assert.Equal(t, "a1", enabledAssets[0].Name)

	one, err := s.AssetRulesets(ctx, "apartment-2", Query{})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "a2-disabled", one[0].Name)
}

func TestMemoryStoreListingOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, name := range []string{"c", "a", "b"} {
		_, err := s.Merge(ctx, testRuleset(name, GlobalScope()))
		require.NoError(t, err)
	}

	listed, err := s.GlobalRulesets(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, listed, 3)
	// Ascending id order regardless of insertion names
	assert.Equal(t, int64(1), listed[0].ID)
	assert.Equal(t, int64(2), listed[1].ID)
	assert.Equal(t, int64(3), listed[2].ID)
}
