package rules

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ApollusEHS-OSS/openremote/asset"
	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/facts"
	"github.com/ApollusEHS-OSS/openremote/rulelang"
	"github.com/ApollusEHS-OSS/openremote/ruleset"
)

func newTestEngine(t *testing.T, compiler *testCompiler, sink ActionSink) *Engine {
	t.Helper()
	e := NewEngine(EngineConfig{
		Scope:     ruleset.GlobalScope(),
		Compilers: rulelang.NewRegistry(compiler),
		Sink:      sink,
	})
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func testRuleset(id int64, source string) ruleset.Ruleset {
	return ruleset.Ruleset{
		ID:      id,
		Name:    "rs-" + source,
		Scope:   ruleset.GlobalScope(),
		Lang:    testLang,
		Rules:   source,
		Enabled: true,
	}
}

func TestEngineLifecycle(t *testing.T) {
	e := NewEngine(EngineConfig{
		Scope:     ruleset.GlobalScope(),
		Compilers: rulelang.NewRegistry(newTestCompiler()),
	})

	require.NoError(t, e.Start())
	assert.Error(t, e.Start())
	require.NoError(t, e.Stop())
	assert.Error(t, e.Stop())
	assert.Error(t, e.Start())
}

func TestEngineEmptyInfo(t *testing.T) {
	e := newTestEngine(t, newTestCompiler(), nil)

	info := e.Info()
	assert.Equal(t, StatusEmpty, info.Status)
	assert.Equal(t, 0, info.Deployments)
}

func TestDeployStatuses(t *testing.T) {
	compiler := newTestCompiler()
	compiler.register("ok", func() []rulelang.Rule {
		return []rulelang.Rule{&countingRule{name: "noop"}}
	})
	e := newTestEngine(t, compiler, nil)

	// Compiles clean
	info := e.Deploy(testRuleset(1, "ok"))
	assert.Equal(t, StatusReady, info.Status)

	// Unknown source fails to compile; the deployment holds the error
	info = e.Deploy(testRuleset(2, "broken"))
	assert.Equal(t, StatusCompilationError, info.Status)
	assert.NotEmpty(t, info.Error)

	// Disabled rulesets deploy without compiling
	disabled := testRuleset(3, "broken")
	disabled.Enabled = false
	info = e.Deploy(disabled)
	assert.Equal(t, StatusDisabled, info.Status)
	assert.Empty(t, info.Error)

	// Engine health is the worst deployment status
	engineInfo := e.Info()
	assert.Equal(t, StatusCompilationError, engineInfo.Status)
	assert.Equal(t, 3, engineInfo.Deployments)
	assert.Equal(t, 1, engineInfo.CompilationErrorCount)

	// Per-deployment lookups
	d, err := e.DeploymentStatus(1)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, d.Status)

	_, err = e.DeploymentStatus(99)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRulesetNotFound)

	// Listing is in ascending ruleset-id order
	deployments := e.Deployments()
	require.Len(t, deployments, 3)
	assert.Equal(t, int64(1), deployments[0].RulesetID)
	assert.Equal(t, int64(3), deployments[2].RulesetID)
}

func TestUndeploy(t *testing.T) {
	compiler := newTestCompiler()
	compiler.register("ok", func() []rulelang.Rule {
		return []rulelang.Rule{&countingRule{name: "noop"}}
	})
	e := newTestEngine(t, compiler, nil)

	e.Deploy(testRuleset(1, "ok"))
	assert.True(t, e.Undeploy(1))
	assert.False(t, e.Undeploy(1))

	assert.Equal(t, StatusEmpty, e.Info().Status)
}

func TestIngestUpdatesFactsAndFiresOnce(t *testing.T) {
	ref := asset.AttributeRef{AssetID: "apartment1", AttributeName: "presenceDetected"}

	fired := &countingRule{
		name: "presence",
		fire: func(s *facts.Snapshot) *rulelang.Actions {
			v, ok := s.StateValue(ref.AssetID, ref.AttributeName)
			if !ok || v != true {
				return nil
			}
			return &rulelang.Actions{
				AttributeWrites: []asset.AttributeWrite{{
					Ref:   asset.AttributeRef{AssetID: "apartment1", AttributeName: "alarm"},
					Value: true,
				}},
			}
		},
	}
	compiler := newTestCompiler()
	compiler.register("presence", func() []rulelang.Rule { return []rulelang.Rule{fired} })

	sink := &recordingSink{}
	e := newTestEngine(t, compiler, sink)
	e.Deploy(testRuleset(1, "presence"))

	require.NoError(t, e.Ingest(Event{
		AttributeEvent: asset.AttributeEvent{Ref: ref, Value: true, Timestamp: time.Now()},
		State:          true,
	}))

	require.Eventually(t, func() bool {
		return len(sink.writes()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	write := sink.writes()[0]
	assert.Equal(t, "alarm", write.Ref.AttributeName)
	assert.Equal(t, true, write.Value)

	// No further events, no further firings
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.writes(), 1)

	states, _ := e.FactCounts()
	assert.Equal(t, 1, states)
}

// A deploy immediately followed by an ingest leaves both a wake-up and a
// queued event pending. The engine must cover both with a single pass, so
// the rule's actions go out exactly once.
func TestDeployAndIngestCoalesceIntoOnePass(t *testing.T) {
	ref := asset.AttributeRef{AssetID: "apartment1", AttributeName: "presenceDetected"}
	rule := &countingRule{
		name: "presence",
		fire: func(s *facts.Snapshot) *rulelang.Actions {
			v, ok := s.StateValue(ref.AssetID, ref.AttributeName)
			if !ok || v != true {
				return nil
			}
			return &rulelang.Actions{Notifications: []rulelang.Notification{{Name: "presence"}}}
		},
	}
	compiler := newTestCompiler()
	compiler.register("presence", func() []rulelang.Rule { return []rulelang.Rule{rule} })

	sink := &recordingSink{}
	e := NewEngine(EngineConfig{
		Scope:     ruleset.GlobalScope(),
		Compilers: rulelang.NewRegistry(compiler),
		Sink:      sink,
	})

	// Deploy and ingest before the evaluation goroutine runs: when it
	// starts, the wake-up and the event are both pending at once
	e.Deploy(testRuleset(1, "presence"))
	require.NoError(t, e.Ingest(Event{
		AttributeEvent: asset.AttributeEvent{Ref: ref, Value: true, Timestamp: time.Now()},
		State:          true,
	}))

	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Stop() })

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.batches) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	sink.mu.Lock()
	batches := len(sink.batches)
	sink.mu.Unlock()
	assert.Equal(t, 1, batches)
	assert.Equal(t, 1, rule.evaluations())
}

// A rule whose condition keeps holding across passes dispatches once. The
// latch releases when a pass sees the condition clear, after which the rule
// may fire again.
func TestRuleFiresOncePerConditionEpisode(t *testing.T) {
	ref := asset.AttributeRef{AssetID: "apartment1", AttributeName: "presenceDetected"}
	other := asset.AttributeRef{AssetID: "apartment1", AttributeName: "co2"}
	rule := &countingRule{
		name: "presence",
		fire: func(s *facts.Snapshot) *rulelang.Actions {
			v, ok := s.StateValue(ref.AssetID, ref.AttributeName)
			if !ok || v != true {
				return nil
			}
			return &rulelang.Actions{Notifications: []rulelang.Notification{{Name: "presence"}}}
		},
	}
	compiler := newTestCompiler()
	compiler.register("presence", func() []rulelang.Rule { return []rulelang.Rule{rule} })

	sink := &recordingSink{}
	e := newTestEngine(t, compiler, sink)
	e.Deploy(testRuleset(1, "presence"))

	send := func(r asset.AttributeRef, v any) {
		require.NoError(t, e.Ingest(Event{
			AttributeEvent: asset.AttributeEvent{Ref: r, Value: v, Timestamp: time.Now()},
			State:          true,
		}))
	}
	batches := func() int {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.batches)
	}

	send(ref, true)
	require.Eventually(t, func() bool { return batches() == 1 }, 2*time.Second, 10*time.Millisecond)

	// An unrelated change triggers another pass; the presence fact still
	// holds but the rule stays latched
	evalsBefore := rule.evaluations()
	send(other, 400)
	require.Eventually(t, func() bool {
		return rule.evaluations() > evalsBefore
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, batches())

	// Presence clears, then returns: a fresh episode fires again. The
	// clearing pass must be observed first, or both updates would fold
	// into one batch that never shows the rule its condition clearing.
	evalsBefore = rule.evaluations()
	send(ref, false)
	require.Eventually(t, func() bool {
		return rule.evaluations() > evalsBefore
	}, 2*time.Second, 10*time.Millisecond)

	send(ref, true)
	require.Eventually(t, func() bool { return batches() == 2 }, 2*time.Second, 10*time.Millisecond)
}

// Continuous rulesets re-fire on every matching pass instead of latching
func TestContinuousRulesetFiresEveryPass(t *testing.T) {
	ref := asset.AttributeRef{AssetID: "boiler", AttributeName: "temperature"}
	rule := &countingRule{
		name: "overheat",
		fire: func(s *facts.Snapshot) *rulelang.Actions {
			if _, ok := s.StateValue(ref.AssetID, ref.AttributeName); !ok {
				return nil
			}
			return &rulelang.Actions{Notifications: []rulelang.Notification{{Name: "overheat"}}}
		},
	}
	compiler := newTestCompiler()
	compiler.register("overheat", func() []rulelang.Rule { return []rulelang.Rule{rule} })

	sink := &recordingSink{}
	e := NewEngine(EngineConfig{
		Scope:        ruleset.TenantScope("master"),
		Compilers:    rulelang.NewRegistry(compiler),
		Sink:         sink,
		TickInterval: 20 * time.Millisecond,
	})
	require.NoError(t, e.Start())
	t.Cleanup(func() { _ = e.Stop() })

	rs := testRuleset(1, "overheat")
	rs.Scope = ruleset.TenantScope("master")
	rs.Continuous = true
	e.Deploy(rs)

	require.NoError(t, e.Ingest(Event{
		AttributeEvent: asset.AttributeEvent{Ref: ref, Value: 95, Timestamp: time.Now()},
		State:          true,
	}))

	// The ticker keeps re-evaluating and each matching pass dispatches
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.batches) >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

// Deployment swaps are atomic with respect to evaluation: under heavy
// redeploy and undeploy churn, no pass may ever evaluate rules from two
// generations of the same ruleset.
func TestDeploymentChurnKeepsPassesConsistent(t *testing.T) {
	const generations = 50

	type pairing struct{ opened, closed int }
	var mu sync.Mutex
	var observed []pairing
	current := -1

	compiler := newTestCompiler()
	for gen := 0; gen < generations; gen++ {
		gen := gen
		compiler.register(fmt.Sprintf("gen-%d", gen), func() []rulelang.Rule {
			return []rulelang.Rule{
				&testRule{name: "opens", fn: func(*facts.Snapshot) (*rulelang.Actions, error) {
					mu.Lock()
					current = gen
					mu.Unlock()
					return nil, nil
				}},
				&testRule{name: "closes", fn: func(*facts.Snapshot) (*rulelang.Actions, error) {
					mu.Lock()
					observed = append(observed, pairing{opened: current, closed: gen})
					mu.Unlock()
					return nil, nil
				}},
			}
		})
	}

	e := newTestEngine(t, compiler, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for gen := 0; gen < generations; gen++ {
			e.Deploy(testRuleset(1, fmt.Sprintf("gen-%d", gen)))
			if gen%7 == 0 {
				e.Undeploy(1)
			}
		}
	}()
	go func() {
		defer wg.Done()
		ref := asset.AttributeRef{AssetID: "a", AttributeName: "x"}
		for i := 0; i < 200; i++ {
			_ = e.Ingest(Event{
				AttributeEvent: asset.AttributeEvent{Ref: ref, Value: i, Timestamp: time.Now()},
				State:          true,
			})
		}
	}()
	wg.Wait()

	// Settle so in-flight passes finish, then check every observed pass
	// saw a single generation end to end
	e.Deploy(testRuleset(1, fmt.Sprintf("gen-%d", generations-1)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) > 0
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Stop())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, observed)
	for _, p := range observed {
		assert.Equal(t, p.opened, p.closed)
	}
}

func TestRuleFailureIsolation(t *testing.T) {
	raising := &raisingRule{name: "raising"}
	healthy := &countingRule{name: "healthy"}
	compiler := newTestCompiler()
	compiler.register("mixed", func() []rulelang.Rule {
		return []rulelang.Rule{raising, healthy}
	})

	e := newTestEngine(t, compiler, nil)
	e.Deploy(testRuleset(1, "mixed"))

	ref := asset.AttributeRef{AssetID: "a", AttributeName: "x"}
	send := func(v int) {
		require.NoError(t, e.Ingest(Event{
			AttributeEvent: asset.AttributeEvent{Ref: ref, Value: v, Timestamp: time.Now()},
			State:          true,
		}))
	}

	send(1)
	require.Eventually(t, func() bool { return healthy.evaluations() >= 1 }, 2*time.Second, 10*time.Millisecond)

	// The raising rule degraded its deployment but the healthy rule in the
	// same ruleset keeps evaluating
	info, err := e.DeploymentStatus(1)
	require.NoError(t, err)
	assert.Equal(t, StatusExecutionError, info.Status)
	assert.Contains(t, info.FailedRules, "raising")

	healthyBefore := healthy.evaluations()
	send(2)
	require.Eventually(t, func() bool {
		return healthy.evaluations() > healthyBefore
	}, 2*time.Second, 10*time.Millisecond)

	// The failed rule ran exactly once and is skipped thereafter
	assert.Equal(t, 1, raising.evaluations())
	assert.Equal(t, StatusExecutionError, e.Info().Status)
	assert.Equal(t, 1, e.Info().ExecutionErrorCount)
}

func TestRedeployResetsErrorState(t *testing.T) {
	raising := &raisingRule{name: "raising"}
	compiler := newTestCompiler()
	compiler.register("bad", func() []rulelang.Rule { return []rulelang.Rule{raising} })
	compiler.register("good", func() []rulelang.Rule {
		return []rulelang.Rule{&countingRule{name: "noop"}}
	})

	e := newTestEngine(t, compiler, nil)
	e.Deploy(testRuleset(1, "bad"))

	require.NoError(t, e.Ingest(Event{
		AttributeEvent: asset.AttributeEvent{
			Ref:       asset.AttributeRef{AssetID: "a", AttributeName: "x"},
			Value:     1,
			Timestamp: time.Now(),
		},
		State: true,
	}))
	require.Eventually(t, func() bool {
		return e.Info().Status == StatusExecutionError
	}, 2*time.Second, 10*time.Millisecond)

	// Redeploying the same id swaps in a fresh deployment with clean
	// counters and no failed-rule memory
	info := e.Deploy(testRuleset(1, "good"))
	assert.Equal(t, StatusReady, info.Status)
	assert.Equal(t, StatusReady, e.Info().Status)
	assert.Equal(t, 0, e.Info().ExecutionErrorCount)
}

func TestIngestQueueFull(t *testing.T) {
	e := NewEngine(EngineConfig{
		Scope:     ruleset.GlobalScope(),
		Compilers: rulelang.NewRegistry(newTestCompiler()),
		QueueSize: 1,
	})
	// Not started: nothing drains the queue

	ev := Event{
		AttributeEvent: asset.AttributeEvent{
			Ref:   asset.AttributeRef{AssetID: "a", AttributeName: "x"},
			Value: 1,
		},
		State: true,
	}
	require.NoError(t, e.Ingest(ev))

	err := e.Ingest(ev)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	assert.True(t, errors.IsTransient(err))
}

func TestEventFactDrivenRule(t *testing.T) {
	ref := asset.AttributeRef{AssetID: "hall", AttributeName: "motion"}

	rule := &countingRule{
		name: "motion window",
		fire: func(s *facts.Snapshot) *rulelang.Actions {
			if len(s.EventsFor(ref)) == 0 {
				return nil
			}
			return &rulelang.Actions{Notifications: []rulelang.Notification{{Name: "motion"}}}
		},
	}
	compiler := newTestCompiler()
	compiler.register("motion", func() []rulelang.Rule { return []rulelang.Rule{rule} })

	sink := &recordingSink{}
	e := newTestEngine(t, compiler, sink)
	e.Deploy(testRuleset(1, "motion"))

	require.NoError(t, e.Ingest(Event{
		AttributeEvent: asset.AttributeEvent{Ref: ref, Value: true, Timestamp: time.Now()},
		InsertEvent:    true,
	}))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.batches) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, events := e.FactCounts()
	assert.Equal(t, 1, events)
}

func TestDeletedEventRetractsState(t *testing.T) {
	compiler := newTestCompiler()
	compiler.register("ok", func() []rulelang.Rule {
		return []rulelang.Rule{&countingRule{name: "noop"}}
	})
	e := newTestEngine(t, compiler, nil)
	e.Deploy(testRuleset(1, "ok"))

	ref := asset.AttributeRef{AssetID: "a", AttributeName: "x"}
	require.NoError(t, e.Ingest(Event{
		AttributeEvent: asset.AttributeEvent{Ref: ref, Value: 1, Timestamp: time.Now()},
		State:          true,
	}))
	require.Eventually(t, func() bool {
		states, _ := e.FactCounts()
		return states == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Ingest(Event{
		AttributeEvent: asset.AttributeEvent{Ref: ref, Deleted: true},
	}))
	require.Eventually(t, func() bool {
		states, _ := e.FactCounts()
		return states == 0
	}, 2*time.Second, 10*time.Millisecond)
}
