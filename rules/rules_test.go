package rules

import (
	"fmt"
	"sync"

	"github.com/ApollusEHS-OSS/openremote/asset"
	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/facts"
	"github.com/ApollusEHS-OSS/openremote/rulelang"
	"github.com/ApollusEHS-OSS/openremote/ruleset"
)

// testLang is a stub rule language whose compiler resolves rule factories
// registered by the test, letting tests inject counting and raising rules
// without touching a real language backend
const testLang ruleset.Lang = "test"

type testCompiler struct {
	mu        sync.Mutex
	factories map[string]func() []rulelang.Rule // keyed by ruleset source
}

func newTestCompiler() *testCompiler {
	return &testCompiler{factories: make(map[string]func() []rulelang.Rule)}
}

func (c *testCompiler) register(source string, factory func() []rulelang.Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[source] = factory
}

func (c *testCompiler) Lang() ruleset.Lang { return testLang }

func (c *testCompiler) Compile(rs ruleset.Ruleset) (rulelang.CompiledRuleset, error) {
	c.mu.Lock()
	factory, ok := c.factories[rs.Rules]
	c.mu.Unlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unknown source %q", errors.ErrCompilationFailed, rs.Rules),
			"testCompiler", "Compile", "resolve factory")
	}
	return &testCompiled{rules: factory()}, nil
}

type testCompiled struct {
	rules []rulelang.Rule
}

func (c *testCompiled) Rules() []rulelang.Rule { return c.rules }

type testRule struct {
	name string
	fn   func(*facts.Snapshot) (*rulelang.Actions, error)
}

func (r *testRule) Name() string { return r.name }

func (r *testRule) Evaluate(s *facts.Snapshot) (*rulelang.Actions, error) {
	return r.fn(s)
}

// countingRule counts its evaluations and optionally reports firings
type countingRule struct {
	name  string
	mu    sync.Mutex
	count int
	fire  func(*facts.Snapshot) *rulelang.Actions
}

func (r *countingRule) Name() string { return r.name }

func (r *countingRule) Evaluate(s *facts.Snapshot) (*rulelang.Actions, error) {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	if r.fire == nil {
		return nil, nil
	}
	return r.fire(s), nil
}

func (r *countingRule) evaluations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// raisingRule raises on every evaluation
type raisingRule struct {
	name string
	mu   sync.Mutex
	runs int
}

func (r *raisingRule) Name() string { return r.name }

func (r *raisingRule) Evaluate(*facts.Snapshot) (*rulelang.Actions, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	return nil, errors.ErrExecutionFailed
}

func (r *raisingRule) evaluations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// recordingSink collects dispatched action batches
type recordingSink struct {
	mu      sync.Mutex
	batches []*rulelang.Actions
}

func (s *recordingSink) DispatchActions(_ string, actions *rulelang.Actions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, actions)
}

func (s *recordingSink) writes() []asset.AttributeWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []asset.AttributeWrite
	for _, b := range s.batches {
		out = append(out, b.AttributeWrites...)
	}
	return out
}

// recordingPublisher captures everything the service publishes
type recordingPublisher struct {
	mu            sync.Mutex
	events        []asset.AttributeEvent
	notifications []rulelang.Notification
}

func (p *recordingPublisher) PublishAttributeEvent(ev asset.AttributeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) PublishNotification(n rulelang.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifications = append(p.notifications, n)
	return nil
}

func (p *recordingPublisher) attributeEvents() []asset.AttributeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]asset.AttributeEvent, len(p.events))
	copy(out, p.events)
	return out
}

func (p *recordingPublisher) notificationNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, n := range p.notifications {
		out = append(out, n.Name)
	}
	return out
}
