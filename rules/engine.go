package rules

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ApollusEHS-OSS/openremote/asset"
	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/facts"
	"github.com/ApollusEHS-OSS/openremote/geofence"
	"github.com/ApollusEHS-OSS/openremote/metric"
	"github.com/ApollusEHS-OSS/openremote/rulelang"
	"github.com/ApollusEHS-OSS/openremote/ruleset"
)

const (
	defaultQueueSize    = 1024
	defaultTickInterval = 10 * time.Second
)

// Event is one attribute change entering an engine, annotated with the fact
// lifecycle the attribute's meta flags request
type Event struct {
	asset.AttributeEvent

	// State maintains the attribute's state fact
	State bool
	// InsertEvent additionally inserts an expiring event fact
	InsertEvent bool
	// EventExpiration is the requested event window; it is clamped to the
	// engine's guaranteed minimum
	EventExpiration time.Duration
}

// ActionSink receives the merged actions of one evaluation pass. Dispatch
// must not block: south-bound writes re-enter through the ingestion funnel
// asynchronously, never recursing into evaluation.
type ActionSink interface {
	DispatchActions(engine string, actions *rulelang.Actions)
}

// EngineConfig configures one engine
type EngineConfig struct {
	Scope     ruleset.Scope
	Compilers *rulelang.Registry
	Sink      ActionSink
	Metrics   *metric.Metrics

	// QueueSize bounds the ingestion queue; a full queue rejects events
	// with ErrQueueFull instead of blocking the caller
	QueueSize int
	// TickInterval drives event fact expiration and continuous ruleset
	// re-evaluation
	TickInterval time.Duration
	// MinEventExpiration is the guaranteed minimum event fact window;
	// zero means facts.DefaultMinExpiration
	MinEventExpiration time.Duration
}

// Engine evaluates the ruleset deployments of one scope against its own
// fact memory. All fact mutation and rule evaluation happens on a single
// goroutine; deployment changes swap atomically under the engine mutex and
// take effect at the next pass.
type Engine struct {
	scope     ruleset.Scope
	name      string
	compilers *rulelang.Registry
	sink      ActionSink
	metrics   *metric.Metrics
	logger    *slog.Logger

	memory *facts.Memory
	tick   time.Duration

	queue chan Event
	kick  chan struct{}
	stop  chan struct{}
	done  chan struct{}

	mu          sync.RWMutex
	started     bool
	stopped     bool
	deployments map[int64]*Deployment
}

// NewEngine creates an engine for the given scope. Start must be called
// before events are ingested.
func NewEngine(cfg EngineConfig) *Engine {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	minExpiration := cfg.MinEventExpiration
	if minExpiration <= 0 {
		minExpiration = facts.DefaultMinExpiration
	}

	name := cfg.Scope.String()
	return &Engine{
		scope:       cfg.Scope,
		name:        name,
		compilers:   cfg.Compilers,
		sink:        cfg.Sink,
		metrics:     cfg.Metrics,
		logger:      slog.Default().With("component", "Engine", "engine", name),
		memory:      facts.NewMemory(minExpiration),
		tick:        tick,
		queue:       make(chan Event, queueSize),
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		deployments: make(map[int64]*Deployment),
	}
}

// Scope returns the engine's scope
func (e *Engine) Scope() ruleset.Scope {
	return e.scope
}

// Start launches the evaluation goroutine
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started || e.stopped {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "start engine")
	}
	e.started = true

	go e.run()
	e.logger.Info("engine started")
	return nil
}

// Stop terminates the evaluation goroutine and waits for it to drain
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "Engine", "Stop", "stop engine")
	}
	e.started = false
	e.stopped = true
	e.mu.Unlock()

	close(e.stop)
	<-e.done
	e.logger.Info("engine stopped")
	return nil
}

// Deploy compiles the ruleset and swaps its deployment into the engine. A
// redeploy of the same id replaces the previous generation atomically; the
// new deployment takes effect at the next evaluation pass with fresh error
// counters.
func (e *Engine) Deploy(rs ruleset.Ruleset) DeploymentInfo {
	d := newDeployment(rs, e.compilers)

	e.mu.Lock()
	e.deployments[rs.ID] = d
	count := len(e.deployments)
	info := d.info()
	e.mu.Unlock()

	switch info.Status {
	case StatusCompilationError:
		e.logger.Error("ruleset compilation failed",
			"ruleset", rs.ID, "name", rs.Name, "error", info.Error)
		if e.metrics != nil {
			e.metrics.RecordCompilationError(e.name)
		}
	case StatusDisabled:
		e.logger.Info("ruleset deployed disabled", "ruleset", rs.ID, "name", rs.Name)
	default:
		e.logger.Info("ruleset deployed", "ruleset", rs.ID, "name", rs.Name, "version", rs.Version)
	}

	if e.metrics != nil {
		e.metrics.RecordEngineDeployments(e.name, count)
	}
	e.recordStatus()
	e.wake()
	return info
}

// Undeploy removes the ruleset's deployment. Removing an unknown id is a
// no-op.
func (e *Engine) Undeploy(rulesetID int64) bool {
	e.mu.Lock()
	_, ok := e.deployments[rulesetID]
	delete(e.deployments, rulesetID)
	count := len(e.deployments)
	e.mu.Unlock()

	if ok {
		e.logger.Info("ruleset undeployed", "ruleset", rulesetID)
		if e.metrics != nil {
			e.metrics.RecordEngineDeployments(e.name, count)
		}
		e.recordStatus()
		e.wake()
	}
	return ok
}

// Ingest queues one event for the evaluation goroutine. A full queue
// returns ErrQueueFull without blocking.
func (e *Engine) Ingest(ev Event) error {
	select {
	case e.queue <- ev:
		return nil
	default:
		if e.metrics != nil {
			e.metrics.RecordEventDropped(e.name)
		}
		return errors.WrapTransient(
			fmt.Errorf("%w: engine %s", errors.ErrQueueFull, e.name),
			"Engine", "Ingest", "queue event")
	}
}

// Info returns the engine's aggregated health: the worst deployment status
// plus total error counts. An engine with no deployments reports empty.
func (e *Engine) Info() EngineInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	info := EngineInfo{
		Scope:       e.scope,
		Deployments: len(e.deployments),
	}
	statuses := make([]Status, 0, len(e.deployments))
	for _, d := range e.deployments {
		statuses = append(statuses, d.status)
		info.CompilationErrorCount += d.compilationErrors
		info.ExecutionErrorCount += d.executionErrors
	}
	info.Status = WorstOf(statuses)
	return info
}

// DeploymentStatus returns the state of one deployment
func (e *Engine) DeploymentStatus(rulesetID int64) (DeploymentInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d, ok := e.deployments[rulesetID]
	if !ok {
		return DeploymentInfo{}, errors.WrapInvalid(
			fmt.Errorf("%w: id %d", errors.ErrRulesetNotFound, rulesetID),
			"Engine", "DeploymentStatus", "find deployment")
	}
	return d.info(), nil
}

// Deployments lists all deployments in ascending ruleset-id order
func (e *Engine) Deployments() []DeploymentInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]DeploymentInfo, 0, len(e.deployments))
	for _, d := range e.deployments {
		out = append(out, d.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RulesetID < out[j].RulesetID })
	return out
}

// Geofences collects the geofence definitions the engine's deployed
// rulesets declare for the asset. Disabled and broken deployments
// contribute nothing.
func (e *Engine) Geofences(assetID string) []geofence.Definition {
	e.mu.RLock()
	deps := e.sortedDeployments()
	e.mu.RUnlock()

	var out []geofence.Definition
	for _, d := range deps {
		if !d.evaluable() || d.compiled == nil {
			continue
		}
		provider, ok := d.compiled.(rulelang.GeofenceProvider)
		if !ok {
			continue
		}
		out = append(out, provider.Geofences(assetID)...)
	}
	return out
}

// FactCounts returns the working memory population
func (e *Engine) FactCounts() (states, events int) {
	return e.memory.Counts()
}

// wake schedules an evaluation pass outside the event path
func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// sortedDeployments returns the deployments in ascending ruleset-id order.
// Caller holds at least the read lock.
func (e *Engine) sortedDeployments() []*Deployment {
	out := make([]*Deployment, 0, len(e.deployments))
	for _, d := range e.deployments {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ruleset.ID < out[j].ruleset.ID })
	return out
}

func (e *Engine) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case ev := <-e.queue:
			e.apply(ev)
			e.drainQueue()
			// A kick raised while the batch accumulated is covered by
			// this pass; absorb it so it cannot trigger a second one
			select {
			case <-e.kick:
			default:
			}
			e.evaluate()
		case <-e.kick:
			e.drainQueue()
			e.evaluate()
		case <-ticker.C:
			expired := e.memory.ExpireEvents(time.Now())
			if expired > 0 || e.hasContinuous() {
				e.evaluate()
			}
		}
	}
}

// drainQueue folds every already-queued event into working memory so one
// pass covers the batch
func (e *Engine) drainQueue() {
	for n := len(e.queue); n > 0; n-- {
		e.apply(<-e.queue)
	}
}

// apply folds one event into working memory
func (e *Engine) apply(ev Event) {
	if ev.Deleted {
		if ev.Ref.AttributeName == "" {
			removed := e.memory.RemoveAsset(ev.Ref.AssetID)
			e.logger.Debug("asset facts retracted", "asset", ev.Ref.AssetID, "count", removed)
		} else {
			e.memory.RemoveState(ev.Ref)
		}
		return
	}

	if ev.State {
		e.memory.UpsertState(ev.Ref, ev.Value, ev.Timestamp)
	}
	if ev.InsertEvent {
		e.memory.InsertEvent(ev.Ref, ev.Value, ev.Timestamp, ev.EventExpiration)
	}
}

// evaluate runs one pass: expire events, snapshot memory, evaluate every
// runnable deployment in ascending ruleset-id order, then hand the merged
// actions to the sink
func (e *Engine) evaluate() {
	passStart := time.Now()
	e.memory.ExpireEvents(passStart)
	snapshot := e.memory.Snapshot()

	e.mu.RLock()
	deps := e.sortedDeployments()
	e.mu.RUnlock()

	actions := &rulelang.Actions{}
	for _, d := range deps {
		e.evaluateDeployment(d, snapshot, actions)
	}

	if !actions.Empty() && e.sink != nil {
		e.sink.DispatchActions(e.name, actions)
	}

	if e.metrics != nil {
		e.metrics.RecordEvaluation(e.name, time.Since(passStart))
		states, events := e.memory.Counts()
		e.metrics.RecordFactCounts(e.name, states, events)
	}
	e.recordStatus()
}

func (e *Engine) evaluateDeployment(d *Deployment, snapshot *facts.Snapshot, actions *rulelang.Actions) {
	e.mu.RLock()
	runnable := d.evaluable()
	e.mu.RUnlock()
	if !runnable || d.compiled == nil {
		return
	}

	for _, rule := range d.compiled.Rules() {
		e.mu.RLock()
		_, failed := d.failedRules[rule.Name()]
		e.mu.RUnlock()
		if failed {
			continue
		}

		acts, err := rule.Evaluate(snapshot)
		if err != nil {
			e.mu.Lock()
			d.markRuleFailed(rule.Name(), err.Error())
			e.mu.Unlock()

			e.logger.Error("rule execution failed",
				"ruleset", d.ruleset.ID, "rule", rule.Name(), "error", err)
			if e.metrics != nil {
				e.metrics.RecordExecutionError(e.name)
			}
			continue
		}
		if acts == nil {
			if !d.ruleset.Continuous {
				// Condition cleared; the rule may fire again
				e.mu.Lock()
				delete(d.firedRules, rule.Name())
				e.mu.Unlock()
			}
			continue
		}

		if !d.ruleset.Continuous {
			e.mu.Lock()
			_, fired := d.firedRules[rule.Name()]
			if !fired {
				d.firedRules[rule.Name()] = struct{}{}
			}
			e.mu.Unlock()
			if fired {
				// Still latched from an earlier pass; the matching facts
				// have not cleared, so the actions already went out
				continue
			}
		}

		e.logger.Debug("rule fired", "ruleset", d.ruleset.ID, "rule", rule.Name())
		if e.metrics != nil {
			e.metrics.RecordRuleFired(e.name, fmt.Sprintf("%d", d.ruleset.ID))
		}
		actions.Merge(acts)
	}
}

// hasContinuous reports whether any runnable deployment wants periodic
// re-evaluation
func (e *Engine) hasContinuous() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, d := range e.deployments {
		if d.ruleset.Continuous && d.evaluable() {
			return true
		}
	}
	return false
}

func (e *Engine) recordStatus() {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordEngineStatus(e.name, statusCode(e.Info().Status))
}

// statusCode maps a status to its numeric gauge value
func statusCode(s Status) int {
	switch s {
	case StatusReady:
		return 0
	case StatusExecutionError:
		return 1
	case StatusCompilationError:
		return 2
	case StatusDisabled:
		return 3
	case StatusEmpty:
		return 4
	default:
		return 5
	}
}
