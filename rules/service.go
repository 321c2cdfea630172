package rules

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ApollusEHS-OSS/openremote/asset"
	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/geofence"
	"github.com/ApollusEHS-OSS/openremote/health"
	"github.com/ApollusEHS-OSS/openremote/metric"
	"github.com/ApollusEHS-OSS/openremote/rulelang"
	"github.com/ApollusEHS-OSS/openremote/ruleset"
)

const defaultActionQueueSize = 1024

// Publisher delivers rule actions to the wider platform. When no publisher
// is configured, south-bound attribute events re-enter the service's own
// ingestion path and notifications are logged.
type Publisher interface {
	PublishAttributeEvent(ev asset.AttributeEvent) error
	PublishNotification(n rulelang.Notification) error
}

// Config configures the rules service and the engines it creates
type Config struct {
	// EngineQueueSize bounds each engine's ingestion queue
	EngineQueueSize int
	// TickInterval drives fact expiration and continuous re-evaluation
	TickInterval time.Duration
	// MinEventExpiration is the guaranteed minimum event fact window
	MinEventExpiration time.Duration

	// ActionRateLimit throttles south-bound action dispatch; zero means
	// no throttling
	ActionRateLimit rate.Limit
	// ActionBurst is the dispatch burst allowance
	ActionBurst int
	// ActionQueueSize bounds the pending action queue
	ActionQueueSize int
}

// Service owns the engine hierarchy: one global engine, one engine per
// active tenant and one per asset with asset-scoped rulesets. It fans
// attribute events out to the matching engines, deploys ruleset changes and
// dispatches fired actions back into the platform.
type Service struct {
	cfg       Config
	store     ruleset.Store
	assets    asset.Storage
	compilers *rulelang.Registry
	metrics   *metric.Metrics
	monitor   *health.Monitor
	publisher Publisher
	limiter   *rate.Limiter
	logger    *slog.Logger

	actions chan *rulelang.Actions
	stop    chan struct{}
	done    chan struct{}

	mu            sync.RWMutex
	started       bool
	global        *Engine
	tenantEngines map[string]*Engine // realm
	assetEngines  map[string]*Engine // assetID
	assetRealms   map[string]string  // assetID -> realm, for tenant cascade
}

var _ ActionSink = (*Service)(nil)

// NewService creates the rules service. Start boots the engine hierarchy
// from the ruleset store.
func NewService(cfg Config, store ruleset.Store, assets asset.Storage,
	compilers *rulelang.Registry, metrics *metric.Metrics, monitor *health.Monitor,
	publisher Publisher) *Service {

	var limiter *rate.Limiter
	if cfg.ActionRateLimit > 0 {
		burst := cfg.ActionBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.ActionRateLimit, burst)
	}
	queueSize := cfg.ActionQueueSize
	if queueSize <= 0 {
		queueSize = defaultActionQueueSize
	}

	return &Service{
		cfg:           cfg,
		store:         store,
		assets:        assets,
		compilers:     compilers,
		metrics:       metrics,
		monitor:       monitor,
		publisher:     publisher,
		limiter:       limiter,
		logger:        slog.Default().With("component", "RulesService"),
		actions:       make(chan *rulelang.Actions, queueSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		tenantEngines: make(map[string]*Engine),
		assetEngines:  make(map[string]*Engine),
		assetRealms:   make(map[string]string),
	}
}

// Start boots the global engine, one engine per active tenant with
// rulesets, and one per asset with asset-scoped rulesets, then starts the
// action dispatcher
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "RulesService", "Start", "start service")
	}
	s.started = true
	s.mu.Unlock()

	// Global engine always runs, even with nothing deployed
	global, err := s.createEngine(ruleset.GlobalScope())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.global = global
	s.mu.Unlock()

	globals, err := s.store.GlobalRulesets(ctx, ruleset.Query{})
	if err != nil {
		return errors.WrapTransient(err, "RulesService", "Start", "list global rulesets")
	}
	for _, rs := range globals {
		if !rs.Enabled {
			continue
		}
		global.Deploy(rs)
	}
	s.updateMonitor(global)

	tenants, err := s.assets.ActiveTenants(ctx)
	if err != nil {
		return errors.WrapTransient(err, "RulesService", "Start", "list active tenants")
	}
	for _, t := range tenants {
		if err := s.startTenantEngine(ctx, t.Realm); err != nil {
			return err
		}
	}

	assetRulesets, err := s.store.AssetRulesets(ctx, "", ruleset.Query{})
	if err != nil {
		return errors.WrapTransient(err, "RulesService", "Start", "list asset rulesets")
	}
	for _, rs := range assetRulesets {
		if !rs.Enabled {
			continue
		}
		if _, err := s.deployToAssetEngine(ctx, rs); err != nil {
			// A ruleset for a vanished asset must not block startup
			s.logger.Warn("skipping asset ruleset",
				"ruleset", rs.ID, "asset", rs.Scope.AssetID, "error", err)
		}
	}

	go s.dispatch()

	s.recordEngineCounts()
	s.logger.Info("rules service started",
		"global_rulesets", len(globals), "tenants", len(tenants), "asset_rulesets", len(assetRulesets))
	return nil
}

// Stop stops the dispatcher and every engine
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrNotStarted, "RulesService", "Stop", "stop service")
	}
	s.started = false
	global := s.global
	s.global = nil
	engines := make([]*Engine, 0, len(s.tenantEngines)+len(s.assetEngines))
	for _, e := range s.tenantEngines {
		engines = append(engines, e)
	}
	for _, e := range s.assetEngines {
		engines = append(engines, e)
	}
	s.tenantEngines = make(map[string]*Engine)
	s.assetEngines = make(map[string]*Engine)
	s.assetRealms = make(map[string]string)
	s.mu.Unlock()

	close(s.stop)
	<-s.done

	if global != nil {
		_ = global.Stop()
	}
	for _, e := range engines {
		_ = e.Stop()
	}

	s.logger.Info("rules service stopped")
	return nil
}

// OnAssetAttributeChanged fans one attribute change out to the global
// engine, the owning tenant's engine and the asset's engine, in that order.
// Delivery to each engine is non-blocking; a full engine queue drops the
// event for that engine only.
func (s *Service) OnAssetAttributeChanged(ctx context.Context, ev asset.AttributeEvent) error {
	if s.metrics != nil {
		s.metrics.RecordAttributeEvent(ev.Realm)
	}

	engineEv := Event{AttributeEvent: ev}
	if !ev.Deleted {
		a, err := s.assets.Find(ctx, ev.Ref.AssetID)
		if err != nil {
			return errors.WrapInvalid(err, "RulesService", "OnAssetAttributeChanged", "resolve asset")
		}
		attr, ok := a.Attribute(ev.Ref.AttributeName)
		if !ok {
			return errors.WrapInvalid(
				fmt.Errorf("%w: attribute %s", errors.ErrKeyNotFound, ev.Ref),
				"RulesService", "OnAssetAttributeChanged", "resolve attribute")
		}
		if !attr.RuleState && !attr.RuleEvent {
			// Attribute not exposed to rules; nothing to fan out
			return nil
		}
		engineEv.State = attr.RuleState
		engineEv.InsertEvent = attr.RuleEvent
		engineEv.EventExpiration = attr.RuleEventExpires
		if ev.Realm == "" {
			engineEv.Realm = a.Realm
		}
	}

	for _, e := range s.targetEngines(engineEv.Realm, ev.Ref.AssetID) {
		if err := e.Ingest(engineEv); err != nil {
			s.logger.Warn("engine queue full, event dropped",
				"engine", e.name, "ref", ev.Ref.String())
		}
	}
	return nil
}

// targetEngines resolves the fan-out set: global, then tenant, then asset
func (s *Service) targetEngines(realm, assetID string) []*Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Engine, 0, 3)
	if s.global != nil {
		out = append(out, s.global)
	}
	if e, ok := s.tenantEngines[realm]; ok {
		out = append(out, e)
	}
	if e, ok := s.assetEngines[assetID]; ok {
		out = append(out, e)
	}
	return out
}

// SaveRuleset validates the ruleset's scope references, persists it and
// deploys it to the owning engine, creating the engine when the scope gains
// its first enabled ruleset. Saving a disabled ruleset undeploys it instead;
// a tenant or asset engine left empty by that is retired.
func (s *Service) SaveRuleset(ctx context.Context, rs ruleset.Ruleset) (ruleset.Ruleset, error) {
	if err := rs.Validate(); err != nil {
		return ruleset.Ruleset{}, errors.WrapInvalid(err, "RulesService", "SaveRuleset", "validate ruleset")
	}
	if err := s.validateScope(ctx, rs.Scope); err != nil {
		return ruleset.Ruleset{}, err
	}

	stored, err := s.store.Merge(ctx, rs)
	if err != nil {
		return ruleset.Ruleset{}, err
	}

	if !stored.Enabled {
		s.undeployRuleset(stored)
		s.recordEngineCounts()
		return stored, nil
	}

	switch stored.Scope.Kind {
	case ruleset.ScopeGlobal:
		s.mu.RLock()
		global := s.global
		s.mu.RUnlock()
		if global != nil {
			global.Deploy(stored)
			s.updateMonitor(global)
		}
	case ruleset.ScopeTenant:
		e, err := s.ensureTenantEngine(stored.Scope.Realm)
		if err != nil {
			return ruleset.Ruleset{}, err
		}
		e.Deploy(stored)
		s.updateMonitor(e)
	case ruleset.ScopeAsset:
		if _, err := s.deployToAssetEngine(ctx, stored); err != nil {
			return ruleset.Ruleset{}, err
		}
	}

	s.recordEngineCounts()
	return stored, nil
}

// validateScope enforces referential checks: a tenant scope needs an
// existing active tenant, an asset scope an existing asset
func (s *Service) validateScope(ctx context.Context, scope ruleset.Scope) error {
	switch scope.Kind {
	case ruleset.ScopeTenant:
		t, err := s.assets.FindTenant(ctx, scope.Realm)
		if err != nil {
			return errors.WrapInvalid(err, "RulesService", "SaveRuleset", "resolve tenant")
		}
		if !t.Active {
			return errors.WrapInvalid(
				fmt.Errorf("%w: realm %s", errors.ErrTenantInactive, scope.Realm),
				"RulesService", "SaveRuleset", "resolve tenant")
		}
	case ruleset.ScopeAsset:
		if _, err := s.assets.Find(ctx, scope.AssetID); err != nil {
			return errors.WrapInvalid(err, "RulesService", "SaveRuleset", "resolve asset")
		}
	}
	return nil
}

// DeleteRuleset removes the ruleset from the store and undeploys it. A
// tenant or asset engine left with no deployments is stopped and removed;
// the global engine always stays up.
func (s *Service) DeleteRuleset(ctx context.Context, id int64) error {
	rs, err := s.store.FindByID(ctx, id)
	if err != nil {
		if stderrors.Is(err, errors.ErrRulesetNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.undeployRuleset(rs)
	s.recordEngineCounts()
	return nil
}

// undeployRuleset removes the ruleset's deployment from its owning engine.
// A tenant or asset engine left empty is retired; the global engine always
// stays up.
func (s *Service) undeployRuleset(rs ruleset.Ruleset) {
	switch rs.Scope.Kind {
	case ruleset.ScopeGlobal:
		s.mu.RLock()
		global := s.global
		s.mu.RUnlock()
		if global != nil {
			global.Undeploy(rs.ID)
			s.updateMonitor(global)
		}
	case ruleset.ScopeTenant:
		s.undeployAndReap(s.tenantEngines, rs.Scope.Realm, rs.ID)
	case ruleset.ScopeAsset:
		s.undeployAndReap(s.assetEngines, rs.Scope.AssetID, rs.ID)
	}
}

// undeployAndReap undeploys from the keyed engine and stops it when empty
func (s *Service) undeployAndReap(engines map[string]*Engine, key string, rulesetID int64) {
	s.mu.Lock()
	e, ok := engines[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	e.Undeploy(rulesetID)
	if e.Info().Deployments > 0 {
		s.updateMonitor(e)
		return
	}

	s.mu.Lock()
	delete(engines, key)
	delete(s.assetRealms, key)
	s.mu.Unlock()

	_ = e.Stop()
	if s.monitor != nil {
		s.monitor.Remove("engine:" + e.name)
	}
	s.logger.Info("engine retired", "engine", e.name)
}

// OnTenantActivated deploys the realm's rulesets into a fresh tenant engine
func (s *Service) OnTenantActivated(ctx context.Context, realm string) error {
	return s.startTenantEngine(ctx, realm)
}

// OnTenantDeactivated stops the realm's tenant engine and every asset
// engine whose asset belongs to the realm. Rulesets stay in the store for
// reactivation.
func (s *Service) OnTenantDeactivated(realm string) {
	s.mu.Lock()
	var retired []*Engine
	if e, ok := s.tenantEngines[realm]; ok {
		retired = append(retired, e)
		delete(s.tenantEngines, realm)
	}
	for assetID, r := range s.assetRealms {
		if r != realm {
			continue
		}
		if e, ok := s.assetEngines[assetID]; ok {
			retired = append(retired, e)
			delete(s.assetEngines, assetID)
		}
		delete(s.assetRealms, assetID)
	}
	s.mu.Unlock()

	for _, e := range retired {
		_ = e.Stop()
		if s.monitor != nil {
			s.monitor.Remove("engine:" + e.name)
		}
		s.logger.Info("engine retired", "engine", e.name, "realm", realm)
	}
	s.recordEngineCounts()
}

// EngineInfo returns the aggregated health of the engine owning the scope
func (s *Service) EngineInfo(scope ruleset.Scope) (EngineInfo, error) {
	e, err := s.engineFor(scope)
	if err != nil {
		return EngineInfo{}, err
	}
	return e.Info(), nil
}

// DeploymentStatus returns the deployment state of one ruleset. Disabled
// rulesets are never deployed, so their status comes from the store alone.
func (s *Service) DeploymentStatus(ctx context.Context, rulesetID int64) (DeploymentInfo, error) {
	rs, err := s.store.FindByID(ctx, rulesetID)
	if err != nil {
		return DeploymentInfo{}, err
	}
	if !rs.Enabled {
		return DeploymentInfo{
			RulesetID: rs.ID,
			Name:      rs.Name,
			Version:   rs.Version,
			Status:    StatusDisabled,
		}, nil
	}
	e, err := s.engineFor(rs.Scope)
	if err != nil {
		return DeploymentInfo{}, err
	}
	return e.DeploymentStatus(rulesetID)
}

// AssetGeofences collects the geofence definitions the asset's own engine
// declares for it, in ascending ruleset-id order. Console geofences are an
// asset-scope feature: tenant and global rulesets never contribute, and an
// asset without an engine has no fences.
func (s *Service) AssetGeofences(ctx context.Context, assetID string) ([]geofence.Definition, error) {
	if _, err := s.assets.Find(ctx, assetID); err != nil {
		return nil, errors.WrapInvalid(err, "RulesService", "AssetGeofences", "resolve asset")
	}

	s.mu.RLock()
	e := s.assetEngines[assetID]
	s.mu.RUnlock()
	if e == nil {
		return nil, nil
	}
	return e.Geofences(assetID), nil
}

// DispatchActions queues the merged actions of one evaluation pass. The
// call never blocks: dispatch happens on the service's own goroutine so
// south-bound writes re-enter through the ingestion funnel instead of
// recursing into evaluation.
func (s *Service) DispatchActions(engine string, actions *rulelang.Actions) {
	if actions.Empty() {
		return
	}
	select {
	case s.actions <- actions:
	default:
		s.logger.Error("action queue full, actions dropped", "engine", engine)
		if s.metrics != nil {
			s.metrics.RecordError("RulesService", "action_queue_full")
		}
	}
}

// dispatch drains the action queue, applying the rate limit per action
func (s *Service) dispatch() {
	defer close(s.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	for {
		select {
		case <-s.stop:
			return
		case actions := <-s.actions:
			s.applyActions(ctx, actions)
		}
	}
}

func (s *Service) applyActions(ctx context.Context, actions *rulelang.Actions) {
	for _, w := range actions.AttributeWrites {
		if !s.waitLimiter(ctx) {
			return
		}
		if err := s.applyWrite(ctx, w); err != nil {
			s.logger.Warn("attribute write failed", "ref", w.Ref.String(), "error", err)
			if s.metrics != nil {
				s.metrics.RecordError("RulesService", "attribute_write")
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordActionDispatched("attribute_write")
		}
	}

	for _, n := range actions.Notifications {
		if !s.waitLimiter(ctx) {
			return
		}
		if s.publisher != nil {
			if err := s.publisher.PublishNotification(n); err != nil {
				s.logger.Warn("notification publish failed", "name", n.Name, "error", err)
				continue
			}
		} else {
			s.logger.Info("notification", "name", n.Name)
		}
		if s.metrics != nil {
			s.metrics.RecordActionDispatched("notification")
		}
	}
}

// applyWrite turns one south-bound write into an attribute event and feeds
// it back through the ingestion path
func (s *Service) applyWrite(ctx context.Context, w asset.AttributeWrite) error {
	a, err := s.assets.Find(ctx, w.Ref.AssetID)
	if err != nil {
		return err
	}

	ev := asset.AttributeEvent{
		Ref:       w.Ref,
		Realm:     a.Realm,
		Value:     w.Value,
		Timestamp: time.Now(),
	}

	if s.publisher != nil {
		// The platform echoes the accepted event back through the input
		// funnel
		return s.publisher.PublishAttributeEvent(ev)
	}
	return s.OnAssetAttributeChanged(ctx, ev)
}

func (s *Service) waitLimiter(ctx context.Context) bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Wait(ctx) == nil
}

// engineFor resolves the running engine owning the scope
func (s *Service) engineFor(scope ruleset.Scope) (*Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e *Engine
	switch scope.Kind {
	case ruleset.ScopeGlobal:
		e = s.global
	case ruleset.ScopeTenant:
		e = s.tenantEngines[scope.Realm]
	case ruleset.ScopeAsset:
		e = s.assetEngines[scope.AssetID]
	}
	if e == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrEngineNotFound, scope),
			"RulesService", "engineFor", "resolve engine")
	}
	return e, nil
}

// createEngine builds and starts one engine wired to the service
func (s *Service) createEngine(scope ruleset.Scope) (*Engine, error) {
	e := NewEngine(EngineConfig{
		Scope:              scope,
		Compilers:          s.compilers,
		Sink:               s,
		Metrics:            s.metrics,
		QueueSize:          s.cfg.EngineQueueSize,
		TickInterval:       s.cfg.TickInterval,
		MinEventExpiration: s.cfg.MinEventExpiration,
	})
	if err := e.Start(); err != nil {
		return nil, err
	}
	return e, nil
}

// startTenantEngine boots the realm's engine with its stored rulesets. A
// realm without enabled rulesets gets no engine until one is saved.
func (s *Service) startTenantEngine(ctx context.Context, realm string) error {
	rulesets, err := s.store.TenantRulesets(ctx, realm, ruleset.Query{})
	if err != nil {
		return errors.WrapTransient(err, "RulesService", "startTenantEngine", "list tenant rulesets")
	}
	enabled := rulesets[:0]
	for _, rs := range rulesets {
		if rs.Enabled {
			enabled = append(enabled, rs)
		}
	}
	if len(enabled) == 0 {
		return nil
	}

	e, err := s.ensureTenantEngine(realm)
	if err != nil {
		return err
	}
	for _, rs := range enabled {
		e.Deploy(rs)
	}
	s.updateMonitor(e)
	s.recordEngineCounts()
	return nil
}

func (s *Service) ensureTenantEngine(realm string) (*Engine, error) {
	s.mu.RLock()
	e, ok := s.tenantEngines[realm]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	e, err := s.createEngine(ruleset.TenantScope(realm))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.tenantEngines[realm]; ok {
		s.mu.Unlock()
		_ = e.Stop()
		return existing, nil
	}
	s.tenantEngines[realm] = e
	s.mu.Unlock()
	return e, nil
}

// deployToAssetEngine deploys one asset-scoped ruleset, creating the
// asset's engine on first use and remembering the owning realm for tenant
// cascade
func (s *Service) deployToAssetEngine(ctx context.Context, rs ruleset.Ruleset) (*Engine, error) {
	assetID := rs.Scope.AssetID

	s.mu.RLock()
	e, ok := s.assetEngines[assetID]
	s.mu.RUnlock()

	if !ok {
		a, err := s.assets.Find(ctx, assetID)
		if err != nil {
			return nil, errors.WrapInvalid(err, "RulesService", "deployToAssetEngine", "resolve asset")
		}

		e, err = s.createEngine(ruleset.AssetScope(assetID))
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if existing, exists := s.assetEngines[assetID]; exists {
			s.mu.Unlock()
			_ = e.Stop()
			e = existing
		} else {
			s.assetEngines[assetID] = e
			s.assetRealms[assetID] = a.Realm
			s.mu.Unlock()
		}
	}

	e.Deploy(rs)
	s.updateMonitor(e)
	return e, nil
}

// updateMonitor reports the engine's health to the monitor
func (s *Service) updateMonitor(e *Engine) {
	if s.monitor == nil {
		return
	}

	name := "engine:" + e.name
	info := e.Info()
	switch info.Status {
	case StatusCompilationError:
		s.monitor.UpdateUnhealthy(name, "ruleset compilation failed")
	case StatusExecutionError:
		s.monitor.UpdateDegraded(name, "rule execution failed")
	default:
		s.monitor.UpdateHealthy(name, string(info.Status))
	}
}

func (s *Service) recordEngineCounts() {
	if s.metrics == nil {
		return
	}

	s.mu.RLock()
	globals := 0
	if s.global != nil {
		globals = 1
	}
	tenants := len(s.tenantEngines)
	assets := len(s.assetEngines)
	s.mu.RUnlock()

	s.metrics.RecordEnginesRunning(string(ruleset.ScopeGlobal), globals)
	s.metrics.RecordEnginesRunning(string(ruleset.ScopeTenant), tenants)
	s.metrics.RecordEnginesRunning(string(ruleset.ScopeAsset), assets)
}
