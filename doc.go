// Package openremote provides the rules subsystem of an IoT asset
// management platform: live asset state is evaluated against deployed
// rulesets by a hierarchy of rule engines, and fired rules push actions
// back onto the platform.
//
// # Architecture
//
// Attribute events flow through a single ingestion funnel and fan out
// to the engines whose scope covers them:
//
//	┌──────────────────────────────┐
//	│      Attribute Events        │  NATS subject, one funnel for
//	│   (sensors, rule actions)    │  sensor data and rule writes
//	└──────────────┬───────────────┘
//	               ↓
//	┌──────────────────────────────┐
//	│        Rules Service         │  fan-out, deployment management,
//	│                              │  action dispatch
//	└──────────────┬───────────────┘
//	      ┌────────┼──────────┐
//	      ↓        ↓          ↓
//	 ┌────────┐ ┌────────┐ ┌────────┐
//	 │ Global │ │ Tenant │ │ Asset  │   one engine per scope, each
//	 │ engine │ │ engines│ │ engines│   single-threaded over its facts
//	 └────────┘ └────────┘ └────────┘
//
// Every engine keeps its own fact memory: persistent state facts keyed
// by attribute reference, and expiring event facts with a guaranteed
// minimum retention window. Rulesets are compiled per rule; a rule
// that fails compilation or raises during evaluation is isolated
// without taking down its sibling rules or the engine.
//
// # Packages
//
// Domain:
//   - asset: asset, tenant and attribute model, live state storage
//   - facts: per-engine fact memory and snapshots
//   - ruleset: ruleset definitions and the JetStream KV store
//   - rulelang: compiler registry and the compiled ruleset contract
//   - rulelang/jsonrules: JSON condition/action rule language
//   - rulelang/celrules: CEL expression rule language
//   - rules: engines, deployments and the rules service
//   - geofence: geofence definitions extracted from rulesets
//
// Infrastructure:
//   - natsclient: managed NATS connection with circuit breaker
//   - input/attributes: NATS ingestion and action publishing
//   - config: YAML configuration with environment overrides
//   - metric: Prometheus instruments and the metrics endpoint
//   - health: component health monitoring
//   - errors: classified error handling
//   - pkg/retry: retry policies with backoff
//   - pkg/timestamp: wire timestamp normalization
//
// The openremote-rules binary under cmd wires these together into the
// daemon.
package openremote
