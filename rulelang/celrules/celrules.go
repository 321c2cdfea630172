// Package celrules implements the "cel" rule language: rule conditions are
// CEL expressions evaluated against the engine's fact snapshot. Expressions
// see two variables: "states", a map from "assetId:attributeName" to the
// attribute's current value, and "events", the list of unexpired event facts
// oldest first. Actions are declared structurally alongside the expression.
package celrules

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/ApollusEHS-OSS/openremote/asset"
	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/facts"
	"github.com/ApollusEHS-OSS/openremote/geofence"
	"github.com/ApollusEHS-OSS/openremote/rulelang"
	"github.com/ApollusEHS-OSS/openremote/ruleset"
)

// Document is the source form of one CEL ruleset
type Document struct {
	Rules []RuleDefinition `json:"rules"`
}

// RuleDefinition pairs a CEL condition with the actions to request when it
// holds
type RuleDefinition struct {
	Name     string              `json:"name"`
	When     string              `json:"when"`
	Then     ActionBlock         `json:"then"`
	Geofence *GeofenceDefinition `json:"geofence,omitempty"`
}

// ActionBlock lists the side effects a fired rule requests
type ActionBlock struct {
	AttributeWrites []AttributeWriteDefinition `json:"attributeWrites,omitempty"`
	Notifications   []NotificationDefinition   `json:"notifications,omitempty"`
}

// AttributeWriteDefinition requests a south-bound attribute write
type AttributeWriteDefinition struct {
	Asset     string `json:"asset"`
	Attribute string `json:"attribute"`
	Value     any    `json:"value"`
}

// NotificationDefinition requests a named notification
type NotificationDefinition struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// GeofenceDefinition declares a geofence for an asset
type GeofenceDefinition struct {
	ID           string         `json:"id"`
	Asset        string         `json:"asset"`
	Lat          float64        `json:"lat"`
	Lng          float64        `json:"lng"`
	Radius       float64        `json:"radius"`
	Notification map[string]any `json:"notification,omitempty"`
}

// Compiler compiles CEL ruleset documents. The CEL environment is shared
// across compilations; programs are immutable and safe for concurrent
// evaluation.
type Compiler struct {
	env *cel.Env
}

var _ rulelang.Compiler = (*Compiler)(nil)

// New creates the CEL rule language compiler
func New() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("states", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("events", cel.ListType(cel.DynType)),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "celrules", "New", "build environment")
	}
	return &Compiler{env: env}, nil
}

// Lang returns the language tag this compiler serves
func (c *Compiler) Lang() ruleset.Lang {
	return ruleset.LangCEL
}

// Compile parses the source document and compiles every rule's condition
// expression. All expression problems surface here, at deploy time, never
// during evaluation.
func (c *Compiler) Compile(rs ruleset.Ruleset) (rulelang.CompiledRuleset, error) {
	var doc Document
	if err := json.Unmarshal([]byte(rs.Rules), &doc); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrCompilationFailed, err),
			"celrules", "Compile", "decode document")
	}
	if len(doc.Rules) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: document declares no rules", errors.ErrCompilationFailed),
			"celrules", "Compile", "validate document")
	}

	compiled := &compiledRuleset{}
	for i, def := range doc.Rules {
		rule, err := c.compileRule(def)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: rule %d (%s): %v", errors.ErrCompilationFailed, i, def.Name, err),
				"celrules", "Compile", "compile rule")
		}
		compiled.rules = append(compiled.rules, rule)
		if def.Geofence != nil {
			compiled.geofences = append(compiled.geofences, *def.Geofence)
		}
	}
	return compiled, nil
}

func (c *Compiler) compileRule(def RuleDefinition) (*compiledRule, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("missing rule name")
	}
	if def.When == "" {
		return nil, fmt.Errorf("missing condition expression")
	}

	ast, issues := c.env.Compile(def.When)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile expression: %w", issues.Err())
	}
	if t := ast.OutputType().String(); t != "bool" && t != "dyn" {
		return nil, fmt.Errorf("expression yields %s, want bool", t)
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build program: %w", err)
	}

	return &compiledRule{name: def.Name, program: prg, actions: def.Then}, nil
}

type compiledRuleset struct {
	rules     []rulelang.Rule
	geofences []GeofenceDefinition
}

var (
	_ rulelang.CompiledRuleset  = (*compiledRuleset)(nil)
	_ rulelang.GeofenceProvider = (*compiledRuleset)(nil)
)

func (c *compiledRuleset) Rules() []rulelang.Rule {
	return c.rules
}

// Geofences returns the definitions this ruleset declares for the asset
func (c *compiledRuleset) Geofences(assetID string) []geofence.Definition {
	var out []geofence.Definition
	for _, g := range c.geofences {
		if g.Asset != assetID {
			continue
		}
		out = append(out, geofence.Definition{
			ID:           g.ID,
			Lat:          g.Lat,
			Lng:          g.Lng,
			Radius:       g.Radius,
			Notification: g.Notification,
		})
	}
	return out
}

type compiledRule struct {
	name    string
	program cel.Program
	actions ActionBlock
}

var _ rulelang.Rule = (*compiledRule)(nil)

func (r *compiledRule) Name() string {
	return r.name
}

// Evaluate runs the condition program against the snapshot and returns the
// rule's requested actions when it holds
func (r *compiledRule) Evaluate(snapshot *facts.Snapshot) (*rulelang.Actions, error) {
	val, _, err := r.program.Eval(activation(snapshot))
	if err != nil {
		return nil, errors.Wrap(
			fmt.Errorf("%w: rule %s: %v", errors.ErrExecutionFailed, r.name, err),
			"celrules", "Evaluate", "evaluate expression")
	}

	fired, ok := val.Value().(bool)
	if !ok {
		return nil, errors.Wrap(
			fmt.Errorf("%w: rule %s: condition yielded %T, want bool", errors.ErrExecutionFailed, r.name, val.Value()),
			"celrules", "Evaluate", "convert result")
	}
	if !fired {
		return nil, nil
	}

	actions := &rulelang.Actions{}
	for _, w := range r.actions.AttributeWrites {
		actions.AttributeWrites = append(actions.AttributeWrites, asset.AttributeWrite{
			Ref:   asset.AttributeRef{AssetID: w.Asset, AttributeName: w.Attribute},
			Value: w.Value,
		})
	}
	for _, n := range r.actions.Notifications {
		actions.Notifications = append(actions.Notifications, rulelang.Notification{
			Name:    n.Name,
			Payload: n.Payload,
		})
	}
	return actions, nil
}

// activation shapes the snapshot into the variables expressions see. Event
// timestamps are exposed as CEL timestamps.
func activation(snapshot *facts.Snapshot) map[string]any {
	states := make(map[string]any)
	for _, f := range snapshot.States() {
		states[f.Ref.String()] = f.Value
	}

	events := make([]any, 0)
	for _, f := range snapshot.Events() {
		events = append(events, map[string]any{
			"asset":     f.Ref.AssetID,
			"attribute": f.Ref.AttributeName,
			"value":     f.Value,
			"timestamp": f.Timestamp,
		})
	}

	return map[string]any{
		"states": states,
		"events": events,
	}
}
