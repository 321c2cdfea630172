// Package jsonrules implements the JSON condition/action rule language.
// A ruleset source is one JSON document listing rules; each rule has a
// "when" expression over state and event facts and a "then" block of
// attribute writes and notifications, plus optional geofence declarations.
package jsonrules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ApollusEHS-OSS/openremote/asset"
	"github.com/ApollusEHS-OSS/openremote/errors"
	"github.com/ApollusEHS-OSS/openremote/facts"
	"github.com/ApollusEHS-OSS/openremote/geofence"
	"github.com/ApollusEHS-OSS/openremote/rulelang"
	"github.com/ApollusEHS-OSS/openremote/ruleset"
)

// Document is the top-level ruleset source form
type Document struct {
	Rules []RuleDefinition `json:"rules"`
}

// RuleDefinition is one declared rule
type RuleDefinition struct {
	Name     string              `json:"name"`
	When     LogicalExpression   `json:"when"`
	Then     ActionBlock         `json:"then"`
	Geofence *GeofenceDefinition `json:"geofence,omitempty"`
}

// LogicalExpression combines conditions with "and"/"or" logic.
// An empty condition list always passes.
type LogicalExpression struct {
	Logic      string      `json:"logic,omitempty"` // "and", "or"; default "and"
	Conditions []Condition `json:"conditions"`
}

// Condition compares one attribute against a value. Without a window it
// tests the current state fact; with a window it passes when any event fact
// for the attribute inside the window satisfies the operator.
type Condition struct {
	Asset     string `json:"asset"`
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     any    `json:"value"`
	Window    string `json:"window,omitempty"`   // duration string, e.g. "5m"
	Required  bool   `json:"required,omitempty"` // missing state fact raises instead of failing quietly
}

// ActionBlock lists the side effects of a fired rule
type ActionBlock struct {
	AttributeWrites []AttributeWriteDefinition `json:"attributeWrites,omitempty"`
	Notifications   []NotificationDefinition   `json:"notifications,omitempty"`
}

// AttributeWriteDefinition is a declared south-bound attribute write
type AttributeWriteDefinition struct {
	Asset     string `json:"asset"`
	Attribute string `json:"attribute"`
	Value     any    `json:"value"`
}

// NotificationDefinition is a declared notification payload
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

// Compiler compiles JSON rule documents
type Compiler struct {
	schema *gojsonschema.Schema
}

var _ rulelang.Compiler = (*Compiler)(nil)

// New creates the JSON rule language compiler
func New() *Compiler {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		// The schema is a compile-time constant; failing to parse it is a
		// programming error
		panic(fmt.Sprintf("jsonrules: invalid document schema: %v", err))
	}
	return &Compiler{schema: schema}
}

// Lang returns the language tag this compiler serves
func (c *Compiler) Lang() ruleset.Lang {
	return ruleset.LangJSON
}

// Compile validates the source document against the language schema and
// builds compiled rules. All structural problems surface here, at deploy
// time, never during evaluation.
func (c *Compiler) Compile(rs ruleset.Ruleset) (rulelang.CompiledRuleset, error) {
	result, err := c.schema.Validate(gojsonschema.NewStringLoader(rs.Rules))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrCompilationFailed, err),
			"jsonrules", "Compile", "parse document")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrCompilationFailed, strings.Join(msgs, "; ")),
			"jsonrules", "Compile", "validate document")
	}

	var doc Document
	if err := json.Unmarshal([]byte(rs.Rules), &doc); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrCompilationFailed, err),
			"jsonrules", "Compile", "decode document")
	}

	compiled := &compiledRuleset{}
	for i, def := range doc.Rules {
		rule, err := compileRule(def)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: rule %d (%s): %v", errors.ErrCompilationFailed, i, def.Name, err),
				"jsonrules", "Compile", "compile rule")
		}
		compiled.rules = append(compiled.rules, rule)
		if def.Geofence != nil {
			compiled.geofences = append(compiled.geofences, *def.Geofence)
		}
	}
	return compiled, nil
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

// compiledRule is one rule with pre-resolved operators, windows and regexes
type compiledRule struct {
	name       string
	logic      string
	conditions []compiledCondition
	actions    rulelang.Actions
}

type compiledCondition struct {
	ref      asset.AttributeRef
	operator operatorFunc
	value    any
	window   time.Duration
	required bool
}

func compileRule(def RuleDefinition) (*compiledRule, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("rule name is required")
	}

	logic := def.When.Logic
	switch logic {
	case "":
		logic = logicAnd
	case logicAnd, logicOr:
	default:
		return nil, fmt.Errorf("unsupported logic operator %q", logic)
	}

	rule := &compiledRule{name: def.Name, logic: logic}

	for _, cond := range def.When.Conditions {
		op, ok := operators[cond.Operator]
		if !ok {
			return nil, fmt.Errorf("unsupported operator %q", cond.Operator)
		}

		// Regex patterns compile once, at deploy time
		if cond.Operator == opRegex {
			pattern, ok := cond.Value.(string)
			if !ok {
				return nil, fmt.Errorf("regex pattern must be a string")
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid regex %q: %v", pattern, err)
			}
			op = regexOperator(re)
		}

		cc := compiledCondition{
			ref:      asset.AttributeRef{AssetID: cond.Asset, AttributeName: cond.Attribute},
			operator: op,
			value:    cond.Value,
			required: cond.Required,
		}
		if cond.Window != "" {
			window, err := time.ParseDuration(cond.Window)
			if err != nil || window <= 0 {
				return nil, fmt.Errorf("invalid window %q", cond.Window)
			}
			cc.window = window
		}
		rule.conditions = append(rule.conditions, cc)
	}

	for _, w := range def.Then.AttributeWrites {
		rule.actions.AttributeWrites = append(rule.actions.AttributeWrites, asset.AttributeWrite{
			Ref:   asset.AttributeRef{AssetID: w.Asset, AttributeName: w.Attribute},
			Value: w.Value,
		})
	}
	for _, n := range def.Then.Notifications {
		rule.actions.Notifications = append(rule.actions.Notifications, rulelang.Notification{
			Name:    n.Name,
			Payload: n.Payload,
		})
	}

	return rule, nil
}

func (r *compiledRule) Name() string {
	return r.name
}

// Evaluate tests the rule's conditions against the snapshot and returns its
// actions when they hold
func (r *compiledRule) Evaluate(snapshot *facts.Snapshot) (*rulelang.Actions, error) {
	matched, err := r.matches(snapshot)
	if err != nil {
		return nil, err
	}
	if !matched {
		return nil, nil
	}

	// Copy so callers can merge without aliasing compiled state
	actions := &rulelang.Actions{}
	actions.Merge(&r.actions)
	return actions, nil
}

func (r *compiledRule) matches(snapshot *facts.Snapshot) (bool, error) {
	if len(r.conditions) == 0 {
		return true, nil
	}

	for _, cond := range r.conditions {
		holds, err := cond.evaluate(snapshot)
		if err != nil {
			return false, err
		}

		if r.logic == logicOr {
			if holds {
				return true, nil
			}
		} else if !holds {
			return false, nil
		}
	}
	return r.logic == logicAnd, nil
}

func (c compiledCondition) evaluate(snapshot *facts.Snapshot) (bool, error) {
	if c.window > 0 {
		since := snapshot.Taken().Add(-c.window)
		for _, fact := range snapshot.EventsFor(c.ref) {
			if fact.Timestamp.Before(since) {
				continue
			}
			holds, err := c.operator(fact.Value, c.value)
			if err != nil {
				return false, err
			}
			if holds {
				return true, nil
			}
		}
		return false, nil
	}

	fact, ok := snapshot.State(c.ref)
	if !ok {
		if c.required {
			return false, fmt.Errorf("required state fact %s not present", c.ref)
		}
		return false, nil
	}
	return c.operator(fact.Value, c.value)
}
