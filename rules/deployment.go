package rules

import (
	"github.com/ApollusEHS-OSS/openremote/rulelang"
	"github.com/ApollusEHS-OSS/openremote/ruleset"
)

// Deployment is one ruleset deployed into an engine. A redeploy of the same
// ruleset id builds a fresh Deployment, so error counters and failed-rule
// tracking restart from zero; an evaluation pass holding the previous
// generation mutates only that generation.
//
// Fields are guarded by the owning engine's mutex.
type Deployment struct {
	ruleset  ruleset.Ruleset
	compiled rulelang.CompiledRuleset

	status   Status
	errorMsg string

	// failedRules maps rule name to the error that disabled it; failed
	// rules are skipped by later passes while the deployment's remaining
	// rules keep evaluating
	failedRules map[string]string

	// firedRules latches rules whose condition currently holds. A latched
	// rule does not dispatch again until a pass sees its condition clear;
	// continuous rulesets bypass the latch and fire every matching pass.
	// A redeploy builds a fresh Deployment, so the latch resets with it.
	firedRules map[string]struct{}

	compilationErrors int
	executionErrors   int
}

// DeploymentInfo is the externally-visible state of one deployment
type DeploymentInfo struct {
	RulesetID   int64             `json:"rulesetId"`
	Name        string            `json:"name"`
	Version     int64             `json:"version"`
	Status      Status            `json:"status"`
	Error       string            `json:"error,omitempty"`
	FailedRules map[string]string `json:"failedRules,omitempty"`
}

// EngineInfo is the aggregated health of one engine: the worst deployment
// status plus total error counts, matching what the manager UI displays.
type EngineInfo struct {
	Scope                 ruleset.Scope `json:"scope"`
	Status                Status        `json:"status"`
	Deployments           int           `json:"deployments"`
	CompilationErrorCount int           `json:"compilationErrorCount"`
	ExecutionErrorCount   int           `json:"executionErrorCount"`
}

// newDeployment compiles the ruleset and builds its deployment. A disabled
// ruleset is deployed without compiling; a compile failure yields a
// compilation-error deployment whose rules never evaluate.
func newDeployment(rs ruleset.Ruleset, compilers *rulelang.Registry) *Deployment {
	d := &Deployment{
		ruleset:     rs,
		failedRules: make(map[string]string),
		firedRules:  make(map[string]struct{}),
	}

	if !rs.Enabled {
		d.status = StatusDisabled
		return d
	}

	compiled, err := compilers.Compile(rs)
	if err != nil {
		d.status = StatusCompilationError
		d.errorMsg = err.Error()
		d.compilationErrors = 1
		return d
	}

	d.compiled = compiled
	d.status = StatusReady
	return d
}

// evaluable reports whether any of the deployment's rules run in a pass
func (d *Deployment) evaluable() bool {
	return d.status == StatusReady || d.status == StatusExecutionError
}

// markRuleFailed records a rule execution failure. The rule is excluded
// from later passes; the deployment degrades to execution-error but keeps
// evaluating its healthy rules.
func (d *Deployment) markRuleFailed(ruleName, errMsg string) {
	d.failedRules[ruleName] = errMsg
	d.executionErrors++
	d.status = StatusExecutionError
	d.errorMsg = errMsg
}

// info snapshots the deployment state
func (d *Deployment) info() DeploymentInfo {
	info := DeploymentInfo{
		RulesetID: d.ruleset.ID,
		Name:      d.ruleset.Name,
		Version:   d.ruleset.Version,
		Status:    d.status,
		Error:     d.errorMsg,
	}
	if len(d.failedRules) > 0 {
		info.FailedRules = make(map[string]string, len(d.failedRules))
		for k, v := range d.failedRules {
			info.FailedRules[k] = v
		}
	}
	return info
}
