// Package rules is the core of the rules subsystem: engines evaluate
// compiled ruleset deployments against live fact memory, one engine per
// scope, and the Service owns the engine hierarchy, fans attribute events
// out to it and applies the actions fired rules request.
package rules

// Status is the deployment (and aggregated engine) health state
type Status string

const (
	// StatusReady means the deployment compiled and is evaluating
	StatusReady Status = "DEPLOYED_READY"
	// StatusCompilationError means the ruleset failed to compile; none of
	// its rules evaluate
	StatusCompilationError Status = "COMPILATION_ERROR"
	// StatusExecutionError means at least one rule raised during
	// evaluation; the remaining rules keep evaluating
	StatusExecutionError Status = "EXECUTION_ERROR"
	// StatusDisabled means the ruleset is deployed but switched off
	StatusDisabled Status = "DISABLED"
	// StatusRemoved means the ruleset was undeployed
	StatusRemoved Status = "REMOVED"
	// StatusEmpty is the engine-level state when no deployments exist. It
	// is distinct from ready: an empty engine reports nothing to evaluate.
	StatusEmpty Status = "EMPTY"
)

// severity orders statuses for worst-of aggregation. Higher is worse.
func (s Status) severity() int {
	switch s {
	case StatusCompilationError:
		return 3
	case StatusExecutionError:
		return 2
	case StatusDisabled:
		return 1
	default:
		return 0
	}
}

// Worse reports whether s outranks other in the aggregation order
func (s Status) Worse(other Status) bool {
	return s.severity() > other.severity()
}

// WorstOf aggregates deployment statuses into one engine status. No
// statuses at all means the engine is empty.
func WorstOf(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusEmpty
	}
	worst := StatusReady
	for _, s := range statuses {
		if s.Worse(worst) {
			worst = s
		}
	}
	return worst
}
