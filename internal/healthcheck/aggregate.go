package healthcheck

import "context"

// Aggregate runs several checkers and concatenates their results.
type Aggregate struct {
	checkers []Checker
}

// NewAggregate creates an Aggregate. Nil checkers are skipped.
func NewAggregate(checkers ...Checker) *Aggregate {
	kept := make([]Checker, 0, len(checkers))
	for _, checker := range checkers {
		if checker != nil {
			kept = append(kept, checker)
		}
	}
	return &Aggregate{checkers: kept}
}

// ListChecks evaluates every checker in order.
func (a *Aggregate) ListChecks(ctx context.Context, sessionID string) []CheckResult {
	if a == nil {
		return []CheckResult{}
	}
	result := make([]CheckResult, 0, len(a.checkers))
	for _, checker := range a.checkers {
		result = append(result, checker.ListChecks(ctx, sessionID)...)
	}
	return result
}

// Overall folds check statuses into the worst one. An empty set is unknown.
func Overall(items []CheckResult) string {
	if len(items) == 0 {
		return StatusUnknown
	}
	worst := StatusOK
	for _, item := range items {
		switch item.Status {
		case StatusError:
			return StatusError
		case StatusWarn, StatusUnknown:
			worst = StatusWarn
		}
	}
	return worst
}
