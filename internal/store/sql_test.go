package store

import (
	"strings"
	"testing"
)

// The maintenance sweeps bind absolute cutoff timestamps computed in Go.
// Subtracting a bare duration parameter from NOW() is ambiguous to Postgres
// (both interval and timestamptz subtraction match an untyped argument) and
// the statement fails to plan.
func TestSweepQueriesBindAbsoluteCutoffs(t *testing.T) {
	queries := map[string]string{
		"requeueStale":     requeueStaleQuery,
		"failStale":        failStaleQuery,
		"listRecentFailed": listRecentFailedQuery,
	}
	for name, q := range queries {
		if strings.Contains(q, "NOW() -") || strings.Contains(q, "NOW() +") {
			t.Errorf("%s query does parameter arithmetic on NOW():\n%s", name, q)
		}
	}

	if !strings.Contains(requeueStaleQuery, "claimed_at < $4") {
		t.Error("requeueStale query should compare claimed_at against a bound cutoff")
	}
	if !strings.Contains(failStaleQuery, "claimed_at < $3") {
		t.Error("failStale query should compare claimed_at against a bound cutoff")
	}
	if !strings.Contains(listRecentFailedQuery, "last_attempt_at > $2") {
		t.Error("listRecentFailed query should compare last_attempt_at against a bound cutoff")
	}
}
