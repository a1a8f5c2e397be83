package obs

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveLoginLabels(t *testing.T) {
	failures := loginsTotal.WithLabelValues("password", "failure")
	successes := loginsTotal.WithLabelValues("federated", "success")

	beforeFail := testutil.ToFloat64(failures)
	beforeOK := testutil.ToFloat64(successes)

	ObserveLogin("password", "failure")
	ObserveLogin("password", "failure")
	ObserveLogin("federated", "success")

	if got := testutil.ToFloat64(failures); got != beforeFail+2 {
		t.Fatalf("password failures = %v, want %v", got, beforeFail+2)
	}
	if got := testutil.ToFloat64(successes); got != beforeOK+1 {
		t.Fatalf("federated successes = %v, want %v", got, beforeOK+1)
	}
}

func TestObserveCounters(t *testing.T) {
	cases := []struct {
		name    string
		counter prometheus.Counter
		observe func()
	}{
		{"lockout", lockoutsTotal, ObserveLockout},
		{"token issued", tokensIssuedTotal, ObserveTokenIssued},
		{"token rotated", tokensRotatedTotal, ObserveTokenRotated},
		{"token revoked", tokensRevokedTotal, ObserveTokenRevoked},
		{"audit drop", auditDropsTotal, ObserveAuditDrop},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := testutil.ToFloat64(tc.counter)
			tc.observe()
			if got := testutil.ToFloat64(tc.counter); got != before+1 {
				t.Fatalf("counter = %v, want %v", got, before+1)
			}
		})
	}
}
