package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.WalletOp("debit", "ok")
	m.WalletOp("debit", "insufficient_funds")
	m.WalletOp("debit", "ok")
	m.Verdict("signatures", "allowed_charge")
	m.SweepRecords("reconcile", "failed", 3)
	m.SweepRecords("reconcile", "failed", 0)
	m.RefundDecision("contract", "refunded")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.walletOps.WithLabelValues("debit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("signatures", "allowed_charge")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sweepRecords.WithLabelValues("reconcile", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refunds.WithLabelValues("contract", "refunded")))

	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), "billing_wallet_operations_total")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.WalletOp("credit", "ok")
		m.SweepRun("reconcile", "ok", 1)
		m.ProcessorCall("stripe", "get", "ok")
		m.RefundDecision("contract", "expired")
	})
}
