package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.IncCounter(VerifyTotal, map[string]string{"network": "base-sepolia"})
	r.IncCounter(VerifyTotal, map[string]string{"network": "base-sepolia"})
	r.IncCounter(VerifyInvalid, map[string]string{"network": "base-sepolia", "reason": "nonce_already_used"})
	r.ObserveLatency(VerifyLatency, 25*time.Millisecond, map[string]string{"network": "base-sepolia"})

	require.Equal(t, 2.0, testutil.ToFloat64(r.counters.WithLabelValues(VerifyTotal, "base-sepolia", "")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.counters.WithLabelValues(VerifyInvalid, "base-sepolia", "nonce_already_used")))
	require.Equal(t, 1, testutil.CollectAndCount(r.histogram))
}

func TestOrNoop(t *testing.T) {
	require.IsType(t, NoopRecorder{}, OrNoop(nil))
}
