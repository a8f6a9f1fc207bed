package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("payment", "exec", "ok", time.Now())
	m.ActivationStarted("payment")
	m.IncRejection("giftcard-redeemer", "precondition_failed")
	m.SetIndexEntries("user-lookup", 3)
}

func TestCountersRegisterOnIsolatedRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ActivationStarted("giftcard")
	m.ActivationStarted("giftcard")
	m.ActivationStopped("giftcard")
	m.IncRetryExhausted("payment")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveActivations))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Activations.WithLabelValues("giftcard")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RetriesExhausted.WithLabelValues("payment")))
}
