package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	t.Run("SignalingMessages", func(t *testing.T) {
		c := SignalingMessages.WithLabelValues("sent", "offer", "ok")
		before := testutil.ToFloat64(c)
		c.Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(c))
	})

	t.Run("RedisOperationsTotal", func(t *testing.T) {
		c := RedisOperationsTotal.WithLabelValues("publish", "success")
		before := testutil.ToFloat64(c)
		c.Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(c))
	})

	t.Run("CircuitBreakerFailures", func(t *testing.T) {
		c := CircuitBreakerFailures.WithLabelValues("test")
		c.Add(2)
		assert.Equal(t, float64(2), testutil.ToFloat64(c))
	})
}

func TestGauges(t *testing.T) {
	before := testutil.ToFloat64(ActiveSessions)
	ActiveSessions.Inc()
	ActiveSessions.Inc()
	ActiveSessions.Dec()
	assert.Equal(t, before+1, testutil.ToFloat64(ActiveSessions))
	ActiveSessions.Dec()

	CircuitBreakerState.WithLabelValues("test").Set(2)
	assert.Equal(t, float64(2), testutil.ToFloat64(CircuitBreakerState.WithLabelValues("test")))
}

func TestHistograms(t *testing.T) {
	assert.NotPanics(t, func() {
		RedisOperationDuration.WithLabelValues("get").Observe(0.002)
		NegotiationDuration.WithLabelValues("host").Observe(1.2)
	})
	assert.Equal(t, 1, testutil.CollectAndCount(NegotiationDuration))
}
