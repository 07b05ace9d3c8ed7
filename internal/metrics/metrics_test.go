package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestResourceGroupMetrics(t *testing.T) {
	t.Run("GroupConstructSeconds", func(t *testing.T) {
		assert.NotPanics(t, func() {
			GroupConstructSeconds.Observe(0.25)
		})
	})

	t.Run("GroupContexts", func(t *testing.T) {
		GroupContexts.Set(0)
		GroupContexts.Add(3)
		GroupContexts.Dec()
		assert.Equal(t, float64(2), testutil.ToFloat64(GroupContexts))
	})

	t.Run("GroupCommunicators", func(t *testing.T) {
		GroupCommunicators.Set(4)
		assert.Equal(t, float64(4), testutil.ToFloat64(GroupCommunicators))
	})

	t.Run("GroupConstructFailures", func(t *testing.T) {
		before := testutil.ToFloat64(GroupConstructFailures.WithLabelValues(KindInvalidTopology))
		GroupConstructFailures.WithLabelValues(KindInvalidTopology).Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(GroupConstructFailures.WithLabelValues(KindInvalidTopology)))
	})

	t.Run("GroupTeardownFailures", func(t *testing.T) {
		before := testutil.ToFloat64(GroupTeardownFailures.WithLabelValues("rng"))
		GroupTeardownFailures.WithLabelValues("rng").Inc()
		assert.Equal(t, before+1, testutil.ToFloat64(GroupTeardownFailures.WithLabelValues("rng")))
	})
}

func TestWorkerPoolMetrics(t *testing.T) {
	PoolTasksSubmitted.WithLabelValues("0").Inc()
	PoolTasksCompleted.WithLabelValues("0", "ok").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(PoolTasksSubmitted.WithLabelValues("0")), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(PoolTasksCompleted.WithLabelValues("0", "ok")), float64(1))
	assert.NotPanics(t, func() {
		PoolTaskSeconds.WithLabelValues("0").Observe(0.001)
	})
}

func TestMetricsRegistration(t *testing.T) {
	// Ensure all metrics are properly registered
	metrics := []prometheus.Collector{
		GroupConstructSeconds,
		GroupConstructFailures,
		GroupContexts,
		GroupCommunicators,
		GroupTeardownFailures,
		PoolTasksSubmitted,
		PoolTasksCompleted,
		PoolTaskSeconds,
	}

	for _, metric := range metrics {
		err := prometheus.Register(metric)
		assert.Error(t, err, "collector should already be registered by promauto")
		_, ok := err.(prometheus.AlreadyRegisteredError)
		assert.True(t, ok)
	}
}
