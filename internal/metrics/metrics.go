package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Construction failure kinds.
const (
	KindInvalidTopology     = "invalid_topology"
	KindHandleCreation      = "handle_creation"
	KindCollectiveFormation = "collective_formation"
	KindOther               = "other"
)

var (
	// Resource Group Metrics
	GroupConstructSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "resource_group_construct_seconds",
		Help:    "Time to validate the topology, form communicators and create execution contexts",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
	})

	GroupConstructFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_group_construct_failures_total",
		Help: "Failed resource group constructions by failure kind",
	}, []string{"kind"})

	GroupContexts = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resource_group_contexts",
		Help: "Number of live device execution contexts",
	})

	GroupCommunicators = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "resource_group_communicators",
		Help: "Number of live collective communicator endpoints",
	})

	GroupTeardownFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resource_group_teardown_failures_total",
		Help: "Failed teardown steps by step name",
	}, []string{"step"})

	// Worker Pool Metrics
	PoolTasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_pool_tasks_submitted_total",
		Help: "Tasks submitted to the worker pool by lane",
	}, []string{"lane"})

	PoolTasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_pool_tasks_completed_total",
		Help: "Tasks completed by the worker pool by lane and status",
	}, []string{"lane", "status"})

	PoolTaskSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_pool_task_seconds",
		Help:    "Task execution time on a worker pool lane",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 18), // 100us to ~13s
	}, []string{"lane"})
)
