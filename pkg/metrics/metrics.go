/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics holds the control plane's prometheus registry and the
// metric definitions shared across components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all control-plane metrics.
	Namespace = "sandbox"

	// Common label names.
	TemplateLabel = "template"
	StatusLabel   = "status"
	ReasonLabel   = "reason"
	TierLabel     = "tier"
	OutcomeLabel  = "outcome"
	BackendLabel  = "backend"
	OperationLabel = "operation"
)

// Registry is the process-local registry exported on GET /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// DurationBuckets returns the default threshold values for duration
// histograms. Each returned slice is new and may be modified without
// impacting other bucket definitions.
func DurationBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.35, 0.4, 0.45, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0,
		1.25, 1.5, 1.75, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5, 6, 7, 8, 9, 10, 15, 20, 25, 30, 40, 50, 60}
}

// Measure returns a deferrable that observes the elapsed time on observer.
func Measure(observer prometheus.Observer) func() {
	start := time.Now()
	return func() { observer.Observe(time.Since(start).Seconds()) }
}

var (
	SessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions created, by template.",
		},
		[]string{TemplateLabel},
	)
	SessionsTerminated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sessions",
			Name:      "terminated_total",
			Help:      "Sessions moved to a terminal status, by reason.",
		},
		[]string{ReasonLabel},
	)
	ExecutionsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "executions",
			Name:      "submitted_total",
			Help:      "Executions submitted to executors, by template.",
		},
		[]string{TemplateLabel},
	)
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Wall-clock execution duration as reported by executors.",
			Buckets:   DurationBuckets(),
		},
		[]string{StatusLabel},
	)
	CallbackResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "callbacks",
			Name:      "results_total",
			Help:      "Result callbacks ingested, by outcome (applied, duplicate, rejected).",
		},
		[]string{OutcomeLabel},
	)
	SchedulerPlacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "placement_total",
			Help:      "Placement decisions, by winning tier (warm_pool, affinity, load_balance, none).",
		},
		[]string{TierLabel},
	)
	SchedulingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "duration_seconds",
			Help:      "Duration of the placement decision.",
			Buckets:   DurationBuckets(),
		},
	)
	WarmPoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "scheduler",
			Name:      "warm_pool_size",
			Help:      "Idle warm containers available per template.",
		},
		[]string{TemplateLabel},
	)
	HeartbeatCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "executions",
			Name:      "heartbeat_crashes_total",
			Help:      "Executions marked crashed by the heartbeat sweeper.",
		},
	)
	NodeStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "nodes",
			Name:      "status",
			Help:      "Node count by status.",
		},
		[]string{StatusLabel},
	)
	StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Object-store operation latency, by operation.",
			Buckets:   DurationBuckets(),
		},
		[]string{OperationLabel},
	)
)

func init() {
	Registry.MustRegister(
		SessionsCreated,
		SessionsTerminated,
		ExecutionsSubmitted,
		ExecutionDuration,
		CallbackResults,
		SchedulerPlacements,
		SchedulingDuration,
		WarmPoolSize,
		HeartbeatCrashes,
		NodeStatus,
		StorageOperationDuration,
	)
}
