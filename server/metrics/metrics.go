package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Label constants.

	/// Task size class: `small`, `medium`, or `large`.
	SizeLabel = "size"

	/// Task attempt outcome: `ok`, `failed`, or `cancelled`.
	OutcomeLabel = "outcome"

	/// Fee distribution share: `runner`, `validator`, or `protocol`.
	ShareLabel = "share"
)

const (
	bsNamespace = "blocksched"
)

var (
	TasksScheduled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: bsNamespace,
		Subsystem: "scheduler",
		Name:      "tasks_scheduled_total",
		Help:      "Number of task schedule and reschedule events accepted.",
	}, []string{
		SizeLabel,
	})

	TasksCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: bsNamespace,
		Subsystem: "scheduler",
		Name:      "tasks_cancelled_total",
		Help:      "Number of tasks cancelled before execution.",
	}, []string{
		SizeLabel,
	})

	TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: bsNamespace,
		Subsystem: "executor",
		Name:      "tasks_executed_total",
		Help:      "Number of task slots consumed by the executor.",
	}, []string{
		SizeLabel,
		OutcomeLabel,
	})

	TaskDelayBlocks = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: bsNamespace,
		Subsystem: "executor",
		Name:      "task_delay_blocks",
		Help:      "Blocks elapsed between a task's scheduled block and its execution.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
	})

	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: bsNamespace,
		Subsystem: "pricing",
		Name:      "fees_collected_total",
		Help:      "Credit collected from schedulers, by size class.",
	}, []string{
		SizeLabel,
	})

	FeesPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: bsNamespace,
		Subsystem: "pricing",
		Name:      "fees_paid_total",
		Help:      "Credit paid out of the fee pool, by distribution share.",
	}, []string{
		ShareLabel,
	})

	IterationSkips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: bsNamespace,
		Subsystem: "loadbalancer",
		Name:      "iteration_skips_total",
		Help:      "Sub-ranges skipped via bitmap probes during hierarchical search.",
	})

	IterationBudgetStops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: bsNamespace,
		Subsystem: "loadbalancer",
		Name:      "iteration_budget_stops_total",
		Help:      "Searches abandoned early because the compute budget dropped below the safety margin.",
	})

	ExecuteBudgetSpent = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: bsNamespace,
		Subsystem: "executor",
		Name:      "execute_budget_spent",
		Help:      "Compute consumed by a single execute invocation.",
		Buckets:   prometheus.ExponentialBuckets(10_000, 2, 12),
	})
)
