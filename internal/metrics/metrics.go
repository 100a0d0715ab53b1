// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for the executor and the
// workflow engine. Collectors are registered on a caller-supplied registry so
// tests can isolate their own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Executor holds the command executor collectors.
type Executor struct {
	CommandsStarted        prometheus.Counter
	CommandsCompleted      *prometheus.CounterVec
	RateLimitRejections    prometheus.Counter
	ConcurrencyRejections  prometheus.Counter
	RunningProcesses       prometheus.Gauge
	QueueDepth             prometheus.Gauge
	CommandDurationSeconds prometheus.Histogram
}

// NewExecutor creates and registers the executor collectors.
func NewExecutor(reg prometheus.Registerer) *Executor {
	m := &Executor{
		CommandsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_commands_started_total",
			Help: "Total subprocesses launched.",
		}),
		CommandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_commands_completed_total",
			Help: "Total subprocesses reaching a terminal state, by status.",
		}, []string{"status"}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_rate_limit_rejections_total",
			Help: "Total launches rejected by the rate limiter.",
		}),
		ConcurrencyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_concurrency_rejections_total",
			Help: "Total launches rejected by the concurrency manager.",
		}),
		RunningProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_running_processes",
			Help: "Subprocesses currently registered with the executor.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_queue_depth",
			Help: "Requests waiting in the concurrency queue.",
		}),
		CommandDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "foreman_command_duration_seconds",
			Help:    "Wall-clock duration of completed subprocesses.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CommandsStarted, m.CommandsCompleted, m.RateLimitRejections,
			m.ConcurrencyRejections, m.RunningProcesses, m.QueueDepth,
			m.CommandDurationSeconds,
		)
	}
	return m
}

// Engine holds the workflow engine collectors.
type Engine struct {
	StepsTotal          *prometheus.CounterVec
	StepDurationSeconds prometheus.Histogram
	WorkflowsTotal      *prometheus.CounterVec
}

// NewEngine creates and registers the workflow engine collectors.
func NewEngine(reg prometheus.Registerer) *Engine {
	m := &Engine{
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_workflow_steps_total",
			Help: "Workflow steps reaching a terminal status.",
		}, []string{"type", "status"}),
		StepDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "foreman_step_duration_seconds",
			Help:    "Duration of workflow step executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
		WorkflowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "foreman_workflows_total",
			Help: "Workflow executions by final status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.StepsTotal, m.StepDurationSeconds, m.WorkflowsTotal)
	}
	return m
}
