// Copyright 2025 Supabase, Inc.
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

package executor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/multigres/multisplit/go/common/mterrors"
)

// Metrics holds the OpenTelemetry instruments of an executor.
type Metrics struct {
	meter        metric.Meter
	runsStarted  metric.Int64Counter
	runsFailed   metric.Int64Counter
	attaches     metric.Int64Counter
	rowsSent     metric.Int64Counter
	cancels      metric.Int64Counter
	activeRuns   metric.Int64ObservableGauge
	runDuration  RunDuration
	registration metric.Registration
}

// RunDuration wraps a Float64Histogram for fragment execution times.
type RunDuration struct {
	metric.Float64Histogram
}

// Record records how long a run took, labelled by the kind of its error.
func (m RunDuration) Record(ctx context.Context, d time.Duration, err error) {
	kind := "ok"
	if err != nil {
		kind = mterrors.KindOf(err).String()
	}
	m.Float64Histogram.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("result", kind)))
}

// NewMetrics creates executor instruments on the global meter provider.
func NewMetrics() *Metrics {
	return newMetrics(otel.Meter("github.com/multigres/multisplit/go/services/executor"))
}

func newMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{meter: meter}

	var err error
	m.runsStarted, err = meter.Int64Counter(
		"executor.fragments.started",
		metric.WithDescription("Fragment runs started"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		m.runsStarted = noop.Int64Counter{}
	}

	m.runsFailed, err = meter.Int64Counter(
		"executor.fragments.failed",
		metric.WithDescription("Fragment runs that ended in an error, by error kind"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		m.runsFailed = noop.Int64Counter{}
	}

	m.attaches, err = meter.Int64Counter(
		"executor.fragments.attached",
		metric.WithDescription("Streams that attached to a run already in the fragment table"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		m.attaches = noop.Int64Counter{}
	}

	m.rowsSent, err = meter.Int64Counter(
		"executor.rows.sent",
		metric.WithDescription("Rows sent on fragment streams"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		m.rowsSent = noop.Int64Counter{}
	}

	m.cancels, err = meter.Int64Counter(
		"executor.fragments.cancelled",
		metric.WithDescription("Fragment runs aborted by CancelQuery"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		m.cancels = noop.Int64Counter{}
	}

	m.activeRuns, err = meter.Int64ObservableGauge(
		"executor.fragments.active",
		metric.WithDescription("Runs currently held in the fragment table"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		m.activeRuns = noop.Int64ObservableGauge{}
	}

	hist, err := meter.Float64Histogram(
		"executor.fragment.duration",
		metric.WithDescription("Duration of fragment executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		m.runDuration = RunDuration{noop.Float64Histogram{}}
	} else {
		m.runDuration = RunDuration{hist}
	}

	return m
}

// RegisterActiveRunsCallback observes the fragment table size.
func (m *Metrics) RegisterActiveRunsCallback(getter func() int) error {
	reg, err := m.meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			observer.ObserveInt64(m.activeRuns, int64(getter()))
			return nil
		},
		m.activeRuns,
	)
	if err != nil {
		return err
	}
	m.registration = reg
	return nil
}

// Unregister removes the active runs callback.
func (m *Metrics) Unregister() {
	if m.registration != nil {
		_ = m.registration.Unregister()
	}
}

func (m *Metrics) addRunStarted(ctx context.Context) {
	m.runsStarted.Add(ctx, 1)
}

func (m *Metrics) addRunFinished(ctx context.Context, d time.Duration, err error) {
	m.runDuration.Record(ctx, d, err)
	if err != nil {
		m.runsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", mterrors.KindOf(err).String())))
	}
}

func (m *Metrics) addAttach(ctx context.Context) {
	m.attaches.Add(ctx, 1)
}

func (m *Metrics) addRowsSent(ctx context.Context, n int) {
	m.rowsSent.Add(ctx, int64(n))
}

func (m *Metrics) addCancelled(ctx context.Context, n int) {
	m.cancels.Add(ctx, int64(n))
}
