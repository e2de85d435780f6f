// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package reader

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/multigres/multisplit/go/common/mterrors"
)

// Metrics holds the OpenTelemetry instruments of split readers. One value
// is shared by all readers of a process.
type Metrics struct {
	rowsRead      metric.Int64Counter
	streamsOpened metric.Int64Counter
	streamErrors  metric.Int64Counter
	openDuration  OpenDuration
}

// OpenDuration wraps a Float64Histogram for the time from dial to schema.
type OpenDuration struct {
	metric.Float64Histogram
}

// Record records how long an Open took, labelled by whether the reader
// attached to a fragment already running.
func (m OpenDuration) Record(ctx context.Context, d time.Duration, attached bool) {
	m.Float64Histogram.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("attached", attached)))
}

// NewMetrics creates the reader instruments on the global meter provider.
// Instruments that fail to register fall back to no-ops.
func NewMetrics() *Metrics {
	return newMetrics(otel.Meter("github.com/multigres/multisplit/go/bridge/reader"))
}

func newMetrics(meter metric.Meter) *Metrics {
	m := &Metrics{}

	var err error
	m.rowsRead, err = meter.Int64Counter(
		"reader.rows",
		metric.WithDescription("Rows delivered to callers by split readers"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		m.rowsRead = noop.Int64Counter{}
	}

	m.streamsOpened, err = meter.Int64Counter(
		"reader.streams.opened",
		metric.WithDescription("Fragment streams that completed the schema handshake"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		m.streamsOpened = noop.Int64Counter{}
	}

	m.streamErrors, err = meter.Int64Counter(
		"reader.streams.errors",
		metric.WithDescription("Fragment streams that ended in an error, by error kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.streamErrors = noop.Int64Counter{}
	}

	openHist, err := meter.Float64Histogram(
		"reader.open.duration",
		metric.WithDescription("Duration of the dial and schema handshake"),
		metric.WithUnit("s"),
	)
	if err != nil {
		m.openDuration = OpenDuration{noop.Float64Histogram{}}
	} else {
		m.openDuration = OpenDuration{openHist}
	}

	return m
}

// AddRows counts delivered rows.
func (m *Metrics) AddRows(ctx context.Context, n int) {
	m.rowsRead.Add(ctx, int64(n))
}

// AddStreamOpened counts a completed handshake.
func (m *Metrics) AddStreamOpened(ctx context.Context, attached bool) {
	m.streamsOpened.Add(ctx, 1, metric.WithAttributes(attribute.Bool("attached", attached)))
}

// AddStreamError counts a failed stream under the kind of err.
func (m *Metrics) AddStreamError(ctx context.Context, err error) {
	m.streamErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", mterrors.KindOf(err).String())))
}

// RecordOpenDuration records the handshake time.
func (m *Metrics) RecordOpenDuration(ctx context.Context, d time.Duration, attached bool) {
	m.openDuration.Record(ctx, d, attached)
}
