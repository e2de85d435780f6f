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

package rpcclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// DialPath says how getOrDial obtained a connection.
type DialPath string

const (
	// DialPathCached: the connection was already cached.
	DialPathCached DialPath = "cached"
	// DialPathDialed: a free slot was available for a new dial.
	DialPathDialed DialPath = "dialed"
	// DialPathWaited: the cache was full and the caller waited for an
	// idle connection to evict.
	DialPathWaited DialPath = "waited"
)

// Metrics holds the instruments of the executor connection cache.
type Metrics struct {
	meter        metric.Meter
	connReuse    metric.Int64Counter
	connNew      metric.Int64Counter
	dialTimeouts metric.Int64Counter
	cacheSize    metric.Int64ObservableGauge
	dialDuration metric.Float64Histogram
}

// NewMetrics creates the cache instruments on the global meter provider.
func NewMetrics() *Metrics {
	return newMetrics(otel.Meter("github.com/multigres/multisplit/go/common/rpcclient"))
}

func newMetrics(meter metric.Meter) *Metrics {
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	m := &Metrics{
		meter:        meter,
		connReuse:    counter("multisplit.executor_client.conn.reused", "Executor connections lent out from the cache", "{conn}"),
		connNew:      counter("multisplit.executor_client.conn.created", "Executor connections dialed", "{conn}"),
		dialTimeouts: counter("multisplit.executor_client.dial.timeouts", "Dials abandoned while waiting for cache capacity", "{dial}"),
	}

	var err error
	if m.cacheSize, err = meter.Int64ObservableGauge(
		"multisplit.executor_client.conn.cached",
		metric.WithDescription("Executor connections currently cached"),
		metric.WithUnit("{conn}"),
	); err != nil {
		m.cacheSize = noop.Int64ObservableGauge{}
	}
	if m.dialDuration, err = meter.Float64Histogram(
		"multisplit.executor_client.dial.duration",
		metric.WithDescription("Time to obtain an executor connection"),
		metric.WithUnit("s"),
	); err != nil {
		m.dialDuration = noop.Float64Histogram{}
	}
	return m
}

// RegisterCacheSizeCallback reports size() through the cache size gauge.
func (m *Metrics) RegisterCacheSizeCallback(size func() int) error {
	if size == nil {
		return nil
	}
	_, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.cacheSize, int64(size()))
		return nil
	}, m.cacheSize)
	return err
}

func (m *Metrics) AddConnReuse(ctx context.Context) { m.connReuse.Add(ctx, 1) }

func (m *Metrics) AddConnNew(ctx context.Context) { m.connNew.Add(ctx, 1) }

func (m *Metrics) AddDialTimeout(ctx context.Context) { m.dialTimeouts.Add(ctx, 1) }

// RecordDialDuration records how long getOrDial took along path.
func (m *Metrics) RecordDialDuration(ctx context.Context, d time.Duration, path DialPath) {
	m.dialDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("path", string(path))))
}
