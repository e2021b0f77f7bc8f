// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cryptcompress

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "clusterfs"

// Checkout outcomes.
const (
	outcomeCommitted = "committed"
	outcomePunched   = "punched"
	outcomeEmpty     = "empty"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	checkins        prometheus.Counter
	checkouts       *prometheus.CounterVec
	compressions    *prometheus.CounterVec
	logicalBytes    prometheus.Counter
	storedBytes     prometheus.Counter
	decodedBytes    prometheus.Counter
	corruptClusters prometheus.Counter

	registerer prometheus.Registerer
}

// NewMetrics creates the collectors and registers them.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		checkins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "checkins_total",
			Help:      "Cluster modifications submitted for writeback.",
		}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "checkouts_total",
			Help:      "Cluster checkouts by outcome.",
		}, []string{"outcome"}),
		compressions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "compression_attempts_total",
			Help:      "Compression attempts by result.",
		}, []string{"result"}),
		logicalBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "encoded_logical_bytes_total",
			Help:      "Plaintext bytes of committed clusters.",
		}),
		storedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "encoded_stored_bytes_total",
			Help:      "Stored bytes of committed clusters.",
		}),
		decodedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decoded_bytes_total",
			Help:      "Plaintext bytes decoded from stored clusters.",
		}),
		corruptClusters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "corrupt_clusters_total",
			Help:      "Stored clusters that failed to decode.",
		}),
		registerer: registerer,
	}
	collectors := []prometheus.Collector{
		m.checkins, m.checkouts, m.compressions,
		m.logicalBytes, m.storedBytes, m.decodedBytes, m.corruptClusters,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe registers gauges that sample engine state on scrape.
func (m *Metrics) Observe(engine *Engine) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "dirty_clusters",
			Help:      "Clusters checked in and not yet written back.",
		}, func() float64 { return float64(engine.txn.Dirty()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "space_free_blocks",
			Help:      "Blocks neither reserved nor used.",
		}, func() float64 { return float64(engine.space.Stats().Free) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "space_used_blocks",
			Help:      "Blocks held by stored clusters.",
		}, func() float64 { return float64(engine.space.Stats().Used) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cache_pages",
			Help:      "Resident page cache pages.",
		}, func() float64 { return float64(engine.cache.Stats().Pages) }),
	}
	for _, gauge := range gauges {
		if err := m.registerer.Register(gauge); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) checkin() {
	if m != nil {
		m.checkins.Inc()
	}
}

func (m *Metrics) checkout(outcome string) {
	if m != nil {
		m.checkouts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) compression(result encodeResult) {
	if m == nil || !result.attempted {
		return
	}
	if result.compressed {
		m.compressions.WithLabelValues("accepted").Inc()
	} else {
		m.compressions.WithLabelValues("discarded").Inc()
	}
}

func (m *Metrics) encoded(logical, stored int) {
	if m != nil {
		m.logicalBytes.Add(float64(logical))
		m.storedBytes.Add(float64(stored))
	}
}

func (m *Metrics) decoded(n int) {
	if m != nil {
		m.decodedBytes.Add(float64(n))
	}
}

func (m *Metrics) corrupt() {
	if m != nil {
		m.corruptClusters.Inc()
	}
}
