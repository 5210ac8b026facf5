// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package writethrottle

import "github.com/prometheus/client_golang/prometheus"

var (
	throttleDesc = prometheus.NewDesc(
		"writethrottle_rate_bytes_per_second",
		"Current write throttle.", nil, nil)
	stateDesc = prometheus.NewDesc(
		"writethrottle_state",
		"Lifecycle state of the controller (1 for the current state).", []string{"state"}, nil)
	eventsDesc = prometheus.NewDesc(
		"writethrottle_events_total",
		"Flush and compaction events by outcome.", []string{"kind"}, nil)
	cyclesDesc = prometheus.NewDesc(
		"writethrottle_cycles_total",
		"Recalculation cycles by outcome.", []string{"outcome"}, nil)
	rawRateDesc = prometheus.NewDesc(
		"writethrottle_raw_rate_bytes_per_second",
		"Unsmoothed rate computed by the most recent cycle with data.", nil, nil)
	backlogDesc = prometheus.NewDesc(
		"writethrottle_compaction_backlog",
		"Compaction backlog read by the most recent cycle.", nil, nil)
	pendingDesc = prometheus.NewDesc(
		"writethrottle_pending_compaction_bytes",
		"Pending compaction bytes read by the most recent cycle.", nil, nil)
)

type collector struct {
	c *Controller
}

// NewCollector returns a prometheus.Collector exporting the controller's
// Metrics.
func NewCollector(c *Controller) prometheus.Collector {
	return collector{c: c}
}

// Describe implements prometheus.Collector.
func (collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- throttleDesc
	ch <- stateDesc
	ch <- eventsDesc
	ch <- cyclesDesc
	ch <- rawRateDesc
	ch <- backlogDesc
	ch <- pendingDesc
}

// Collect implements prometheus.Collector.
func (col collector) Collect(ch chan<- prometheus.Metric) {
	m := col.c.Metrics()
	ch <- prometheus.MustNewConstMetric(throttleDesc, prometheus.GaugeValue, float64(m.Throttle))
	for s := StateNotStarted; s <= StateDone; s++ {
		v := 0.0
		if s == m.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, v, s.String())
	}
	for _, e := range []struct {
		kind string
		n    uint64
	}{
		{"flush", m.Events.Flushes},
		{"compaction", m.Events.Compactions},
		{"filtered", m.Events.Filtered},
		{"overflowed", m.Events.Overflowed},
		{"dropped", m.Events.Dropped},
	} {
		ch <- prometheus.MustNewConstMetric(eventsDesc, prometheus.CounterValue, float64(e.n), e.kind)
	}
	cm := &m.Cycles
	ch <- prometheus.MustNewConstMetric(cyclesDesc, prometheus.CounterValue, float64(cm.Count), "all")
	ch <- prometheus.MustNewConstMetric(cyclesDesc, prometheus.CounterValue, float64(cm.Skipped), "skipped")
	ch <- prometheus.MustNewConstMetric(cyclesDesc, prometheus.CounterValue, float64(cm.Failed), "failed")
	ch <- prometheus.MustNewConstMetric(cyclesDesc, prometheus.CounterValue, float64(cm.Applied), "applied")
	ch <- prometheus.MustNewConstMetric(rawRateDesc, prometheus.GaugeValue, float64(cm.LastRawRate))
	ch <- prometheus.MustNewConstMetric(backlogDesc, prometheus.GaugeValue, float64(cm.CompactionBacklog))
	ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(cm.PendingCompactionBytes))
}
