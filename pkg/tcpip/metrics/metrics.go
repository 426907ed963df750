// Copyright 2023 The gVisor Authors.
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

// Package metrics exports netstack counters to Prometheus.
//
// Every StatCounter in a tcpip.Stats becomes one counter metric named after
// its path, e.g. IP.PacketsSent is exported as <namespace>_ip_packets_sent.
package metrics

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
)

// DefaultNamespace prefixes every exported metric name unless the caller
// picks another.
const DefaultNamespace = "ip6stack"

type counter struct {
	desc *prometheus.Desc
	c    *tcpip.StatCounter
}

// Collector is a prometheus.Collector over the counters of a tcpip.Stats.
// Counters are read at scrape time, so the collector never goes stale.
type Collector struct {
	counters []counter
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector over stats. Counters that are nil in
// stats are not exported. constLabels are attached to every metric.
func NewCollector(namespace string, stats tcpip.Stats, constLabels prometheus.Labels) *Collector {
	c := &Collector{}
	stats.VisitStats(func(path string, sc *tcpip.StatCounter) {
		c.counters = append(c.counters, counter{
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "", MetricName(path)),
				"Netstack counter "+path+".",
				nil,
				constLabels,
			),
			c: sc,
		})
	})
	return c
}

// Describe implements prometheus.Collector.Describe.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cnt := range c.counters {
		ch <- cnt.desc
	}
}

// Collect implements prometheus.Collector.Collect.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, cnt := range c.counters {
		ch <- prometheus.MustNewConstMetric(cnt.desc, prometheus.CounterValue, float64(cnt.c.Value()))
	}
}

// MetricName converts a dotted counter path into a snake_case metric name.
// Runs of capitals are kept together, so DADFailures becomes dad_failures.
func MetricName(path string) string {
	var b strings.Builder
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('_')
		}
		r := []rune(part)
		for i, ch := range r {
			if i > 0 && unicode.IsUpper(ch) {
				prevLower := unicode.IsLower(r[i-1]) || unicode.IsDigit(r[i-1])
				nextLower := i+1 < len(r) && unicode.IsLower(r[i+1])
				if prevLower || (unicode.IsUpper(r[i-1]) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(ch))
		}
	}
	return b.String()
}

// NewRegistry returns a registry holding c and the standard Go runtime and
// process collectors.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, col := range []prometheus.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler returns an HTTP handler serving the metrics in reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
