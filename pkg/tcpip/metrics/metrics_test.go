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

package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ip6stack/ip6stack/pkg/tcpip"
	"github.com/ip6stack/ip6stack/pkg/tcpip/metrics"
)

func TestMetricName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"IP.PacketsSent", "ip_packets_sent"},
		{"ICMP.PacketsSent.EchoRequest", "icmp_packets_sent_echo_request"},
		{"AddrCfg.DADFailures", "addr_cfg_dad_failures"},
		{"MLD.ReportsSuppressed", "mld_reports_suppressed"},
		{"Fragmentation.Timeouts", "fragmentation_timeouts"},
		{"IP.InvalidDestinationAddressesReceived", "ip_invalid_destination_addresses_received"},
	}
	for _, test := range tests {
		if got := metrics.MetricName(test.path); got != test.want {
			t.Errorf("got MetricName(%q) = %q, want = %q", test.path, got, test.want)
		}
	}
}

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	reg, err := metrics.NewRegistry(c)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	srv := httptest.NewServer(metrics.Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET %s: %v", srv.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return string(body)
}

func TestCollectorExportsCounters(t *testing.T) {
	stats := tcpip.Stats{}.FillIn()
	stats.IP.PacketsSent.IncrementBy(3)
	stats.ICMP.PacketsReceived.EchoRequest.Increment()

	c := metrics.NewCollector(metrics.DefaultNamespace, stats, prometheus.Labels{"stack": "test"})
	body := scrape(t, c)

	for _, want := range []string{
		"# TYPE ip6stack_ip_packets_sent counter",
		`ip6stack_ip_packets_sent{stack="test"} 3`,
		`ip6stack_icmp_packets_received_echo_request{stack="test"} 1`,
		`ip6stack_mld_send_errors{stack="test"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

// Counters are read at scrape time.
func TestCollectorIsLive(t *testing.T) {
	stats := tcpip.Stats{}.FillIn()
	c := metrics.NewCollector("", stats, nil)

	stats.AddrCfg.AddressesAdded.IncrementBy(7)
	if body := scrape(t, c); !strings.Contains(body, "addr_cfg_addresses_added 7") {
		t.Errorf("scrape output missing live counter value:\n%s", body)
	}
}

func TestCollectorSkipsNilCounters(t *testing.T) {
	var stats tcpip.Stats
	stats.IP.PacketsSent = new(tcpip.StatCounter)

	ch := make(chan *prometheus.Desc, 10)
	metrics.NewCollector("x", stats, nil).Describe(ch)
	close(ch)

	var n int
	for range ch {
		n++
	}
	if n != 1 {
		t.Errorf("got %d descriptors, want = 1", n)
	}
}
