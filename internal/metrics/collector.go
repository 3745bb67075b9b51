// internal/metrics/collector.go

// Package metrics exposes multiplexer statistics to Prometheus.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"raw-uart-service/internal/protocol"
	"raw-uart-service/internal/uart"
)

const namespace = "raw_uart"

// Collector reads device statistics from a registry at scrape time.
type Collector struct {
	registry *uart.Registry

	txBytes        *prometheus.Desc
	rxBytes        *prometheus.Desc
	lineErrors     *prometheus.Desc
	bufferOverruns *prometheus.Desc
	protocolErrors *prometheus.Desc
	connected      *prometheus.Desc
	openConns      *prometheus.Desc
	maxConns       *prometheus.Desc
	rxQueued       *prometheus.Desc
	senders        *prometheus.Desc
}

// NewCollector creates a collector for every device in registry.
func NewCollector(registry *uart.Registry) *Collector {
	labels := []string{"device", "slot"}
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append(labels, extra...), nil)
	}
	return &Collector{
		registry:       registry,
		txBytes:        desc("tx_bytes_total", "Bytes handed to the transport."),
		rxBytes:        desc("rx_bytes_total", "Bytes received from the transport, including break characters."),
		lineErrors:     desc("line_errors_total", "Received characters flagged with a line condition.", "kind"),
		bufferOverruns: desc("rx_buffer_overruns_total", "Received bytes dropped because the ring buffer was full."),
		protocolErrors: desc("protocol_errors_total", "Malformed transport frames dropped by the backend."),
		connected:      desc("connected", "1 while the transport is connected."),
		openConns:      desc("open_connections", "Open client connections."),
		maxConns:       desc("max_connections", "Configured client connection limit."),
		rxQueued:       desc("rx_queued_bytes", "Received bytes waiting to be read."),
		senders:        desc("pending_senders", "Writers waiting for transmit ownership.", "state"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.txBytes
	ch <- c.rxBytes
	ch <- c.lineErrors
	ch <- c.bufferOverruns
	ch <- c.protocolErrors
	ch <- c.connected
	ch <- c.openConns
	ch <- c.maxConns
	ch <- c.rxQueued
	ch <- c.senders
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.registry.List() {
		s := d.Stats()
		lv := []string{s.Name, strconv.Itoa(s.Slot)}

		counter := func(desc *prometheus.Desc, v uint64, extra ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), append(lv, extra...)...)
		}
		gauge := func(desc *prometheus.Desc, v float64, extra ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, append(lv, extra...)...)
		}

		counter(c.txBytes, s.Counters.Tx)
		counter(c.rxBytes, s.Counters.Rx)
		counter(c.lineErrors, s.Counters.Break, "break")
		counter(c.lineErrors, s.Counters.Parity, "parity")
		counter(c.lineErrors, s.Counters.Frame, "frame")
		counter(c.lineErrors, s.Counters.Overrun, "overrun")
		counter(c.bufferOverruns, s.Counters.BufferOverrun)
		if p, ok := d.Backend().(protocol.ProtocolErrorCounter); ok {
			counter(c.protocolErrors, p.ProtocolErrors())
		}

		connected := 0.0
		if s.Connected {
			connected = 1
		}
		gauge(c.connected, connected)
		gauge(c.openConns, float64(s.OpenCount))
		gauge(c.maxConns, float64(s.MaxConnections))
		gauge(c.rxQueued, float64(s.RxQueued))
		gauge(c.senders, float64(s.Suspended), "suspended")
		gauge(c.senders, float64(s.Waiting), "waiting")
	}
}

// NewRegistry returns a Prometheus registry holding the device collector
// together with the Go runtime and process collectors.
func NewRegistry(registry *uart.Registry) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(registry),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
