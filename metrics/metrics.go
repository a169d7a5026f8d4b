// Package metrics exports the statistics of an engine as Prometheus metrics.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rmcast/engine"
	"rmcast/log"
	"rmcast/message"
)

const namespace = "rmcast"

type counter struct {
	desc  *prometheus.Desc
	value func(engine.Stats) uint64
}

func newCounter(name, help string, labels prometheus.Labels, value func(engine.Stats) uint64) counter {
	return counter{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels),
		value: value,
	}
}

// Collector reads the statistics of one engine on every scrape
type Collector struct {
	stats    func() engine.Stats
	counters []counter
	pending  *prometheus.Desc
	lamport  *prometheus.Desc
}

// Create a collector for the process. The process id is added to every metric as the label "process"
func NewCollector(id message.ProcessID, stats func() engine.Stats) *Collector {
	labels := prometheus.Labels{"process": string(id)}
	c := &Collector{
		stats: stats,
		counters: []counter{
			newCounter("messages_sent_total", "Multicast messages sent.", labels, func(s engine.Stats) uint64 { return s.Sent }),
			newCounter("messages_received_total", "Distinct multicast messages received from peers.", labels, func(s engine.Stats) uint64 { return s.Received }),
			newCounter("messages_delivered_total", "Messages delivered to the application.", labels, func(s engine.Stats) uint64 { return s.Delivered }),
			newCounter("acks_sent_total", "Acknowledgments handed to the transport.", labels, func(s engine.Stats) uint64 { return s.AcksSent }),
			newCounter("acks_received_total", "Acknowledgments received.", labels, func(s engine.Stats) uint64 { return s.AcksReceived }),
			newCounter("retransmissions_total", "Pending messages sent again.", labels, func(s engine.Stats) uint64 { return s.Retransmissions }),
			newCounter("send_failures_total", "Frames the transport could not send.", labels, func(s engine.Stats) uint64 { return s.SendFailures }),
			newCounter("malformed_frames_total", "Inbound frames that could not be decoded.", labels, func(s engine.Stats) uint64 { return s.MalformedFrames }),
			newCounter("duplicates_dropped_total", "Inbound multicast messages that were already delivered.", labels, func(s engine.Stats) uint64 { return s.DuplicatesDropped }),
		},
		pending: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "pending_messages"),
			"Messages waiting for acknowledgments.", nil, labels),
		lamport: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "lamport_time"),
			"Current value of the logical clock.", nil, labels),
	}
	return c
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, ctr := range c.counters {
		ch <- ctr.desc
	}
	ch <- c.pending
	ch <- c.lamport
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	for _, ctr := range c.counters {
		ch <- prometheus.MustNewConstMetric(ctr.desc, prometheus.CounterValue, float64(ctr.value(s)))
	}
	ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(s.Pending))
	ch <- prometheus.MustNewConstMetric(c.lamport, prometheus.GaugeValue, float64(s.LamportTime))
}

// Serve the metrics of the registry on /metrics until ctx is done.
//
// Returns the error of binding the address. Errors after that are logged.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "metrics: listen on %s", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(ctx, "metrics server: %v", err)
		}
	}()
	log.Infof(ctx, "serving metrics on %s", ln.Addr())
	return ln.Addr(), nil
}
