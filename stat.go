package mqtt

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Stat is the broker's Prometheus metric registry. It is kept as a
// single package-level instance, same as the connection-counting
// metrics this is adapted from, extended with the session/subscription/
// retained-message gauges a broker (rather than a bare connection
// multiplexer) needs.
type Stat struct {
	Uptime              prometheus.Counter
	ActiveConnections   prometheus.Gauge
	PacketReceived      prometheus.Counter
	ByteReceived        prometheus.Counter
	PacketSent          prometheus.Counter
	ByteSent            prometheus.Counter
	SessionsActive      prometheus.Gauge
	SessionsOffline     prometheus.Gauge
	RetainedMessages    prometheus.Gauge
	SubscriptionsTotal  prometheus.Gauge
	OfflineQueueDropped prometheus.Counter
}

var stat = Stat{
	Uptime:              prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_uptime_seconds", Help: "The uptime in seconds"}),
	ActiveConnections:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_active_client_count", Help: "The active number of MQTT clients"}),
	PacketReceived:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_packets", Help: "The total number of received MQTT packets"}),
	ByteReceived:        prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_bytes", Help: "The total number of received MQTT bytes"}),
	PacketSent:          prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_send_packets", Help: "The total number of send MQTT packets"}),
	ByteSent:            prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_send_bytes", Help: "The total number of send MQTT bytes"}),
	SessionsActive:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_sessions_active", Help: "The number of sessions with a live connection"}),
	SessionsOffline:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_sessions_offline", Help: "The number of sessions persisted with no live connection"}),
	RetainedMessages:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_retained_messages", Help: "The number of retained messages held"}),
	SubscriptionsTotal:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_subscriptions_total", Help: "The number of active subscriptions"}),
	OfflineQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_offline_queue_dropped_total", Help: "Messages dropped because an offline queue was full"}),
}

// Httpd serves the admin/metrics surface: Prometheus at /metrics and the
// standard net/http/pprof handlers, directly on a stdlib http.Server --
// prometheus/client_golang's own idiom, rather than routing it through
// an application-level request library that has no other consumer once
// broker-to-broker federation is dropped (see DESIGN.md).
func Httpd(addr string, log logrus.FieldLogger) error {
	stat.Register()
	stat.RefreshUptime()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	log.WithField("addr", addr).Info("http serve")
	return srv.ListenAndServe()
}

func (s *Stat) RefreshUptime() {
	go func() {
		tick := time.NewTicker(time.Second)
		for range tick.C {
			s.Uptime.Inc()
		}
	}()
}

// RefreshBrokerGauges snapshots the broker's live session/subscription/
// retained-message counts into the gauges above every interval until ctx
// is done. cmd/mqtt-server runs it in its own goroutine.
func RefreshBrokerGauges(ctx context.Context, b *Broker, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			active, offline := b.sessionCounts()
			stat.SessionsActive.Set(float64(active))
			stat.SessionsOffline.Set(float64(offline))
			stat.RetainedMessages.Set(float64(b.Retained.Size()))
			stat.SubscriptionsTotal.Set(float64(b.Subscriptions.Size()))
		}
	}
}

func (s *Stat) Register() {
	prometheus.MustRegister(
		s.Uptime,
		s.ActiveConnections,
		s.PacketReceived,
		s.ByteReceived,
		s.PacketSent,
		s.ByteSent,
		s.SessionsActive,
		s.SessionsOffline,
		s.RetainedMessages,
		s.SubscriptionsTotal,
		s.OfflineQueueDropped,
	)
}
