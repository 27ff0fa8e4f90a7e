// Package metrics holds the prometheus instrumentation for both endpoint
// engines. Counters are registered on the default registry; binaries decide
// whether to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ServerDatagramsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padlink_server_datagrams_received_total", Help: "Total datagrams read by the server receive loop.",
	})
	ServerDecodeErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padlink_server_decode_errors_total", Help: "Total datagrams the server dropped as malformed.",
	})
	ServerDatagramsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "padlink_server_datagrams_sent_total", Help: "Total datagrams sent by the server.",
	}, []string{"kind"})
	ServerSendErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padlink_server_send_errors_total", Help: "Total failed sends to subscribers.",
	})
	ServerEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padlink_server_evictions_total", Help: "Total subscribers evicted after a failed send.",
	})
	ServerSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "padlink_server_subscribers", Help: "Current number of subscribed client addresses.",
	})

	ClientDatagramsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padlink_client_datagrams_received_total", Help: "Total datagrams read by the client receive loop.",
	})
	ClientDecodeErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padlink_client_decode_errors_total", Help: "Total datagrams the client dropped as malformed.",
	})
	ClientStalePackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padlink_client_stale_packets_total", Help: "Total controller data packets dropped as stale or duplicate.",
	})
	ClientEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "padlink_client_events_dropped_total", Help: "Total events dropped because the event queue was full.",
	})
)
