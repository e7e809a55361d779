// Package metrics records link-layer counters for scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records link-layer metrics.
type Recorder interface {
	PacketIn(bytes int)
	PacketOut(bytes int)
	PacketRejected()
	SendError()
	UnitResent()
	UnitDuplicate()
	RoundTrip(rtt time.Duration)
	LinkCreated()
	LinkDestroyed()
	LinkEvent(kind string)
}

type dummy struct{}

// NewDummy constructs a recorder that drops everything.
func NewDummy() Recorder {
	return dummy{}
}

func (dummy) PacketIn(int)            {}
func (dummy) PacketOut(int)           {}
func (dummy) PacketRejected()         {}
func (dummy) SendError()              {}
func (dummy) UnitResent()             {}
func (dummy) UnitDuplicate()          {}
func (dummy) RoundTrip(time.Duration) {}
func (dummy) LinkCreated()            {}
func (dummy) LinkDestroyed()          {}
func (dummy) LinkEvent(string)        {}

type prom struct {
	packetsIn  prometheus.Counter
	packetsOut prometheus.Counter
	bytesIn    prometheus.Counter
	bytesOut   prometheus.Counter
	rejected   prometheus.Counter
	sendErrors prometheus.Counter
	resends    prometheus.Counter
	dups       prometheus.Counter
	rtt        prometheus.Summary
	links      prometheus.Gauge
	events     *prometheus.CounterVec
}

// NewPrometheus constructs a recorder whose collectors are registered with reg
// under the given namespace.
func NewPrometheus(namespace string, reg prometheus.Registerer) Recorder {
	f := promauto.With(reg)
	return &prom{
		packetsIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_received_total",
			Help: "Datagrams accepted by the link layer",
		}),
		packetsOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_sent_total",
			Help: "Datagrams written to sockets",
		}),
		bytesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Bytes received including IP and UDP headers",
		}),
		bytesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Bytes sent including IP and UDP headers",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "packets_rejected_total",
			Help: "Datagrams that failed to decode",
		}),
		sendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_errors_total",
			Help: "Socket writes that failed",
		}),
		resends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "units_resent_total",
			Help: "Data units marked for retransmission",
		}),
		dups: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "units_duplicate_total",
			Help: "Data units received more than once",
		}),
		rtt: f.NewSummary(prometheus.SummaryOpts{
			Namespace: namespace, Name: "round_trip_seconds",
			Help:       "Time from the latest write of a unit to its acknowledgment",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		links: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "links",
			Help: "Links currently open",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "link_events_total",
			Help: "Link lifecycle events by type",
		}, []string{"type"}),
	}
}

func (m *prom) PacketIn(bytes int) {
	m.packetsIn.Inc()
	m.bytesIn.Add(float64(bytes))
}

func (m *prom) PacketOut(bytes int) {
	m.packetsOut.Inc()
	m.bytesOut.Add(float64(bytes))
}

func (m *prom) PacketRejected()             { m.rejected.Inc() }
func (m *prom) SendError()                  { m.sendErrors.Inc() }
func (m *prom) UnitResent()                 { m.resends.Inc() }
func (m *prom) UnitDuplicate()              { m.dups.Inc() }
func (m *prom) RoundTrip(rtt time.Duration) { m.rtt.Observe(rtt.Seconds()) }
func (m *prom) LinkCreated()                { m.links.Inc() }
func (m *prom) LinkDestroyed()              { m.links.Dec() }
func (m *prom) LinkEvent(kind string)       { m.events.WithLabelValues(kind).Inc() }
