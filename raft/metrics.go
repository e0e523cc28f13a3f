package raft

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sushantsondhi/raftcore/common"
)

// Metrics holds the prometheus collectors of one raft server. Every
// collector carries a constant server_id label, so several servers may
// register with the same registry.
type Metrics struct {
	Term        prometheus.Gauge
	CommitIndex prometheus.Gauge
	LastApplied prometheus.Gauge
	State       *prometheus.GaugeVec

	ElectionsStarted    prometheus.Counter
	LeaderChanges       prometheus.Counter
	Proposals           prometheus.Counter
	AppendRejections    prometheus.Counter
	PersistenceFailures prometheus.Counter
	MessagesSent        *prometheus.CounterVec
	MessagesDropped     prometheus.Counter
	SendFailures        prometheus.Counter
}

func NewMetrics(id common.ServerID) *Metrics {
	const (
		namespace = "raft"
		subsystem = "server"
	)
	labels := prometheus.Labels{"server_id": strconv.FormatInt(int64(id), 10)}

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, ConstLabels: labels,
		})
	}

	return &Metrics{
		Term:        gauge("term", "Current term"),
		CommitIndex: gauge("commit_index", "Highest log index known to be committed"),
		LastApplied: gauge("last_applied", "Highest log index applied to the state machine"),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "state",
			Help:        "1 for the role the server is currently in, 0 otherwise",
			ConstLabels: labels,
		}, []string{"state"}),

		ElectionsStarted:    counter("elections_started_total", "Number of elections this server started"),
		LeaderChanges:       counter("leader_elected_total", "Number of times this server became leader"),
		Proposals:           counter("proposals_total", "Number of commands accepted while leader"),
		AppendRejections:    counter("append_rejections_total", "Number of AppendEntries rejected by followers"),
		PersistenceFailures: counter("persistence_failures_total", "Number of failed durable writes"),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "messages_sent_total",
			Help:        "Number of messages handed to the transport",
			ConstLabels: labels,
		}, []string{"kind"}),
		MessagesDropped: counter("messages_dropped_total", "Number of inbound messages dropped because the inbox was full"),
		SendFailures:    counter("send_failures_total", "Number of messages the transport refused"),
	}
}

func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Term,
		m.CommitIndex,
		m.LastApplied,
		m.State,
		m.ElectionsStarted,
		m.LeaderChanges,
		m.Proposals,
		m.AppendRejections,
		m.PersistenceFailures,
		m.MessagesSent,
		m.MessagesDropped,
		m.SendFailures,
	}
}

func (m *Metrics) observe(st Status) {
	m.Term.Set(float64(st.Term))
	m.CommitIndex.Set(float64(st.CommitIndex))
	m.LastApplied.Set(float64(st.LastApplied))
	for _, s := range []RaftState{Follower, Candidate, Leader, Stopped} {
		v := 0.0
		if s == st.State {
			v = 1
		}
		m.State.WithLabelValues(s.String()).Set(v)
	}
}
