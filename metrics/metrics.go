// Package metrics exposes Prometheus collectors of the user agent.
// All methods are safe on a nil *Collector, which disables collection.
package metrics

import (
	"strconv"
	"time"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghettovoice/sipua/sip"
)

// Direction of a message relative to the user agent.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Collector groups the user agent metrics.
type Collector struct {
	messages        *prometheus.CounterVec
	transactions    *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	registrations   *prometheus.CounterVec

	activeSessions     prometheus.Gauge
	activeDialogs      prometheus.Gauge
	activeTransactions prometheus.Gauge
}

// New creates the collectors and registers them in reg.
// A nil reg uses [prometheus.DefaultRegisterer].
func New(reg prometheus.Registerer, namespace string) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "sipua"
	}

	c := &Collector{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sip_messages_total",
				Help:      "Total number of SIP messages by direction, method and status code.",
			},
			[]string{"direction", "method", "status"},
		),
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sip_transactions_total",
				Help:      "Total number of created SIP transactions by type.",
			},
			[]string{"type"},
		),
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of finished sessions by direction, outcome and cause.",
			},
			[]string{"direction", "outcome", "cause"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of confirmed sessions.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"direction"},
		),
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "Total number of registration outcomes.",
			},
			[]string{"result"},
		),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live sessions.",
		}),
		activeDialogs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dialogs_active",
			Help:      "Number of live dialogs.",
		}),
		activeTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sip_transactions_active",
			Help:      "Number of live SIP transactions.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.messages,
		c.transactions,
		c.sessions,
		c.sessionDuration,
		c.registrations,
		c.activeSessions,
		c.activeDialogs,
		c.activeTransactions,
	} {
		if err := reg.Register(col); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}
	return c, nil
}

// ObserveMessage counts a sent or received message.
func (c *Collector) ObserveMessage(dir Direction, msg sip.Message) {
	if c == nil {
		return
	}
	var method, status string
	switch m := msg.(type) {
	case *sip.Request:
		method, status = string(m.Method), ""
	case *sip.Response:
		cseq, _ := m.CSeq()
		method, status = string(cseq.Method), strconv.Itoa(int(m.Status))
	default:
		return
	}
	c.messages.WithLabelValues(string(dir), method, status).Inc()
}

func (c *Collector) TransactionCreated(typ sip.TransactionType) {
	if c == nil {
		return
	}
	c.transactions.WithLabelValues(string(typ)).Inc()
}

// SessionFinished counts a finished session. A non-zero duration is observed for confirmed sessions.
func (c *Collector) SessionFinished(direction, outcome, cause string, duration time.Duration) {
	if c == nil {
		return
	}
	c.sessions.WithLabelValues(direction, outcome, cause).Inc()
	if duration > 0 {
		c.sessionDuration.WithLabelValues(direction).Observe(duration.Seconds())
	}
}

func (c *Collector) RegistrationResult(result string) {
	if c == nil {
		return
	}
	c.registrations.WithLabelValues(result).Inc()
}

func (c *Collector) SetActive(sessions, dialogs, transactions int) {
	if c == nil {
		return
	}
	c.activeSessions.Set(float64(sessions))
	c.activeDialogs.Set(float64(dialogs))
	c.activeTransactions.Set(float64(transactions))
}
