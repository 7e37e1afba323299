package metrics

import (
	"context"
	"fmt"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.jonnrb.io/mdns_repeater/v2/repeater"
)

// Repeater is the Prometheus-based implementation of the [repeater.Metrics]
// interface.  Every family gets its own instance.
type Repeater struct {
	// receivedTotal is the counter of datagrams read from the socket.
	receivedTotal prometheus.Counter

	// droppedTotal is the counter of datagrams that were not repeated, by
	// reason.
	droppedTotal *prometheus.CounterVec

	// relayedTotal is the counter of datagrams sent, by outgoing interface.
	relayedTotal *prometheus.CounterVec

	// sendErrorsTotal is the counter of failed sends, by outgoing interface.
	sendErrorsTotal *prometheus.CounterVec
}

// NewRepeater registers the metrics of the repeater for family in reg and
// returns a properly initialized *Repeater.
func NewRepeater(reg prometheus.Registerer, family string) (m *Repeater, err error) {
	const (
		receivedTotal   = "received_total"
		droppedTotal    = "dropped_total"
		relayedTotal    = "relayed_total"
		sendErrorsTotal = "send_errors_total"
	)

	labels := prometheus.Labels{"family": family}

	m = &Repeater{
		receivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        receivedTotal,
			Namespace:   Namespace,
			Help:        "The total number of datagrams received.",
			ConstLabels: labels,
		}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        droppedTotal,
			Namespace:   Namespace,
			Help:        "The total number of received datagrams that were not repeated.",
			ConstLabels: labels,
		}, []string{"reason"}),
		relayedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        relayedTotal,
			Namespace:   Namespace,
			Help:        "The total number of datagrams repeated out of an interface.",
			ConstLabels: labels,
		}, []string{"iface"}),
		sendErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        sendErrorsTotal,
			Namespace:   Namespace,
			Help:        "The total number of failed sends out of an interface.",
			ConstLabels: labels,
		}, []string{"iface"}),
	}

	var errs []error
	collectors := container.KeyValues[string, prometheus.Collector]{{
		Key:   receivedTotal,
		Value: m.receivedTotal,
	}, {
		Key:   droppedTotal,
		Value: m.droppedTotal,
	}, {
		Key:   relayedTotal,
		Value: m.relayedTotal,
	}, {
		Key:   sendErrorsTotal,
		Value: m.sendErrorsTotal,
	}}

	for _, c := range collectors {
		err = reg.Register(c.Value)
		if err != nil {
			errs = append(errs, fmt.Errorf("registering metrics %q: %w", c.Key, err))
		}
	}

	if err = errors.Join(errs...); err != nil {
		return nil, err
	}

	return m, nil
}

// type check
var _ repeater.Metrics = (*Repeater)(nil)

// IncrementReceived implements the [repeater.Metrics] interface for *Repeater.
func (m *Repeater) IncrementReceived(_ context.Context) {
	m.receivedTotal.Inc()
}

// IncrementDropped implements the [repeater.Metrics] interface for *Repeater.
func (m *Repeater) IncrementDropped(_ context.Context, reason repeater.DropReason) {
	m.droppedTotal.WithLabelValues(string(reason)).Inc()
}

// IncrementRelayed implements the [repeater.Metrics] interface for *Repeater.
func (m *Repeater) IncrementRelayed(_ context.Context, iface string) {
	m.relayedTotal.WithLabelValues(iface).Inc()
}

// IncrementSendErrors implements the [repeater.Metrics] interface for
// *Repeater.
func (m *Repeater) IncrementSendErrors(_ context.Context, iface string) {
	m.sendErrorsTotal.WithLabelValues(iface).Inc()
}
