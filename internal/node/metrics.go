package node

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	received   prometheus.Counter
	duplicates prometheus.Counter
	malformed  prometheus.Counter
	delivered  prometheus.Counter
	propagated prometheus.Counter
	sent       prometheus.Counter
	linkErrors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, id int64) (*metrics, error) {
	labels := prometheus.Labels{"node": strconv.FormatInt(id, 10)}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "wavenet",
			Subsystem:   "node",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	m := &metrics{
		received:   counter("received_total", "Envelopes handed to the node by its transports."),
		duplicates: counter("duplicates_total", "Envelopes dropped because their hash was already seen."),
		malformed:  counter("malformed_total", "Envelopes dropped as null packets."),
		delivered:  counter("delivered_total", "Packets addressed to this node and passed to the handler."),
		propagated: counter("propagated_total", "Envelopes flooded to the neighbor set."),
		sent:       counter("sent_total", "Envelopes originated by this node."),
		linkErrors: counter("link_errors_total", "Failed sends over a single neighbor link."),
	}
	for _, c := range []prometheus.Collector{
		m.received, m.duplicates, m.malformed, m.delivered, m.propagated, m.sent, m.linkErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
