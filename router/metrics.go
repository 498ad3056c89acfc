// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are always live; they are exported only when the core is
// given a registerer.
type metrics struct {
	dispatched       prometheus.Counter
	delivered        prometheus.Counter
	deliveryErrors   prometheus.Counter
	dropped          prometheus.Counter
	signalsForwarded prometheus.Counter
	signalErrors     prometheus.Counter
	replayed         prometheus.Counter
	retained         prometheus.Gauge
	destinations     prometheus.Gauge
	peers            prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer, routerID string) (*metrics, error) {
	labels := prometheus.Labels{"router": routerID}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "patchbay",
			Subsystem:   "router",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "patchbay",
			Subsystem:   "router",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &metrics{
		dispatched:       counter("dispatched_total", "Messages accepted for dispatch"),
		delivered:        counter("delivered_total", "Messages handed to a destination"),
		deliveryErrors:   counter("delivery_errors_total", "Destination send failures"),
		dropped:          counter("dropped_total", "Messages evicted from a full destination outbox"),
		signalsForwarded: counter("signals_forwarded_total", "Signaling messages relayed between peers"),
		signalErrors:     counter("signal_errors_total", "Signaling messages dropped as unroutable"),
		replayed:         counter("replayed_total", "Retained values sent to new subscribers"),
		retained:         gauge("retained_addresses", "Addresses with a stored last value"),
		destinations:     gauge("destinations", "Attached destinations"),
		peers:            gauge("peers", "Attached signaling peers"),
	}
	if registerer == nil {
		return m, nil
	}
	for _, collector := range []prometheus.Collector{
		m.dispatched, m.delivered, m.deliveryErrors, m.dropped,
		m.signalsForwarded, m.signalErrors, m.replayed, m.retained, m.destinations, m.peers,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("registering router metrics: %w", err)
		}
	}
	return m, nil
}
