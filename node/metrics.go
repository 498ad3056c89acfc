// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patchbay-dev/patchbay/bridge"
)

// registerNodeMetrics adds process, Go runtime, and control-plane
// collectors. The router core registers its own.
func registerNodeMetrics(registry *prometheus.Registry, n *Node) error {
	labels := prometheus.Labels{"router": n.config.Router.ID}
	countBridges := func(status bridge.Status) func() float64 {
		return func() float64 {
			count := 0
			for _, info := range n.bridges.List() {
				if info.Status == status {
					count++
				}
			}
			return float64(count)
		}
	}
	for _, collector := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "patchbay",
			Name:        "bridges_active",
			Help:        "Bridges currently moving messages.",
			ConstLabels: labels,
		}, countBridges(bridge.StatusActive)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "patchbay",
			Name:        "bridges_failed",
			Help:        "Bridges whose adapter failed and that await destroy.",
			ConstLabels: labels,
		}, countBridges(bridge.StatusError)),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "patchbay",
			Name:        "signaling_sessions",
			Help:        "Signaling sessions of the router peer, including those in their close grace period.",
			ConstLabels: labels,
		}, func() float64 { return float64(len(n.signaling.Sessions())) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "patchbay",
			Name:        "signaling_errors_total",
			Help:        "Signals the router peer rejected.",
			ConstLabels: labels,
		}, func() float64 { return float64(n.signaling.Errors()) }),
	} {
		if err := registry.Register(collector); err != nil {
			return fmt.Errorf("registering node metrics: %w", err)
		}
	}
	return nil
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}
