// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tvaughan/cluster-ca/internal/expiry"
)

// Metrics holds the server's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	signRequests  *prometheus.CounterVec
	daysRemaining *prometheus.GaugeVec
	unreadable    *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cluster_ca",
			Name:      "sign_requests_total",
			Help:      "Remote signing requests by profile and result",
		}, []string{"profile", "result"}),
		daysRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cluster_ca",
			Name:      "certificate_days_remaining",
			Help:      "Whole days until a stored certificate expires, as of the last audit",
		}, []string{"subject", "role"}),
		unreadable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cluster_ca",
			Name:      "certificate_unreadable",
			Help:      "1 when the last audit could not read a stored certificate",
		}, []string{"subject", "role"}),
	}
	m.registry.MustRegister(
		m.signRequests,
		m.daysRemaining,
		m.unreadable,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSign counts one signing request. result is "ok" or an error kind.
func (m *Metrics) ObserveSign(profile, result string) {
	if result == "" {
		result = "error"
	}
	m.signRequests.With(prometheus.Labels{"profile": profile, "result": result}).Inc()
}

// ObserveDecision records the outcome of auditing one certificate.
func (m *Metrics) ObserveDecision(d expiry.Decision) {
	labels := prometheus.Labels{"subject": d.Subject, "role": string(d.Role)}
	if !d.OK {
		m.unreadable.With(labels).Set(1)
		return
	}
	m.unreadable.With(labels).Set(0)
	m.daysRemaining.With(labels).Set(float64(d.RemainingDays))
}
