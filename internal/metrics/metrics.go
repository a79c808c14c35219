// Package metrics holds the Prometheus instrumentation shared across the
// engine. Collectors are registered on the default registry and exposed by
// the HTTP adapter's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ValidationsTotal counts finished validations by terminal outcome
	// (valid, invalid, error).
	ValidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailprobe_validations_total",
		Help: "Finished email validations by outcome.",
	}, []string{"outcome"})

	// SMTPDialsTotal counts SMTP dial attempts by result (ok, error).
	SMTPDialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailprobe_smtp_dials_total",
		Help: "SMTP dial attempts by result.",
	}, []string{"result"})

	// ProxyAcquiresTotal counts proxy pool acquire calls by result
	// (ok, exhausted).
	ProxyAcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailprobe_proxy_acquires_total",
		Help: "Proxy pool acquire attempts by result.",
	}, []string{"result"})

	// ProxyResetsTotal counts global proxy pool resets.
	ProxyResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailprobe_proxy_resets_total",
		Help: "Global proxy pool failure resets.",
	})

	// ProxyActiveConnections tracks the summed active connection count
	// across all proxies.
	ProxyActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailprobe_proxy_active_connections",
		Help: "Outstanding proxied SMTP connections.",
	})
)
