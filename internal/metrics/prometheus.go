package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allaspectsdev/llmgate/internal/gateway"
)

// StatsSource reports per-provider health snapshots.
type StatsSource interface {
	Stats() map[string]gateway.ProviderStats
}

// PrometheusHandler serves the collector's registry in the Prometheus text
// exposition format.
func PrometheusHandler(c *Collector) http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry:      c.registry,
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// WatchProviders exports provider health gauges read from src at scrape
// time. Calling it twice fails with an AlreadyRegisteredError.
func (c *Collector) WatchProviders(src StatsSource) error {
	return c.registry.Register(newProviderCollector(src))
}

// providerCollector reads the gateway's health table on every scrape.
type providerCollector struct {
	src StatsSource

	available *prometheus.Desc
	errors    *prometheus.Desc
	isDefault *prometheus.Desc
	requests  *prometheus.Desc
	success   *prometheus.Desc
}

func newProviderCollector(src StatsSource) *providerCollector {
	labels := []string{"provider", "kind"}
	return &providerCollector{
		src: src,
		available: prometheus.NewDesc(namespace+"_provider_available",
			"1 when the provider is accepting calls.", labels, nil),
		errors: prometheus.NewDesc(namespace+"_provider_consecutive_errors",
			"Consecutive failures counted against the provider.", labels, nil),
		isDefault: prometheus.NewDesc(namespace+"_provider_default",
			"1 for the current default provider.", labels, nil),
		requests: prometheus.NewDesc(namespace+"_provider_requests",
			"Requests handled by the provider since start.", labels, nil),
		success: prometheus.NewDesc(namespace+"_provider_success_rate",
			"Share of provider requests that succeeded.", labels, nil),
	}
}

func (p *providerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.available
	ch <- p.errors
	ch <- p.isDefault
	ch <- p.requests
	ch <- p.success
}

func (p *providerCollector) Collect(ch chan<- prometheus.Metric) {
	for id, st := range p.src.Stats() {
		ch <- prometheus.MustNewConstMetric(p.available, prometheus.GaugeValue, boolFloat(st.Available), id, st.Kind)
		ch <- prometheus.MustNewConstMetric(p.errors, prometheus.GaugeValue, float64(st.ErrorCount), id, st.Kind)
		ch <- prometheus.MustNewConstMetric(p.isDefault, prometheus.GaugeValue, boolFloat(st.Default), id, st.Kind)
		ch <- prometheus.MustNewConstMetric(p.requests, prometheus.CounterValue, float64(st.Requests), id, st.Kind)
		ch <- prometheus.MustNewConstMetric(p.success, prometheus.GaugeValue, st.SuccessRate, id, st.Kind)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
