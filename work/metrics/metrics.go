package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RenderersOnline tracks the number of renderers currently marked active in
// the registry. This metric is a gauge and moves with discovery/liveness.
var RenderersOnline = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dlna_renderers_online",
	Help: "Number of renderers currently active",
})

// SoapActions counts inbound ContentDirectory SOAP actions by action name.
// This metric is a counter and only increases.
var SoapActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dlna_soap_actions_total",
	Help: "Inbound ContentDirectory actions handled",
}, []string{"action"})

// ActiveTransfers tracks the number of media transfers currently streaming,
// labeled by kind (media, thumbnail, subtitles).
var ActiveTransfers = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "dlna_active_transfers",
	Help: "Number of active media transfers",
}, []string{"kind"})

// BytesServed counts the total bytes written to renderers, labeled by kind.
// This metric is a counter and only increases.
var BytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dlna_bytes_served_total",
	Help: "Total bytes served to renderers",
}, []string{"kind"})

// SubscriptionRenewals counts GENA subscription renewals, labeled by outcome
// (success, failure).
var SubscriptionRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dlna_subscription_renewals_total",
	Help: "GENA subscription renewal attempts",
}, []string{"outcome"})

// ControlFailures counts failed outbound control actions by action name.
var ControlFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dlna_control_failures_total",
	Help: "Failed outbound UPnP control actions",
}, []string{"action"})
