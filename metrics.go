package fleetota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetota_reconcile_ticks_total",
		Help: "Reconciliation ticks executed across all deployments.",
	})
	metricTickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetota_reconcile_tick_failures_total",
		Help: "Reconciliation ticks that failed and will be retried.",
	})
	metricDevicesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetota_devices_resolved_total",
		Help: "Devices that reached a terminal status, by status.",
	}, []string{"status"})
	metricDeploymentsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetota_deployments_completed_total",
		Help: "Deployments retired from reconciliation, by outcome path.",
	}, []string{"path"})
	metricDispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetota_dispatch_failures_total",
		Help: "Deployment commands the command handler did not accept.",
	})
)
