package ethtx

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// TxMetrics counts transaction lifecycle outcomes observed by this client.
type TxMetrics struct {
	Submitted prometheus.Counter
	Confirmed prometheus.Counter
	Failed    prometheus.Counter
	TimedOut  prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsReg  *TxMetrics
)

// Metrics returns the lazily-initialised transaction metrics registry.
func Metrics() *TxMetrics {
	metricsOnce.Do(func() {
		metricsReg = &TxMetrics{
			Submitted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanchain",
				Subsystem: "tx",
				Name:      "submitted_total",
				Help:      "Total transactions signed and sent to the node.",
			}),
			Confirmed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanchain",
				Subsystem: "tx",
				Name:      "confirmed_total",
				Help:      "Total transactions that reached a successful receipt.",
			}),
			Failed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanchain",
				Subsystem: "tx",
				Name:      "failed_total",
				Help:      "Total transactions that reached a failure receipt.",
			}),
			TimedOut: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loanchain",
				Subsystem: "tx",
				Name:      "await_timeouts_total",
				Help:      "Total awaits that gave up before a receipt appeared.",
			}),
		}
		prometheus.MustRegister(
			metricsReg.Submitted,
			metricsReg.Confirmed,
			metricsReg.Failed,
			metricsReg.TimedOut,
		)
	})
	return metricsReg
}
