package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type FleetMetrics struct {
	SessionsEstablished prometheus.Counter
	SessionDeaths       prometheus.Counter
	RetryFailures       *prometheus.CounterVec
	MembershipUpdates   prometheus.Counter
	PoolBuilds          prometheus.Counter
	PoolUpdates         prometheus.Counter
}

var (
	fleetMetrics     *FleetMetrics
	fleetMetricsLock sync.Mutex
)

// Get returns the process-wide coordinator metrics, registering them on the
// default registry the first time.
func Get() *FleetMetrics {
	fleetMetricsLock.Lock()

	if fleetMetrics != nil {
		fleetMetricsLock.Unlock()
		return fleetMetrics
	}

	fleetMetrics = newFleetMetrics()

	fleetMetricsLock.Unlock()
	return fleetMetrics
}

func newFleetMetrics() *FleetMetrics {
	return &FleetMetrics{
		SessionsEstablished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memfleet_sessions_established_total",
			Help: "Coordination store sessions successfully established.",
		}),
		SessionDeaths: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memfleet_session_deaths_total",
			Help: "Coordination store sessions reported dead by the watcher.",
		}),
		RetryFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "memfleet_retry_failures_total",
			Help: "Failed session re-establishment attempts by reason.",
		}, []string{"reason"}),
		MembershipUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memfleet_membership_updates_total",
			Help: "Membership change notifications received.",
		}),
		PoolBuilds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memfleet_pool_builds_total",
			Help: "Initial cache client pool builds.",
		}),
		PoolUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "memfleet_pool_updates_total",
			Help: "Address updates pushed to the cache client pool.",
		}),
	}
}
