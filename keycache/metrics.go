package keycache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	lookupHit       = "hit"
	lookupRefreshed = "refreshed"
	lookupStale     = "stale"
	lookupNotFound  = "not_found"
	lookupError     = "error"

	fetchOK    = "ok"
	fetchError = "error"
)

// Metrics counts cache activity per key document URL (the "source" label).
// A nil *Metrics records nothing.
type Metrics struct {
	lookups *prometheus.CounterVec
	fetches *prometheus.CounterVec
	stale   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
// Collectors already registered by an earlier call are reused, so several
// Apps can share one registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenkit",
			Subsystem: "keycache",
			Name:      "lookups_total",
			Help:      "Signing key lookups by result.",
		}, []string{"source", "result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenkit",
			Subsystem: "keycache",
			Name:      "fetches_total",
			Help:      "Key document fetches by result.",
		}, []string{"source", "result"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokenkit",
			Subsystem: "keycache",
			Name:      "stale_served_total",
			Help:      "Keys served from an expired set after a failed refresh.",
		}, []string{"source"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.lookups, err = register(reg, m.lookups); err != nil {
		return nil, err
	}
	if m.fetches, err = register(reg, m.fetches); err != nil {
		return nil, err
	}
	if m.stale, err = register(reg, m.stale); err != nil {
		return nil, err
	}
	return m, nil
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing, nil
		}
	}
	return nil, err
}

func (m *Metrics) lookup(source, result string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(source, result).Inc()
}

func (m *Metrics) fetch(source, result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(source, result).Inc()
}

func (m *Metrics) staleServed(source string) {
	if m == nil {
		return
	}
	m.stale.WithLabelValues(source).Inc()
}
