package registry

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "auction"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of rooms resident in memory.
	Rooms metrics.Gauge
	// Number of rooms currently live.
	RoomsLive metrics.Gauge
	// Accepted bids.
	BidsAccepted metrics.Counter
	// Rejected bids, by reason.
	BidsRejected metrics.Counter
	// Joins, by outcome.
	Joins metrics.Counter
	// Resolved auctions, by result status.
	Results metrics.Counter
	// Rooms archived and evicted.
	Evictions metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library. Optionally,
// labels can be provided along with their values ("foo", "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Rooms: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rooms",
			Help:      "Number of auction rooms resident in memory.",
		}, labels).With(labelsAndValues...),
		RoomsLive: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rooms_live",
			Help:      "Number of auction rooms accepting bids.",
		}, labels).With(labelsAndValues...),
		BidsAccepted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bids_accepted_total",
			Help:      "Number of accepted bids.",
		}, labels).With(labelsAndValues...),
		BidsRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bids_rejected_total",
			Help:      "Number of rejected bids by reason.",
		}, append(labels, "reason")).With(labelsAndValues...),
		Joins: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "joins_total",
			Help:      "Number of join attempts by outcome.",
		}, append(labels, "outcome")).With(labelsAndValues...),
		Results: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "results_total",
			Help:      "Number of resolved auctions by result status.",
		}, append(labels, "status")).With(labelsAndValues...),
		Evictions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "evictions_total",
			Help:      "Number of rooms archived and evicted.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Rooms:        discard.NewGauge(),
		RoomsLive:    discard.NewGauge(),
		BidsAccepted: discard.NewCounter(),
		BidsRejected: discard.NewCounter(),
		Joins:        discard.NewCounter(),
		Results:      discard.NewCounter(),
		Evictions:    discard.NewCounter(),
	}
}
