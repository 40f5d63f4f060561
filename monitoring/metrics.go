package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_operations_total",
			Help: "Total reservation operations",
		},
		[]string{"operation", "status"},
	)

	inventoryConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_conflicts_total",
			Help: "Reservation attempts rejected for insufficient inventory",
		},
		[]string{"ticket_type_id"},
	)

	sweepResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_results_total",
			Help: "Rows handled by the expiry sweep",
		},
		[]string{"kind", "result"},
	)

	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweep_duration_seconds",
			Help:    "Duration of one expiry sweep pass",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"kind"},
	)

	scanResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_results_total",
			Help: "Entry scans by result",
		},
		[]string{"result", "entry_allowed"},
	)

	fraudFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_fraud_flags_total",
			Help: "Advisory fraud flags raised by entry scans",
		},
		[]string{"flag"},
	)

	transferOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transfer_operations_total",
			Help: "Total transfer operations",
		},
		[]string{"operation", "status"},
	)

	outboxPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publishes_total",
			Help: "Outbox events handed to the event sink",
		},
		[]string{"topic", "status"},
	)

	outboxBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_backlog",
			Help: "Unpublished outbox events seen by the last relay poll",
		},
	)
)

// Monitor records engine metrics. A nil *Monitor is valid and records nothing.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Monitor) TrackReservation(operation string, err error) {
	if m == nil {
		return
	}
	reservationOperations.WithLabelValues(operation, outcome(err)).Inc()
}

func (m *Monitor) TrackInventoryConflict(ticketTypeID string) {
	if m == nil {
		return
	}
	inventoryConflicts.WithLabelValues(ticketTypeID).Inc()
}

// TrackSweep records one sweep pass over kind ("reservations" or "transfers").
func (m *Monitor) TrackSweep(kind string, expired, failed int, duration time.Duration) {
	if m == nil {
		return
	}
	sweepResults.WithLabelValues(kind, "expired").Add(float64(expired))
	sweepResults.WithLabelValues(kind, "failed").Add(float64(failed))
	sweepDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Monitor) TrackScan(result string, allowed bool, flags []string) {
	if m == nil {
		return
	}
	a := "false"
	if allowed {
		a = "true"
	}
	scanResults.WithLabelValues(result, a).Inc()
	for _, f := range flags {
		fraudFlags.WithLabelValues(f).Inc()
	}
}

func (m *Monitor) TrackTransfer(operation string, err error) {
	if m == nil {
		return
	}
	transferOperations.WithLabelValues(operation, outcome(err)).Inc()
}

func (m *Monitor) TrackPublish(topic string, err error) {
	if m == nil {
		return
	}
	outboxPublishes.WithLabelValues(topic, outcome(err)).Inc()
}

func (m *Monitor) SetOutboxBacklog(n int) {
	if m == nil {
		return
	}
	outboxBacklog.Set(float64(n))
}
