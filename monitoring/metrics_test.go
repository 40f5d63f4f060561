package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackReservation(t *testing.T) {
	m := NewMonitor()
	before := testutil.ToFloat64(reservationOperations.WithLabelValues("create", "error"))

	m.TrackReservation("create", errors.New("no stock"))
	m.TrackReservation("create", nil)

	assert.Equal(t, before+1, testutil.ToFloat64(reservationOperations.WithLabelValues("create", "error")))
}

func TestTrackScanCountsFlags(t *testing.T) {
	m := NewMonitor()
	before := testutil.ToFloat64(fraudFlags.WithLabelValues("RAPID_SCAN"))

	m.TrackScan("valid", true, []string{"RAPID_SCAN", "RECENT_REENTRY"})

	assert.Equal(t, before+1, testutil.ToFloat64(fraudFlags.WithLabelValues("RAPID_SCAN")))
}

func TestTrackSweep(t *testing.T) {
	m := NewMonitor()
	before := testutil.ToFloat64(sweepResults.WithLabelValues("reservations", "expired"))

	m.TrackSweep("reservations", 3, 1, 20*time.Millisecond)

	assert.Equal(t, before+3, testutil.ToFloat64(sweepResults.WithLabelValues("reservations", "expired")))
}

func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.TrackReservation("create", nil)
		m.TrackScan("used", false, nil)
		m.TrackTransfer("direct", nil)
		m.TrackPublish("x", nil)
		m.SetOutboxBacklog(4)
		m.TrackSweep("transfers", 0, 0, time.Second)
		m.TrackInventoryConflict("tt")
	})
}
