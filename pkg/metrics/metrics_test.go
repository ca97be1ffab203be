package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		RegisterMetrics()
		RegisterMetrics()
	})
}

func TestRecorders(t *testing.T) {
	SetRoomStats(2, 5)
	assert.Equal(t, 2.0, testutil.ToFloat64(roomsActive))
	assert.Equal(t, 5.0, testutil.ToFloat64(membersActive))

	before := testutil.ToFloat64(locationUpdates.WithLabelValues(LocationIgnored))
	RecordLocationUpdate(LocationIgnored)
	assert.Equal(t, before+1, testutil.ToFloat64(locationUpdates.WithLabelValues(LocationIgnored)))

	before = testutil.ToFloat64(rosterBroadcasts)
	RecordRosterDeliveries(3)
	assert.Equal(t, before+3, testutil.ToFloat64(rosterBroadcasts))

	before = testutil.ToFloat64(routeRequests.WithLabelValues(RouteSuperseded))
	RecordRouteRequest(RouteSuperseded)
	assert.Equal(t, before+1, testutil.ToFloat64(routeRequests.WithLabelValues(RouteSuperseded)))
}
