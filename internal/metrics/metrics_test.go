package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_AllVariablesNonNil(t *testing.T) {
	t.Parallel()

	vars := []struct {
		name string
		val  any
	}{
		{"FramesReceived", FramesReceived},
		{"IngestQueueDepth", IngestQueueDepth},
		{"IngestLatency", IngestLatency},
		{"MappingCacheLookups", MappingCacheLookups},
		{"MappingCacheRefreshes", MappingCacheRefreshes},
		{"StateWrites", StateWrites},
		{"StateRejected", StateRejected},
		{"Transitions", Transitions},
		{"TransitionDuration", TransitionDuration},
		{"Predictions", Predictions},
		{"MaintenancePasses", MaintenancePasses},
		{"MaintenanceDeleted", MaintenanceDeleted},
		{"MaintenanceLatency", MaintenanceLatency},
		{"StatsExported", StatsExported},
	}

	for _, v := range vars {
		assert.NotNilf(t, v.val, "%s should not be nil", v.name)
	}
}

func TestMetrics_IncrementNoPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() { FramesReceived.WithLabelValues("applied").Inc() })
	assert.NotPanics(t, func() { IngestQueueDepth.Set(3) })
	assert.NotPanics(t, func() { IngestLatency.Observe(0.002) })
	assert.NotPanics(t, func() { MappingCacheLookups.WithLabelValues("hit").Inc() })
	assert.NotPanics(t, func() { StateWrites.WithLabelValues("RED").Inc() })
	assert.NotPanics(t, func() { StateRejected.WithLabelValues("out_of_order").Inc() })
	assert.NotPanics(t, func() { Transitions.WithLabelValues("accepted").Inc() })
	assert.NotPanics(t, func() { TransitionDuration.WithLabelValues("RED", "GREEN").Observe(30) })
	assert.NotPanics(t, func() { Predictions.WithLabelValues("default").Inc() })
	assert.NotPanics(t, func() { MaintenancePasses.WithLabelValues("ok").Inc() })
	assert.NotPanics(t, func() { MaintenanceDeleted.WithLabelValues("telemetry").Add(10) })
	assert.NotPanics(t, func() { StatsExported.WithLabelValues("ok").Inc() })
}
