package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAndGet(t *testing.T) {
	m := Init("")
	require.NotNil(t, m)
	assert.Same(t, m, Get())

	m.PartitionsExpanded.WithLabelValues("reanalysis-era5").Inc()
	m.PartitionsExpanded.WithLabelValues("reanalysis-era5").Inc()
	got := testutil.ToFloat64(m.PartitionsExpanded.WithLabelValues("reanalysis-era5"))
	assert.Equal(t, float64(2), got)

	m.InFlightPartitions.Inc()
	m.InFlightPartitions.Dec()
	assert.Equal(t, float64(0), testutil.ToFloat64(m.InFlightPartitions))
}
