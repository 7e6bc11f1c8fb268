package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOperation(t *testing.T) {
	r := NewRegistry(nil)

	r.RecordOperation("put", nil, time.Millisecond)
	r.RecordOperation("put", nil, time.Millisecond)
	r.RecordOperation("put", errors.New("disk full"), time.Millisecond)
	r.RecordMiss("get", time.Microsecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.OperationsTotal.WithLabelValues("put", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.OperationsTotal.WithLabelValues("put", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.OperationsTotal.WithLabelValues("get", "miss")))
}

func TestRegistriesAreIndependent(t *testing.T) {
	shared := prometheus.NewRegistry()
	r := NewRegistry(shared)
	require.Same(t, shared, r.Prometheus())

	other := NewRegistry(nil)
	r.Rotations.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Rotations))
	assert.Equal(t, 0.0, testutil.ToFloat64(other.Rotations))

	families, err := shared.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["caskdb_rotations_total"])
}
