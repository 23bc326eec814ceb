package privatechat

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.stateChanged(StateConnected)
	m.reconnectScheduled()
	m.frameDropped()
	m.merged(3, 1)
	m.replicated(ReplicaSynced)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ItemsMerged))

	assert.Panics(t, func() { NewMetrics(reg) }, "duplicate registration")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.stateChanged(StateError)
		m.reconnectScheduled()
		m.frameDropped()
		m.merged(1, 1)
		m.replicated(ReplicaFailed)
	})
}
