package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/driver"
	"github.com/devrev/pairdb/bulkloader/internal/executor"
	"github.com/devrev/pairdb/bulkloader/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the value of the counter, gauge or histogram sample count
// whose labels include want.
func value(t *testing.T, m *Metrics, name string, want map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range mf.GetMetric() {
			for k, v := range want {
				found := false
				for _, lp := range metric.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
					}
				}
				if !found {
					continue metrics
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func newCluster(t *testing.T, opts ...driver.MemoryOption) *driver.MemoryCluster {
	f, err := token.NewModulusFactory("test", 16)
	require.NoError(t, err)
	return driver.NewMemoryCluster(f, []token.Range{token.FullRing(f, token.NewReplicaSet("n1"))}, opts...)
}

func TestMetrics_ExecutorListener(t *testing.T) {
	m := NewMetrics("test")
	cluster := newCluster(t, driver.WithPageSize(2))
	for i := 0; i < 5; i++ {
		cluster.Load(driver.Row{Token: token.Int64(int64(i)), Values: []interface{}{i}})
	}
	exec := executor.New(cluster, executor.Config{Listener: m})
	f := cluster.TokenFactory()

	err := exec.Read(context.Background(), driver.NewRangeStatement("SELECT", "ks", token.FullRing(f, token.NewReplicaSet("n1"))), func(executor.Result) error { return nil })
	require.NoError(t, err)

	batch := driver.NewBatchStatement(driver.BatchUnlogged,
		driver.NewSimpleStatement("INSERT", 1).WithRoutingKey("ks", []byte("a")),
		driver.NewSimpleStatement("INSERT", 2).WithRoutingKey("ks", []byte("a")))
	_, err = exec.Write(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, 3.0, value(t, m, "pairdb_bulkloader_requests_total", map[string]string{"kind": "read", "status": "success"}))
	assert.Equal(t, 1.0, value(t, m, "pairdb_bulkloader_requests_total", map[string]string{"kind": "write", "status": "success"}))
	assert.Equal(t, 5.0, value(t, m, "pairdb_bulkloader_rows_total", nil))
	assert.Equal(t, 1.0, value(t, m, "pairdb_bulkloader_executions_total", map[string]string{"kind": "read", "status": "success"}))
	assert.Equal(t, 1.0, value(t, m, "pairdb_bulkloader_statements_per_write", nil))
	assert.Equal(t, 0.0, value(t, m, "pairdb_bulkloader_requests_in_flight", nil))
	assert.Equal(t, 3.0, value(t, m, "pairdb_bulkloader_request_duration_seconds", map[string]string{"kind": "read"}))
}

func TestMetrics_Failures(t *testing.T) {
	m := NewMetrics("test")
	cluster := newCluster(t, driver.WithFailures(func(driver.Statement, int) error {
		return fmt.Errorf("write timeout")
	}))
	exec := executor.New(cluster, executor.Config{Listener: m, FailFast: true})

	_, err := exec.Write(context.Background(), driver.NewSimpleStatement("INSERT", 1).WithRoutingKey("ks", []byte("a")))
	require.Error(t, err)

	assert.Equal(t, 1.0, value(t, m, "pairdb_bulkloader_requests_total", map[string]string{"kind": "write", "status": "failure"}))
	assert.Equal(t, 1.0, value(t, m, "pairdb_bulkloader_executions_total", map[string]string{"kind": "write", "status": "failure"}))
	assert.Equal(t, 0.0, value(t, m, "pairdb_bulkloader_requests_in_flight", nil))
}

func TestMetrics_Operations(t *testing.T) {
	m := NewMetrics("test")

	m.RecordOperation("load", 100, 3, 2*time.Second, false)
	m.RecordOperation("load", 50, 20, time.Second, true)
	m.UpdateTopology(3, 48)
	m.UpdateSystemStats(1<<20, 12)

	assert.Equal(t, 150.0, value(t, m, "pairdb_bulkloader_operation_items_total", map[string]string{"operation": "load"}))
	assert.Equal(t, 23.0, value(t, m, "pairdb_bulkloader_operation_errors_total", map[string]string{"operation": "load"}))
	assert.Equal(t, 1.0, value(t, m, "pairdb_bulkloader_operations_aborted_total", map[string]string{"operation": "load"}))
	assert.Equal(t, 3.0, value(t, m, "pairdb_bulkloader_ring_nodes", nil))
	assert.Equal(t, 48.0, value(t, m, "pairdb_bulkloader_ring_ranges", nil))
	assert.Equal(t, 12.0, value(t, m, "pairdb_bulkloader_goroutines_total", map[string]string{"instance_id": "test"}))
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a, b := NewMetrics("a"), NewMetrics("b")
	a.RingNodes.Set(1)

	assert.Equal(t, 1.0, value(t, a, "pairdb_bulkloader_ring_nodes", nil))
	assert.Equal(t, 0.0, value(t, b, "pairdb_bulkloader_ring_nodes", nil))
}
