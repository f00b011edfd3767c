//go:build unit

package buildvm

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	dir := newManagedDir(t)
	tools := newFakeTools(nil, call{}, call{err: errExit1}, call{err: errExit1}, call{err: errExit1})
	vm, err := NewVirtualBox(dir, WithInvoker(tools.invoker()), WithMetrics(m))
	require.NoError(t, err)

	require.NoError(t, vm.Up(true))
	require.Error(t, vm.Halt())
	vm.Destroy()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("virtualbox", "up", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("virtualbox", "halt", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cleanupFailures.WithLabelValues("virtualbox", "vagrant destroy")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.cleanupFailures.WithLabelValues("virtualbox", "remove vagrant state")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))
}

func TestMetrics_DoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)

	assert.Error(t, err)
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.observe(ProviderLibvirt, "up", time.Now(), nil)
		m.cleanupFailed(ProviderLibvirt, "virsh destroy")
	})
}
