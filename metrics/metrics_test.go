package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledMetricsAreNil(t *testing.T) {
	Reset()

	assert.False(t, IsEnabled())
	assert.Nil(t, GetRegistry())

	dev := NewDeviceMetrics()
	srv := NewServerMetrics()
	assert.Nil(t, dev)
	assert.Nil(t, srv)

	assert.NotPanics(t, func() {
		dev.ObserveDispense("coke", ResultOK)
		dev.ObserveRefresh("coke", time.Second, nil)
		dev.SetSlotStatus("coke", 1, 1)
		dev.IncRelockFailure("door")
		srv.RecordCommand("DISPENSE", 200)
		srv.SessionOpened()
		srv.SessionClosed()
		srv.RecordAuthFailure("password")
		srv.RecordSale("coke", 90)
	})
}

func TestEnabledMetrics(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	reg := InitRegistry()
	require.NotNil(t, reg)
	assert.Same(t, reg, InitRegistry())
	assert.True(t, IsEnabled())

	dev := NewDeviceMetrics()
	require.NotNil(t, dev)
	dev.ObserveDispense("coke", ResultOK)
	dev.ObserveDispense("coke", ResultOK)
	dev.ObserveDispense("coke", ResultTimeout)
	dev.ObserveRefresh("coke", 300*time.Millisecond, errors.New("timeout"))
	dev.SetSlotStatus("coke", 3, -1)

	assert.InDelta(t, 2, testutil.ToFloat64(dev.dispenses.WithLabelValues("coke", ResultOK)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(dev.refreshes.WithLabelValues("coke", ResultFailed)), 0)
	assert.InDelta(t, -1, testutil.ToFloat64(dev.slotStatus.WithLabelValues("coke", "3")), 0)

	srv := NewServerMetrics()
	require.NotNil(t, srv)
	srv.SessionOpened()
	srv.SessionOpened()
	srv.SessionClosed()
	srv.RecordCommand("DISPENSE", 402)
	srv.RecordSale("coke", 90)

	assert.InDelta(t, 1, testutil.ToFloat64(srv.sessions), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(srv.commands.WithLabelValues("DISPENSE", "402")), 0)
	assert.InDelta(t, 90, testutil.ToFloat64(srv.sales.WithLabelValues("coke")), 0)
}
