// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transfertest_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chester-Gillon/fpga-sio-sub002/bridge"
	"github.com/Chester-Gillon/fpga-sio-sub002/bridge/bridgetest"
	"github.com/Chester-Gillon/fpga-sio-sub002/hw/dmamem"
	"github.com/Chester-Gillon/fpga-sio-sub002/transfertest"
	"github.com/Chester-Gillon/fpga-sio-sub002/uart"
)

const rigBusaddr = 0x20_0000

func newRig(t *testing.T) (*bridgetest.Model, *transfertest.Env) {
	t.Helper()
	m := bridgetest.New()
	d, err := bridge.New(m.RegsBase(), 0x100)
	require.NoError(t, err)
	backing := make([]byte, 4<<20)
	m.AttachHostMemory(rigBusaddr, backing)
	return m, &transfertest.Env{
		Dev:  d,
		Heap: dmamem.New(backing, rigBusaddr),
		Bus:  m,
		Poll: m.Step,
	}
}

func testConfig(s transfertest.Strategy) transfertest.Config {
	cfg := transfertest.DefaultConfig()
	cfg.Strategy = s
	cfg.CheckStatus = true
	return cfg
}

func requireAllPassed(t *testing.T, res transfertest.Results) {
	t.Helper()
	for _, c := range res.Channels {
		assert.True(t, c.Passed, "port %d: %s", c.Port, c.Failure)
		assert.Zero(t, c.ByteMismatches, "port %d", c.Port)
	}
}

func TestRingSelfLoopback(t *testing.T) {
	m, env := newRig(t)

	cfg := testConfig(transfertest.StrategyRing)
	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err)
	requireAllPassed(t, res)

	c := res.Channels[0]
	assert.Equal(t, cfg.TotalBlocks, c.BlocksTransmitted)
	assert.Equal(t, cfg.TotalBlocks, c.BlocksReceived)
	assert.LessOrEqual(t, c.MaxQueuedObserved, cfg.MaxQueuedBlocks)
	assert.Greater(t, c.BytesPerSecond, 0.0, "the receive meter must have been fed")
	assert.Zero(t, m.RxFifoLevel(0), "all transmitted bytes must have been drained")
}

func TestRingTwoPortsNoOverlap(t *testing.T) {
	_, env := newRig(t)

	cfg := testConfig(transfertest.StrategyRing)
	cfg.Ports = 2
	cfg.TotalBlocks = 1024
	cfg.NoOverlap = true
	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err)
	require.Len(t, res.Channels, 2)
	requireAllPassed(t, res)
}

func TestRingCrossedLoopback(t *testing.T) {
	m, env := newRig(t)
	m.Crossed = true

	cfg := testConfig(transfertest.StrategyRing)
	cfg.Topology = transfertest.CrossedLoopback
	cfg.Ports = 2
	cfg.TotalBlocks = 1024
	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err)
	requireAllPassed(t, res)
	for _, c := range res.Channels {
		assert.Equal(t, cfg.TotalBlocks, c.BlocksReceived, "port %d", c.Port)
	}
}

// The transmit window must keep the port FIFO from ever filling past
// its depth, no matter when the scheduler is observed.
func TestFlowControlNeverOverrunsFifo(t *testing.T) {
	m, env := newRig(t)

	maxFifo := 0
	env.Poll = func() {
		m.Step()
		if l := m.RxFifoLevel(0); l > maxFifo {
			maxFifo = l
		}
	}

	cfg := testConfig(transfertest.StrategyRing)
	cfg.TotalBlocks = 2048
	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err)
	requireAllPassed(t, res)
	assert.LessOrEqual(t, maxFifo, uart.FifoDepth)
	assert.LessOrEqual(t, res.Channels[0].MaxQueuedObserved, cfg.MaxQueuedBlocks)
}

func TestStuckEngineTimesOut(t *testing.T) {
	m, env := newRig(t)
	m.StuckValid = true

	cfg := testConfig(transfertest.StrategyRing)
	cfg.TotalBlocks = 16
	cfg.Timeout = transfertest.Duration(50 * time.Millisecond)

	start := time.Now()
	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err, "a hung engine fails the test, it is not fatal")
	assert.Equal(t, 1, res.Failed())
	assert.Contains(t, res.Channels[0].Failure, "timeout")
	assert.Less(t, time.Since(start), 5*time.Second, "a hung engine must not hang the run")
}

func TestBlockSelfLoopback(t *testing.T) {
	_, env := newRig(t)

	cfg := testConfig(transfertest.StrategyBlock)
	cfg.TotalBlocks = 256
	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err)
	requireAllPassed(t, res)
	assert.Equal(t, cfg.TotalBlocks, res.Channels[0].BlocksReceived)
}

func TestPIOSelfLoopback(t *testing.T) {
	_, env := newRig(t)

	cfg := testConfig(transfertest.StrategyPIO)
	cfg.TotalBlocks = 1024
	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err)
	requireAllPassed(t, res)
}

func TestPIORequiresLocalBus(t *testing.T) {
	_, env := newRig(t)
	env.Bus = nil

	cfg := testConfig(transfertest.StrategyPIO)
	_, err := transfertest.Run(env, cfg)
	assert.Error(t, err)
}

func TestLineStatusErrorFailsChannel(t *testing.T) {
	m, env := newRig(t)
	m.InjectRxError(0, uart.LsrFramingError)

	cfg := testConfig(transfertest.StrategyRing)
	cfg.TotalBlocks = 64
	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err, "a line error fails the test, it is not fatal")
	assert.Equal(t, 1, res.Failed())
	assert.Contains(t, res.Channels[0].Failure, "line status error")
}

// With status checks off the injected error goes unnoticed and the
// data, which is unaffected, still verifies.
func TestLineStatusErrorIgnoredWithoutChecks(t *testing.T) {
	m, env := newRig(t)
	m.InjectRxError(0, uart.LsrFramingError)

	cfg := testConfig(transfertest.StrategyRing)
	cfg.CheckStatus = false
	cfg.TotalBlocks = 64
	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err)
	requireAllPassed(t, res)
}

func TestDeadDeviceStopsRun(t *testing.T) {
	m, env := newRig(t)

	polls := 0
	env.Poll = func() {
		polls++
		if polls == 50 {
			m.SetDead()
		}
		m.Step()
	}

	cfg := testConfig(transfertest.StrategyRing)
	cfg.Timeout = transfertest.Duration(50 * time.Millisecond)
	_, err := transfertest.Run(env, cfg)
	require.ErrorIs(t, err, bridge.ErrDeadDevice)
}

// Corrupting already received host memory mid-run is invisible to the
// transport, so the channel completes its transfers; the post-run
// replay must catch it and the channel must report Failed, not
// Complete.
func TestCorruptedReceiveBufferFailsVerification(t *testing.T) {
	m := bridgetest.New()
	d, err := bridge.New(m.RegsBase(), 0x100)
	require.NoError(t, err)
	backing := make([]byte, 4<<20)
	m.AttachHostMemory(rigBusaddr, backing)

	cfg := testConfig(transfertest.StrategyRing)
	cfg.TotalBlocks = 64

	// The run's first two heap allocations are the transmit and
	// receive buffers, so the receive buffer starts at one run length
	// into the backing store. Flip its first byte once it holds
	// received data.
	runBytes := cfg.TotalBlocks * uint(cfg.BlockBytes)
	corrupted := false
	env := &transfertest.Env{
		Dev:  d,
		Heap: dmamem.New(backing, rigBusaddr),
		Poll: func() {
			m.Step()
			if !corrupted && backing[runBytes] != 0 {
				backing[runBytes] ^= 0xff
				corrupted = true
			}
		},
	}

	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err, "a data mismatch fails the test, it is not fatal")
	require.True(t, corrupted)

	c := res.Channels[0]
	assert.False(t, c.Passed)
	assert.Equal(t, "Failed", c.State)
	assert.Equal(t, uint(1), c.ByteMismatches)
	assert.Contains(t, c.Failure, "mismatch")
	assert.Equal(t, cfg.TotalBlocks, c.BlocksReceived, "the transport itself saw no error")
}

// A failed peer must fail its partner by deadline, never hang it.
func TestPeerFailureDoesNotHangPartner(t *testing.T) {
	m, env := newRig(t)
	m.Crossed = true
	m.InjectRxError(0, uart.LsrBreakInterrupt)

	cfg := testConfig(transfertest.StrategyRing)
	cfg.Topology = transfertest.CrossedLoopback
	cfg.Ports = 2
	cfg.TotalBlocks = 1024
	cfg.Timeout = transfertest.Duration(50 * time.Millisecond)

	start := time.Now()
	res, err := transfertest.Run(env, cfg)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 2, res.Failed())
	assert.True(t, strings.Contains(res.Channels[0].Failure, "line status error") ||
		strings.Contains(res.Channels[1].Failure, "line status error"))
	assert.Equal(t, "2 of 2 tests failed", res.Summary())
}
