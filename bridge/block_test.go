// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bridge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chester-Gillon/fpga-sio-sub002/bridge"
)

func TestBlockRoundTrip(t *testing.T) {
	m, d, heap := newTestRig(t)

	b, err := bridge.InitBlock(d, bridge.Channel1)
	require.NoError(t, err)

	tx, err := heap.Alloc(64, 0)
	require.NoError(t, err)
	rx, err := heap.Alloc(64, 0)
	require.NoError(t, err)
	for i := range tx.Data {
		tx.Data[i] = byte(i * 3)
	}

	require.NoError(t, b.Start(64, tx.Busaddr, uartData(1), bridge.HostToCard))
	assert.False(t, b.PollCompletion())
	m.Step()
	require.True(t, b.PollCompletion())

	require.NoError(t, b.Start(64, rx.Busaddr, uartData(1), bridge.CardToHost))
	m.Step()
	require.True(t, b.PollCompletion())

	assert.Equal(t, tx.Data, rx.Data)
}

func TestBlockAbove4GiB(t *testing.T) {
	// The same address range ring mode rejects is fine in block mode:
	// the dual address cycle register carries the upper half.
	const highBusaddr = 0x2_0000_1000

	m, d, _ := newTestRig(t)
	high := make([]byte, 128)
	m.AttachHostMemory(highBusaddr, high)

	b, err := bridge.InitBlock(d, bridge.Channel0)
	require.NoError(t, err)

	for i := 0; i < 64; i++ {
		high[i] = byte(0x11 + i)
	}
	require.NoError(t, b.Start(64, highBusaddr, uartData(0), bridge.HostToCard))
	m.Step()
	require.True(t, b.PollCompletion())

	require.NoError(t, b.Start(64, highBusaddr+64, uartData(0), bridge.CardToHost))
	m.Step()
	require.True(t, b.PollCompletion())

	assert.Equal(t, high[:64], high[64:])
}

func TestBlockSizeLimit(t *testing.T) {
	_, d, _ := newTestRig(t)
	b, err := bridge.InitBlock(d, bridge.Channel0)
	require.NoError(t, err)

	assert.Error(t, b.Start(0, 0, uartData(0), bridge.HostToCard))
	assert.Error(t, b.Start(bridge.DescSizeCountMask+1, 0, uartData(0), bridge.HostToCard))
}
