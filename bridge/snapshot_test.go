// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bridge_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chester-Gillon/fpga-sio-sub002/bridge"
	"github.com/Chester-Gillon/fpga-sio-sub002/bridge/bridgetest"
)

func TestSnapshotDiff(t *testing.T) {
	m := bridgetest.New()
	d, err := bridge.New(m.RegsBase(), 0x100)
	require.NoError(t, err)

	before := d.Snapshot()
	assert.Empty(t, before.Diff(&before))

	d.Write32(bridge.Channel0.LocalAddrReg(), 0x1000)
	d.Write32(bridge.Channel1.CountReg(), 64)

	after := d.Snapshot()
	changes := after.Diff(&before)
	require.Len(t, changes, 2)
	assert.Equal(t, "dma0_local_addr", changes[0].Name)
	assert.Equal(t, uint32(0), changes[0].Was)
	assert.Equal(t, uint32(0x1000), changes[0].Now)
	assert.Equal(t, "dma1_count", changes[1].Name)

	// A fresh capture against the previous one reports nothing new.
	again := d.Snapshot()
	assert.Empty(t, again.Diff(&after))
}
