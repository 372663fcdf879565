// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bridge

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBareRing builds a ring over plain memory, bypassing InitRing, so
// the index bookkeeping can be exercised without a device. Only
// UpdateDescriptor and PollCompletion run here; neither touches
// registers.
func newBareRing(n uint) *Ring {
	r := &Ring{desc: make([]descriptor, n)}
	for i := range r.desc {
		r.desc[i].next = DescNextInHostMemory
	}
	return r
}

func checkIndexInvariant(t *testing.T, r *Ring) {
	t.Helper()
	n := uint(len(r.desc))
	require.Equal(t, (r.hostIndex+n-r.deviceIndex)%n, r.inUse,
		"in use count must equal the host/device index distance")
	require.Less(t, r.inUse, n, "the ring must never be completely full")
}

// completeNext plays the hardware's part: clear the size word of the
// oldest in-flight descriptor.
func completeNext(r *Ring) {
	atomic.StoreUint32(&r.desc[r.deviceIndex].size, 0)
}

func TestRingIndexInvariant(t *testing.T) {
	for _, n := range []uint{2, 3, 5, 8} {
		r := newBareRing(n)
		checkIndexInvariant(t, r)

		// Interleave fills and drains so the indices wrap several
		// times, holding the invariant after every operation.
		for round := 0; round < 3; round++ {
			for r.inUse < n-1 {
				require.NoError(t, r.UpdateDescriptor(16, 0x1000, 0x2000, HostToCard))
				checkIndexInvariant(t, r)
			}
			assert.Error(t, r.UpdateDescriptor(16, 0x1000, 0x2000, HostToCard),
				"ring size %d", n)

			assert.False(t, r.PollCompletion())
			for r.inUse > 0 {
				completeNext(r)
				done := r.PollCompletion()
				checkIndexInvariant(t, r)
				assert.Equal(t, r.inUse == 0, done)
			}
			assert.True(t, r.PollCompletion())
		}
	}
}

func TestRingRetiresInOrder(t *testing.T) {
	r := newBareRing(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.UpdateDescriptor(8, 0x1000, 0x2000, HostToCard))
	}

	// Only the oldest descriptor's completion retires anything; a
	// cleared bit further along the chain must wait its turn.
	atomic.StoreUint32(&r.desc[1].size, 0)
	assert.False(t, r.PollCompletion())
	assert.Equal(t, uint(3), r.inUse)

	atomic.StoreUint32(&r.desc[0].size, 0)
	assert.False(t, r.PollCompletion())
	assert.Equal(t, uint(1), r.inUse)

	atomic.StoreUint32(&r.desc[2].size, 0)
	assert.True(t, r.PollCompletion())
	checkIndexInvariant(t, r)
}
