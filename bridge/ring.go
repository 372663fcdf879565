// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bridge

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/Chester-Gillon/fpga-sio-sub002/hw"
	"github.com/Chester-Gillon/fpga-sio-sub002/hw/dmamem"
)

// descriptor is the hardware layout of one ring slot, resident in DMA
// memory. The size word doubles as the completion flag: software sets
// DescSizeValid when it populates a slot, the bridge clears the whole
// word when the transfer finishes (clear count mode). Software must not
// touch a slot between those two events.
type descriptor struct {
	size      uint32
	busaddr   uint32
	localaddr uint32
	next      uint32
}

const descriptorBytes = uint(unsafe.Sizeof(descriptor{}))

// log2 alignment the bridge demands of descriptor addresses: the low 4
// bits of the link word are flags.
const log2DescriptorAlign = 4

// Ring drives one DMA channel through a circular chain of descriptors
// in host memory. Software fills slots at hostIndex, the bridge
// completes them in order at deviceIndex. The ring is full at len-1
// entries so head == tail always means empty.
type Ring struct {
	dev     *Device
	channel Channel

	mem  dmamem.Mem
	desc []descriptor

	hostIndex   uint
	deviceIndex uint
	inUse       uint
}

// InitRing takes ownership of channel c and prepares a ring of nDesc
// descriptors allocated from heap. Any transfer a previous owner left
// running is aborted first.
func InitRing(dev *Device, c Channel, nDesc uint, heap *dmamem.Heap) (r *Ring, err error) {
	if nDesc < 2 {
		return nil, fmt.Errorf("bridge: ring needs at least 2 descriptors, got %d", nDesc)
	}
	if err = dev.abortChannel(c); err != nil {
		return nil, err
	}

	mem, err := heap.Alloc(nDesc*descriptorBytes, log2DescriptorAlign)
	if err != nil {
		return nil, err
	}
	// The descriptor pointer register and the link words only hold 32
	// bit addresses, so the ring itself must obey the same address
	// space constraint as ring mode transfer buffers.
	if err = CheckRingAddressable(mem.Busaddr, uint32(len(mem.Data))); err != nil {
		heap.Free(mem)
		return nil, fmt.Errorf("bridge: descriptor ring: %w", err)
	}

	r = &Ring{
		dev:     dev,
		channel: c,
		mem:     mem,
		desc: unsafe.Slice((*descriptor)(unsafe.Pointer(&mem.Data[0])),
			nDesc),
	}

	// Close the chain: each slot links to the next, the last back to
	// the first. Links are established once; UpdateDescriptor only ever
	// rewrites the flag bits.
	for i := range r.desc {
		next := mem.Busaddr + uint64((uint(i+1)%nDesc)*descriptorBytes)
		r.desc[i] = descriptor{next: uint32(next) | DescNextInHostMemory}
	}

	// Scatter/gather from a ring of valid-flagged descriptors, at a
	// constant local address, counts cleared by hardware on completion,
	// polling stopped by a cleared valid bit so an empty ring does not
	// generate bus traffic.
	mode := dev.dmaBusParams() |
		DmaModeScatterGather |
		DmaModeConstantLocal |
		DmaModeClearCount |
		DmaModeRingValid |
		DmaModeRingValidStop
	dev.Write32(c.ModeReg(), mode)
	dev.Write32(c.DescriptorReg(), uint32(mem.Busaddr)|DescNextInHostMemory)
	return r, nil
}

// Release aborts the channel and returns the descriptor memory.
func (r *Ring) Release(heap *dmamem.Heap) {
	r.dev.abortChannel(r.channel)
	heap.Free(r.mem)
	r.desc = nil
}

func (r *Ring) Channel() Channel { return r.channel }
func (r *Ring) Len() uint        { return uint(len(r.desc)) }
func (r *Ring) InUse() uint      { return r.inUse }

// CheckRingAddressable rejects buffers a 32 bit descriptor address
// cannot cover. This is a configuration error: it must be caught before
// any transfer is issued, never discovered by the hardware.
func CheckRingAddressable(busaddr uint64, size uint32) error {
	if busaddr+uint64(size)-1 >= 1<<32 {
		return fmt.Errorf("bus address range [%#x,%#x] exceeds the 32 bit descriptor address space",
			busaddr, busaddr+uint64(size)-1)
	}
	return nil
}

// UpdateDescriptor queues one transfer in the slot at hostIndex. The
// caller must not have more than Len()-1 transfers outstanding, and must
// not call this for a slot the bridge may still be reading; the transfer
// scheduler's state machine guarantees both.
func (r *Ring) UpdateDescriptor(size uint32, busaddr uint64, localaddr uint32, dir Direction) error {
	if size == 0 || size > DescSizeCountMask {
		return fmt.Errorf("bridge: transfer size %d out of range", size)
	}
	if err := CheckRingAddressable(busaddr, size); err != nil {
		return fmt.Errorf("bridge: ring transfer: %w", err)
	}
	if r.inUse == uint(len(r.desc))-1 {
		return fmt.Errorf("bridge: ring full: %d of %d descriptors in use", r.inUse, len(r.desc))
	}

	d := &r.desc[r.hostIndex]
	d.busaddr = uint32(busaddr)
	d.localaddr = localaddr
	// Direction lives in the link word; the chain pointer must survive.
	next := d.next &^ DescNextToHost
	if dir == CardToHost {
		next |= DescNextToHost
	}
	d.next = next
	// Publish the slot last: the size word carries the valid bit the
	// bridge polls for.
	atomic.StoreUint32(&d.size, size|DescSizeValid)

	r.hostIndex = (r.hostIndex + 1) % uint(len(r.desc))
	r.inUse++
	return nil
}

// Start begins processing of every descriptor queued since the last
// call. One doorbell covers them all; the bridge follows the chain until
// it meets a cleared valid bit.
func (r *Ring) Start() {
	hw.MemoryBarrier()
	r.dev.Write8(r.channel.CSRReg(), DmaCsrEnable|DmaCsrStart)
}

// PollCompletion retires descriptors the bridge has finished with, in
// submission order, and reports whether the ring is idle. The load of
// the size word must be an acquire: the writer is the bridge's bus
// master, not a Go thread, and the data it wrote must be visible before
// the cleared valid bit is acted on.
func (r *Ring) PollCompletion() bool {
	for r.inUse > 0 {
		d := &r.desc[r.deviceIndex]
		if atomic.LoadUint32(&d.size)&DescSizeValid != 0 {
			return false
		}
		r.deviceIndex = (r.deviceIndex + 1) % uint(len(r.desc))
		r.inUse--
	}
	return true
}
