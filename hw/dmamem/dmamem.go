// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dmamem carves DMA-addressable allocations out of a single
// device-visible mapping. The mapping itself comes from the device access
// layer (uio-dma, hugepage file, ...) together with the bus address the
// device must use to reach it; this package only does the bookkeeping.
package dmamem

import (
	"fmt"
	"unsafe"
)

// Mem is one allocation: the CPU view plus the address the device uses.
type Mem struct {
	Data    []byte
	Busaddr uint64
}

type block struct {
	offset uint
	size   uint
	free   bool
}

// Heap allocates from one contiguous mapping. Not safe for concurrent
// use; the transfer tester is single threaded by design.
type Heap struct {
	data    []byte
	busaddr uint64
	blocks  []block
}

// Init points the heap at its backing mapping. busaddr is the device
// (bus) address of data[0].
func (h *Heap) Init(data []byte, busaddr uint64) {
	h.data = data
	h.busaddr = busaddr
	h.blocks = []block{{offset: 0, size: uint(len(data)), free: true}}
}

func New(data []byte, busaddr uint64) (h *Heap) {
	h = &Heap{}
	h.Init(data, busaddr)
	return
}

func (h *Heap) Len() uint { return uint(len(h.data)) }

// Alloc carves n bytes whose bus address is aligned to 1<<log2Align.
func (h *Heap) Alloc(n uint, log2Align uint) (m Mem, err error) {
	if n == 0 {
		err = fmt.Errorf("dmamem: zero length alloc")
		return
	}
	align := uint64(1) << log2Align
	for i := range h.blocks {
		b := &h.blocks[i]
		if !b.free {
			continue
		}
		start := h.busaddr + uint64(b.offset)
		aligned := (start + align - 1) &^ (align - 1)
		pad := uint(aligned - start)
		if b.size < pad+n {
			continue
		}
		// Split off leading pad and trailing remainder.
		off := b.offset + pad
		rest := b.size - pad - n
		used := block{offset: off, size: n}
		tail := h.blocks[i+1:]
		nb := make([]block, 0, len(h.blocks)+2)
		nb = append(nb, h.blocks[:i]...)
		if pad != 0 {
			nb = append(nb, block{offset: b.offset, size: pad, free: true})
		}
		nb = append(nb, used)
		if rest != 0 {
			nb = append(nb, block{offset: off + n, size: rest, free: true})
		}
		h.blocks = append(nb, tail...)
		m = Mem{
			Data:    h.data[off : off+n : off+n],
			Busaddr: h.busaddr + uint64(off),
		}
		return
	}
	err = fmt.Errorf("dmamem: out of space: want %d bytes aligned to %d, heap %d bytes",
		n, align, len(h.data))
	return
}

// Free returns m to the heap, coalescing with free neighbors.
func (h *Heap) Free(m Mem) {
	off := uint(m.Busaddr - h.busaddr)
	for i := range h.blocks {
		b := &h.blocks[i]
		if b.offset != off || b.free {
			continue
		}
		b.free = true
		h.coalesce()
		return
	}
	panic(fmt.Errorf("dmamem: free of unknown block at bus address %#x", m.Busaddr))
}

func (h *Heap) coalesce() {
	out := h.blocks[:0]
	for _, b := range h.blocks {
		n := len(out)
		if n > 0 && out[n-1].free && b.free {
			out[n-1].size += b.size
		} else {
			out = append(out, b)
		}
	}
	h.blocks = out
}

// Busaddr translates a pointer inside the heap's mapping to the address
// the device must use for it.
func (h *Heap) Busaddr(p unsafe.Pointer) uint64 {
	base := uintptr(unsafe.Pointer(&h.data[0]))
	off := uintptr(p) - base
	if off >= uintptr(len(h.data)) {
		panic(fmt.Errorf("dmamem: pointer %#x outside heap", uintptr(p)))
	}
	return h.busaddr + uint64(off)
}
