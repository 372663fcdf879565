// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Memory mapped register read/write.
package hw

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// Loads and stores of device registers must happen exactly once, with the
// exact access width asked for: reading 32 bits from an 8 bit data
// register can pop extra bytes out of a device FIFO. The 32 bit forms use
// sync/atomic so the compiler may not elide, tear or reorder them; the 8
// and 16 bit forms go through noinline wrappers for the same reason.

func LoadUint32(addr uintptr) (data uint32) {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(addr)))
}

func StoreUint32(addr uintptr, data uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(addr)), data)
}

func LoadUint64(addr uintptr) (data uint64) {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(addr)))
}

func StoreUint64(addr uintptr, data uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(addr)), data)
}

//go:noinline
func LoadUint16(addr uintptr) (data uint16) {
	return *(*uint16)(unsafe.Pointer(addr))
}

//go:noinline
func StoreUint16(addr uintptr, data uint16) {
	*(*uint16)(unsafe.Pointer(addr)) = data
}

//go:noinline
func LoadUint8(addr uintptr) (data uint8) {
	return *(*uint8)(unsafe.Pointer(addr))
}

//go:noinline
func StoreUint8(addr uintptr, data uint8) {
	*(*uint8)(unsafe.Pointer(addr)) = data
}

var barrierWord uint32

// MemoryBarrier orders descriptor/buffer writes before a subsequent
// doorbell register write.
func MemoryBarrier() { atomic.AddUint32(&barrierWord, 0) }

// ExtractField shifts the bits selected by mask down to bit 0.
func ExtractField(v, mask uint32) uint32 {
	return (v & mask) >> uint(bits.TrailingZeros32(mask))
}

// InsertField returns v with the mask bits replaced by field, which is
// taken to be right justified as returned by ExtractField.
func InsertField(v, mask, field uint32) uint32 {
	return (v &^ mask) | ((field << uint(bits.TrailingZeros32(mask))) & mask)
}
