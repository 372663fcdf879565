// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package uart holds the register contract of the 16550 style serial
// ports behind the bridge's local bus. Only the registers the transfer
// tester touches are defined.
package uart

// Register byte offsets from a port's local bus base address.
const (
	RegData       = 0 // receive buffer on read, transmit holding on write
	RegLineStatus = 5
)

// Line status register bits.
const (
	LsrDataReady      = 1 << 0
	LsrOverrunError   = 1 << 1
	LsrParityError    = 1 << 2
	LsrFramingError   = 1 << 3
	LsrBreakInterrupt = 1 << 4
	LsrTxHoldingEmpty = 1 << 5
	LsrTxEmpty        = 1 << 6

	// Any of these on a received byte fails the byte.
	LsrErrorMask = LsrOverrunError | LsrParityError | LsrFramingError | LsrBreakInterrupt
)

// Receive FIFO depth. The transfer scheduler's bounded transmit window
// exists to never overrun this.
const FifoDepth = 128

// Local bus base address of port n.
func Base(n uint) uint32 { return 0x1000 + 0x100*uint32(n) }
