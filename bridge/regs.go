// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Driver for the DMA engines of a PCIe-to-local-bus bridge chip.
package bridge

// Local configuration register byte offsets. The window handed to New
// must map this register file at offset 0. The contract is exported so
// diagnostic tooling and the hardware model in bridgetest share one
// definition of it.
const (
	// Local address space range and base registers.
	RegLAS0Range = 0x00
	RegLAS0Base  = 0x04
	RegModeArb   = 0x08
	RegBigEndian = 0x0c

	// Bus region descriptors for the two local address spaces. These
	// carry the local bus parameters (width, wait states, burst) the
	// DMA engines inherit.
	RegLAS0BusRegion = 0x18
	RegLAS1Range     = 0xf0
	RegLAS1Base      = 0xf4
	RegLAS1BusRegion = 0xf8

	RegInterruptControl = 0x68
	RegControl          = 0x6c

	// Per channel DMA register blocks: mode, PCI address, local
	// address, byte count, descriptor pointer. Channel 1's block
	// follows channel 0's at stride 0x14.
	RegDmaMode       = 0x80
	RegDmaPCIAddr    = 0x84
	RegDmaLocalAddr  = 0x88
	RegDmaCount      = 0x8c
	RegDmaDescriptor = 0x90
	DmaChannelStride = 0x14

	// 8 bit per channel command/status registers, adjacent bytes.
	RegDmaCSR = 0xa8

	RegDmaArbitration = 0xac
	RegDmaThreshold   = 0xb0

	// Upper 32 bits of the per channel PCI address (dual address
	// cycle). Only block mode uses these; ring descriptors hold a 32
	// bit PCI address.
	RegDmaPCIAddrHigh = 0xb4
)

// RegDmaMode bits.
const (
	DmaModeBusWidthMask     = 0x3 << 0
	DmaModeWaitStatesMask   = 0xf << 2
	DmaModeReadyInputEnable = 1 << 6
	DmaModeBurstEnable      = 1 << 8
	DmaModeScatterGather    = 1 << 9
	DmaModeDoneInterrupt    = 1 << 10
	DmaModeConstantLocal    = 1 << 11
	DmaModeClearCount       = 1 << 16
	DmaModeDualAddress      = 1 << 18
	DmaModeRingValid        = 1 << 20
	DmaModeRingValidStop    = 1 << 21

	DmaModeBusWidth32 = 0x3
)

// Descriptor size word bits. The byte count shares the word with the
// VALID flag: set by software before the engine is started, cleared by
// hardware (clear count mode) when the descriptor completes.
const (
	DescSizeCountMask = 0x007fffff
	DescSizeValid     = 1 << 31
)

// Descriptor link word bits. The low 4 bits of the next pointer are
// flags; the pointer itself is 16 byte aligned.
const (
	DescNextInHostMemory = 1 << 0
	DescNextEndOfChain   = 1 << 1
	DescNextInterrupt    = 1 << 2
	DescNextToHost       = 1 << 3
	DescNextAddrMask     = ^uint32(0xf)
)

// RegDmaCSR bits (8 bit register).
const (
	DmaCsrEnable   = 1 << 0
	DmaCsrStart    = 1 << 1
	DmaCsrAbort    = 1 << 2
	DmaCsrClearInt = 1 << 3
	DmaCsrDone     = 1 << 4
)

// Bus region descriptor bits. Width, wait states and ready input sit in
// the same positions as in the DMA mode register; burst enable does not.
const (
	BusRegionBurstEnable = 1 << 24

	// Local bus parameters that must agree between the two address
	// space bus region descriptors before either DMA engine may be
	// used.
	BusRegionParamsMask = DmaModeBusWidthMask |
		DmaModeWaitStatesMask |
		DmaModeReadyInputEnable |
		BusRegionBurstEnable
)

// Channel selects one of the bridge's two DMA engines.
type Channel uint

const (
	Channel0 Channel = 0
	Channel1 Channel = 1
	NChannel         = 2
)

func (c Channel) ModeReg() uint       { return RegDmaMode + uint(c)*DmaChannelStride }
func (c Channel) PCIAddrReg() uint    { return RegDmaPCIAddr + uint(c)*DmaChannelStride }
func (c Channel) LocalAddrReg() uint  { return RegDmaLocalAddr + uint(c)*DmaChannelStride }
func (c Channel) CountReg() uint      { return RegDmaCount + uint(c)*DmaChannelStride }
func (c Channel) DescriptorReg() uint { return RegDmaDescriptor + uint(c)*DmaChannelStride }
func (c Channel) CSRReg() uint        { return RegDmaCSR + uint(c) }
func (c Channel) PCIAddrHighReg() uint {
	return RegDmaPCIAddrHigh + uint(c)*4
}

// Direction of a transfer as seen from host memory.
type Direction int

const (
	// HostToCard reads host memory and writes the local bus (transmit).
	HostToCard Direction = iota
	// CardToHost reads the local bus and writes host memory (receive).
	CardToHost
)

func (d Direction) String() string {
	if d == HostToCard {
		return "host-to-card"
	}
	return "card-to-host"
}
