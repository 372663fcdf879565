// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bridgetest models the bridge chip and the serial ports behind
// it well enough to run the DMA engines and the transfer tester without
// hardware. The model's register window is ordinary memory; everything
// the chip would do autonomously happens when a test calls Step.
package bridgetest

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/Chester-Gillon/fpga-sio-sub002/bridge"
	"github.com/Chester-Gillon/fpga-sio-sub002/uart"
)

const regWindowBytes = 0x100

// NPorts is the number of modeled serial ports, one per DMA channel.
const NPorts = 2

type hostRegion struct {
	busaddr uint64
	data    []byte
}

// Port models one 16550 style serial port: a bounded receive FIFO and
// latched line status error bits.
type Port struct {
	rx        []byte
	errorBits uint8
}

// Model is the software stand-in for one bridge plus its serial ports.
type Model struct {
	// Crossed wires port 0's transmit output to port 1's receiver and
	// vice versa, instead of each port looping back to itself.
	Crossed bool

	// StuckValid simulates a hung engine: Step never processes ring
	// descriptors, so no VALID bit is ever cleared.
	StuckValid bool

	regs  []uint32 // register window backing store, 32 bit aligned
	ports [NPorts]Port
	host  []hostRegion
	dead  bool
}

// Drivers hold the register window as a raw uintptr, so the backing
// store must not live on a goroutine stack that can move. Keeping New
// out of line forces the Model, and with it regs, onto the heap.
//
//go:noinline
func New() (m *Model) {
	m = &Model{regs: make([]uint32, regWindowBytes/4)}
	// Identical local bus parameters for both address spaces: 32 bit
	// wide, bursting, ready input honored.
	params := uint32(bridge.DmaModeBusWidth32 | bridge.DmaModeReadyInputEnable | bridge.BusRegionBurstEnable)
	m.write32(bridge.RegLAS0BusRegion, params)
	m.write32(bridge.RegLAS1BusRegion, params)
	return
}

// RegsBase returns the base address drivers should treat as the mapped
// register window.
func (m *Model) RegsBase() uintptr { return uintptr(unsafe.Pointer(&m.regs[0])) }

func (m *Model) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&m.regs[0])), regWindowBytes)
}

func (m *Model) read32(off uint) uint32     { return binary.LittleEndian.Uint32(m.bytes()[off:]) }
func (m *Model) write32(off uint, v uint32) { binary.LittleEndian.PutUint32(m.bytes()[off:], v) }
func (m *Model) read8(off uint) uint8       { return m.bytes()[off] }
func (m *Model) write8(off uint, v uint8)   { m.bytes()[off] = v }

// SetBusRegion overrides a bus region descriptor register, for tests of
// the mismatched bus parameter check. space is 0 or 1.
func (m *Model) SetBusRegion(space uint, v uint32) {
	off := uint(bridge.RegLAS0BusRegion)
	if space != 0 {
		off = bridge.RegLAS1BusRegion
	}
	m.write32(off, v)
}

// SetDead makes every register read back all-ones, the signature of a
// dead PCIe link.
func (m *Model) SetDead() {
	m.dead = true
	b := m.bytes()
	for i := range b {
		b[i] = 0xff
	}
}

// InjectRxError latches line status error bits on port n, as a line
// fault would.
func (m *Model) InjectRxError(n uint, bits uint8) { m.ports[n].errorBits |= bits }

// AttachHostMemory registers data as DMA addressable at busaddr. Ring
// descriptors and transfer buffers must live in attached regions.
func (m *Model) AttachHostMemory(busaddr uint64, data []byte) {
	m.host = append(m.host, hostRegion{busaddr: busaddr, data: data})
}

func (m *Model) hostSlice(busaddr uint64, n uint32) []byte {
	for _, r := range m.host {
		if busaddr >= r.busaddr && busaddr+uint64(n) <= r.busaddr+uint64(len(r.data)) {
			off := busaddr - r.busaddr
			return r.data[off : off+uint64(n)]
		}
	}
	panic(fmt.Errorf("bridgetest: DMA to unattached bus address %#x+%d", busaddr, n))
}

func (m *Model) portFor(localaddr uint32) (p *Port, reg uint32) {
	for i := uint(0); i < NPorts; i++ {
		base := uart.Base(i)
		if localaddr >= base && localaddr < base+0x100 {
			return &m.ports[i], localaddr - base
		}
	}
	panic(fmt.Errorf("bridgetest: local bus access to unmapped address %#x", localaddr))
}

func (m *Model) rxSink(tx uint) *Port {
	if m.Crossed {
		return &m.ports[1-tx]
	}
	return &m.ports[tx]
}

func (m *Model) portIndex(p *Port) uint {
	for i := range m.ports {
		if p == &m.ports[i] {
			return uint(i)
		}
	}
	panic("bridgetest: unknown port")
}

// LocalRead8 models a byte read on the local bus.
func (m *Model) LocalRead8(localaddr uint32) uint8 {
	p, reg := m.portFor(localaddr)
	switch reg {
	case uart.RegData:
		if len(p.rx) == 0 {
			return 0
		}
		b := p.rx[0]
		p.rx = p.rx[1:]
		return b
	case uart.RegLineStatus:
		// Reading line status clears the latched error bits.
		v := uint8(uart.LsrTxHoldingEmpty | uart.LsrTxEmpty)
		if len(p.rx) > 0 {
			v |= uart.LsrDataReady
		}
		v |= p.errorBits
		p.errorBits = 0
		return v
	}
	return 0
}

// LocalWrite8 models a byte write on the local bus.
func (m *Model) LocalWrite8(localaddr uint32, v uint8) {
	p, reg := m.portFor(localaddr)
	if reg != uart.RegData {
		return
	}
	sink := m.rxSink(m.portIndex(p))
	if len(sink.rx) >= uart.FifoDepth {
		sink.errorBits |= uart.LsrOverrunError
		return
	}
	sink.rx = append(sink.rx, v)
}

// Read8 and Write8 satisfy the transfer tester's local bus interface.
func (m *Model) Read8(localaddr uint32) uint8     { return m.LocalRead8(localaddr) }
func (m *Model) Write8(localaddr uint32, v uint8) { m.LocalWrite8(localaddr, v) }

// Step performs everything the bridge would have done autonomously
// since the last call: it runs both DMA channels until they stall on a
// cleared VALID bit or finish their block transfer.
func (m *Model) Step() {
	if m.dead {
		return
	}
	for c := bridge.Channel(0); c < bridge.NChannel; c++ {
		m.stepChannel(c)
	}
}

func (m *Model) stepChannel(c bridge.Channel) {
	csr := m.read8(c.CSRReg())
	if csr&bridge.DmaCsrEnable == 0 || csr&bridge.DmaCsrStart == 0 {
		return
	}
	mode := m.read32(c.ModeReg())
	if mode&bridge.DmaModeScatterGather != 0 {
		m.runRing(c)
	} else {
		m.runBlock(c, mode)
	}
}

// runRing walks the descriptor chain until it meets a cleared VALID
// bit, transferring and retiring each valid descriptor in order.
func (m *Model) runRing(c bridge.Channel) {
	dpr := m.read32(c.DescriptorReg())
	for !m.StuckValid {
		daddr := uint64(dpr & bridge.DescNextAddrMask)
		desc := m.hostSlice(daddr, 16)
		size := binary.LittleEndian.Uint32(desc[0:])
		if size&bridge.DescSizeValid == 0 {
			break
		}
		count := size & bridge.DescSizeCountMask
		busaddr := uint64(binary.LittleEndian.Uint32(desc[4:]))
		localaddr := binary.LittleEndian.Uint32(desc[8:])
		next := binary.LittleEndian.Uint32(desc[12:])
		m.transfer(count, busaddr, localaddr, next&bridge.DescNextToHost != 0)
		// Clear count mode: the whole size word is cleared, VALID bit
		// included, when the descriptor completes.
		binary.LittleEndian.PutUint32(desc[0:], 0)
		dpr = next
		m.write32(c.DescriptorReg(), dpr)
	}
	m.write8(c.CSRReg(), (m.read8(c.CSRReg())|bridge.DmaCsrDone)&^bridge.DmaCsrStart)
}

func (m *Model) runBlock(c bridge.Channel, mode uint32) {
	count := m.read32(c.CountReg()) & bridge.DescSizeCountMask
	busaddr := uint64(m.read32(c.PCIAddrReg()))
	if mode&bridge.DmaModeDualAddress != 0 {
		busaddr |= uint64(m.read32(c.PCIAddrHighReg())) << 32
	}
	localaddr := m.read32(c.LocalAddrReg())
	toHost := m.read32(c.DescriptorReg())&bridge.DescNextToHost != 0
	m.transfer(count, busaddr, localaddr, toHost)
	m.write8(c.CSRReg(), (m.read8(c.CSRReg())|bridge.DmaCsrDone)&^bridge.DmaCsrStart)
}

// transfer moves count bytes between host memory and the constant local
// bus address, byte at a time, the way the constant local address mode
// strobes a FIFO data register.
func (m *Model) transfer(count uint32, busaddr uint64, localaddr uint32, toHost bool) {
	host := m.hostSlice(busaddr, count)
	for i := uint32(0); i < count; i++ {
		if toHost {
			host[i] = m.LocalRead8(localaddr)
		} else {
			m.LocalWrite8(localaddr, host[i])
		}
	}
}

// RxFifoLevel reports port n's receive FIFO depth, for test assertions
// about the flow control window.
func (m *Model) RxFifoLevel(n uint) int { return len(m.ports[n].rx) }
