// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bridge

import "fmt"

// Block drives one DMA channel by programming the per transfer
// registers directly: no descriptor table in host memory, so no 32 bit
// address constraint (the dual address cycle register extends the PCI
// address to 64 bits), but strictly one transfer in flight at a time.
type Block struct {
	dev     *Device
	channel Channel
}

// InitBlock takes ownership of channel c for block mode transfers,
// aborting anything a previous owner left running.
func InitBlock(dev *Device, c Channel) (b *Block, err error) {
	if err = dev.abortChannel(c); err != nil {
		return nil, err
	}
	b = &Block{dev: dev, channel: c}
	// Constant local address, no scatter/gather.
	dev.Write32(c.ModeReg(), dev.dmaBusParams()|DmaModeConstantLocal)
	return b, nil
}

func (b *Block) Channel() Channel { return b.channel }

// Start programs and fires one transfer. The caller must have seen the
// previous transfer complete; the channel registers are live while the
// engine runs.
func (b *Block) Start(size uint32, busaddr uint64, localaddr uint32, dir Direction) error {
	if size == 0 || size > DescSizeCountMask {
		return fmt.Errorf("bridge: transfer size %d out of range", size)
	}
	d := b.dev
	c := b.channel

	mode := d.Read32(c.ModeReg())
	if high := uint32(busaddr >> 32); high != 0 {
		d.Write32(c.ModeReg(), mode|DmaModeDualAddress)
		d.Write32(c.PCIAddrHighReg(), high)
	} else {
		d.Write32(c.ModeReg(), mode&^DmaModeDualAddress)
	}

	d.Write32(c.PCIAddrReg(), uint32(busaddr))
	d.Write32(c.LocalAddrReg(), localaddr)
	d.Write32(c.CountReg(), size)
	// In block mode only the direction flag of the descriptor pointer
	// register is meaningful.
	var dpr uint32
	if dir == CardToHost {
		dpr = DescNextToHost
	}
	d.Write32(c.DescriptorReg(), dpr)

	d.Write8(c.CSRReg(), DmaCsrEnable|DmaCsrStart)
	return nil
}

// PollCompletion reports the channel's done bit.
func (b *Block) PollCompletion() bool {
	return b.dev.Read8(b.channel.CSRReg())&DmaCsrDone != 0
}
