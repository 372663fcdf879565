// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinasystems/log"

	"github.com/Chester-Gillon/fpga-sio-sub002/hw"
)

// ErrDeadDevice reports the all-ones readback signature of a dead PCIe
// link. Further register access after this risks hanging the host, so
// callers must stop touching the device rather than retry.
var ErrDeadDevice = errors.New("bridge: registers read all-ones, link is dead")

const abortTimeout = 100 * time.Millisecond

// Device is one bridge chip: its mapped local configuration register
// window. The two DMA engines (Ring, Block) share the device but each
// owns its channel exclusively.
type Device struct {
	base uintptr
	size uint
}

// New wraps an already mapped register window. It is a configuration
// error, fatal to the caller, for the two local address spaces to carry
// different bus parameters: the DMA mode register can only encode one
// set and a transfer touching the differently configured space would
// use the wrong timings.
func New(base uintptr, size uint) (d *Device, err error) {
	d = &Device{base: base, size: size}
	if err = d.CheckAlive(); err != nil {
		return nil, err
	}
	r0 := d.Read32(RegLAS0BusRegion) & BusRegionParamsMask
	r1 := d.Read32(RegLAS1BusRegion) & BusRegionParamsMask
	if r0 != r1 {
		return nil, fmt.Errorf("bridge: local bus parameters differ between address spaces: %#x vs %#x", r0, r1)
	}
	log.Printf("bridge: local bus width code %d, %d wait states, burst %t",
		hw.ExtractField(r0, DmaModeBusWidthMask),
		hw.ExtractField(r0, DmaModeWaitStatesMask),
		r0&BusRegionBurstEnable != 0)
	return d, nil
}

func (d *Device) Read8(offset uint) uint8   { return hw.LoadUint8(d.base + uintptr(offset)) }
func (d *Device) Read16(offset uint) uint16 { return hw.LoadUint16(d.base + uintptr(offset)) }
func (d *Device) Read32(offset uint) uint32 { return hw.LoadUint32(d.base + uintptr(offset)) }

func (d *Device) Write8(offset uint, v uint8)   { hw.StoreUint8(d.base+uintptr(offset), v) }
func (d *Device) Write16(offset uint, v uint16) { hw.StoreUint16(d.base+uintptr(offset), v) }
func (d *Device) Write32(offset uint, v uint32) { hw.StoreUint32(d.base+uintptr(offset), v) }

// CheckAlive classifies the all-ones readback of the interrupt control
// register, which always has hardwired zero bits on a working device.
func (d *Device) CheckAlive() error {
	if d.Read32(RegInterruptControl) == 0xffffffff {
		return ErrDeadDevice
	}
	return nil
}

// abortChannel stops whatever a previous owner of the channel left
// running. A channel that never reports done afterwards means the local
// bus is wedged; give up rather than spin forever.
func (d *Device) abortChannel(c Channel) error {
	csr := d.Read8(c.CSRReg())
	if csr&DmaCsrEnable == 0 || csr&DmaCsrDone != 0 {
		// Nothing in flight; just clear stale state.
		d.Write8(c.CSRReg(), DmaCsrClearInt)
		return nil
	}
	d.Write8(c.CSRReg(), csr&^DmaCsrEnable)
	d.Write8(c.CSRReg(), DmaCsrAbort)
	start := time.Now()
	for d.Read8(c.CSRReg())&DmaCsrDone == 0 {
		if time.Since(start) > abortTimeout {
			return fmt.Errorf("bridge: channel %d abort did not complete", c)
		}
	}
	return nil
}

// dmaBusParams returns the local bus parameter bits of the DMA mode
// register, inherited from the (already verified identical) bus region
// descriptors. Burst enable sits in a different position there.
func (d *Device) dmaBusParams() uint32 {
	r := d.Read32(RegLAS0BusRegion)
	v := r & (DmaModeBusWidthMask | DmaModeWaitStatesMask | DmaModeReadyInputEnable)
	if r&BusRegionBurstEnable != 0 {
		v |= DmaModeBurstEnable
	}
	return v
}
