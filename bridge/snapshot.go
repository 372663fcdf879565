// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bridge

import (
	"fmt"

	"github.com/platinasystems/log"
)

// Diagnostic register table. One word at RegDmaCSR covers both 8 bit
// command/status registers and the arbitration byte.
var snapshotRegs = [22]struct {
	name   string
	offset uint
}{
	{"las0_range", RegLAS0Range},
	{"las0_base", RegLAS0Base},
	{"mode_arb", RegModeArb},
	{"big_endian", RegBigEndian},
	{"las0_bus_region", RegLAS0BusRegion},
	{"las1_range", RegLAS1Range},
	{"las1_base", RegLAS1Base},
	{"las1_bus_region", RegLAS1BusRegion},
	{"interrupt_control", RegInterruptControl},
	{"control", RegControl},
	{"dma0_mode", RegDmaMode},
	{"dma0_pci_addr", RegDmaPCIAddr},
	{"dma0_local_addr", RegDmaLocalAddr},
	{"dma0_count", RegDmaCount},
	{"dma0_descriptor", RegDmaDescriptor},
	{"dma1_mode", RegDmaMode + DmaChannelStride},
	{"dma1_pci_addr", RegDmaPCIAddr + DmaChannelStride},
	{"dma1_local_addr", RegDmaLocalAddr + DmaChannelStride},
	{"dma1_count", RegDmaCount + DmaChannelStride},
	{"dma1_descriptor", RegDmaDescriptor + DmaChannelStride},
	{"dma_csr", RegDmaCSR},
	{"dma_threshold", RegDmaThreshold},
}

// Snapshot is one capture of the diagnostic register table. The caller
// keeps the previous snapshot and hands it back to Diff; there is no
// package level state.
type Snapshot struct {
	Values [len(snapshotRegs)]uint32
}

func (d *Device) Snapshot() (s Snapshot) {
	for i, r := range snapshotRegs {
		s.Values[i] = d.Read32(r.offset)
	}
	return
}

// RegChange is one register whose value moved between two snapshots.
type RegChange struct {
	Name     string
	Offset   uint
	Was, Now uint32
}

func (c RegChange) String() string {
	return fmt.Sprintf("%s(%#02x) %#08x -> %#08x", c.Name, c.Offset, c.Was, c.Now)
}

// Diff reports the registers whose values differ from prev.
func (s *Snapshot) Diff(prev *Snapshot) (changes []RegChange) {
	for i, r := range snapshotRegs {
		if s.Values[i] != prev.Values[i] {
			changes = append(changes, RegChange{
				Name:   r.name,
				Offset: r.offset,
				Was:    prev.Values[i],
				Now:    s.Values[i],
			})
		}
	}
	return
}

// Log writes the snapshot to the system log; with prev, only the
// registers that changed.
func (s *Snapshot) Log(prev *Snapshot) {
	if prev == nil {
		for i, r := range snapshotRegs {
			log.Printf("bridge: %s(%#02x) = %#08x", r.name, r.offset, s.Values[i])
		}
		return
	}
	changes := s.Diff(prev)
	if len(changes) == 0 {
		log.Print("bridge: no register changes")
		return
	}
	for _, c := range changes {
		log.Print("bridge: ", c)
	}
}
