// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pcidev gives the bridge driver its two inputs: a memory mapped
// BAR window and a chunk of DMA-addressable memory with a known bus
// address. Device enumeration, config space decode and IOMMU programming
// are someone else's problem; this package only opens what it is told to.
package pcidev

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is one opened PCI function.
type Device struct {
	// PCI address, e.g. "0000:01:00.0".
	Addr string

	bars map[uint][]byte
}

func sysfsPath(addr, file string) string {
	return filepath.Join("/sys/bus/pci/devices", addr, file)
}

func Open(addr string) (d *Device, err error) {
	if _, err = os.Stat(sysfsPath(addr, "config")); err != nil {
		err = fmt.Errorf("pcidev: no device %s: %w", addr, err)
		return
	}
	d = &Device{Addr: addr, bars: make(map[uint][]byte)}
	return
}

// MapResource mmaps BAR bar and returns the base address of the window.
func (d *Device) MapResource(bar uint) (base uintptr, size uint, err error) {
	f, err := os.OpenFile(sysfsPath(d.Addr, fmt.Sprintf("resource%d", bar)), os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		err = fmt.Errorf("pcidev: mmap %s resource%d: %w", d.Addr, bar, err)
		return
	}
	d.bars[bar] = mem
	base = uintptr(unsafe.Pointer(&mem[0]))
	size = uint(len(mem))
	return
}

func (d *Device) Close() (err error) {
	for bar, mem := range d.bars {
		if e := unix.Munmap(mem); e != nil && err == nil {
			err = fmt.Errorf("pcidev: munmap resource%d: %w", bar, e)
		}
		delete(d.bars, bar)
	}
	return
}

// MapDmaFile mmaps a file that is already device addressable (a uio-dma
// region or an IOMMU mapped hugepage file). The bus address of the
// mapping comes from whatever established it and is handed to the dmamem
// heap alongside the returned slice.
func MapDmaFile(path string) (mem []byte, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return
	}
	mem, err = unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_LOCKED)
	if err != nil {
		err = fmt.Errorf("pcidev: mmap %s: %w", path, err)
	}
	return
}
