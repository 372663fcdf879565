// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Serial port transfer tester for the PCIe bridge's DMA engines. Pushes
// a verified byte stream through loopback wired serial ports by PIO,
// ring DMA or block DMA and reports per port pass/fail.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/parms"

	"github.com/Chester-Gillon/fpga-sio-sub002/bridge"
	"github.com/Chester-Gillon/fpga-sio-sub002/hw/dmamem"
	"github.com/Chester-Gillon/fpga-sio-sub002/hw/pcidev"
	"github.com/Chester-Gillon/fpga-sio-sub002/transfertest"
)

const usage = `sio-transfer-test -dev PCI-ADDR -dma-file FILE -dma-busaddr ADDR
	[-config FILE] [-strategy pio|ring|block[,...]] [-topology self|crossed]
	[-ports N] [-blocks N] [-timeout DURATION] [-regs-bar N] [-bus-bar N]
	[-check-status] [-no-overlap]`

func main() {
	fatal, failed := run(os.Args[1:])
	switch {
	case fatal != nil:
		log.Printf("err: %v", fatal)
		os.Exit(2)
	case failed:
		os.Exit(1)
	}
}

// run returns a fatal error, after which the hardware was not touched
// again, or whether any per port test failed.
func run(args []string) (fatal error, failed bool) {
	flag, args := flags.New(args, "-check-status", "-no-overlap", "-h", "-help")
	parm, args := parms.New(args, "-dev", "-config", "-strategy", "-topology",
		"-ports", "-blocks", "-timeout", "-dma-file", "-dma-busaddr",
		"-regs-bar", "-bus-bar")
	if flag.ByName["-h"] || flag.ByName["-help"] {
		fmt.Println(usage)
		return
	}
	if len(args) > 0 {
		fatal = fmt.Errorf("%v: unexpected", args)
		return
	}

	cfg := transfertest.DefaultConfig()
	if path := parm.ByName["-config"]; len(path) > 0 {
		if cfg, fatal = transfertest.LoadConfig(path); fatal != nil {
			return
		}
	}
	strategies := []transfertest.Strategy{cfg.Strategy}
	if fatal = override(&cfg, &strategies, flag, parm); fatal != nil {
		return
	}

	addr := parm.ByName["-dev"]
	if len(addr) == 0 {
		fatal = fmt.Errorf("-dev PCI-ADDR: missing\nusage: %s", usage)
		return
	}
	pci, fatal := pcidev.Open(addr)
	if fatal != nil {
		return
	}
	defer pci.Close()

	regsBar, fatal := parmUint(parm, "-regs-bar", 0)
	if fatal != nil {
		return
	}
	busBar, fatal := parmUint(parm, "-bus-bar", 2)
	if fatal != nil {
		return
	}

	base, size, fatal := pci.MapResource(uint(regsBar))
	if fatal != nil {
		return
	}
	dev, fatal := bridge.New(base, size)
	if fatal != nil {
		return
	}

	env := &transfertest.Env{Dev: dev}
	for _, s := range strategies {
		if s == transfertest.StrategyPIO {
			busBase, _, err := pci.MapResource(uint(busBar))
			if err != nil {
				fatal = err
				return
			}
			env.Bus = transfertest.MappedLocalBus{Base: busBase}
			break
		}
	}

	if env.Heap, fatal = openHeap(parm); fatal != nil {
		return
	}

	log.Printf("sio-transfer-test: %s mapped, %d byte register window", addr, size)

	for _, s := range strategies {
		cfg.Strategy = s
		res, err := transfertest.Run(env, cfg)
		res.Log()
		if err != nil {
			fatal = err
			return
		}
		log.Printf("sio-transfer-test: %v: %s", s, res.Summary())
		failed = failed || !res.Passed()
	}
	return
}

// override applies command line settings on top of the config file.
func override(cfg *transfertest.Config, strategies *[]transfertest.Strategy,
	flag *flags.Flags, parm *parms.Parms) (err error) {
	if s := parm.ByName["-strategy"]; len(s) > 0 {
		*strategies = nil
		for _, name := range strings.Split(s, ",") {
			v, err := transfertest.ParseStrategy(name)
			if err != nil {
				return err
			}
			*strategies = append(*strategies, v)
		}
	}
	if s := parm.ByName["-topology"]; len(s) > 0 {
		if cfg.Topology, err = transfertest.ParseTopology(s); err != nil {
			return
		}
	}
	if s := parm.ByName["-ports"]; len(s) > 0 {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("-ports %s: %w", s, err)
		}
		cfg.Ports = uint(n)
	}
	if s := parm.ByName["-blocks"]; len(s) > 0 {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("-blocks %s: %w", s, err)
		}
		cfg.TotalBlocks = uint(n)
	}
	if s := parm.ByName["-timeout"]; len(s) > 0 {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("-timeout %s: %w", s, err)
		}
		cfg.Timeout = transfertest.Duration(d)
	}
	if flag.ByName["-check-status"] {
		cfg.CheckStatus = true
	}
	if flag.ByName["-no-overlap"] {
		cfg.NoOverlap = true
	}
	return
}

func parmUint(parm *parms.Parms, name string, def uint64) (uint64, error) {
	s := parm.ByName[name]
	if len(s) == 0 {
		return def, nil
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", name, s, err)
	}
	return v, nil
}

func openHeap(parm *parms.Parms) (*dmamem.Heap, error) {
	path := parm.ByName["-dma-file"]
	if len(path) == 0 {
		return nil, fmt.Errorf("-dma-file FILE: missing\nusage: %s", usage)
	}
	busaddr, err := parmUint(parm, "-dma-busaddr", 0)
	if err != nil {
		return nil, err
	}
	if busaddr == 0 {
		return nil, fmt.Errorf("-dma-busaddr ADDR: missing\nusage: %s", usage)
	}
	mem, err := pcidev.MapDmaFile(path)
	if err != nil {
		return nil, err
	}
	return dmamem.New(mem, busaddr), nil
}
