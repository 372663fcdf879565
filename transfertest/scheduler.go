// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transfertest pushes a verified pseudo-random byte stream
// through the serial ports behind the bridge, by PIO, ring DMA or block
// DMA, under a bounded transmit window so the port FIFOs are never
// overrun. Everything is driven from one cooperative polling loop; a
// stalled channel is detected by its deadline, never by blocking.
package transfertest

import (
	"fmt"
	"time"

	"github.com/platinasystems/log"
	"github.com/rcrowley/go-metrics"

	"github.com/Chester-Gillon/fpga-sio-sub002/bridge"
	"github.com/Chester-Gillon/fpga-sio-sub002/hw"
	"github.com/Chester-Gillon/fpga-sio-sub002/hw/dmamem"
)

// LocalBus is byte granular access to the bridge's local bus window,
// used by the PIO strategy. DMA strategies never touch it.
type LocalBus interface {
	Read8(localaddr uint32) uint8
	Write8(localaddr uint32, v uint8)
}

// MappedLocalBus is the hardware LocalBus: a mapped BAR window exposing
// the local bus at Base.
type MappedLocalBus struct {
	Base uintptr
}

func (b MappedLocalBus) Read8(a uint32) uint8     { return hw.LoadUint8(b.Base + uintptr(a)) }
func (b MappedLocalBus) Write8(a uint32, v uint8) { hw.StoreUint8(b.Base+uintptr(a), v) }

// Env is what a test run needs from the outside world.
type Env struct {
	Dev  *bridge.Device
	Heap *dmamem.Heap

	// Bus is required for the PIO strategy only.
	Bus LocalBus

	// Poll, when non nil, is called once per scheduler iteration per
	// channel. Hardware simulations advance here; on real hardware
	// leave it nil.
	Poll func()
}

// ChannelResult is the outcome of one port's test.
type ChannelResult struct {
	Port     uint
	Strategy Strategy
	State    string
	Passed   bool
	Failure  string

	BlocksTransmitted uint
	BlocksReceived    uint
	ByteMismatches    uint

	// MaxQueuedObserved is the worst observed transmit-ahead window,
	// which must never exceed Config.MaxQueuedBlocks.
	MaxQueuedObserved uint

	Elapsed        time.Duration
	BytesPerSecond float64
}

// Results is the outcome of one test configuration.
type Results struct {
	Channels []ChannelResult
}

func (r *Results) Failed() (n int) {
	for _, c := range r.Channels {
		if !c.Passed {
			n++
		}
	}
	return
}

func (r *Results) Passed() bool { return r.Failed() == 0 }

// Summary is the aggregate line printed at the end of a run.
func (r *Results) Summary() string {
	return fmt.Sprintf("%d of %d tests failed", r.Failed(), len(r.Channels))
}

// Log writes one pass/fail line per channel.
func (r *Results) Log() {
	for _, c := range r.Channels {
		if c.Passed {
			log.Printf("transfertest: PASS port %d %v: %d blocks in %v, %.0f bytes/sec",
				c.Port, c.Strategy, c.BlocksReceived, c.Elapsed.Round(time.Millisecond), c.BytesPerSecond)
		} else {
			log.Printf("transfertest: FAIL port %d %v: %s (%d tx, %d rx, %d mismatches)",
				c.Port, c.Strategy, c.Failure, c.BlocksTransmitted, c.BlocksReceived, c.ByteMismatches)
		}
	}
}

// Run drives one test configuration across cfg.Ports channels and
// reports per channel pass/fail. The returned error is reserved for the
// fatal classes: configuration errors caught during setup, and the dead
// device readback, after which the hardware must not be touched again.
func Run(env *Env, cfg Config) (res Results, err error) {
	if err = cfg.Validate(); err != nil {
		return
	}
	if cfg.Strategy == StrategyPIO && env.Bus == nil {
		err = fmt.Errorf("transfertest: PIO strategy needs a local bus")
		return
	}

	reg := metrics.NewRegistry()
	chans := make([]*channel, cfg.Ports)
	defer func() {
		for _, c := range chans {
			if c != nil {
				c.release(env.Heap)
			}
		}
	}()
	for port := uint(0); port < cfg.Ports; port++ {
		var c *channel
		if c, err = newChannel(env, &cfg, port, reg); err != nil {
			return
		}
		chans[port] = c
	}
	// Wire verification sources and flow control sinks: in crossed
	// loopback each port talks to the other, otherwise to itself.
	for i, c := range chans {
		c.peer = c
		c.receiver = c
		if cfg.Topology == CrossedLoopback {
			c.peer = chans[1-i]
			c.receiver = chans[1-i]
		}
	}

	log.Printf("transfertest: %v %v: %d ports, %d blocks of %d bytes, window %d",
		cfg.Strategy, cfg.Topology, cfg.Ports, cfg.TotalBlocks, cfg.BlockBytes, cfg.MaxQueuedBlocks)

	start := time.Now()
	for _, c := range chans {
		c.progress(start)
	}

	for {
		anyRunnable := false
		for _, c := range chans {
			if c.terminal() {
				continue
			}
			anyRunnable = true
			if env.Poll != nil {
				env.Poll()
			}
			c.step(time.Now())
			if cfg.NoOverlap {
				// Serialize: this channel's DMA runs to completion
				// before any other channel is touched.
				for !c.dmaIdle() {
					if env.Poll != nil {
						env.Poll()
					}
					c.step(time.Now())
				}
			}
		}
		// Iteration boundary: record the flow control high water mark
		// and stop the whole run when the device itself has died.
		for _, c := range chans {
			if w := c.window(); w > c.maxWindow {
				c.maxWindow = w
			}
			if c.state == stateFailed && !c.fatalChecked {
				c.fatalChecked = true
				log.Printf("transfertest: err: port %d failed: %s", c.port, c.failure)
				if aliveErr := env.Dev.CheckAlive(); aliveErr != nil {
					res = collectResults(chans, cfg)
					err = aliveErr
					return
				}
			}
		}
		if !anyRunnable {
			break
		}
	}

	// Transport liveness settled; now check transport correctness by
	// replaying each source sequence against what arrived.
	for _, c := range chans {
		if c.state != stateComplete {
			continue
		}
		seq := NewSequence(cfg.Seed + uint32(c.peer.port))
		c.mismatches = seq.CountMismatches(c.rx.Data)
		if c.mismatches > 0 {
			c.failure = fmt.Sprintf("%d byte mismatches in %d bytes received",
				c.mismatches, len(c.rx.Data))
			c.state = stateFailed
		}
	}

	res = collectResults(chans, cfg)
	return
}

func collectResults(chans []*channel, cfg Config) (res Results) {
	for _, c := range chans {
		r := ChannelResult{
			Port:              c.port,
			Strategy:          cfg.Strategy,
			State:             c.state.String(),
			Passed:            c.state == stateComplete,
			Failure:           c.failure,
			BlocksTransmitted: c.txBlocks,
			BlocksReceived:    c.rxBlocks,
			ByteMismatches:    c.mismatches,
			MaxQueuedObserved: c.maxWindow,
		}
		if !c.done.IsZero() {
			r.Elapsed = c.done.Sub(c.started)
		}
		// The meter was marked once per received block.
		r.BytesPerSecond = c.meter.Snapshot().RateMean()
		res.Channels = append(res.Channels, r)
	}
	return
}

func newChannel(env *Env, cfg *Config, port uint, reg metrics.Registry) (c *channel, err error) {
	c = &channel{
		port:    port,
		cfg:     cfg,
		env:     env,
		state:   stateIdle,
		started: time.Now(),
		meter:   metrics.NewRegisteredMeter(fmt.Sprintf("port%d.rx_bytes", port), reg),
	}
	defer func() {
		if err != nil {
			c.release(env.Heap)
			c = nil
		}
	}()

	runBytes := uint(cfg.TotalBlocks) * uint(cfg.BlockBytes)
	if c.tx, err = env.Heap.Alloc(runBytes, 0); err != nil {
		return
	}
	if c.rx, err = env.Heap.Alloc(runBytes, 0); err != nil {
		return
	}
	if c.status, err = env.Heap.Alloc(uint(cfg.BlockBytes), 0); err != nil {
		return
	}

	seq := NewSequence(cfg.Seed + uint32(port))
	seq.Fill(c.tx.Data)
	for i := range c.rx.Data {
		c.rx.Data[i] = 0
	}

	switch cfg.Strategy {
	case StrategyRing:
		// The address space constraint is a configuration error: catch
		// it here, before any transfer is issued, for every buffer a
		// ring descriptor will carry.
		for _, m := range []dmamem.Mem{c.tx, c.rx, c.status} {
			if err = bridge.CheckRingAddressable(m.Busaddr, uint32(len(m.Data))); err != nil {
				err = fmt.Errorf("transfertest: port %d: %w", port, err)
				return
			}
		}
		if c.ring, err = bridge.InitRing(env.Dev, bridge.Channel(port), cfg.RingDescriptors, env.Heap); err != nil {
			return
		}
	case StrategyBlock:
		if c.block, err = bridge.InitBlock(env.Dev, bridge.Channel(port)); err != nil {
			return
		}
	}
	return
}

func (c *channel) release(heap *dmamem.Heap) {
	if c.ring != nil {
		c.ring.Release(heap)
		c.ring = nil
	}
	for _, m := range []*dmamem.Mem{&c.tx, &c.rx, &c.status} {
		if m.Data != nil {
			heap.Free(*m)
			m.Data = nil
		}
	}
	if c.meter != nil {
		c.meter.Stop()
	}
}
