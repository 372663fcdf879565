// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transfertest

import (
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/Chester-Gillon/fpga-sio-sub002/bridge"
	"github.com/Chester-Gillon/fpga-sio-sub002/hw/dmamem"
	"github.com/Chester-Gillon/fpga-sio-sub002/uart"
)

type state int

const (
	stateIdle state = iota
	// Ring mode: a batch of transmit descriptors, or one receive
	// block's descriptors, are queued and started.
	stateTxBlockStarted
	stateRxBlockStarted
	// Block mode: one block transmit DMA, one status byte read, one
	// data byte read.
	stateTxDataStarted
	stateLsrStarted
	stateRxDataStarted
	// Terminal.
	stateComplete
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateTxBlockStarted:
		return "TxBlockStarted"
	case stateRxBlockStarted:
		return "RxBlockStarted"
	case stateTxDataStarted:
		return "TxDataStarted"
	case stateLsrStarted:
		return "LsrStarted"
	case stateRxDataStarted:
		return "RxDataStarted"
	case stateComplete:
		return "Complete"
	case stateFailed:
		return "Failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// channel drives one serial port through one test run. It owns one DMA
// channel of the bridge exclusively; nothing else touches that
// channel's registers while the run lasts. All progress happens in
// step, called once per scheduler iteration, which never blocks.
type channel struct {
	port uint
	cfg  *Config
	env  *Env

	ring  *bridge.Ring
	block *bridge.Block

	tx     dmamem.Mem
	rx     dmamem.Mem
	status dmamem.Mem

	// peer is the channel whose transmissions arrive at this port's
	// receiver (itself in self loopback).
	peer *channel
	// receiver is the channel that reads what this port transmits; the
	// flow control window is measured against its receive count.
	receiver *channel

	state    state
	deadline time.Time
	failure  string
	// fatalChecked stops the scheduler from probing device liveness
	// more than once per failed channel.
	fatalChecked bool

	txQueued       uint // blocks handed to the engine
	txBlocks       uint // blocks whose transmit completed
	rxBlocks       uint
	rxBytesInBlock uint32 // block mode: progress inside the current block

	maxWindow  uint // worst observed txQueued - receiver.rxBlocks
	mismatches uint

	meter   metrics.Meter
	started time.Time
	done    time.Time
}

func (c *channel) dataAddr() uint32 { return uart.Base(c.port) + uart.RegData }
func (c *channel) lsrAddr() uint32  { return uart.Base(c.port) + uart.RegLineStatus }

func (c *channel) terminal() bool {
	return c.state == stateComplete || c.state == stateFailed
}

// dmaIdle reports whether the channel's DMA engine has nothing in
// flight, for the no-overlap serialization mode.
func (c *channel) dmaIdle() bool {
	return c.state == stateIdle || c.terminal()
}

func (c *channel) fail(now time.Time, format string, args ...interface{}) {
	c.failure = fmt.Sprintf(format, args...)
	c.state = stateFailed
	c.done = now
}

func (c *channel) progress(now time.Time) {
	c.deadline = now.Add(time.Duration(c.cfg.Timeout))
}

func (c *channel) checkDeadline(now time.Time) {
	if now.After(c.deadline) {
		c.fail(now, "timeout after %v in state %v: %d/%d blocks transmitted, %d received",
			time.Duration(c.cfg.Timeout), c.state, c.txBlocks, c.cfg.TotalBlocks, c.rxBlocks)
	}
}

// window is how far transmit has run ahead of confirmed receive.
func (c *channel) window() uint { return c.txQueued - c.receiver.rxBlocks }

func (c *channel) canQueueTx() bool {
	return c.txQueued < c.cfg.TotalBlocks && c.window() < c.cfg.MaxQueuedBlocks
}

func (c *channel) rxAvailable() bool { return c.peer.txBlocks > c.rxBlocks }

func (c *channel) maybeComplete(now time.Time) {
	if c.txBlocks == c.cfg.TotalBlocks && c.rxBlocks == c.cfg.TotalBlocks {
		c.state = stateComplete
		c.done = now
	}
}

func (c *channel) step(now time.Time) {
	switch c.cfg.Strategy {
	case StrategyRing:
		c.stepRing(now)
	case StrategyBlock:
		c.stepBlock(now)
	case StrategyPIO:
		c.stepPIO(now)
	}
}

// checkStatusByte classifies one received line status byte. Error flags
// and "no data ready where a byte was expected" both fail only this
// channel's test.
func (c *channel) checkStatusByte(now time.Time, lsr uint8) bool {
	if lsr&uart.LsrErrorMask != 0 {
		c.fail(now, "line status error %#02x on receive block %d", lsr&uart.LsrErrorMask, c.rxBlocks)
		return false
	}
	if lsr&uart.LsrDataReady == 0 {
		c.fail(now, "receive byte not ready at block %d", c.rxBlocks)
		return false
	}
	return true
}

func (c *channel) stepRing(now time.Time) {
	switch c.state {
	case stateIdle:
		if c.rxAvailable() {
			// One receive block, preceded by a status byte read when
			// verification is on. Both descriptors complete together.
			if c.cfg.CheckStatus {
				if err := c.ring.UpdateDescriptor(1, c.status.Busaddr, c.lsrAddr(), bridge.CardToHost); err != nil {
					c.fail(now, "queue status read: %s", err)
					return
				}
			}
			off := uint64(c.rxBlocks) * uint64(c.cfg.BlockBytes)
			if err := c.ring.UpdateDescriptor(c.cfg.BlockBytes, c.rx.Busaddr+off, c.dataAddr(), bridge.CardToHost); err != nil {
				c.fail(now, "queue receive block: %s", err)
				return
			}
			c.ring.Start()
			c.state = stateRxBlockStarted
			return
		}
		queued := uint(0)
		for c.canQueueTx() && c.ring.InUse()+1 < c.ring.Len() {
			off := uint64(c.txQueued) * uint64(c.cfg.BlockBytes)
			if err := c.ring.UpdateDescriptor(c.cfg.BlockBytes, c.tx.Busaddr+off, c.dataAddr(), bridge.HostToCard); err != nil {
				c.fail(now, "queue transmit block: %s", err)
				return
			}
			c.txQueued++
			queued++
		}
		if queued > 0 {
			c.ring.Start()
			c.state = stateTxBlockStarted
			return
		}
		c.maybeComplete(now)
		if c.state == stateIdle {
			// Waiting on the peer; its failure must not hang us.
			c.checkDeadline(now)
		}

	case stateTxBlockStarted:
		if !c.ring.PollCompletion() {
			c.checkDeadline(now)
			return
		}
		c.txBlocks = c.txQueued
		c.progress(now)
		c.state = stateIdle

	case stateRxBlockStarted:
		if !c.ring.PollCompletion() {
			c.checkDeadline(now)
			return
		}
		if c.cfg.CheckStatus && !c.checkStatusByte(now, c.status.Data[0]) {
			return
		}
		c.rxBlocks++
		c.meter.Mark(int64(c.cfg.BlockBytes))
		c.progress(now)
		c.state = stateIdle
	}
}

func (c *channel) stepBlock(now time.Time) {
	switch c.state {
	case stateIdle:
		if c.rxAvailable() {
			c.startRxByte(now)
			return
		}
		if c.canQueueTx() {
			off := uint64(c.txQueued) * uint64(c.cfg.BlockBytes)
			if err := c.block.Start(c.cfg.BlockBytes, c.tx.Busaddr+off, c.dataAddr(), bridge.HostToCard); err != nil {
				c.fail(now, "start transmit block: %s", err)
				return
			}
			c.txQueued++
			c.state = stateTxDataStarted
			return
		}
		c.maybeComplete(now)
		if c.state == stateIdle {
			c.checkDeadline(now)
		}

	case stateTxDataStarted:
		if !c.block.PollCompletion() {
			c.checkDeadline(now)
			return
		}
		c.txBlocks = c.txQueued
		c.progress(now)
		c.state = stateIdle

	case stateLsrStarted:
		if !c.block.PollCompletion() {
			c.checkDeadline(now)
			return
		}
		lsr := c.status.Data[c.rxBytesInBlock]
		if lsr&uart.LsrErrorMask != 0 {
			c.fail(now, "line status error %#02x at block %d byte %d",
				lsr&uart.LsrErrorMask, c.rxBlocks, c.rxBytesInBlock)
			return
		}
		if lsr&uart.LsrDataReady == 0 {
			// Byte not there yet; read the status register again until
			// it is or the deadline passes.
			c.checkDeadline(now)
			if c.state != stateFailed {
				c.startLsrRead(now)
			}
			return
		}
		c.startRxData(now)

	case stateRxDataStarted:
		if !c.block.PollCompletion() {
			c.checkDeadline(now)
			return
		}
		c.rxBytesInBlock++
		if c.rxBytesInBlock == c.cfg.BlockBytes {
			c.rxBytesInBlock = 0
			c.rxBlocks++
			c.meter.Mark(int64(c.cfg.BlockBytes))
			c.progress(now)
			c.state = stateIdle
			return
		}
		// More bytes remain in this block.
		c.startRxByte(now)
	}
}

// startRxByte begins the per byte receive sequence: an optional status
// read first, then the data byte.
func (c *channel) startRxByte(now time.Time) {
	if c.cfg.CheckStatus {
		c.startLsrRead(now)
		return
	}
	c.startRxData(now)
}

func (c *channel) startLsrRead(now time.Time) {
	if err := c.block.Start(1, c.status.Busaddr+uint64(c.rxBytesInBlock), c.lsrAddr(), bridge.CardToHost); err != nil {
		c.fail(now, "start status read: %s", err)
		return
	}
	c.state = stateLsrStarted
}

func (c *channel) startRxData(now time.Time) {
	off := uint64(c.rxBlocks)*uint64(c.cfg.BlockBytes) + uint64(c.rxBytesInBlock)
	if err := c.block.Start(1, c.rx.Busaddr+off, c.dataAddr(), bridge.CardToHost); err != nil {
		c.fail(now, "start receive byte: %s", err)
		return
	}
	c.state = stateRxDataStarted
}

// stepPIO has no DMA states: per iteration it drains whatever the port
// has ready, then transmits one block if the flow control window
// allows.
func (c *channel) stepPIO(now time.Time) {
	progressed := false

	for c.rxAvailable() {
		for c.rxBytesInBlock < c.cfg.BlockBytes {
			lsr := c.env.Bus.Read8(c.lsrAddr())
			if c.cfg.CheckStatus && lsr&uart.LsrErrorMask != 0 {
				c.fail(now, "line status error %#02x at block %d byte %d",
					lsr&uart.LsrErrorMask, c.rxBlocks, c.rxBytesInBlock)
				return
			}
			if lsr&uart.LsrDataReady == 0 {
				break
			}
			off := uint64(c.rxBlocks)*uint64(c.cfg.BlockBytes) + uint64(c.rxBytesInBlock)
			c.rx.Data[off] = c.env.Bus.Read8(c.dataAddr())
			c.rxBytesInBlock++
		}
		if c.rxBytesInBlock < c.cfg.BlockBytes {
			break
		}
		c.rxBytesInBlock = 0
		c.rxBlocks++
		c.meter.Mark(int64(c.cfg.BlockBytes))
		progressed = true
	}

	if c.canQueueTx() {
		off := uint64(c.txQueued) * uint64(c.cfg.BlockBytes)
		for i := uint32(0); i < c.cfg.BlockBytes; i++ {
			c.env.Bus.Write8(c.dataAddr(), c.tx.Data[off+uint64(i)])
		}
		c.txQueued++
		c.txBlocks = c.txQueued
		progressed = true
	}

	if progressed {
		c.progress(now)
		return
	}
	c.maybeComplete(now)
	if c.state == stateIdle {
		c.checkDeadline(now)
	}
}
