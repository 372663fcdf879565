// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transfertest

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"go.yaml.in/yaml/v3"

	"github.com/Chester-Gillon/fpga-sio-sub002/bridge"
	"github.com/Chester-Gillon/fpga-sio-sub002/uart"
)

// Strategy selects how bytes are moved to and from the serial ports.
// The zero value is deliberately invalid so a merge of defaults can
// tell "unset" from a real choice.
type Strategy int

const (
	StrategyPIO Strategy = iota + 1
	StrategyRing
	StrategyBlock
)

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "pio":
		return StrategyPIO, nil
	case "ring":
		return StrategyRing, nil
	case "block":
		return StrategyBlock, nil
	}
	return 0, fmt.Errorf("transfertest: unknown strategy %q (want pio, ring or block)", s)
}

func (s Strategy) String() string {
	switch s {
	case StrategyPIO:
		return "pio"
	case StrategyRing:
		return "ring"
	case StrategyBlock:
		return "block"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

func (s *Strategy) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	v, err := ParseStrategy(name)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Topology selects the loopback wiring: each port to itself, or a
// crossed pair where each port's output feeds the other's input.
type Topology int

const (
	SelfLoopback Topology = iota + 1
	CrossedLoopback
)

func ParseTopology(s string) (Topology, error) {
	switch s {
	case "self":
		return SelfLoopback, nil
	case "crossed":
		return CrossedLoopback, nil
	}
	return 0, fmt.Errorf("transfertest: unknown topology %q (want self or crossed)", s)
}

func (t Topology) String() string {
	switch t {
	case SelfLoopback:
		return "self"
	case CrossedLoopback:
		return "crossed"
	}
	return fmt.Sprintf("Topology(%d)", int(t))
}

func (t *Topology) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	v, err := ParseTopology(name)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Duration wraps time.Duration with "1s" style YAML decoding.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is one test configuration: how much data to push through which
// ports, by which strategy, under which timing limits.
type Config struct {
	Strategy    Strategy `yaml:"strategy"`
	Topology    Topology `yaml:"topology"`
	CheckStatus bool     `yaml:"check_status"`

	// Ports is the number of serial ports exercised, each owning one
	// DMA channel.
	Ports uint `yaml:"ports"`

	BlockBytes      uint32 `yaml:"block_bytes"`
	TotalBlocks     uint   `yaml:"total_blocks"`
	RingDescriptors uint   `yaml:"ring_descriptors"`

	// MaxQueuedBlocks bounds how far transmit may run ahead of
	// confirmed receive. The product with BlockBytes must fit the
	// receive FIFO or the transmitter can overrun it.
	MaxQueuedBlocks uint `yaml:"max_queued_blocks"`

	Timeout   Duration `yaml:"timeout"`
	NoOverlap bool     `yaml:"no_overlap"`
	Seed      uint32   `yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Strategy:        StrategyRing,
		Topology:        SelfLoopback,
		Ports:           1,
		BlockBytes:      64,
		TotalBlocks:     16384,
		RingDescriptors: 20,
		MaxQueuedBlocks: 2,
		Timeout:         Duration(time.Second),
		Seed:            1,
	}
}

// LoadConfig reads a YAML file and fills unset fields from the
// defaults.
func LoadConfig(path string) (cfg Config, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err = yaml.Unmarshal(b, &cfg); err != nil {
		err = fmt.Errorf("transfertest: %s: %w", path, err)
		return
	}
	if err = mergo.Merge(&cfg, DefaultConfig()); err != nil {
		return
	}
	err = cfg.Validate()
	return
}

func (c *Config) Validate() error {
	switch c.Strategy {
	case StrategyPIO, StrategyRing, StrategyBlock:
	default:
		return fmt.Errorf("transfertest: invalid strategy %v", c.Strategy)
	}
	switch c.Topology {
	case SelfLoopback, CrossedLoopback:
	default:
		return fmt.Errorf("transfertest: invalid topology %v", c.Topology)
	}
	if c.Ports < 1 || c.Ports > bridge.NChannel {
		return fmt.Errorf("transfertest: ports must be 1..%d, got %d", bridge.NChannel, c.Ports)
	}
	if c.Topology == CrossedLoopback && c.Ports != 2 {
		return fmt.Errorf("transfertest: crossed loopback needs 2 ports, got %d", c.Ports)
	}
	if c.BlockBytes == 0 || c.TotalBlocks == 0 {
		return fmt.Errorf("transfertest: nothing to transfer: %d blocks of %d bytes",
			c.TotalBlocks, c.BlockBytes)
	}
	if c.MaxQueuedBlocks == 0 {
		return fmt.Errorf("transfertest: max_queued_blocks must be at least 1")
	}
	if uint64(c.MaxQueuedBlocks)*uint64(c.BlockBytes) > uart.FifoDepth {
		return fmt.Errorf("transfertest: %d queued blocks of %d bytes would overrun the %d byte receive FIFO",
			c.MaxQueuedBlocks, c.BlockBytes, uart.FifoDepth)
	}
	if c.Strategy == StrategyRing && c.RingDescriptors < 4 {
		return fmt.Errorf("transfertest: ring needs at least 4 descriptors, got %d", c.RingDescriptors)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("transfertest: timeout must be positive")
	}
	return nil
}
