// Copyright 2023 The fpga_sio Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transfertest

// Sequence is the reproducible pseudo-random byte stream the tester
// transmits: a 31 bit multiplicative linear congruential generator.
// Seeded identically on both ends of a run, it lets the receiver verify
// every byte without a copy of the transmitted data in flight.
type Sequence struct {
	x uint32
}

const (
	lcgMultiplier = 48271
	lcgModulus    = 1<<31 - 1
)

func NewSequence(seed uint32) Sequence {
	seed %= lcgModulus
	if seed == 0 {
		seed = 1
	}
	return Sequence{x: seed}
}

func (s *Sequence) NextByte() byte {
	s.x = uint32(uint64(s.x) * lcgMultiplier % lcgModulus)
	return byte(s.x)
}

// Fill writes the next len(b) bytes of the stream into b.
func (s *Sequence) Fill(b []byte) {
	for i := range b {
		b[i] = s.NextByte()
	}
}

// CountMismatches advances the stream over b and reports how many bytes
// differ from it.
func (s *Sequence) CountMismatches(b []byte) (n uint) {
	for i := range b {
		if b[i] != s.NextByte() {
			n++
		}
	}
	return
}
