package session

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync/atomic"
)

// SeqGenerator produces channel header sequence numbers for one connection.
//
// The first value is random so that sequence numbers of consecutive connections do not collide
// in PLC traces. Values wrap around at 2^32 and skip zero.
type SeqGenerator struct {
	seq atomic.Uint32
}

// NewSeqGenerator returns a generator seeded from crypto/rand.
func NewSeqGenerator() *SeqGenerator {
	gen := &SeqGenerator{}

	var buf [4]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err == nil {
		gen.seq.Store(binary.BigEndian.Uint32(buf[:]))
	}

	return gen
}

// NewSeqGeneratorFrom returns a generator whose next value is start+1.
func NewSeqGeneratorFrom(start uint32) *SeqGenerator {
	gen := &SeqGenerator{}
	gen.seq.Store(start)

	return gen
}

// Next returns the next sequence number.
func (g *SeqGenerator) Next() uint32 {
	for {
		if v := g.seq.Add(1); v != 0 {
			return v
		}
	}
}
