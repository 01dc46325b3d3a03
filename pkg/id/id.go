package id

import (
	"encoding/binary"
	"sync"
	"time"
)

// ID is a 96-bit, lexicographically sortable identifier encoded as 12 bytes
// big-endian: [8 bytes ms_timestamp][4 bytes sequence].
type ID [12]byte

// Bytes returns the raw 12-byte representation.
func (i ID) Bytes() []byte { b := make([]byte, 12); copy(b, i[:]); return b }

// String returns the id as a lowercase hex string.
func (i ID) String() string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(i)*2)
	for idx, v := range i {
		out[idx*2] = digits[v>>4]
		out[idx*2+1] = digits[v&0x0f]
	}
	return string(out)
}

// Compare returns -1, 0, 1 based on lexical comparison.
func (i ID) Compare(other ID) int {
	for idx := 0; idx < len(i); idx++ {
		if i[idx] < other[idx] {
			return -1
		}
		if i[idx] > other[idx] {
			return 1
		}
	}
	return 0
}

// Generator mints monotonically increasing IDs for one process.
type Generator struct {
	mu     sync.Mutex
	lastMs int64
	seq    uint32
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// nowMs is swappable for tests.
var nowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. A regressing clock pins to the last observed
// millisecond; sequence exhaustion within one millisecond waits for the
// next tick.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := nowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}
	if ms == g.lastMs {
		if g.seq == ^uint32(0) {
			for ms <= g.lastMs {
				time.Sleep(time.Millisecond / 8)
				ms = nowMs()
			}
			g.seq = 0
		} else {
			g.seq++
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(ms))
	binary.BigEndian.PutUint32(out[8:12], g.seq)
	return out
}
