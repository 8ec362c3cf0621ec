// Package snowflake generates 64-bit, time-sortable, process-unique task
// identifiers in the spirit of Twitter's Snowflake scheme: a millisecond
// timestamp in the high bits, a small node discriminator, and a per-millisecond
// sequence counter that rolls over into the next millisecond when exhausted.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	nodeBits     = 10
	sequenceBits = 12

	maxNode     = -1 ^ (-1 << nodeBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits
)

// Epoch is the reference point subtracted from wall-clock milliseconds before
// packing the timestamp into an ID. Chosen arbitrarily; only monotonicity and
// not running out of 41 timestamp bits before ~2093 matter.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Generator produces unique int64 task IDs. A Generator is safe for
// concurrent use by multiple goroutines.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	lastMs   int64
	sequence int64
}

// NewGenerator returns a Generator for the given node discriminator, which
// must fit in nodeBits (0–1023). Distinct host processes should pass distinct
// values so their ID streams never collide.
func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID < 0 || nodeID > maxNode {
		return nil, fmt.Errorf("snowflake: nodeID %d out of range [0,%d]", nodeID, maxNode)
	}
	return &Generator{nodeID: nodeID, lastMs: -1}, nil
}

// Next returns the next unique ID. If the clock has moved backward it blocks
// (via a tight spin) until the clock catches up again, however long that takes.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := sinceEpochMillis()
	if now < g.lastMs {
		// Clock moved backward; wait it out rather than risk a collision.
		for now < g.lastMs {
			now = sinceEpochMillis()
		}
	}

	if now == g.lastMs {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastMs {
				now = sinceEpochMillis()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = now

	return (now << timestampShift) | (g.nodeID << nodeShift) | g.sequence
}

func sinceEpochMillis() int64 {
	return time.Since(Epoch).Milliseconds()
}
