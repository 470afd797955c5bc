package transceiver

import (
	"sync"

	"github.com/klesis/klesis/pkg/codec"
)

// EncodeCache is a single-slot memo of the last estimate's encode result.
//
// It exists so that an estimate immediately followed by a transmit of the same
// (text, protocol) pair encodes once. A hit on [EncodeCache.Take] empties the
// slot; a lookup with a different key leaves it alone until the next
// [EncodeCache.Put] overwrites it. It is not a general-purpose cache.
type EncodeCache struct {
	mu       sync.Mutex
	valid    bool
	text     string
	protocol codec.ProtocolID
	samples  []float32
}

// Take returns the cached samples on an exact key match and clears the slot.
func (c *EncodeCache) Take(text string, protocol codec.ProtocolID) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.match(text, protocol) {
		return nil, false
	}
	samples := c.samples
	c.clear()
	return samples, true
}

// Peek returns the cached samples on an exact key match without consuming
// them.
func (c *EncodeCache) Peek(text string, protocol codec.ProtocolID) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.match(text, protocol) {
		return nil, false
	}
	return c.samples, true
}

// Put overwrites the slot.
func (c *EncodeCache) Put(text string, protocol codec.ProtocolID, samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = len(samples) > 0
	c.text = text
	c.protocol = protocol
	c.samples = samples
}

// Reset empties the slot. Called when encode parameters outside the key, such
// as volume, change.
func (c *EncodeCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
}

func (c *EncodeCache) match(text string, protocol codec.ProtocolID) bool {
	return c.valid && c.text == text && c.protocol == protocol
}

func (c *EncodeCache) clear() {
	c.valid = false
	c.text = ""
	c.protocol = 0
	c.samples = nil
}
