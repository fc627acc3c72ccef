package upstream

import (
	"log/slog"
	"sync/atomic"
)

// KeyPool hands out API keys using atomic round-robin selection.
// An empty pool yields "", meaning no Authorization header.
type KeyPool struct {
	keys    []string
	counter atomic.Uint64
}

// NewKeyPool creates a KeyPool. Empty keys are ignored.
func NewKeyPool(keys []string) *KeyPool {
	p := &KeyPool{}
	for _, k := range keys {
		if k != "" {
			p.keys = append(p.keys, k)
		}
	}
	slog.Info("upstream: key pool initialised", "keys", len(p.keys))
	return p
}

// Next returns the next key. Safe for concurrent use.
func (p *KeyPool) Next() string {
	if len(p.keys) == 0 {
		return ""
	}
	idx := p.counter.Add(1) - 1
	return p.keys[idx%uint64(len(p.keys))]
}

// Len returns the number of keys in the pool.
func (p *KeyPool) Len() int {
	return len(p.keys)
}
