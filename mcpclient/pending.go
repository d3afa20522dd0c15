package mcpclient

import (
	"sync"
	"time"
)

// pendingResult is what a waiter receives: a response frame or a local
// failure such as connection loss.
type pendingResult struct {
	frame *frame
	err   error
}

type pendingEntry struct {
	ch       chan pendingResult
	issuedAt time.Time
}

// pendingTable correlates request ids with waiters. Each entry is removed
// exactly once, either by resolve/failAll or by the waiter via remove.
type pendingTable struct {
	mu      sync.Mutex
	entries map[int64]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[int64]*pendingEntry)}
}

// register creates the slot for id. The channel is buffered so resolution
// never blocks the reader.
func (p *pendingTable) register(id int64) <-chan pendingResult {
	ch := make(chan pendingResult, 1)
	p.mu.Lock()
	p.entries[id] = &pendingEntry{ch: ch, issuedAt: time.Now()}
	p.mu.Unlock()
	return ch
}

// resolve hands res to the waiter for id. It reports false when no waiter
// exists (already timed out, or never issued).
func (p *pendingTable) resolve(id int64, res pendingResult) bool {
	p.mu.Lock()
	entry, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
		entry.ch <- res
	}
	p.mu.Unlock()
	return ok
}

// remove drops the entry for id. It reports false when a resolution already
// took it, in which case the result is waiting in the channel.
func (p *pendingTable) remove(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		return false
	}
	delete(p.entries, id)
	return true
}

// failAll resolves every outstanding waiter with err.
func (p *pendingTable) failAll(err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.entries)
	for id, entry := range p.entries {
		delete(p.entries, id)
		entry.ch <- pendingResult{err: err}
	}
	return n
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *pendingTable) has(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// age returns how long id has been outstanding.
func (p *pendingTable) age(id int64) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[id]
	if !ok {
		return 0, false
	}
	return time.Since(entry.issuedAt), true
}
