package session

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/rpcbridge/internal/protocol/frame"
)

// PendingCall tracks one request awaiting its response frame.
type PendingCall struct {
	MessageID uint64
	Kind      string
	Name      string
	QueuedAt  time.Time
}

type pendingEntry struct {
	info PendingCall
	ch   chan frame.Frame
}

// PendingTable stores in-flight requests by message id.
type PendingTable struct {
	mu    sync.Mutex
	items map[uint64]pendingEntry
}

func NewPendingTable() *PendingTable {
	return &PendingTable{
		items: make(map[uint64]pendingEntry),
	}
}

// Add registers a request and returns the channel its response is delivered on.
func (p *PendingTable) Add(item PendingCall) <-chan frame.Frame {
	ch := make(chan frame.Frame, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[item.MessageID] = pendingEntry{info: item, ch: ch}
	return ch
}

// Resolve delivers a response and forgets the request. It reports false for
// responses nobody is waiting on.
func (p *PendingTable) Resolve(messageID uint64, f frame.Frame) bool {
	p.mu.Lock()
	entry, ok := p.items[messageID]
	if ok {
		delete(p.items, messageID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.ch <- f
	return true
}

func (p *PendingTable) Remove(messageID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, messageID)
}

func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Drain forgets every request and returns what was pending.
func (p *PendingTable) Drain() []PendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingCall, 0, len(p.items))
	for id, entry := range p.items {
		out = append(out, entry.info)
		delete(p.items, id)
	}
	sortPending(out)
	return out
}

func (p *PendingTable) List() []PendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingCall, 0, len(p.items))
	for _, entry := range p.items {
		out = append(out, entry.info)
	}
	sortPending(out)
	return out
}

func sortPending(out []PendingCall) {
	sort.Slice(out, func(i, j int) bool {
		return out[i].MessageID < out[j].MessageID
	})
}
