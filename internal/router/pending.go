package router

import "sync"

// pendingTable tracks in-flight request identifiers so each produces
// exactly one response. An identifier is claimed when dispatch begins and
// released by whichever finisher gets there first, result or timeout; the
// loser's finish is refused and its response is never sent.
//
// Re-claiming an identifier already in flight displaces the old entry:
// last request wins, the displaced dispatch is silenced.
type pendingTable struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]uint64
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]uint64)}
}

// begin claims the identifier and returns a claim token.
func (p *pendingTable) begin(id string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.entries[id] = p.seq
	return p.seq
}

// finish releases the identifier if the token still owns it. Returns false
// when the entry was already finished or displaced; the caller must then
// drop its response.
func (p *pendingTable) finish(id string, token uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.entries[id]; ok && cur == token {
		delete(p.entries, id)
		return true
	}
	return false
}

// inflight returns the number of claimed identifiers.
func (p *pendingTable) inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
