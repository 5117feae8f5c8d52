package dist

import (
	"sync"

	"github.com/vonwenm/eclus/etf"
)

// linkPair is one (local, remote) link through a single connection.
type linkPair struct {
	local  etf.Pid
	remote etf.Pid
}

// LinkTable is the per-connection set of link pairs §4.6 describes: a
// small array-backed set with O(n) linear search, expected n in the
// single digits for any one connection, guarded by one lock.
type LinkTable struct {
	mu    sync.Mutex
	pairs []linkPair
}

// NewLinkTable returns an empty table.
func NewLinkTable() *LinkTable { return &LinkTable{} }

// Add inserts (local, remote) if not already present. Idempotent.
func (t *LinkTable) Add(local, remote etf.Pid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pairs {
		if p.local == local && p.remote == remote {
			return
		}
	}
	t.pairs = append(t.pairs, linkPair{local: local, remote: remote})
}

// Remove deletes (local, remote) if present.
func (t *LinkTable) Remove(local, remote etf.Pid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.pairs {
		if p.local == local && p.remote == remote {
			t.pairs = append(t.pairs[:i], t.pairs[i+1:]...)
			return
		}
	}
}

// Exists reports whether (local, remote) is linked.
func (t *LinkTable) Exists(local, remote etf.Pid) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pairs {
		if p.local == local && p.remote == remote {
			return true
		}
	}
	return false
}

// LocalPids returns every local pid with at least one outstanding link.
func (t *LinkTable) LocalPids() []etf.Pid {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[etf.Pid]bool)
	out := make([]etf.Pid, 0, len(t.pairs))
	for _, p := range t.pairs {
		if !seen[p.local] {
			seen[p.local] = true
			out = append(out, p.local)
		}
	}
	return out
}

// RemotePids returns every remote pid with at least one outstanding
// link through this table.
func (t *LinkTable) RemotePids() []etf.Pid {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[etf.Pid]bool)
	out := make([]etf.Pid, 0, len(t.pairs))
	for _, p := range t.pairs {
		if !seen[p.remote] {
			seen[p.remote] = true
			out = append(out, p.remote)
		}
	}
	return out
}

// Pair is an exported view of one (local, remote) link, returned by
// ClearAll so callers can notify each local pid individually.
type Pair struct {
	Local  etf.Pid
	Remote etf.Pid
}

// ClearAll empties the table and returns everything it held, for the
// caller to turn into synthetic {EXIT, remote, local, noconnection}
// deliveries when the owning connection dies (§4.6).
func (t *LinkTable) ClearAll() []Pair {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Pair, len(t.pairs))
	for i, p := range t.pairs {
		out[i] = Pair{Local: p.local, Remote: p.remote}
	}
	t.pairs = nil
	return out
}
