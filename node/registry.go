package node

import (
	"sync"

	"github.com/vonwenm/eclus/etf"
)

// registry holds the node's two maps — by pid and by name — under one
// lock, and the monotonic pid allocator (§3/§4.8). Design Notes §9
// replaces the source's weak-reference GC scheme with an explicit
// owner: the registry holds strong handles, and Mailbox.Close is
// mandatory for a slot to be freed. whereis/byPid lookups never extend
// a mailbox's lifetime.
type registry struct {
	mu       sync.Mutex
	byPid    map[etf.Pid]*Mailbox
	byName   map[string]*Mailbox
	nodeName string
	creation uint32

	nextID     uint32 // 15 bits significant
	nextSerial uint32 // 13 bits significant
	nextRef    uint32
}

func newRegistry(nodeName string, creation uint32) *registry {
	return &registry{
		byPid:    make(map[etf.Pid]*Mailbox),
		byName:   make(map[string]*Mailbox),
		nodeName: nodeName,
		creation: creation,
	}
}

// allocatePid returns the next pid, wrapping id then serial at their
// declared bit widths (§3/§5: "on both overflow, the next one reuses
// the start").
func (r *registry) allocatePid() etf.Pid {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	serial := r.nextSerial
	r.nextID++
	if r.nextID > 0x7FFF {
		r.nextID = 0
		r.nextSerial++
		if r.nextSerial > 0x1FFF {
			r.nextSerial = 0
		}
	}
	return etf.Pid{Node: etf.Atom(r.nodeName), ID: id, Serial: serial, Creation: r.creation & 0x3}
}

// allocateRef returns a fresh new-style (3-word) reference scoped to
// this node, per §3/§5's "monotonic counters guarded by the node lock".
func (r *registry) allocateRef() etf.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextRef++
	return etf.Ref{Node: etf.Atom(r.nodeName), Creation: r.creation & 0x3, IDs: []uint32{r.nextRef, 0, 0}}
}

// insert registers a newly created mailbox by pid, and by name if one
// was supplied.
func (r *registry) insert(m *Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPid[m.Self] = m
	if m.Name != "" {
		r.byName[m.Name] = m
	}
}

// registerName associates name with an already-registered mailbox.
// Returns false without effect if name is already taken — §8's
// "at-most-once registration" property.
func (r *registry) registerName(name string, m *Mailbox) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[name]; taken {
		return false
	}
	r.byName[name] = m
	m.Name = name
	return true
}

func (r *registry) whereis(name string) (*Mailbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byName[name]
	return m, ok
}

func (r *registry) lookup(pid etf.Pid) (*Mailbox, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byPid[pid]
	return m, ok
}

func (r *registry) remove(m *Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPid, m.Self)
	if m.Name != "" {
		if cur, ok := r.byName[m.Name]; ok && cur == m {
			delete(r.byName, m.Name)
		}
	}
}

func (r *registry) depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, m := range r.byPid {
		total += len(m.queue)
	}
	return total
}
