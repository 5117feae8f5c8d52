// Package node implements the node (C8), mailbox (C7), and actor
// scheduler (C9) layers that sit on top of package dist: a multiplexer
// that owns outgoing-connection caching, the inbound acceptor, the
// mailbox registry keyed by pid and name, and link-break propagation.
package node

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vonwenm/eclus/errs"
	"github.com/vonwenm/eclus/etf"
)

// Envelope is one delivered message: who it came from (the zero Pid for
// anonymous sends) and the term itself. A delivered exit-signal or auth
// failure is carried as Err instead of Term, per §4.7 ("if the head is
// an exit or auth exception, raises it instead").
type Envelope struct {
	From etf.Pid
	Term etf.Term
	Err  error
}

// Mailbox is a FIFO inbox bound to a pid and optional registered name
// (§4.7/§3). The zero value is not usable; construct one through Node.
type Mailbox struct {
	Self etf.Pid
	Name string

	node  *Node
	queue chan Envelope
	links *localLinks

	actor    bool
	notifyFn func() // scheduler.notify, set only for actor mailboxes

	closed chan struct{}
}

func newMailbox(n *Node, self etf.Pid, name string, actor bool, size int) *Mailbox {
	if size <= 0 {
		size = 128
	}
	return &Mailbox{
		Self:   self,
		Name:   name,
		node:   n,
		queue:  make(chan Envelope, size),
		links:  newLocalLinks(),
		actor:  actor,
		closed: make(chan struct{}),
	}
}

// deliver enqueues env without blocking; a full mailbox drops the
// newest message rather than stall the connection reader that's
// delivering it.
func (m *Mailbox) deliver(env Envelope) {
	select {
	case <-m.closed:
		return
	default:
	}
	select {
	case m.queue <- env:
	default:
		// Queue full: drop the newest rather than block the connection
		// reader delivering it.
		m.node.metrics.MailboxDrop()
		m.node.log.WithFields(logrus.Fields{"pid": m.Self, "name": m.Name}).Warn("mailbox full, dropped message")
	}
	m.node.metricsDepth(len(m.queue))
	if m.actor && m.notifyFn != nil {
		m.notifyFn()
	}
}

// Receive blocks until a message is available, raising Err as a Go
// error if the head envelope carries one (§4.7).
func (m *Mailbox) Receive() (etf.Pid, etf.Term, error) {
	select {
	case env := <-m.queue:
		return env.From, env.Term, env.Err
	case <-m.closed:
		return etf.Pid{}, nil, errs.New(errs.NotConnected, "mailbox closed")
	}
}

// ReceiveTimeout is Receive with a deadline; it returns errs.Timeout
// when none arrives in time (§4.7/§7).
func (m *Mailbox) ReceiveTimeout(d time.Duration) (etf.Pid, etf.Term, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case env := <-m.queue:
		return env.From, env.Term, env.Err
	case <-m.closed:
		return etf.Pid{}, nil, errs.New(errs.NotConnected, "mailbox closed")
	case <-timer.C:
		return etf.Pid{}, nil, errs.New(errs.Timeout, "receive timed out after %s", d)
	}
}

// pending reports whether a message is currently waiting, without
// consuming it; the scheduler uses this to close the gap between
// draining a task and clearing its queued flag.
func (m *Mailbox) pending() bool {
	return len(m.queue) > 0
}

// Poll is the non-blocking variant: ok is false when the queue is
// empty right now.
func (m *Mailbox) Poll() (from etf.Pid, term etf.Term, err error, ok bool) {
	select {
	case env := <-m.queue:
		return env.From, env.Term, env.Err, true
	default:
		return etf.Pid{}, nil, nil, false
	}
}

// Send encodes and routes term to pid, locally or via the owning
// node's connection cache (§4.7).
func (m *Mailbox) Send(to etf.Pid, term etf.Term) error {
	return m.node.routeByPid(m.Self, to, term)
}

// SendName sends to a registered name on a remote (or local) node.
func (m *Mailbox) SendName(name string, nodeName string, term etf.Term) error {
	return m.node.routeByName(m.Self, name, nodeName, term)
}

// Link adds a bidirectional-intent link: local bookkeeping plus, when
// the peer is remote, a LINK control tuple over the right connection.
func (m *Mailbox) Link(to etf.Pid) error {
	m.links.add(to)
	return m.node.sendLink(m.Self, to)
}

// Unlink reverses Link.
func (m *Mailbox) Unlink(to etf.Pid) error {
	m.links.remove(to)
	return m.node.sendUnlink(m.Self, to)
}

// Exit sends an EXIT2 signal to to with reason.
func (m *Mailbox) Exit(to etf.Pid, reason etf.Term) error {
	return m.node.sendExit2(m.Self, to, reason)
}

// Close breaks every outstanding link with reason, unregisters the
// mailbox's name, and removes it from the node's registry (§4.7).
func (m *Mailbox) Close(reason etf.Term) {
	select {
	case <-m.closed:
		return
	default:
		close(m.closed)
	}
	for _, peer := range m.links.all() {
		if string(peer.Node) == m.node.Name {
			m.node.notifyExit(m.Self, peer, reason)
			continue
		}
		_ = m.node.sendExit2(m.Self, peer, reason)
	}
	m.node.unregister(m)
}

// localLinks is the mailbox-local half of link bookkeeping (§3: "a
// per-mailbox link set for aggregate exit broadcast"), separate from
// dist.LinkTable which is keyed per-connection.
type localLinks struct {
	mu  sync.Mutex
	set map[etf.Pid]struct{}
}

func newLocalLinks() *localLinks {
	return &localLinks{set: make(map[etf.Pid]struct{})}
}

func (l *localLinks) add(p etf.Pid) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.set[p] = struct{}{}
}

func (l *localLinks) remove(p etf.Pid) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.set, p)
}

func (l *localLinks) all() []etf.Pid {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]etf.Pid, 0, len(l.set))
	for p := range l.set {
		out = append(out, p)
	}
	return out
}
