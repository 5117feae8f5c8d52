package node

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vonwenm/eclus/dist"
	"github.com/vonwenm/eclus/epmd"
	"github.com/vonwenm/eclus/errs"
	"github.com/vonwenm/eclus/etf"
	"github.com/vonwenm/eclus/metrics"
)

const defaultDistVsn = 5

// Option configures a Node at construction, following the functional-
// option idiom used throughout the rest of the pack for optional
// constructor parameters (SPEC_FULL.md §2).
type Option func(*Node)

// WithCookie sets the authorization cookie. Without it (or with an
// empty cookie), New reads the cookie from $HOME/.erlang.cookie via
// dist.CookieFromHome, and uses the empty cookie if that fails.
func WithCookie(cookie string) Option {
	return func(n *Node) { n.cookie = cookie }
}

// WithTraceLevel sets the logrus level used for this node's log entries
// (§6 Observability: 0..4 map to silent/Error/Warn/Info/Debug).
func WithTraceLevel(level int) Option {
	return func(n *Node) { n.log.Logger.SetLevel(traceToLevel(level)) }
}

// WithEPMDPort overrides the EPMD port instead of $ERL_EPMD_PORT/4369.
func WithEPMDPort(port int) Option {
	return func(n *Node) { n.epmdPort = port }
}

// WithMetrics attaches a metrics registry; absent, every metrics call
// on this node is a no-op.
func WithMetrics(m *metrics.Registry) Option {
	return func(n *Node) { n.metrics = m }
}

// WithStatusHandler installs an observer for connection lifecycle
// events (§4.8).
func WithStatusHandler(h StatusHandler) Option {
	return func(n *Node) { n.status = newSafeStatus(h, n.log) }
}

func traceToLevel(level int) logrus.Level {
	switch {
	case level <= 0:
		return logrus.PanicLevel // effectively silent: nothing logged at this level
	case level == 1:
		return logrus.ErrorLevel
	case level == 2:
		return logrus.WarnLevel
	case level == 3:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

// Node is the multiplexer described by C8: it owns the listening
// socket, the mailbox registry, the outbound connection cache, and a
// scheduler for actor mailboxes.
type Node struct {
	Name     string
	cookie   string
	creation uint32
	epmdPort int

	listener net.Listener
	epmdConn *epmd.Client

	reg   *registry
	sched *scheduler

	connMu      sync.Mutex
	connections map[string]*dist.Connection
	connGroup   singleflight.Group

	status  *safeStatus
	metrics *metrics.Registry
	log     *logrus.Entry

	group *errgroup.Group

	closeOnce sync.Once
}

// New starts a node named name (the "alive@host" form), publishes it
// to the local EPMD, and begins accepting inbound connections. Close
// tears all of it down.
func New(name string, opts ...Option) (*Node, error) {
	host, listenPort, listener, err := listen()
	if err != nil {
		return nil, err
	}

	fullName := name
	if !strings.Contains(fullName, "@") {
		fullName = fullName + "@" + host
	}

	n := &Node{
		Name:        fullName,
		listener:    listener,
		connections: make(map[string]*dist.Connection),
		log: logrus.NewEntry(logrus.New()).WithFields(logrus.Fields{
			"node": fullName,
			"id":   uuid.NewString(),
		}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.status = defaultStatus(n.status, n.log)

	if n.cookie == "" {
		cookie, err := dist.CookieFromHome(afero.NewOsFs(), os.Getenv)
		if err != nil {
			n.log.WithError(err).Warn("could not read cookie file, using empty cookie")
		} else {
			n.cookie = cookie
		}
	}

	epmdClient := &epmd.Client{Log: n.log, Port: n.epmdPort}
	info := &epmd.NodeInfo{
		FullName: fullName,
		Name:     strings.SplitN(fullName, "@", 2)[0],
		Domain:   host,
		Port:     uint16(listenPort),
		Type:     77, // normal node
		Protocol: 0,
		HighVsn:  defaultDistVsn,
		LowVsn:   defaultDistVsn,
	}
	if _, err := epmdClient.Publish("localhost", info); err != nil {
		listener.Close()
		return nil, errs.Wrap(errs.IO, err, "publish to epmd")
	}
	n.epmdConn = epmdClient
	n.creation = uint32(info.Creation)
	n.reg = newRegistry(fullName, n.creation)
	n.sched = newScheduler(n.log)

	n.group = spawnLifecycle(n)

	n.createNetKernel()
	n.status.localStatus(n.Name, true, nil)
	return n, nil
}

func defaultStatus(s *safeStatus, log *logrus.Entry) *safeStatus {
	if s != nil {
		return s
	}
	return newSafeStatus(noopStatusHandler{}, log)
}

type noopStatusHandler struct{}

func (noopStatusHandler) RemoteStatus(string, bool, error) {}
func (noopStatusHandler) LocalStatus(string, bool, error)  {}
func (noopStatusHandler) ConnAttempt(string, bool, error)  {}

func listen() (host string, port int, ln net.Listener, err error) {
	ln, err = net.Listen("tcp", ":0")
	if err != nil {
		return "", 0, nil, errs.Wrap(errs.IO, err, "listen for inbound connections")
	}
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return "", 0, nil, errs.Wrap(errs.IO, err, "parse listen address")
	}
	if host == "" || host == "::" {
		host = "localhost"
	}
	p, _ := strconv.Atoi(portStr)
	return host, p, ln, nil
}

func spawnLifecycle(n *Node) *errgroup.Group {
	g := &errgroup.Group{}
	g.Go(func() error {
		n.acceptLoop()
		return nil
	})
	g.Go(func() error {
		n.sched.run()
		return nil
	})
	return g
}

func (n *Node) identity() dist.Identity {
	return dist.Identity{
		Name:    n.Name,
		Flags:   dist.FlagExtendedReferences | dist.FlagExtendedPidsPorts,
		DistVsn: defaultDistVsn,
		Cookie:  n.cookie,
	}
}

// acceptLoop is C8's "dedicated loop [that] accepts TCP connections,
// performs the accepting handshake, and on success inserts the
// connection under its peer's node-name" (§4.8).
func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return // listener closed by Close()
		}
		go n.acceptOne(conn)
	}
}

func (n *Node) acceptOne(conn net.Conn) {
	c, err := dist.Accept(conn, n.identity(), n.metrics, n.log)
	if err != nil {
		n.log.WithError(err).Warn("inbound handshake failed")
		n.status.connAttempt(n.Name, true, err)
		conn.Close()
		return
	}
	n.connMu.Lock()
	n.connections[c.PeerName] = c
	n.connMu.Unlock()
	n.status.connAttempt(c.PeerName, true, nil)
	go n.readLoop(c)
}

// getConnection returns the cached connection to peer, dialing and
// handshaking a fresh one under singleflight if none exists yet (§4.8,
// §5 "look-up-or-create is atomic").
func (n *Node) getConnection(peer string) (*dist.Connection, error) {
	n.connMu.Lock()
	if c, ok := n.connections[peer]; ok && !c.IsClosed() {
		n.connMu.Unlock()
		return c, nil
	}
	n.connMu.Unlock()

	v, err, _ := n.connGroup.Do(peer, func() (interface{}, error) {
		n.connMu.Lock()
		if c, ok := n.connections[peer]; ok && !c.IsClosed() {
			n.connMu.Unlock()
			return c, nil
		}
		n.connMu.Unlock()

		c, err := n.dial(peer)
		if err != nil {
			n.status.connAttempt(peer, false, err)
			return nil, err
		}
		n.connMu.Lock()
		n.connections[peer] = c
		n.connMu.Unlock()
		n.status.connAttempt(peer, false, nil)
		go n.readLoop(c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*dist.Connection), nil
}

func (n *Node) dial(peer string) (*dist.Connection, error) {
	parts := strings.SplitN(peer, "@", 2)
	if len(parts) != 2 {
		return nil, errs.New(errs.Decode, "node name %q missing host part", peer)
	}
	info, err := n.epmdConn.Lookup(parts[1], parts[0])
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(parts[1], strconv.Itoa(int(info.Port)))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "dial peer "+peer)
	}
	c, err := dist.Initiate(conn, n.identity(), peer, n.metrics, n.log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// readLoop pumps decoded messages off c into local mailboxes until the
// connection fails, at which point every link routed through it
// broadcasts a noconnection exit (§4.6, §7).
func (n *Node) readLoop(c *dist.Connection) {
	defer n.dropConnection(c)
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			n.log.WithError(err).WithField("peer", c.PeerName).Debug("connection read failed")
			n.status.remoteStatus(c.PeerName, false, err)
			return
		}
		n.dispatch(c, msg)
	}
}

func (n *Node) dispatch(c *dist.Connection, msg *dist.Message) {
	ctl := msg.Control
	switch ctl.Tag {
	case dist.TagSend, dist.TagSendTT:
		if !n.checkCookie(c, ctl) {
			return
		}
		to, _ := ctl.To.(etf.Pid)
		n.deliverLocal(to, etf.Pid{}, msg.Payload, nil)

	case dist.TagRegSend, dist.TagRegSendTT:
		if !n.checkCookie(c, ctl) {
			return
		}
		name, _ := ctl.To.(etf.Atom)
		if mbox, ok := n.reg.whereis(string(name)); ok {
			mbox.deliver(Envelope{From: ctl.From, Term: msg.Payload})
		}

	case dist.TagLink:
		to, _ := ctl.To.(etf.Pid)
		c.Links.Add(to, ctl.From)
		if mbox, ok := n.reg.lookup(to); ok {
			mbox.links.add(ctl.From)
		}

	case dist.TagUnlink:
		to, _ := ctl.To.(etf.Pid)
		c.Links.Remove(to, ctl.From)
		if mbox, ok := n.reg.lookup(to); ok {
			mbox.links.remove(ctl.From)
		}

	case dist.TagExit, dist.TagExitTT:
		to, _ := ctl.To.(etf.Pid)
		c.Links.Remove(to, ctl.From)
		n.deliverLocal(to, ctl.From, nil, errs.New(errs.ExitSignal, "exit from %s: %v", ctl.From, ctl.Reason))

	case dist.TagExit2, dist.TagExit2TT:
		to, _ := ctl.To.(etf.Pid)
		n.deliverLocal(to, ctl.From, nil, errs.New(errs.ExitSignal, "exit2 from %s: %v", ctl.From, ctl.Reason))

	case dist.TagNodeLink, dist.TagGroupLeader:
		// accepted and silently ignored, per §4.5.
	}
}

func (n *Node) checkCookie(c *dist.Connection, ctl dist.Control) bool {
	if c.CheckCookie(ctl.Cookie, n.cookie) {
		return true
	}
	n.log.WithField("peer", c.PeerName).Error("bad cookie on control tuple")
	n.sendBadCookieReport(c)
	c.Close()
	return false
}

// sendBadCookieReport notifies the peer's net_kernel of the rejected
// cookie before the connection is torn down, matching the wire report
// a real node sends on this path (§7).
func (n *Node) sendBadCookieReport(c *dist.Connection) {
	report := etf.Tuple{
		etf.Atom("$gen_cast"),
		etf.Tuple{
			etf.Atom("print"),
			etf.ErlString([]rune("~n** Bad cookie ...**~n")),
			etf.List{},
		},
	}
	ctl := dist.Control{Cookie: etf.Atom(""), Tag: dist.TagRegSend, From: etf.Pid{}, To: etf.Atom(netKernelName)}
	_ = c.WriteControl(ctl, report, n.cookie)
}

func (n *Node) deliverLocal(to etf.Pid, from etf.Pid, term etf.Term, err error) {
	if mbox, ok := n.reg.lookup(to); ok {
		mbox.deliver(Envelope{From: from, Term: term, Err: err})
	}
}

// dropConnection runs the §4.6/§7 failure path: clear the connection's
// link table, broadcast noconnection to every local half of each pair,
// and evict the cache entry. The status observer is notified by
// readLoop before this runs, not here.
func (n *Node) dropConnection(c *dist.Connection) {
	c.Close()
	for _, pair := range c.Links.ClearAll() {
		n.notifyExit(pair.Remote, pair.Local, etf.Atom("noconnection"))
	}
	n.connMu.Lock()
	if cur, ok := n.connections[c.PeerName]; ok && cur == c {
		delete(n.connections, c.PeerName)
	}
	n.connMu.Unlock()
}

// routeByPid encodes and delivers term to to, locally if to's node
// matches this one, otherwise via the cached connection to to's node.
func (n *Node) routeByPid(from etf.Pid, to etf.Pid, term etf.Term) error {
	if string(to.Node) == n.Name {
		n.deliverLocal(to, from, term, nil)
		return nil
	}
	c, err := n.getConnection(string(to.Node))
	if err != nil {
		return err
	}
	ctl := dist.Control{Tag: dist.TagSend, Cookie: etf.Atom(n.cookie), To: to}
	return c.WriteControl(ctl, term, n.cookie)
}

// routeByName retries a bounded number of times while a connection is
// being established, in the shape ergonode's registrar uses for
// routing to an unconnected peer (SPEC_FULL.md §4).
const maxRouteRetries = 3

func (n *Node) routeByName(from etf.Pid, name string, targetNode string, term etf.Term) error {
	if targetNode == "" || targetNode == n.Name {
		if mbox, ok := n.reg.whereis(name); ok {
			mbox.deliver(Envelope{From: from, Term: term})
			return nil
		}
		return errs.New(errs.NotConnected, "no mailbox registered as %q", name)
	}

	var lastErr error
	for attempt := 0; attempt < maxRouteRetries; attempt++ {
		c, err := n.getConnection(targetNode)
		if err != nil {
			lastErr = err
			continue
		}
		ctl := dist.Control{Tag: dist.TagRegSend, From: from, Cookie: etf.Atom(n.cookie), To: etf.Atom(name)}
		if err := c.WriteControl(ctl, term, n.cookie); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return errs.Wrap(errs.NotConnected, lastErr,
		fmt.Sprintf("route to %s on %s after %d attempts", name, targetNode, maxRouteRetries))
}

func (n *Node) sendLink(local, remote etf.Pid) error {
	if string(remote.Node) == n.Name {
		if mbox, ok := n.reg.lookup(remote); ok {
			mbox.links.add(local)
		}
		return nil
	}
	c, err := n.getConnection(string(remote.Node))
	if err != nil {
		return err
	}
	c.Links.Add(local, remote)
	return c.WriteControl(dist.Control{Tag: dist.TagLink, From: local, To: remote}, nil, n.cookie)
}

func (n *Node) sendUnlink(local, remote etf.Pid) error {
	if string(remote.Node) == n.Name {
		if mbox, ok := n.reg.lookup(remote); ok {
			mbox.links.remove(local)
		}
		return nil
	}
	c, err := n.getConnection(string(remote.Node))
	if err != nil {
		return err
	}
	c.Links.Remove(local, remote)
	return c.WriteControl(dist.Control{Tag: dist.TagUnlink, From: local, To: remote}, nil, n.cookie)
}

func (n *Node) sendExit2(from, to etf.Pid, reason etf.Term) error {
	if string(to.Node) == n.Name {
		n.notifyExit(from, to, reason)
		return nil
	}
	c, err := n.getConnection(string(to.Node))
	if err != nil {
		return err
	}
	return c.WriteControl(dist.Control{Tag: dist.TagExit2, From: from, To: to, Reason: reason}, nil, n.cookie)
}

// notifyExit delivers a synthetic exit signal from peer to local's
// mailbox, if still registered (§4.6's "exactly one {EXIT, ...}").
func (n *Node) notifyExit(peer, local etf.Pid, reason etf.Term) {
	if mbox, ok := n.reg.lookup(local); ok {
		mbox.deliver(Envelope{From: peer, Err: errs.New(errs.ExitSignal, "exit from %s: %v", peer, reason)})
	}
}

func (n *Node) unregister(m *Mailbox) {
	if m.actor {
		n.sched.cancel(m)
	}
	n.reg.remove(m)
}

func (n *Node) metricsDepth(_ int) {
	n.metrics.SetMailboxDepth(n.reg.depth())
}

// CreateMbox allocates a pid, builds a mailbox, registers it under an
// optional name, and returns it. async selects an actor mailbox driven
// by the scheduler instead of a synchronous one (§4.7/§4.9).
func (n *Node) CreateMbox(name string, async bool) *Mailbox {
	pid := n.reg.allocatePid()
	m := newMailbox(n, pid, name, async, 0)
	n.reg.insert(m)
	if async {
		m.notifyFn = n.sched.notify(m)
	}
	return m
}

// SpawnActor creates an actor mailbox and hands it to the scheduler
// driven by handler (§4.9: react() "advance its continuation once to
// the first suspension point"). handler is invoked at most once at a
// time for this mailbox's messages, in FIFO arrival order.
func (n *Node) SpawnActor(name string, handler ActorHandler) *Mailbox {
	m := n.CreateMbox(name, true)
	n.sched.react(m, handler)
	return m
}

// Register associates name with an already-created mailbox, returning
// false without effect if the name is taken (§8 at-most-once property).
func (n *Node) Register(name string, m *Mailbox) bool {
	return n.reg.registerName(name, m)
}

// Whereis returns the mailbox registered under name, if any.
func (n *Node) Whereis(name string) (*Mailbox, bool) {
	return n.reg.whereis(name)
}

// SetStatusHandler installs or replaces the status observer.
func (n *Node) SetStatusHandler(h StatusHandler) {
	n.status = newSafeStatus(h, n.log)
}

// Close tears down the listener, EPMD registration, every cached
// connection, and the scheduler, aggregating partial failures rather
// than stopping at the first (SPEC_FULL.md §2).
func (n *Node) Close() error {
	var result *multierror.Error
	n.closeOnce.Do(func() {
		if err := n.listener.Close(); err != nil {
			result = multierror.Append(result, errs.Wrap(errs.IO, err, "close listener"))
		}
		if err := n.epmdConn.Close(); err != nil {
			result = multierror.Append(result, errs.Wrap(errs.IO, err, "close epmd registration"))
		}

		n.connMu.Lock()
		conns := make([]*dist.Connection, 0, len(n.connections))
		for _, c := range n.connections {
			conns = append(conns, c)
		}
		n.connections = make(map[string]*dist.Connection)
		n.connMu.Unlock()
		for _, c := range conns {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, errs.Wrap(errs.IO, err, "close connection to "+c.PeerName))
			}
		}

		n.sched.stop()
		if n.group != nil {
			_ = n.group.Wait()
		}
		n.status.localStatus(n.Name, false, result.ErrorOrNil())
	})
	return result.ErrorOrNil()
}
