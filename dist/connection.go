package dist

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vonwenm/eclus/errs"
	"github.com/vonwenm/eclus/etf"
	"github.com/vonwenm/eclus/metrics"
)

const (
	passThrough = 0x70
	versionByte = 0x83
)

// Message is one decoded distribution frame delivered from a peer: a
// control tuple and, when the control implies one, the payload term
// that followed it in the same frame (§4.5/§6).
type Message struct {
	Control Control
	Payload etf.Term // nil when Control carries no payload (LINK, UNLINK, ...)
}

// Connection is a framed, authenticated distribution socket (C5). It
// owns the link table for pids routed through it and serializes writes
// behind a single mutex (§5).
type Connection struct {
	PeerName string
	DistVsn  uint16

	conn   net.Conn
	writeMu sync.Mutex

	cookieOk   bool
	sendCookie bool
	pinnedCookie etf.Atom
	cookiePinned bool

	Links *LinkTable

	closeOnce sync.Once
	closed    chan struct{}

	metrics *metrics.Registry
	log     *logrus.Entry
}

func newConnection(conn net.Conn, peerName string, distVsn uint16, m *metrics.Registry, log *logrus.Entry) *Connection {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Connection{
		PeerName: peerName,
		DistVsn:  distVsn,
		conn:     conn,
		Links:    NewLinkTable(),
		closed:   make(chan struct{}),
		metrics:  m,
		log:      log.WithField("peer", peerName),
	}
	m.ConnOpen()
	return c
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close tears down the socket. Idempotent (§5: "close() on a connection
// is idempotent").
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.metrics.ConnClose()
	})
	return err
}

// ReadMessage blocks for the next frame. len==0 frames are ticks: they
// are answered with a zero-length tock and ReadMessage loops to read
// the next real frame rather than returning one (§4.5: "answers with
// tock without exiting the loop").
func (c *Connection) ReadMessage() (*Message, error) {
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
			return nil, errs.Wrap(errs.IO, err, "read frame header")
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n == 0 {
			c.metrics.Tick()
			if err := c.writeTock(); err != nil {
				return nil, err
			}
			continue
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return nil, errs.Wrap(errs.IO, err, "read frame payload")
		}
		if len(payload) < 2 || payload[0] != passThrough || payload[1] != versionByte {
			return nil, errs.New(errs.Decode, "frame missing pass-through/version prefix")
		}

		ctlTerm, used, err := etf.DecodeTerm(payload[2:])
		if err != nil {
			return nil, errs.Wrap(errs.Decode, err, "decode control tuple")
		}
		ctl, err := DecodeControl(ctlTerm)
		if err != nil {
			return nil, err
		}
		c.metrics.ControlReceived(ctl.TagName())

		msg := &Message{Control: ctl}
		rest := payload[2+used:]
		if len(rest) > 0 {
			msgTerm, err := decodeMessageTerm(rest)
			if err != nil {
				return nil, err
			}
			msg.Payload = msgTerm
		}
		return msg, nil
	}
}

func decodeMessageTerm(rest []byte) (etf.Term, error) {
	if len(rest) > 0 && rest[0] == versionByte {
		t, err := etf.Decode(rest)
		if err != nil {
			return nil, errs.Wrap(errs.Decode, err, "decode message payload")
		}
		return t, nil
	}
	t, _, err := etf.DecodeTerm(rest)
	if err != nil {
		return nil, errs.Wrap(errs.Decode, err, "decode message payload")
	}
	return t, nil
}

func (c *Connection) writeTock() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write([]byte{0, 0, 0, 0}); err != nil {
		return errs.Wrap(errs.IO, err, "write tock")
	}
	c.metrics.Tock()
	return nil
}

// WriteTick sends an unsolicited zero-length keepalive frame.
func (c *Connection) WriteTick() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write([]byte{0, 0, 0, 0}); err != nil {
		return errs.Wrap(errs.IO, err, "write tick")
	}
	return nil
}

// WriteControl sends ctl, followed by payload if non-nil, as a single
// framed write (§4.5 "write path"). cookie is only actually included
// on the wire when c.sendCookie is still true.
func (c *Connection) WriteControl(ctl Control, payload etf.Term, cookie string) error {
	ctlTuple := EncodeControl(ctl, c.sendCookie, etf.Atom(cookie))

	body := make([]byte, 0, 64)
	body = append(body, passThrough, versionByte)
	body = append(body, etf.Encode(ctlTuple)[1:]...) // strip nested version byte
	if payload != nil {
		body = append(body, etf.Encode(payload)...)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return errs.Wrap(errs.IO, err, "write frame header")
	}
	if _, err := c.conn.Write(body); err != nil {
		return errs.Wrap(errs.IO, err, "write frame body")
	}
	c.metrics.ControlSent(ctl.TagName())
	return nil
}

// CheckCookie reports whether ctl's cookie atom is acceptable. Once the
// MD5 challenge handshake has authenticated the peer (cookieOk), the
// peer is trusted for the life of the connection: §4.4 step 6/§3 have
// it stop sending a real cookie on SEND/REG_SEND entirely once
// authenticated (EncodeControl sends the empty atom), so comparing
// against one here would reject every post-handshake message. Before a
// handshake has completed, the first cookie atom seen is pinned, and the
// check passes when either the pinned cookie or got equals want; got is
// never compared against the pinned cookie (§4.5 "cookie check").
func (c *Connection) CheckCookie(got etf.Atom, want string) bool {
	if c.cookieOk {
		return true
	}
	if !c.cookiePinned {
		c.pinnedCookie = got
		c.cookiePinned = true
	}
	return string(c.pinnedCookie) == want || string(got) == want
}
