// Package epmd implements the client side of the Erlang Port Mapper
// Daemon protocol (C3): publishing a node's listen port, looking up a
// peer's port, and the legacy r3 fallback for port mappers predating
// R4. The EPMD server itself is out of scope (§1).
package epmd

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vonwenm/eclus/errs"
)

// DefaultPort is the well-known EPMD listen port, overridable via
// $ERL_EPMD_PORT (§4.3/§6).
const DefaultPort = 4369

// Request op codes, §6.
const (
	opAlive2Req   = 120
	opAlive2Resp  = 121
	opPortPlease2 = 122
	opPort2Resp   = 119
	opStop        = 115

	// Legacy r3 op codes.
	opAlive   = 97 // 'a'
	opAliveOk = 89 // 'Y'
	opPort    = 112
)

// NodeInfo is what gets published to and returned from EPMD.
type NodeInfo struct {
	FullName string // "alive@host"
	Name     string // "alive"
	Domain   string // "host"
	Port     uint16
	Type     byte // 77 normal, 72 hidden
	Protocol byte // 0 = tcp/ip v4
	HighVsn  uint16
	LowVsn   uint16
	Creation uint16
}

// Port returns the configured (or default) EPMD port, honoring
// $ERL_EPMD_PORT per §4.3.
func Port() int {
	if v := os.Getenv("ERL_EPMD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return DefaultPort
}

// Client owns the long-lived connection used for Publish (§4.3: "keep
// the TCP connection open... EPMD holds the registration only while the
// socket lives"). Zero value is usable.
type Client struct {
	Log *logrus.Entry

	// Port overrides Port()/$ERL_EPMD_PORT for this client when nonzero.
	Port int

	conn net.Conn
	r3   bool // true once an r4 attempt detected a legacy peer
}

func (c *Client) log() *logrus.Entry {
	if c.Log != nil {
		return c.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

func (c *Client) port() int {
	if c.Port != 0 {
		return c.Port
	}
	return Port()
}

func (c *Client) dial(host string) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(c.port()))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "dial epmd at "+addr)
	}
	return conn, nil
}

// Publish registers info with the local EPMD, keeping the socket open
// for the lifetime of the registration. On success info.Creation is
// filled in. Closing the returned io.Closer (or the Client) unpublishes.
func (c *Client) Publish(host string, info *NodeInfo) (io.Closer, error) {
	conn, err := c.dial(host)
	if err != nil {
		return nil, err
	}
	c.conn = conn

	req := composeAlive2Req(info)
	if err := writeFrame(conn, req); err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := readAll(conn, 1)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if len(reply) == 0 {
		conn.Close()
		return nil, errs.New(errs.IO, "epmd: empty publish reply")
	}

	if reply[0] != opAlive2Resp {
		// Not an r4 peer; fall back to legacy r3 publish on a fresh
		// connection, per §4.3 ("the client tries r4 first...").
		conn.Close()
		return c.publishR3(host, info)
	}

	creation, ok := parseAlive2Resp(reply)
	if !ok {
		conn.Close()
		return nil, errs.New(errs.IO, "epmd: malformed publish reply")
	}
	info.Creation = creation
	c.log().WithField("node", info.FullName).Debug("epmd: published")
	return conn, nil
}

func (c *Client) publishR3(host string, info *NodeInfo) (io.Closer, error) {
	c.r3 = true
	conn, err := c.dial(host)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, composeAliveReq(info)); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := readAll(conn, 2)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if len(reply) < 2 || reply[0] != opAliveOk {
		conn.Close()
		return nil, errs.New(errs.IO, "epmd: r3 publish rejected")
	}
	info.Creation = 0 // r3 never assigns a creation
	c.conn = conn
	return conn, nil
}

// Lookup asks host's EPMD for alive's listen port and protocol info.
func (c *Client) Lookup(host, alive string) (*NodeInfo, error) {
	conn, err := c.dial(host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := writeFrame(conn, composePortPlease2Req(alive)); err != nil {
		return nil, err
	}
	reply, err := readAll(conn, 1)
	if err != nil {
		return nil, err
	}
	if len(reply) > 0 && reply[0] != opPort2Resp {
		return c.lookupR3(host, alive)
	}
	info, ok := parsePort2Resp(reply, alive)
	if !ok {
		return nil, errs.New(errs.IO, "epmd: node %q not found", alive)
	}
	return info, nil
}

func (c *Client) lookupR3(host, alive string) (*NodeInfo, error) {
	conn, err := c.dial(host)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := writeFrame(conn, composePortReq(alive)); err != nil {
		return nil, err
	}
	reply, err := readAll(conn, 3)
	if err != nil {
		return nil, err
	}
	if len(reply) < 3 {
		return nil, errs.New(errs.IO, "epmd: r3 lookup short reply")
	}
	port := binary.BigEndian.Uint16(reply[1:3])
	return &NodeInfo{FullName: alive + "@" + host, Name: alive, Domain: host, Port: port}, nil
}

// Stop unregisters a node by name and closes the registration socket.
func (c *Client) Stop(host, alive string) error {
	conn, err := c.dial(host)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := writeFrame(conn, composeStopReq(alive)); err != nil {
		return err
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

// Close drops the publish connection, which unregisters the node (the
// open socket *is* the registration, §4.3/§5).
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func writeFrame(w io.Writer, body []byte) error {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errs.Wrap(errs.IO, err, "epmd: write header")
	}
	if _, err := w.Write(body); err != nil {
		return errs.Wrap(errs.IO, err, "epmd: write body")
	}
	return nil
}

// readAll reads whatever EPMD sends back until EOF or it looks like a
// complete reply of at least minLen bytes; EPMD replies are not framed
// with a length prefix, so this is a best-effort slurp with a deadline.
func readAll(conn net.Conn, minLen int) ([]byte, error) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	buf := make([]byte, 0, 16)
	tmp := make([]byte, 16)
	for len(buf) < minLen {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return buf, errs.Wrap(errs.IO, err, "epmd: read reply")
		}
		if n == 0 {
			break
		}
	}
	return buf, nil
}

func composeAlive2Req(info *NodeInfo) []byte {
	buf := make([]byte, 0, 14+len(info.Name))
	buf = append(buf, opAlive2Req)
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], info.Port)
	buf = append(buf, p[:]...)
	buf = append(buf, info.Type, info.Protocol)
	var hv, lv [2]byte
	binary.BigEndian.PutUint16(hv[:], info.HighVsn)
	binary.BigEndian.PutUint16(lv[:], info.LowVsn)
	buf = append(buf, hv[:]...)
	buf = append(buf, lv[:]...)
	var nl [2]byte
	binary.BigEndian.PutUint16(nl[:], uint16(len(info.Name)))
	buf = append(buf, nl[:]...)
	buf = append(buf, []byte(info.Name)...)
	buf = append(buf, 0, 0) // extra field length, always empty here
	return buf
}

func parseAlive2Resp(reply []byte) (creation uint16, ok bool) {
	if len(reply) < 4 {
		return 0, false
	}
	if reply[1] != 0 {
		return 0, false
	}
	return binary.BigEndian.Uint16(reply[2:4]), true
}

func composePortPlease2Req(alive string) []byte {
	buf := make([]byte, 0, 1+len(alive))
	buf = append(buf, opPortPlease2)
	buf = append(buf, []byte(alive)...)
	return buf
}

func parsePort2Resp(reply []byte, alive string) (*NodeInfo, bool) {
	if len(reply) < 12 || reply[1] != 0 {
		return nil, false
	}
	port := binary.BigEndian.Uint16(reply[2:4])
	ntype := reply[4]
	proto := reply[5]
	hv := binary.BigEndian.Uint16(reply[6:8])
	lv := binary.BigEndian.Uint16(reply[8:10])
	nlen := binary.BigEndian.Uint16(reply[10:12])
	name := alive
	if nlen > 0 && int(12+nlen) <= len(reply) {
		name = string(reply[12 : 12+nlen])
	}
	return &NodeInfo{
		Name: name, Port: port, Type: ntype, Protocol: proto,
		HighVsn: hv, LowVsn: lv,
	}, true
}

// Legacy r3 requests: 3-byte opcode-prefixed bodies, no version
// negotiation fields (§4.3 "it need not interoperate beyond the two
// calls above").
func composeAliveReq(info *NodeInfo) []byte {
	buf := make([]byte, 0, 3+len(info.Name))
	buf = append(buf, opAlive)
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], info.Port)
	buf = append(buf, p[:]...)
	buf = append(buf, []byte(info.Name)...)
	return buf
}

func composePortReq(alive string) []byte {
	buf := make([]byte, 0, 1+len(alive))
	buf = append(buf, opPort)
	buf = append(buf, []byte(alive)...)
	return buf
}

func composeStopReq(alive string) []byte {
	buf := make([]byte, 0, 1+len(alive))
	buf = append(buf, byte('s'))
	buf = append(buf, []byte(alive)...)
	return buf
}
