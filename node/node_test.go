package node

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeEPMD answers ALIVE2_REQ with an incrementing creation and
// PORT_PLEASE2_REQ by looking up whatever was last published under that
// alive name, just enough for two in-process Node instances to find
// each other without a real epmd binary.
type fakeEPMD struct {
	ports map[string]uint16
}

func startFakeEPMD(t *testing.T) (portStr string, close func()) {
	t.Helper()
	f := &fakeEPMD{ports: make(map[string]uint16)}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()

	_, p, _ := net.SplitHostPort(l.Addr().String())
	return p, func() { l.Close() }
}

func (f *fakeEPMD) serve(conn net.Conn) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		conn.Close()
		return
	}
	n := binary.BigEndian.Uint16(hdr[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		conn.Close()
		return
	}
	if len(body) == 0 {
		conn.Close()
		return
	}

	switch body[0] {
	case opAlive2Req:
		port := binary.BigEndian.Uint16(body[1:3])
		nameLen := binary.BigEndian.Uint16(body[9:11])
		name := string(body[11 : 11+nameLen])
		f.ports[name] = port
		resp := []byte{opAlive2Resp, 0, 0, byte(len(f.ports))}
		conn.Write(resp)
		// hold the connection open: closing it unpublishes, per §4.3.
		io.Copy(io.Discard, conn)
	case opPortPlease2:
		name := string(body[1:])
		port, ok := f.ports[name]
		resp := make([]byte, 12)
		resp[0] = opPort2Resp
		if !ok {
			resp[1] = 1
			conn.Write(resp[:2])
			conn.Close()
			return
		}
		binary.BigEndian.PutUint16(resp[2:4], port)
		resp[4] = 77
		resp[5] = 0
		binary.BigEndian.PutUint16(resp[6:8], 5)
		binary.BigEndian.PutUint16(resp[8:10], 5)
		binary.BigEndian.PutUint16(resp[10:12], 0)
		conn.Write(resp)
		conn.Close()
	default:
		conn.Close()
	}
}

// opAlive2Req/opPortPlease2/opAlive2Resp/opPort2Resp mirror the unexported
// epmd package constants; duplicated here since this test lives in a
// different package and only needs the wire values, not the client.
const (
	opAlive2Req   = 120
	opAlive2Resp  = 121
	opPortPlease2 = 122
	opPort2Resp   = 119
)

func TestPingRoundTrip(t *testing.T) {
	portStr, closeEPMD := startFakeEPMD(t)
	defer closeEPMD()
	t.Setenv("ERL_EPMD_PORT", portStr)

	a, err := New("a@localhost")
	require.NoError(t, err)
	defer a.Close()

	b, err := New("b@localhost")
	require.NoError(t, err)

	ok, err := a.Ping(b.Name, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Close())

	ok, err = a.Ping(b.Name, 500*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}
