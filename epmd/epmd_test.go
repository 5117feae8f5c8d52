package epmd

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeEPMD is a minimal r4 EPMD stand-in for exercising Client without
// the real epmd binary; it only understands ALIVE2_REQ.
func fakeEPMD(t *testing.T, creation uint16) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var hdr [2]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint16(hdr[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		if len(body) == 0 || body[0] != opAlive2Req {
			return
		}
		resp := []byte{opAlive2Resp, 0, 0, 0}
		binary.BigEndian.PutUint16(resp[2:4], creation)
		conn.Write(resp)
		// hold the connection open, mirroring real EPMD semantics
		time.Sleep(50 * time.Millisecond)
	}()
	return l
}

func TestPublishR4(t *testing.T) {
	l := fakeEPMD(t, 7)
	defer l.Close()

	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	t.Setenv("ERL_EPMD_PORT", portStr)

	info := &NodeInfo{FullName: "foo@" + host, Name: "foo", Domain: host, Port: 9999, Type: 77, HighVsn: 5, LowVsn: 5}
	c := &Client{}
	closer, err := c.Publish(host, info)
	require.NoError(t, err)
	defer closer.Close()

	require.Equal(t, uint16(7), info.Creation)
}

func TestPortDefaultsAndEnv(t *testing.T) {
	t.Setenv("ERL_EPMD_PORT", "")
	require.Equal(t, DefaultPort, Port())

	t.Setenv("ERL_EPMD_PORT", "4370")
	require.Equal(t, 4370, Port())
}
