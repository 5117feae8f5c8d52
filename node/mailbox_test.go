package node

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vonwenm/eclus/dist"
	"github.com/vonwenm/eclus/errs"
	"github.com/vonwenm/eclus/etf"
)

func newTestMailbox() (*Node, *Mailbox) {
	n := &Node{
		Name:        "test@host",
		connections: make(map[string]*dist.Connection),
		log:         logrus.NewEntry(logrus.StandardLogger()),
	}
	n.reg = newRegistry(n.Name, 1)
	n.sched = newScheduler(n.log)
	n.status = newSafeStatus(noopStatusHandler{}, n.log)
	m := n.CreateMbox("", false)
	return n, m
}

func TestMailboxFIFO(t *testing.T) {
	_, m := newTestMailbox()
	for i := 0; i < 5; i++ {
		m.deliver(Envelope{Term: etf.NewInteger(int64(i))})
	}
	for i := 0; i < 5; i++ {
		_, term, err := m.Receive()
		require.NoError(t, err)
		require.Equal(t, etf.NewInteger(int64(i)), term)
	}
}

func TestMailboxReceiveTimeout(t *testing.T) {
	_, m := newTestMailbox()
	_, _, err := m.ReceiveTimeout(10 * time.Millisecond)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Timeout))
}

func TestMailboxPollEmpty(t *testing.T) {
	_, m := newTestMailbox()
	_, _, _, ok := m.Poll()
	require.False(t, ok)
}

func TestMailboxCloseBreaksLinks(t *testing.T) {
	n, m := newTestMailbox()
	other := n.CreateMbox("", false)
	m.links.add(other.Self)

	m.Close(etf.Atom("shutdown"))

	_, _, err := other.ReceiveTimeout(100 * time.Millisecond)
	require.Error(t, err)
}

func TestAtMostOnceRegistration(t *testing.T) {
	n, m := newTestMailbox()
	other := n.CreateMbox("", false)

	require.True(t, n.Register("echo", m))
	require.False(t, n.Register("echo", other))

	got, ok := n.Whereis("echo")
	require.True(t, ok)
	require.Same(t, m, got)
}
