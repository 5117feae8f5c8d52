package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vonwenm/eclus/etf"
)

func TestAllocatePidWraps(t *testing.T) {
	r := newRegistry("a@host", 1)
	r.nextID = 0x7FFF
	r.nextSerial = 0

	p1 := r.allocatePid()
	require.EqualValues(t, 0x7FFF, p1.ID)
	require.EqualValues(t, 0, p1.Serial)

	p2 := r.allocatePid()
	require.EqualValues(t, 0, p2.ID)
	require.EqualValues(t, 1, p2.Serial)
}

func TestAllocatePidSerialWraps(t *testing.T) {
	r := newRegistry("a@host", 1)
	r.nextID = 0x7FFF
	r.nextSerial = 0x1FFF

	_ = r.allocatePid()
	p2 := r.allocatePid()
	require.EqualValues(t, 0, p2.ID)
	require.EqualValues(t, 0, p2.Serial)
}

func TestRegisterNameAtMostOnce(t *testing.T) {
	r := newRegistry("a@host", 1)
	m1 := &Mailbox{Self: r.allocatePid()}
	m2 := &Mailbox{Self: r.allocatePid()}
	r.insert(m1)
	r.insert(m2)

	require.True(t, r.registerName("echo", m1))
	require.False(t, r.registerName("echo", m2))

	got, ok := r.whereis("echo")
	require.True(t, ok)
	require.Same(t, m1, got)
}

func TestRegistryRemoveClearsName(t *testing.T) {
	r := newRegistry("a@host", 1)
	m := &Mailbox{Self: r.allocatePid(), queue: make(chan Envelope)}
	r.insert(m)
	r.registerName("svc", m)

	r.remove(m)

	_, ok := r.whereis("svc")
	require.False(t, ok)
	_, ok = r.lookup(m.Self)
	require.False(t, ok)
}

func TestAllocateRefDistinct(t *testing.T) {
	r := newRegistry("a@host", 1)
	r1 := r.allocateRef()
	r2 := r.allocateRef()
	require.False(t, etf.Equal(r1, r2))
}
