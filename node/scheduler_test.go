package node

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vonwenm/eclus/etf"
)

func TestSchedulerDispatchesInOrder(t *testing.T) {
	s := newScheduler(logrus.NewEntry(logrus.StandardLogger()))
	go s.run()
	defer s.stop()

	n := &Node{Name: "a@host"}
	n.reg = newRegistry(n.Name, 1)
	mbox := newMailbox(n, n.reg.allocatePid(), "", true, 0)

	var got []int64
	done := make(chan struct{})
	handler := func(_ etf.Pid, term etf.Term, _ error) bool {
		v, _ := term.(etf.Integer).Int64()
		got = append(got, v)
		if len(got) == 3 {
			close(done)
		}
		return true
	}
	mbox.notifyFn = s.notify(mbox)
	s.react(mbox, handler)

	for i := int64(0); i < 3; i++ {
		mbox.deliver(Envelope{Term: etf.NewInteger(i)})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not observe all three messages")
	}
	require.Equal(t, []int64{0, 1, 2}, got)
}

func TestSchedulerCancelStopsDispatch(t *testing.T) {
	s := newScheduler(logrus.NewEntry(logrus.StandardLogger()))
	go s.run()
	defer s.stop()

	n := &Node{Name: "a@host"}
	n.reg = newRegistry(n.Name, 1)
	mbox := newMailbox(n, n.reg.allocatePid(), "", true, 0)
	mbox.notifyFn = s.notify(mbox)

	var calls int64
	s.react(mbox, func(etf.Pid, etf.Term, error) bool {
		atomic.AddInt64(&calls, 1)
		return true
	})
	s.cancel(mbox)

	mbox.deliver(Envelope{Term: etf.NewInteger(1)})
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt64(&calls))
}
