package node

import (
	"time"

	"github.com/vonwenm/eclus/errs"
	"github.com/vonwenm/eclus/etf"
)

// Ping implements §4.8: send {'$gen_call', {self, ref}, {is_auth, self}}
// to net_kernel on node and wait up to timeout for {ref, 'yes'}. It
// returns false (no error) on timeout or not-connected, matching
// scenario 8 ("a.ping(\"b\", 1000) == false after b.close()").
func (n *Node) Ping(node string, timeout time.Duration) (bool, error) {
	mbox := n.CreateMbox("", false)
	defer mbox.Close(etf.Atom("normal"))

	ref := n.reg.allocateRef()
	req := etf.Tuple{
		etf.Atom("$gen_call"),
		etf.Tuple{mbox.Self, ref},
		etf.Tuple{etf.Atom("is_auth"), etf.Atom(n.Name)},
	}

	if err := n.routeByName(mbox.Self, netKernelName, node, req); err != nil {
		if k, ok := errs.KindOf(err); ok && (k == errs.NotConnected || k == errs.IO) {
			return false, nil
		}
		return false, err
	}

	_, reply, err := mbox.ReceiveTimeout(timeout)
	if err != nil {
		if errs.Is(err, errs.Timeout) {
			return false, nil
		}
		return false, err
	}
	tup, ok := reply.(etf.Tuple)
	if !ok || tup.Arity() != 2 {
		return false, nil
	}
	gotRef, ok := tup.Element(1).(etf.Ref)
	if !ok || !etf.Equal(gotRef, ref) {
		return false, nil
	}
	answer, ok := tup.Element(2).(etf.Atom)
	return ok && answer == "yes", nil
}
