package node

import "github.com/vonwenm/eclus/etf"

const netKernelName = "net_kernel"

// createNetKernel registers the built-in net_kernel actor every node
// hosts so it can answer peers' is_auth pings (§4.8: "the node must
// itself service inbound net_kernel requests ... this is what makes
// the ping reciprocal").
func (n *Node) createNetKernel() {
	n.SpawnActor(netKernelName, n.handleNetKernel)
}

// handleNetKernel recognizes {'$gen_call', {FromPid, Ref}, {is_auth, Node}}
// and replies {Ref, 'yes'} to FromPid, per §4.8. Anything else is
// dropped; net_kernel never terminates on its own.
func (n *Node) handleNetKernel(from etf.Pid, term etf.Term, err error) bool {
	if err != nil || term == nil {
		return true
	}
	outer, ok := term.(etf.Tuple)
	if !ok || outer.Arity() != 3 {
		return true
	}
	tag, ok := outer.Element(1).(etf.Atom)
	if !ok || tag != "$gen_call" {
		return true
	}
	fromTup, ok := outer.Element(2).(etf.Tuple)
	if !ok || fromTup.Arity() != 2 {
		return true
	}
	callerPid, ok := fromTup.Element(1).(etf.Pid)
	if !ok {
		return true
	}
	ref := fromTup.Element(2)

	req, ok := outer.Element(3).(etf.Tuple)
	if !ok || req.Arity() != 2 {
		return true
	}
	reqTag, ok := req.Element(1).(etf.Atom)
	if !ok || reqTag != "is_auth" {
		return true
	}

	reply := etf.Tuple{ref, etf.Atom("yes")}
	_ = n.routeByPid(etf.Pid{}, callerPid, reply)
	return true
}
