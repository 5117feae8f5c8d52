// Package dist implements the handshake state machine (C4), the framed
// connection loop (C5), and per-connection link bookkeeping (C6) that
// sit on top of an authenticated TCP socket.
package dist

import (
	"github.com/vonwenm/eclus/errs"
	"github.com/vonwenm/eclus/etf"
)

// Control tuple tags, §4.5.
const (
	TagLink         = 1
	TagSend         = 2
	TagExit         = 3
	TagUnlink       = 4
	TagNodeLink     = 5
	TagRegSend      = 6
	TagGroupLeader  = 7
	TagExit2        = 8
	TagSendTT       = 12
	TagExitTT       = 13
	TagRegSendTT    = 16
	TagExit2TT      = 18
)

func tagName(tag int) string {
	switch tag {
	case TagLink:
		return "LINK"
	case TagSend:
		return "SEND"
	case TagExit:
		return "EXIT"
	case TagUnlink:
		return "UNLINK"
	case TagNodeLink:
		return "NODELINK"
	case TagRegSend:
		return "REG_SEND"
	case TagGroupLeader:
		return "GROUP_LEADER"
	case TagExit2:
		return "EXIT2"
	case TagSendTT:
		return "SEND_TT"
	case TagExitTT:
		return "EXIT_TT"
	case TagRegSendTT:
		return "REG_SEND_TT"
	case TagExit2TT:
		return "EXIT2_TT"
	default:
		return "UNKNOWN"
	}
}

// Control is the decoded shape of every control tuple in §4.5's table.
// Not every field is meaningful for every Tag; callers switch on Tag
// first.
type Control struct {
	Tag        int
	From       etf.Pid
	To         etf.Term // etf.Pid for SEND/LINK/UNLINK/EXIT/EXIT2, etf.Atom for REG_SEND
	Cookie     etf.Atom
	Reason     etf.Term
	TraceToken etf.Term
}

// TagName renders Tag for logging.
func (c Control) TagName() string { return tagName(c.Tag) }

// HasTraceToken reports whether Tag is one of the _TT trace variants.
func (c Control) HasTraceToken() bool {
	switch c.Tag {
	case TagSendTT, TagExitTT, TagRegSendTT, TagExit2TT:
		return true
	default:
		return false
	}
}

// DecodeControl parses the control tuple at the head of a distribution
// message (§4.5's table). NODELINK and GROUP_LEADER decode to a Control
// carrying only Tag (their other fields are not parsed) and are silently
// ignored upstream; any tag outside the table is a decode error.
func DecodeControl(t etf.Term) (Control, error) {
	tup, ok := t.(etf.Tuple)
	if !ok || tup.Arity() < 1 {
		return Control{}, errs.New(errs.Decode, "control message is not a tuple")
	}
	tagTerm, ok := tup.Element(1).(etf.Integer)
	if !ok {
		return Control{}, errs.New(errs.Decode, "control tag is not an integer")
	}
	tagVal, ok := tagTerm.Int64()
	if !ok {
		return Control{}, errs.New(errs.Decode, "control tag out of range")
	}
	tag := int(tagVal)

	switch tag {
	case TagLink, TagUnlink:
		if tup.Arity() != 3 {
			return Control{}, errs.New(errs.Decode, "%s: expected arity 3", tagName(tag))
		}
		from, err := asPid(tup.Element(2))
		if err != nil {
			return Control{}, err
		}
		return Control{Tag: tag, From: from, To: tup.Element(3)}, nil

	case TagSend, TagSendTT:
		wantArity := 3
		if tag == TagSendTT {
			wantArity = 4
		}
		if tup.Arity() != wantArity {
			return Control{}, errs.New(errs.Decode, "%s: expected arity %d", tagName(tag), wantArity)
		}
		cookie, _ := tup.Element(2).(etf.Atom)
		ctl := Control{Tag: tag, Cookie: cookie, To: tup.Element(3)}
		if tag == TagSendTT {
			ctl.TraceToken = tup.Element(4)
		}
		return ctl, nil

	case TagExit, TagExit2, TagExitTT, TagExit2TT:
		wantArity := 4
		if tag == TagExitTT || tag == TagExit2TT {
			wantArity = 5
		}
		if tup.Arity() != wantArity {
			return Control{}, errs.New(errs.Decode, "%s: expected arity %d", tagName(tag), wantArity)
		}
		from, err := asPid(tup.Element(2))
		if err != nil {
			return Control{}, err
		}
		ctl := Control{Tag: tag, From: from, To: tup.Element(3)}
		if wantArity == 5 {
			ctl.TraceToken = tup.Element(4)
			ctl.Reason = tup.Element(5)
		} else {
			ctl.Reason = tup.Element(4)
		}
		return ctl, nil

	case TagRegSend, TagRegSendTT:
		wantArity := 4
		if tag == TagRegSendTT {
			wantArity = 5
		}
		if tup.Arity() != wantArity {
			return Control{}, errs.New(errs.Decode, "%s: expected arity %d", tagName(tag), wantArity)
		}
		from, err := asPid(tup.Element(2))
		if err != nil {
			return Control{}, err
		}
		cookie, _ := tup.Element(3).(etf.Atom)
		ctl := Control{Tag: tag, From: from, Cookie: cookie, To: tup.Element(4)}
		if wantArity == 5 {
			ctl.TraceToken = tup.Element(5)
		}
		return ctl, nil

	case TagNodeLink, TagGroupLeader:
		return Control{Tag: tag}, nil

	default:
		return Control{}, errs.New(errs.Decode, "unknown control tag %d", tag)
	}
}

func asPid(t etf.Term) (etf.Pid, error) {
	p, ok := t.(etf.Pid)
	if !ok {
		return etf.Pid{}, errs.New(errs.Decode, "expected pid, got %T", t)
	}
	return p, nil
}

// EncodeControl builds the wire tuple for ctl. sendCookie controls
// whether SEND/REG_SEND's Cookie field carries the real cookie atom or
// the empty atom (§4.5: cookies stop being sent outbound once the peer
// is authenticated).
func EncodeControl(ctl Control, sendCookie bool, cookie etf.Atom) etf.Tuple {
	emptyOrCookie := etf.Atom("")
	if sendCookie {
		emptyOrCookie = cookie
	}
	switch ctl.Tag {
	case TagLink, TagUnlink:
		return etf.Tuple{etf.NewInteger(int64(ctl.Tag)), ctl.From, ctl.To}
	case TagSend:
		return etf.Tuple{etf.NewInteger(int64(ctl.Tag)), emptyOrCookie, ctl.To}
	case TagSendTT:
		return etf.Tuple{etf.NewInteger(int64(ctl.Tag)), emptyOrCookie, ctl.To, ctl.TraceToken}
	case TagExit, TagExit2:
		return etf.Tuple{etf.NewInteger(int64(ctl.Tag)), ctl.From, ctl.To, ctl.Reason}
	case TagExitTT, TagExit2TT:
		return etf.Tuple{etf.NewInteger(int64(ctl.Tag)), ctl.From, ctl.To, ctl.TraceToken, ctl.Reason}
	case TagRegSend:
		return etf.Tuple{etf.NewInteger(int64(ctl.Tag)), ctl.From, emptyOrCookie, ctl.To}
	case TagRegSendTT:
		return etf.Tuple{etf.NewInteger(int64(ctl.Tag)), ctl.From, emptyOrCookie, ctl.To, ctl.TraceToken}
	case TagNodeLink, TagGroupLeader:
		return etf.Tuple{etf.NewInteger(int64(ctl.Tag)), ctl.From, ctl.To}
	default:
		return etf.Tuple{etf.NewInteger(int64(ctl.Tag))}
	}
}
