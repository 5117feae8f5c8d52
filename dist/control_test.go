package dist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vonwenm/eclus/etf"
)

func samplePid(node string) etf.Pid {
	return etf.Pid{Node: etf.Atom(node), ID: 1, Serial: 0, Creation: 1}
}

func TestControlRoundTripSend(t *testing.T) {
	ctl := Control{Tag: TagSend, To: samplePid("a@host")}
	wire := EncodeControl(ctl, true, "supersecret")
	got, err := DecodeControl(wire)
	require.NoError(t, err)
	require.Equal(t, TagSend, got.Tag)
	require.Equal(t, etf.Atom("supersecret"), got.Cookie)
	require.Equal(t, ctl.To, got.To)
}

func TestControlRoundTripSendCookieSuppressed(t *testing.T) {
	ctl := Control{Tag: TagSend, To: samplePid("a@host")}
	wire := EncodeControl(ctl, false, "supersecret")
	got, err := DecodeControl(wire)
	require.NoError(t, err)
	require.Equal(t, etf.Atom(""), got.Cookie)
}

func TestControlRoundTripRegSend(t *testing.T) {
	ctl := Control{Tag: TagRegSend, From: samplePid("a@host"), To: etf.Atom("echo")}
	wire := EncodeControl(ctl, true, "cookie")
	got, err := DecodeControl(wire)
	require.NoError(t, err)
	require.Equal(t, TagRegSend, got.Tag)
	require.Equal(t, ctl.From, got.From)
	require.Equal(t, ctl.To, got.To)
}

func TestControlRoundTripLinkUnlink(t *testing.T) {
	from := samplePid("a@host")
	to := samplePid("b@host")
	for _, tag := range []int{TagLink, TagUnlink} {
		ctl := Control{Tag: tag, From: from, To: to}
		wire := EncodeControl(ctl, false, "")
		got, err := DecodeControl(wire)
		require.NoError(t, err)
		require.Equal(t, tag, got.Tag)
		require.Equal(t, from, got.From)
		require.Equal(t, to, got.To)
	}
}

func TestControlRoundTripExit2WithTraceToken(t *testing.T) {
	from := samplePid("a@host")
	to := samplePid("b@host")
	ctl := Control{Tag: TagExit2TT, From: from, To: to, TraceToken: etf.NewInteger(42), Reason: etf.Atom("normal")}
	wire := EncodeControl(ctl, false, "")
	got, err := DecodeControl(wire)
	require.NoError(t, err)
	require.Equal(t, TagExit2TT, got.Tag)
	require.True(t, got.HasTraceToken())
	require.Equal(t, etf.NewInteger(42), got.TraceToken)
	require.Equal(t, etf.Atom("normal"), got.Reason)
}

func TestControlNodeLinkGroupLeaderPassThrough(t *testing.T) {
	for _, tag := range []int{TagNodeLink, TagGroupLeader} {
		ctl := Control{Tag: tag}
		wire := EncodeControl(ctl, false, "")
		got, err := DecodeControl(wire)
		require.NoError(t, err)
		require.Equal(t, tag, got.Tag)
	}
}

func TestDecodeControlRejectsBadArity(t *testing.T) {
	_, err := DecodeControl(etf.Tuple{etf.NewInteger(int64(TagLink)), samplePid("a@host")})
	require.Error(t, err)
}

func TestDecodeControlRejectsNonTuple(t *testing.T) {
	_, err := DecodeControl(etf.Atom("not-a-tuple"))
	require.Error(t, err)
}

func TestDecodeControlRejectsUnknownTag(t *testing.T) {
	_, err := DecodeControl(etf.Tuple{etf.NewInteger(999)})
	require.Error(t, err)
}

func TestTagNameCoversAllTags(t *testing.T) {
	require.Equal(t, "LINK", Control{Tag: TagLink}.TagName())
	require.Equal(t, "SEND", Control{Tag: TagSend}.TagName())
	require.Equal(t, "EXIT", Control{Tag: TagExit}.TagName())
	require.Equal(t, "UNLINK", Control{Tag: TagUnlink}.TagName())
	require.Equal(t, "NODELINK", Control{Tag: TagNodeLink}.TagName())
	require.Equal(t, "REG_SEND", Control{Tag: TagRegSend}.TagName())
	require.Equal(t, "GROUP_LEADER", Control{Tag: TagGroupLeader}.TagName())
	require.Equal(t, "EXIT2", Control{Tag: TagExit2}.TagName())
	require.Equal(t, "SEND_TT", Control{Tag: TagSendTT}.TagName())
	require.Equal(t, "EXIT_TT", Control{Tag: TagExitTT}.TagName())
	require.Equal(t, "REG_SEND_TT", Control{Tag: TagRegSendTT}.TagName())
	require.Equal(t, "EXIT2_TT", Control{Tag: TagExit2TT}.TagName())
	require.Equal(t, "UNKNOWN", Control{Tag: -1}.TagName())
}
