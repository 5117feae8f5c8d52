package dist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vonwenm/eclus/etf"
)

func TestLinkTableAddIsIdempotent(t *testing.T) {
	lt := NewLinkTable()
	local := samplePid("a@host")
	remote := samplePid("b@host")

	lt.Add(local, remote)
	lt.Add(local, remote)

	require.True(t, lt.Exists(local, remote))
	require.Len(t, lt.ClearAll(), 1)
}

func TestLinkTableRemove(t *testing.T) {
	lt := NewLinkTable()
	local := samplePid("a@host")
	remote := samplePid("b@host")
	lt.Add(local, remote)

	lt.Remove(local, remote)
	require.False(t, lt.Exists(local, remote))
}

func TestLinkTableClearAllEmpties(t *testing.T) {
	lt := NewLinkTable()
	local := samplePid("a@host")
	remote := samplePid("b@host")
	lt.Add(local, remote)

	pairs := lt.ClearAll()
	require.Equal(t, []Pair{{Local: local, Remote: remote}}, pairs)
	require.Empty(t, lt.ClearAll())
}

func TestLinkTableLocalAndRemotePidsDedup(t *testing.T) {
	lt := NewLinkTable()
	local := samplePid("a@host")
	remote1 := etf.Pid{Node: "b@host", ID: 1}
	remote2 := etf.Pid{Node: "c@host", ID: 2}
	lt.Add(local, remote1)
	lt.Add(local, remote2)

	require.ElementsMatch(t, []etf.Pid{local}, lt.LocalPids())
	require.ElementsMatch(t, []etf.Pid{remote1, remote2}, lt.RemotePids())
}
