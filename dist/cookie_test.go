package dist

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestCookieFromHomeReadsTrimmedFirstLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/home/erlang/.erlang.cookie", []byte("ABCDEFG123\nignored\n"), 0600))

	env := func(k string) string {
		if k == "HOME" {
			return "/home/erlang"
		}
		return ""
	}
	cookie, err := CookieFromHome(fs, env)
	require.NoError(t, err)
	require.Equal(t, "ABCDEFG123", cookie)
}

func TestCookieFromHomeMissingFileIsNotError(t *testing.T) {
	fs := afero.NewMemMapFs()
	env := func(string) string { return "/home/nobody" }
	cookie, err := CookieFromHome(fs, env)
	require.NoError(t, err)
	require.Equal(t, "", cookie)
}

func TestCookieFromHomeNoHomeIsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	env := func(string) string { return "" }
	cookie, err := CookieFromHome(fs, env)
	require.NoError(t, err)
	require.Equal(t, "", cookie)
}
