package dist

import (
	"os"
	"runtime"
	"strings"

	"github.com/spf13/afero"

	"github.com/vonwenm/eclus/errs"
)

// CookieFromHome reads the trimmed first line of $HOME/.erlang.cookie
// (or %HOMEDRIVE%%HOMEPATH% on Windows), per §6. A missing file is not
// an error — it yields the empty cookie, matching Erlang's own
// behavior when no cookie file exists yet.
//
// fs and env are injected so this is testable against an in-memory
// filesystem instead of the real home directory.
func CookieFromHome(fs afero.Fs, env func(string) string) (string, error) {
	home := homeDir(env)
	if home == "" {
		return "", nil
	}
	path := home + "/.erlang.cookie"
	if runtime.GOOS == "windows" {
		path = home + `\.erlang.cookie`
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.Wrap(errs.IO, err, "read cookie file")
	}

	lines := strings.SplitN(string(data), "\n", 2)
	return strings.TrimSpace(lines[0]), nil
}

func homeDir(env func(string) string) string {
	if runtime.GOOS == "windows" {
		drive := env("HOMEDRIVE")
		path := env("HOMEPATH")
		if drive == "" && path == "" {
			return ""
		}
		return drive + path
	}
	return env("HOME")
}
