// Package pathutil resolves the paths the transfer tools touch: the served
// directory on the server side, and the receive directory and output names
// on the client side.
package pathutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
)

// ErrOutsideRoot is returned for requested names that would escape the
// serving root.
var ErrOutsideRoot = errors.New("name escapes serving root")

// EnsureDir creates the directory (and parents) if it does not exist.
func EnsureDir(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, 0750)
	}
	return nil
}

// ResolveServed maps a requested name onto a path under root. Absolute
// names, empty names and names containing a ".." component are rejected.
func ResolveServed(root, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") {
		return "", ErrOutsideRoot
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", ErrOutsideRoot
		}
	}
	return filepath.Join(root, filepath.FromSlash(name)), nil
}

// ReceiveDir returns the default directory received files are written to.
func ReceiveDir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "rudft-received"), nil
}

// UniquePath returns a path under dir for the received copy of name. The
// base name carries the "recebido_" prefix of the original tool; if taken,
// a numeric suffix is appended.
func UniquePath(dir, name string) string {
	base := "recebido_" + filepath.Base(name)
	p := filepath.Join(dir, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p
		}
		p = filepath.Join(dir, fmt.Sprintf("%s.%d", base, i))
	}
}
