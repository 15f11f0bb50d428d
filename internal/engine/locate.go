package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/gapd-project/gapd/internal/model"
)

// Locator resolves the engine executable. The zero value is not usable, use
// NewLocator; tests replace the lookup functions.
type Locator struct {
	Getenv     func(string) string
	LookPath   func(string) (string, error)
	Executable func(string) bool
	Candidates []string
}

func NewLocator() Locator {
	return Locator{
		Getenv:     os.Getenv,
		LookPath:   exec.LookPath,
		Executable: isExecutable,
		Candidates: DefaultCandidates(),
	}
}

// DefaultCandidates lists the well-known install locations tried last.
func DefaultCandidates() []string {
	var ret []string
	if home, err := os.UserHomeDir(); err == nil {
		ret = append(ret, filepath.Join(home, "opt", "gap", "gap"))
	}
	return append(ret,
		"/usr/local/bin/gap",
		"/usr/bin/gap",
		"/opt/homebrew/bin/gap",
	)
}

// Locate returns the executable to spawn. Precedence: explicit, then the
// GAP_EXECUTABLE environment variable, then gap on PATH, then Candidates. When
// the environment variable is set its value is used as is and nothing else is tried.
func (l Locator) Locate(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := l.Getenv(model.EnvExecutable); v != "" {
		return v, nil
	}
	if p, err := l.LookPath("gap"); err == nil {
		return p, nil
	}
	for _, c := range l.Candidates {
		if l.Executable(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: install GAP or set %s", model.ErrEngineNotFound, model.EnvExecutable)
}

// Locate resolves with the process environment.
func Locate(explicit string) (string, error) {
	return NewLocator().Locate(explicit)
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return false
	}
	return fi.Mode().Perm()&0o111 != 0
}
