package gapd_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/gapd-project/gapd/internal/enginetest"
)

var (
	gapdPath   string
	enginePath string // this test binary, re-executed as a fake GAP

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	if enginetest.Enabled() {
		enginetest.Run()
		os.Exit(0)
	}

	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	var err error
	enginePath, err = filepath.Abs(os.Args[0])
	if err != nil {
		slog.Error("can't get abspath for the test binary", "error", err)
		os.Exit(1)
	}

	gapdPath, err = filepath.Abs("gapd-ci")
	if err != nil {
		slog.Error("can't get abspath for gapd-ci", "error", err)
		os.Exit(1)
	}
	if !isExecutable(gapdPath) {
		build := exec.Command("go", "build", "-o", gapdPath, "./cmd/gapd/")
		build.Stdout = os.Stderr
		build.Stderr = os.Stderr
		if err := build.Run(); err != nil {
			slog.Error("cannot build gapd-ci binary: run go build -race -o gapd-ci ./cmd/gapd/ first", "error", err)
			os.Exit(1)
		}
	}

	os.Exit(m.Run())
}

// fakeConfig starts the fake engine instead of GAP.
func fakeConfig() string {
	return fmt.Sprintf(`
version: 0
engine:
    executable: %q
    args: ["-test.run=^$"]
    env:
        %s: "1"
    startup_timeout: 10s
    stop_timeout: 2s
health:
    enabled: false
service:
    log: discard
`, enginePath, enginetest.EnvFake)
}

func gapd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, gapdPath, args...)
	cmd.Env = append(os.Environ(), "GAPDCONFIG=gapd.yaml")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func TestEval(t *testing.T) {
	_ = chDir(t)
	creat(t, "gapd.yaml", []byte(fakeConfig()))

	stdout, stderr, err := gapd(t, "eval", "20+22")
	if err != nil {
		t.Logf("%s", stderr)
		require.NoError(t, err)
	}
	require.Equal(t, "42\n", stdout)
}

func TestEval_Rejected(t *testing.T) {
	_ = chDir(t)
	creat(t, "gapd.yaml", []byte(strings.Replace(fakeConfig(), "log: discard", "log: stderr", 1)))

	stdout, stderr, err := gapd(t, "eval", "QUIT;")
	require.Error(t, err)
	require.Empty(t, stdout)
	require.Contains(t, stderr, "Rejected: ")
}

func TestCheck(t *testing.T) {
	_ = chDir(t)
	creat(t, "gapd.yaml", []byte(fakeConfig()))

	stdout, _, err := gapd(t, "check", "Order(SymmetricGroup(4));")
	require.NoError(t, err)
	require.Equal(t, "allowed\n", stdout)

	stdout, _, err = gapd(t, "check", `Exec ("ls");`)
	require.Error(t, err)
	require.True(t, strings.HasPrefix(stdout, "rejected: Exec (process: "), stdout)
}

func TestConfig(t *testing.T) {
	_ = chDir(t)
	creat(t, "gapd.yaml", []byte(fakeConfig()))

	stdout, stderr, err := gapd(t, "config", "--gap-executable", "/opt/gap/gap")
	if err != nil {
		t.Logf("%s", stderr)
		require.NoError(t, err)
	}
	require.Contains(t, stdout, "executable: /opt/gap/gap")
	require.Contains(t, stdout, "startup_timeout: 10s")
}

func TestConfig_Invalid(t *testing.T) {
	_ = chDir(t)
	creat(t, "gapd.yaml", []byte("version: 0\nengine:\n    startup_timeout: soon\nservice: {}\n"))

	_, stderr, err := gapd(t, "config")
	require.Error(t, err)
	require.Contains(t, stderr, "startup_timeout")
}

func TestServe(t *testing.T) {
	dir := chDir(t)
	creat(t, "gapd.yaml", []byte(fakeConfig()))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)

	cmd := exec.Command(gapdPath, "serve")
	cmd.Env = append(os.Environ(), "GAPDCONFIG="+filepath.Join(dir, "gapd.yaml"))
	cmd.Stderr = os.Stderr

	client := mcp.NewClient(&mcp.Implementation{Name: "gapd-test", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	require.NoError(t, err)

	call := func(name string, args map[string]any) *mcp.CallToolResult {
		t.Helper()
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
		require.NoError(t, err)
		return res
	}
	text := func(res *mcp.CallToolResult) string {
		t.Helper()
		require.Len(t, res.Content, 1)
		tc, ok := res.Content[0].(*mcp.TextContent)
		require.True(t, ok)
		return tc.Text
	}

	res := call("gap_eval", map[string]any{"code": "x := 40;"})
	require.False(t, res.IsError, text(res))
	require.Equal(t, "(no output)", text(res))

	res = call("gap_eval", map[string]any{"code": "x + 2"})
	require.False(t, res.IsError, text(res))
	require.Equal(t, "42", text(res))

	res = call("gap_eval", map[string]any{"code": `Exec("rm");`})
	require.True(t, res.IsError)
	require.Contains(t, text(res), "Rejected: ")

	// variables are gone after a reset
	res = call("gap_reset", map[string]any{})
	require.Equal(t, "GAP session reset.", text(res))
	res = call("gap_eval", map[string]any{"code": "x;"})
	require.True(t, res.IsError)
	require.Contains(t, text(res), "GAP Error:")

	require.NoError(t, cs.Close())
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
