// Package enginetest provides a fake GAP engine for tests. A test binary
// re-executes itself as the engine, so suites run without GAP installed:
//
//	func TestMain(m *testing.M) {
//		if enginetest.Enabled() {
//			enginetest.Run()
//			os.Exit(0)
//		}
//		os.Exit(m.Run())
//	}
//
// The fake understands just enough GAP to exercise the session protocol:
// Print, PrintTo *errout*, assignments, integer sums and a few hooks.
//
//	Error("msg")  writes "Error, msg" to stderr
//	Warn("msg")   writes msg to stderr without a newline
//	Sleep(ms)     blocks for ms milliseconds
//	Repeat(n)     prints n bytes
//	Die()         exits with status 3
//	Hang()        blocks for an hour
package enginetest

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvFake switches a test binary into the fake engine.
	EnvFake = "GAPD_FAKE_ENGINE"
	// EnvBootDelay delays the first read by the given milliseconds.
	EnvBootDelay = "GAPD_FAKE_BOOT_DELAY"
	// EnvMute makes the engine swallow every input.
	EnvMute = "GAPD_FAKE_MUTE"
)

// Enabled reports whether the process was started as the fake engine.
func Enabled() bool {
	return os.Getenv(EnvFake) == "1"
}

// Env is the environment starting the current test binary as the fake.
func Env(extra ...string) []string {
	return append([]string{EnvFake + "=1"}, extra...)
}

// Args stop the re-executed test binary from running any test.
func Args() []string {
	return []string{"-test.run=^$"}
}

var (
	literalRx = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
	callRx    = regexp.MustCompile(`^(\w+)\((.*)\)$`)
	assignRx  = regexp.MustCompile(`^(\w+)\s*:=\s*(.+)$`)
)

// Run serves stdin until it is closed.
func Run() {
	if ms, err := strconv.Atoi(os.Getenv(EnvBootDelay)); err == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	mute := os.Getenv(EnvMute) == "1"
	vars := map[string]string{}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if mute {
			continue
		}
		for _, stmt := range strings.Split(scanner.Text(), ";") {
			statement(strings.TrimSpace(stmt), vars)
		}
	}
}

func statement(stmt string, vars map[string]string) {
	if stmt == "" {
		return
	}
	if m := callRx.FindStringSubmatch(stmt); m != nil {
		args := m[2]
		switch m[1] {
		case "Print":
			fmt.Fprint(os.Stdout, lastLiteral(args))
		case "PrintTo":
			if strings.Contains(args, `"*errout*"`) {
				fmt.Fprint(os.Stderr, lastLiteral(args))
			}
		case "Error":
			fmt.Fprintf(os.Stderr, "Error, %s\n", lastLiteral(args))
		case "Warn":
			fmt.Fprint(os.Stderr, lastLiteral(args))
		case "Sleep":
			ms, _ := strconv.Atoi(strings.TrimSpace(args))
			time.Sleep(time.Duration(ms) * time.Millisecond)
		case "Repeat":
			n, _ := strconv.Atoi(strings.TrimSpace(args))
			fmt.Fprintln(os.Stdout, strings.Repeat("x", n))
		case "Die":
			os.Exit(3)
		case "Hang":
			// not select{}: the runtime would report a deadlock
			time.Sleep(time.Hour)
		}
		return
	}
	if m := assignRx.FindStringSubmatch(stmt); m != nil {
		if v, ok := eval(m[2], vars); ok {
			vars[m[1]] = v
		}
		return
	}
	if v, ok := eval(stmt, vars); ok {
		fmt.Fprintln(os.Stdout, v)
	}
}

func eval(expr string, vars map[string]string) (string, bool) {
	terms := strings.Split(expr, "+")
	if len(terms) == 1 {
		t := strings.TrimSpace(expr)
		if v, ok := vars[t]; ok {
			return v, true
		}
		if _, err := strconv.Atoi(t); err == nil || t == "true" || t == "false" {
			return t, true
		}
		fmt.Fprintf(os.Stderr, "Error, Variable: '%s' must have a value\n", t)
		return "", false
	}
	sum := 0
	for _, t := range terms {
		v, ok := eval(t, vars)
		if !ok {
			return "", false
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error, no method found for +\n")
			return "", false
		}
		sum += n
	}
	return strconv.Itoa(sum), true
}

func lastLiteral(args string) string {
	all := literalRx.FindAllStringSubmatch(args, -1)
	if len(all) == 0 {
		return ""
	}
	s := all[len(all)-1][1]
	return strings.NewReplacer(`\n`, "\n", `\"`, `"`, `\\`, `\`).Replace(s)
}
