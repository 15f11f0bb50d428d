// Package gate filters engine commands through a denylist before they reach
// the GAP process. A Gate is immutable after construction and safe for
// concurrent use; it never talks to an engine.
package gate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gapd-project/gapd/internal/model"
)

// Decision is the outcome of Check. The zero value means allowed.
type Decision struct {
	Allowed bool
	Rule    string // category of the matching rule: quit, process, file, os
	Token   string // denylisted token as written in the rule
	Reason  string
}

// RejectedError reports a command refused by the gate.
type RejectedError struct {
	Decision
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("command rejected: blocked token %q (%s)", e.Token, e.Reason)
}

func (e *RejectedError) Is(target error) bool {
	return target == model.ErrCommandRejected
}

func (e *RejectedError) Unwrap() error {
	return model.ErrCommandRejected
}

// Rule describes one denylisted token. An identifier token matches the whole
// identifier wherever it appears, called or passed as a value; a trailing "_"
// turns the token into an identifier prefix.
type Rule struct {
	Category string
	Token    string
	Reason   string
}

type compiled struct {
	Rule
	rx *regexp.Regexp
}

type Gate struct {
	rules []compiled
}

const (
	reasonQuit    = "terminates the shared engine session"
	reasonProcess = "spawns or talks to host processes"
	reasonFile    = "reads or writes host files"
	reasonOS      = "exposes or changes host environment"
	reasonEval    = "evaluates code assembled from strings"
)

// DefaultRules is the GAP denylist.
var DefaultRules = []Rule{
	{"quit", "QUIT", reasonQuit},
	{"quit", "QuitGap", reasonQuit},
	{"quit", "ForceQuitGap", reasonQuit},
	{"quit", "QUIT_GAP", reasonQuit},
	{"quit", "FORCE_QUIT_GAP", reasonQuit},

	{"process", "Exec", reasonProcess},
	{"process", "Process", reasonProcess},
	{"process", "ExecuteProcess", reasonProcess},
	{"process", "InputOutputLocalProcess", reasonProcess},
	{"process", "IO_", reasonProcess},

	{"file", "InputTextFile", reasonFile},
	{"file", "OutputTextFile", reasonFile},
	{"file", "InputTextUser", reasonFile},
	{"file", "PrintTo", reasonFile},
	{"file", "AppendTo", reasonFile},
	{"file", "LogTo", reasonFile},
	{"file", "Read", reasonFile},
	{"file", "ReadAsFunction", reasonFile},
	{"file", "StringFile", reasonFile},
	{"file", "FileString", reasonFile},
	{"file", "RemoveFile", reasonFile},
	{"file", "ChangeDirectoryCurrent", reasonFile},
	{"file", "DirectoryContents", reasonFile},
	{"file", "SaveWorkspace", reasonFile},

	{"os", "GAPInfo.SystemEnvironment", reasonOS},
	{"os", "Reread", reasonOS},
	{"os", "SetUserPreference", reasonOS},

	{"eval", "EvalString", reasonEval},
	{"eval", "ValueGlobal", reasonEval},
}

// Default returns a gate over DefaultRules.
func Default() *Gate {
	g, err := New(DefaultRules)
	if err != nil {
		panic(err)
	}
	return g
}

// New compiles rules. Matching is case insensitive, ignores whitespace between
// the characters of a token and requires identifier boundaries, so QUIT does
// not match IsQuitting while "Ex ec" still matches Exec.
func New(rules []Rule) (*Gate, error) {
	g := &Gate{rules: make([]compiled, 0, len(rules))}
	for _, r := range rules {
		rx, err := regexp.Compile(pattern(r.Token))
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Token, err)
		}
		g.rules = append(g.rules, compiled{Rule: r, rx: rx})
	}
	return g, nil
}

const identChars = `A-Za-z0-9_`

func pattern(token string) string {
	var sb strings.Builder
	sb.WriteString(`(?i)(?:^|[^` + identChars + `])`)
	runes := []rune(token)
	for i, r := range runes {
		if i > 0 {
			sb.WriteString(`\s*`)
		}
		sb.WriteString(regexp.QuoteMeta(string(r)))
	}
	switch last := runes[len(runes)-1]; {
	case last == '_':
		// prefix rule: any identifier continuing the token matches
	case isIdent(last):
		sb.WriteString(`(?:$|[^` + identChars + `])`)
	}
	return sb.String()
}

func isIdent(r rune) bool {
	return r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

// Check classifies text. Comments count as whitespace and a backslash at the
// end of a line joins it with the next, as in the GAP reader. The first
// matching rule in declaration order wins.
func (g *Gate) Check(text string) Decision {
	text = stripComments(strings.ReplaceAll(text, "\\\n", ""))
	for _, r := range g.rules {
		if r.rx.MatchString(text) {
			return Decision{
				Allowed: false,
				Rule:    r.Category,
				Token:   r.Token,
				Reason:  r.Reason,
			}
		}
	}
	return Decision{Allowed: true}
}

// stripComments blanks every # comment outside string literals.
func stripComments(text string) string {
	if !strings.ContainsRune(text, '#') {
		return text
	}
	var sb strings.Builder
	sb.Grow(len(text))
	var inString, escaped, inComment bool
	for _, r := range text {
		switch {
		case inComment:
			if r != '\n' {
				continue
			}
			inComment = false
		case inString:
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
		case r == '"':
			inString = true
		case r == '#':
			inComment = true
			sb.WriteByte(' ')
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Err is Check returning a *RejectedError for a rejected text and nil otherwise.
func (g *Gate) Err(text string) error {
	d := g.Check(text)
	if d.Allowed {
		return nil
	}
	return &RejectedError{Decision: d}
}

// Rules returns a copy of the configured rules.
func (g *Gate) Rules() []Rule {
	out := make([]Rule, len(g.rules))
	for i, r := range g.rules {
		out[i] = r.Rule
	}
	return out
}
