package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// Codes reported in CueErrorDetail.Code.
const (
	CodeUnknownField = "unknown_field"
	CodeMissing      = "missing_required"
	CodeTypeMismatch = "type_mismatch"
	CodeInvalidEnum  = "invalid_enum"
	CodeFormat       = "invalid_format"
	CodeOutOfRange   = "out_of_range"
	CodeConflict     = "conflicting_values"
	CodeOther        = "validation_error"
)

// CueErrorDetail is one problem found in a gapd.yaml.
type CueErrorDetail struct {
	Path    string // engine.startup_timeout
	Code    string
	Message string
	Pos     CueErrorPosition
	Raw     string
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// the order matters: a regexp bound is reported as "out of bound =~" and a
// type mismatch as "conflicting values ... (mismatched types ...)"
var classes = []struct {
	re   *regexp.Regexp
	code string
}{
	{regexp.MustCompile(`not allowed`), CodeUnknownField},
	{regexp.MustCompile(`incomplete value|required field`), CodeMissing},
	{regexp.MustCompile(`mismatched types`), CodeTypeMismatch},
	{regexp.MustCompile(`empty disjunction`), CodeInvalidEnum},
	{regexp.MustCompile(`out of bound =~`), CodeFormat},
	{regexp.MustCompile(`out of bound`), CodeOutOfRange},
	{regexp.MustCompile(`conflicting values`), CodeConflict},
}

var reBound = regexp.MustCompile(`out of bound ([<>=!]+[^)]*)\)`)

// CueErrDetails turns an error returned by LoadConfig into one detail per
// offending field. The same field reported twice by CUE is kept once.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	type key struct{ path, code string }
	seen := make(map[key]struct{})

	var out []CueErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := fieldPath(e.Path())
		code := classify(raw)

		k := key{path, code}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		out = append(out, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: describe(code, path, raw),
			Pos:     position(e),
			Raw:     raw,
		})
	}
	return out
}

func classify(raw string) string {
	for _, c := range classes {
		if c.re.MatchString(raw) {
			return c.code
		}
	}
	return CodeOther
}

func describe(code, path, raw string) string {
	switch code {
	case CodeUnknownField:
		return fmt.Sprintf("unknown field %s", path)
	case CodeMissing:
		return fmt.Sprintf("%s is required", path)
	case CodeTypeMismatch:
		return fmt.Sprintf("%s has a wrong type", path)
	case CodeFormat:
		return fmt.Sprintf("%s must be a duration like 90s or 1d2h", path)
	case CodeOutOfRange:
		if m := reBound.FindStringSubmatch(raw); m != nil {
			return fmt.Sprintf("%s must be %s", path, m[1])
		}
		return fmt.Sprintf("%s is out of range", path)
	case CodeInvalidEnum, CodeConflict:
		msg := fmt.Sprintf("%s has an invalid value", path)
		if values := choices(path); len(values) > 0 {
			msg += fmt.Sprintf(", expected one of %s", strings.Join(values, ", "))
		}
		return msg
	default:
		return raw
	}
}

// choices lists the literal strings of a disjunction in the schema, like the
// stderr and discard targets of service.log.
func choices(path string) []string {
	if path == "" {
		return nil
	}
	v := schema.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return nil
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil
	}
	var values []string
	for _, a := range args {
		if a.Kind() != cue.StringKind || !a.IsConcrete() {
			continue
		}
		if s, err := a.String(); err == nil {
			values = append(values, s)
		}
	}
	return values
}

func position(err cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: p.Filename(),
			Line:     p.Line(),
			Column:   p.Column(),
		}
	}
	return CueErrorPosition{}
}

// fieldPath drops the leading #Config selector.
func fieldPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
