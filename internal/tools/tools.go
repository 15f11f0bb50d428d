// Package tools implements the caller facing GAP operations. Each operation
// builds GAP code, runs it through the session manager with a timeout fitting
// its cost and renders the output as text.
package tools

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gapd-project/gapd/internal/model"
	"github.com/gapd-project/gapd/internal/session"
)

// Executor is implemented by *session.Manager.
type Executor interface {
	Execute(ctx context.Context, text string, timeout time.Duration) (session.Result, error)
	Reset(ctx context.Context) error
}

type Tools struct {
	exec           Executor
	defaultTimeout time.Duration
	heavyTimeout   time.Duration
	sizeLimit      int
	elementsLimit  int
}

func New(exec Executor, cfg *model.Tools) *Tools {
	return &Tools{
		exec:           exec,
		defaultTimeout: cfg.DefaultTimeoutOr(),
		heavyTimeout:   cfg.HeavyTimeoutOr(),
		sizeLimit:      cfg.SizeLimitOr(),
		elementsLimit:  cfg.ElementsLimitOr(),
	}
}

// ErrInvalidInput reports arguments rejected before reaching the engine.
var ErrInvalidInput = errors.New("invalid input")

// GAPError carries the error lines GAP printed on stderr.
type GAPError struct {
	Lines []string
}

func (e *GAPError) Error() string {
	return "GAP Error:\n" + strings.Join(e.Lines, "\n")
}

const noOutput = "(no output)"

var packageRx = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// run executes code and turns GAP errors on stderr into a *GAPError.
func (t *Tools) run(ctx context.Context, code string, timeout time.Duration) (string, error) {
	res, err := t.exec.Execute(ctx, code, timeout)
	if err != nil {
		return "", err
	}
	for _, line := range res.Diagnostics {
		if strings.Contains(line, "Error,") {
			return "", &GAPError{Lines: res.Diagnostics}
		}
	}
	return strings.TrimSpace(res.Output), nil
}

// Eval runs arbitrary GAP code. A missing final semicolon is added.
func (t *Tools) Eval(ctx context.Context, code string, timeout time.Duration) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: code is empty", ErrInvalidInput)
	}
	if !strings.HasSuffix(code, ";") {
		code += ";"
	}
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	out, err := t.run(ctx, code, timeout)
	if err != nil {
		return "", err
	}
	if out == "" {
		return noOutput, nil
	}
	return out, nil
}

func (t *Tools) GroupInfo(ctx context.Context, group string) (string, error) {
	code, err := groupCode(group, []string{"G"}, `
Print("Order: ", Order(G), "\n");
Print("IsAbelian: ", IsAbelian(G), "\n");
Print("IsSimple: ", IsSimple(G), "\n");
Print("IsSolvable: ", IsSolvable(G), "\n");
Print("IsNilpotent: ", IsNilpotentGroup(G), "\n");
Print("NrConjugacyClasses: ", NrConjugacyClasses(G), "\n");
Print("Exponent: ", Exponent(G), "\n");`)
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.defaultTimeout)
}

// Elements lists elements with their orders, or only generators when the
// group is larger than maxOrder. Zero maxOrder uses the configured limit.
func (t *Tools) Elements(ctx context.Context, group string, maxOrder int) (string, error) {
	if maxOrder < 0 {
		return "", fmt.Errorf("%w: max_order must be positive", ErrInvalidInput)
	}
	if maxOrder == 0 {
		maxOrder = t.elementsLimit
	}
	code, err := groupCode(group, []string{"G", "ord", "g"}, `
ord := Order(G);
if ord <= `+strconv.Itoa(maxOrder)+` then
  for g in Elements(G) do
    Print(g, " (order ", Order(g), ")\n");
  od;
else
  Print("Group too large (order ", ord, ") to list all elements.\n");
  Print("Generators:\n");
  for g in GeneratorsOfGroup(G) do
    Print("  ", g, "\n");
  od;
fi;`)
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.defaultTimeout)
}

// SubgroupsRequest selects the subgroup enumeration.
type SubgroupsRequest struct {
	Group      string
	NormalOnly bool
	Force      bool
	SizeLimit  int // zero uses the configured limit
}

// Subgroups enumerates subgroups. Enumerating all subgroups of a group whose
// order exceeds the size limit is refused with an advisory unless Force is set.
func (t *Tools) Subgroups(ctx context.Context, req SubgroupsRequest) (string, error) {
	if req.SizeLimit < 0 {
		return "", fmt.Errorf("%w: size_limit must be positive", ErrInvalidInput)
	}
	limit := req.SizeLimit
	if limit == 0 {
		limit = t.sizeLimit
	}

	if !req.NormalOnly && !req.Force {
		order, over, err := t.exceeds(ctx, req.Group, limit)
		if err != nil {
			return "", err
		}
		if over {
			return sizeAdvisory(order, limit), nil
		}
	}

	var code string
	var err error
	if req.NormalOnly {
		code, err = groupCode(req.Group, []string{"G", "ns", "H"}, `
ns := NormalSubgroups(G);
Print("Normal subgroups of G (order ", Order(G), "):\n");
for H in ns do
  Print("  Order ", Order(H), ": ", H, "\n");
od;
Print("Total: ", Length(ns), " normal subgroups\n");`)
	} else {
		code, err = groupCode(req.Group, []string{"G", "sub", "H", "tag"}, `
sub := AllSubgroups(G);
Print("Subgroups of G (order ", Order(G), "):\n");
for H in sub do
  tag := "";
  if IsNormal(G, H) then tag := " [normal]"; fi;
  Print("  Order ", Order(H), tag, ": ", H, "\n");
od;
Print("Total: ", Length(sub), " subgroups\n");`)
	}
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.heavyTimeout)
}

// exceeds asks the engine for the group order and compares it with limit.
// Infinite groups and orders beyond int64 always exceed it.
func (t *Tools) exceeds(ctx context.Context, group string, limit int) (string, bool, error) {
	code, err := groupCode(group, []string{"G"}, `
Print(Size(G), "\n");`)
	if err != nil {
		return "", false, err
	}
	out, err := t.run(ctx, code, t.defaultTimeout)
	if err != nil {
		return "", false, err
	}
	if out == "infinity" {
		return out, true, nil
	}
	n, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return out, true, nil
		}
		return "", false, fmt.Errorf("unexpected group order %q", out)
	}
	return out, n > int64(limit), nil
}

func sizeAdvisory(order string, limit int) string {
	return fmt.Sprintf("Group order %s exceeds the size limit %d: enumerating all subgroups may take very long.\n"+
		"Use normal_only, raise size_limit or set force to run it anyway.", order, limit)
}

func (t *Tools) CharacterTable(ctx context.Context, group string) (string, error) {
	code, err := groupCode(group, []string{"G"}, `
Display(CharacterTable(G));`)
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.heavyTimeout)
}

func (t *Tools) Sylow(ctx context.Context, group string, prime int) (string, error) {
	if prime < 2 {
		return "", fmt.Errorf("%w: prime must be at least 2", ErrInvalidInput)
	}
	code, err := groupCode(group, []string{"G", "p", "S"}, `
p := `+strconv.Itoa(prime)+`;
if not IsPrime(p) then
  Print("Error: ", p, " is not prime\n");
else
  S := SylowSubgroup(G, p);
  Print("Group order: ", Order(G), "\n");
  Print("Sylow ", p, "-subgroup order: ", Order(S), "\n");
  Print("Number of Sylow ", p, "-subgroups: ", Length(ConjugateSubgroups(G, S)), "\n");
  Print("Sylow subgroup: ", S, "\n");
  Print("Is normal: ", IsNormal(G, S), "\n");
fi;`)
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.defaultTimeout)
}

func (t *Tools) Center(ctx context.Context, group string) (string, error) {
	code, err := groupCode(group, []string{"G", "Z"}, `
Z := Centre(G);
Print("Center Z(G):\n");
Print("  Order: ", Order(Z), "\n");
Print("  Elements: ", Elements(Z), "\n");
Print("  G/Z(G) is cyclic: ", IsCyclic(G/Z), "\n");`)
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.defaultTimeout)
}

func (t *Tools) DerivedSeries(ctx context.Context, group string) (string, error) {
	code, err := groupCode(group, []string{"G", "ds", "cs", "i"}, `
ds := DerivedSeriesOfGroup(G);
Print("Derived series (length ", Length(ds), "):\n");
for i in [1..Length(ds)] do
  Print("  G^(", i-1, "): order ", Order(ds[i]), "\n");
od;
Print("IsSolvable: ", IsSolvable(G), "\n");
cs := CompositionSeries(G);
Print("Composition series (length ", Length(cs), "):\n");
for i in [1..Length(cs)] do
  Print("  order ", Order(cs[i]), "\n");
od;`)
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.heavyTimeout)
}

func (t *Tools) ConjugacyClasses(ctx context.Context, group string) (string, error) {
	code, err := groupCode(group, []string{"G", "cc", "c", "r"}, `
cc := ConjugacyClasses(G);
Print("Conjugacy classes of G (order ", Order(G), "):\n");
for c in cc do
  r := Representative(c);
  Print("  size ", Size(c), ", element order ", Order(r), ": ", r, "\n");
od;
Print("Total: ", Length(cc), " classes\n");`)
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.heavyTimeout)
}

func (t *Tools) Isomorphism(ctx context.Context, groupA, groupB string) (string, error) {
	b, err := groupExpr(groupB)
	if err != nil {
		return "", err
	}
	code, err := groupCode(groupA, []string{"G", "H", "iso"}, `
H := `+b+`;
if Size(G) <> Size(H) then
  Print("Not isomorphic (orders ", Size(G), " and ", Size(H), ")\n");
else
  iso := IsomorphismGroups(G, H);
  if iso = fail then
    Print("Not isomorphic\n");
  else
    Print("Isomorphic\n");
    Print("Isomorphism: ", iso, "\n");
  fi;
fi;`)
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.heavyTimeout)
}

func (t *Tools) AbelianInvariants(ctx context.Context, group string) (string, error) {
	code, err := groupCode(group, []string{"G", "inv"}, `
inv := AbelianInvariants(G);
if inv = [] then
  Print("Abelian invariants: [] (abelianization trivial or perfect group)\n");
else
  Print("Abelian invariants: ", inv, "\n");
fi;`)
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.defaultTimeout)
}

func (t *Tools) Automorphisms(ctx context.Context, group string) (string, error) {
	code, err := groupCode(group, []string{"G", "A", "I"}, `
A := AutomorphismGroup(G);
I := InnerAutomorphismsAutomorphismGroup(A);
Print("Aut(G) order:  ", Size(A), "\n");
Print("Inn(G) order:  ", Size(I), "\n");
Print("Out(G) order:  ", Size(A) / Size(I), "\n");`)
	if err != nil {
		return "", err
	}
	return t.run(ctx, code, t.heavyTimeout)
}

func (t *Tools) LoadPackage(ctx context.Context, name string) (string, error) {
	if !packageRx.MatchString(name) {
		return "", fmt.Errorf("%w: package name %q", ErrInvalidInput, name)
	}
	code := `if LoadPackage("` + name + `") = true then
  Print("Package ` + name + ` loaded successfully.\n");
else
  Print("Failed to load package ` + name + `.\n");
fi;`
	return t.run(ctx, code, t.defaultTimeout)
}

func (t *Tools) Reset(ctx context.Context) (string, error) {
	if err := t.exec.Reset(ctx); err != nil {
		return "", err
	}
	return "GAP session reset.", nil
}

// groupExpr validates a group expression: one expression, no statements.
func groupExpr(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.TrimSuffix(expr, ";")
	switch {
	case expr == "":
		return "", fmt.Errorf("%w: group expression is empty", ErrInvalidInput)
	case strings.ContainsAny(expr, ";\n"):
		return "", fmt.Errorf("%w: group expression must be a single expression", ErrInvalidInput)
	}
	return expr, nil
}

// groupCode wraps body in a function binding G to the group expression, so
// temporaries never overwrite variables of the caller's session.
func groupCode(group string, locals []string, body string) (string, error) {
	expr, err := groupExpr(group)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString("CallFuncList(function()\nlocal ")
	sb.WriteString(strings.Join(locals, ", "))
	sb.WriteString(";\nG := ")
	sb.WriteString(expr)
	sb.WriteString(";")
	sb.WriteString(body)
	sb.WriteString("\nend, []);")
	return sb.String(), nil
}
