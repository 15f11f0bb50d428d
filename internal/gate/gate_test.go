package gate_test

import (
	"errors"
	"testing"

	"github.com/gapd-project/gapd/internal/gate"
	"github.com/gapd-project/gapd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestCheck(t *testing.T) {
	g := gate.Default()

	var tests = []struct {
		scenario string
		given    string
		token    string
	}{
		{"quit", "Order(G); QUIT;", "QUIT"},
		{"quit lowercase", "quit;", "QUIT"},
		{"quit spaced", "Q U I T;", "QUIT"},
		{"exec", "Exec('rm -rf /')", "Exec"},
		{"exec spaced", "Ex ec (\"ls\");", "Exec"},
		{"exec uppercase", "EXEC(\"ls\");", "Exec"},
		{"exec as value", "CallFuncList(Exec, [\"ls\"]);", "Exec"},
		{"exec aliased", "f := Exec;; f(\"ls\");", "Exec"},
		{"exec comment before call", "Exec # run it\n(\"ls\");", "Exec"},
		{"exec split by continuation", "Ex\\\nec(\"ls\");", "Exec"},
		{"quit gap", "QuitGap(0);", "QuitGap"},
		{"io prefix", "IO_fork();", "IO_"},
		{"io prefix as value", "f := IO_fork;", "IO_"},
		{"print to", "PrintTo(\"/tmp/x\", 1);", "PrintTo"},
		{"read", "Read(\"init.g\");", "Read"},
		{"env", "GAPInfo.SystemEnvironment;", "GAPInfo.SystemEnvironment"},
		{"env spaced", "GAPInfo . SystemEnvironment;", "GAPInfo.SystemEnvironment"},
		{"eval string", "EvalString(Concatenation(\"Ex\", \"ec\"));", "EvalString"},
		{"value global", "ValueGlobal(Concatenation(\"Ex\", \"ec\"));", "ValueGlobal"},
		{"multiline", "x := 1;\nExec(\"id\");", "Exec"},
	}

	for _, tc := range tests {
		t.Run(tc.scenario, func(t *testing.T) {
			d := g.Check(tc.given)
			require.False(t, d.Allowed)
			require.Equal(t, tc.token, d.Token)
			require.NotEmpty(t, d.Reason)
			require.NotEmpty(t, d.Rule)
		})
	}
}

func TestCheck_Allowed(t *testing.T) {
	g := gate.Default()
	for _, given := range []string{
		"Order(SymmetricGroup(4));",
		"for i in [1..5] do\n  Print(i);\nod;",
		"IsQuitting := true;",
		"ReadLine;",
		"MyExec(3);",
		"Processes := [];",
		"RIO_x := 1;",
		"ExecutionCount := 2;",
		"Print(\"# not a comment\", 1); # Exec is only mentioned here\n",
		"",
	} {
		t.Run(given, func(t *testing.T) {
			require.True(t, g.Check(given).Allowed)
			require.NoError(t, g.Err(given))
		})
	}
}

func TestCheck_Deterministic(t *testing.T) {
	g := gate.Default()
	const given = "G := SymmetricGroup(3); Exec(\"ls\"); QUIT;"
	first := g.Check(given)
	for range 100 {
		require.Equal(t, first, g.Check(given))
	}
	require.Equal(t, first, gate.Default().Check(given))
}

func TestErr(t *testing.T) {
	err := gate.Default().Err("QUIT;")
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrCommandRejected)
	var rejected *gate.RejectedError
	require.True(t, errors.As(err, &rejected))
	require.Equal(t, "quit", rejected.Rule)
	require.Contains(t, err.Error(), "QUIT")
}

func TestNew_Custom(t *testing.T) {
	g, err := gate.New([]gate.Rule{{Category: "custom", Token: "Foo(", Reason: "no foo"}})
	require.NoError(t, err)
	require.False(t, g.Check("foo(1);").Allowed)
	require.True(t, g.Check("QUIT;").Allowed)
	require.Len(t, g.Rules(), 1)
}
