package server_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/gapd-project/gapd/internal/gate"
	"github.com/gapd-project/gapd/internal/model"
	"github.com/gapd-project/gapd/internal/server"
	"github.com/gapd-project/gapd/internal/session"
	"github.com/gapd-project/gapd/internal/tools"
)

// echoExecutor applies the default gate and echoes the command back.
type echoExecutor struct {
	mx     sync.Mutex
	texts  []string
	resets int
	err    error
}

func (e *echoExecutor) Execute(_ context.Context, text string, _ time.Duration) (session.Result, error) {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.texts = append(e.texts, text)
	if err := gate.Default().Err(text); err != nil {
		return session.Result{}, err
	}
	if e.err != nil {
		return session.Result{}, e.err
	}
	return session.Result{Output: "echo " + text + "\n", Generation: 1}, nil
}

func (e *echoExecutor) Reset(context.Context) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	e.resets++
	return nil
}

func connect(t *testing.T, exec tools.Executor) *mcp.ClientSession {
	t.Helper()
	ctx := t.Context()
	s := server.New(tools.New(exec, &model.Tools{}), "test")

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := s.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = cs.Close()
		_ = ss.Wait()
	})
	return cs
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "content is %T", res.Content[0])
	return tc.Text
}

func TestListTools(t *testing.T) {
	cs := connect(t, &echoExecutor{})
	res, err := cs.ListTools(t.Context(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{
		"gap_eval",
		"gap_group_info",
		"gap_elements",
		"gap_subgroups",
		"gap_character_table",
		"gap_sylow",
		"gap_center",
		"gap_derived_series",
		"gap_conjugacy_classes",
		"gap_isomorphism",
		"gap_abelian_invariants",
		"gap_automorphisms",
		"gap_load_package",
		"gap_reset",
	}, names)
}

func TestEval(t *testing.T) {
	exec := &echoExecutor{}
	cs := connect(t, exec)

	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "gap_eval",
		Arguments: map[string]any{"code": "1+1"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "echo 1+1;", text(t, res))
}

func TestEval_Rejected(t *testing.T) {
	exec := &echoExecutor{}
	cs := connect(t, exec)

	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "gap_eval",
		Arguments: map[string]any{"code": "QUIT;"},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.True(t, strings.HasPrefix(text(t, res), "Rejected: "), text(t, res))
}

func TestEval_Timeout(t *testing.T) {
	exec := &echoExecutor{err: fmt.Errorf("%w: no answer within 1s", model.ErrEngineTimeout)}
	cs := connect(t, exec)

	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "gap_eval",
		Arguments: map[string]any{"code": "Sleep(10);", "timeout_seconds": 1},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Contains(t, text(t, res), "Timeout: ")
}

func TestSubgroups(t *testing.T) {
	exec := &echoExecutor{}
	cs := connect(t, exec)

	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "gap_subgroups",
		Arguments: map[string]any{"group": "CyclicGroup(4)", "normal_only": true},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Contains(t, text(t, res), "NormalSubgroups(G)")
	require.Len(t, exec.texts, 1)
}

func TestSylow_InvalidPrime(t *testing.T) {
	exec := &echoExecutor{}
	cs := connect(t, exec)

	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "gap_sylow",
		Arguments: map[string]any{"group": "SymmetricGroup(4)", "prime": 0},
	})
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "Invalid input: prime must be at least 2", text(t, res))
	require.Empty(t, exec.texts)
}

func TestReset(t *testing.T) {
	exec := &echoExecutor{}
	cs := connect(t, exec)

	res, err := cs.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      "gap_reset",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "GAP session reset.", text(t, res))
	require.Equal(t, 1, exec.resets)
}
