// Package server exposes the GAP tools over the Model Context Protocol.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gapd-project/gapd/internal/log"
	"github.com/gapd-project/gapd/internal/tools"
)

const instructions = `Persistent GAP (Groups, Algorithms, Programming) session.
Variables and loaded packages survive between calls until gap_reset.
Group arguments are single GAP expressions such as SymmetricGroup(4) or
Group((1,2,3),(1,2)). Commands that quit GAP or reach the host (processes,
files, environment) are rejected.`

// Output is the structured result of every tool.
type Output struct {
	Text string `json:"text"`
}

type EvalInput struct {
	Code           string `json:"code" jsonschema:"GAP code to evaluate; a missing final semicolon is added"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"timeout in seconds, default is the configured tool timeout"`
}

type GroupInput struct {
	Group string `json:"group" jsonschema:"GAP group expression, e.g. SymmetricGroup(4)"`
}

type ElementsInput struct {
	Group    string `json:"group" jsonschema:"GAP group expression"`
	MaxOrder int    `json:"max_order,omitempty" jsonschema:"list elements only up to this group order, generators otherwise"`
}

type SubgroupsInput struct {
	Group      string `json:"group" jsonschema:"GAP group expression"`
	NormalOnly bool   `json:"normal_only,omitempty" jsonschema:"only list normal subgroups"`
	Force      bool   `json:"force,omitempty" jsonschema:"enumerate even when the group order exceeds the size limit"`
	SizeLimit  int    `json:"size_limit,omitempty" jsonschema:"override the configured size limit"`
}

type SylowInput struct {
	Group string `json:"group" jsonschema:"GAP group expression"`
	Prime int    `json:"prime" jsonschema:"prime p of the Sylow p-subgroup"`
}

type IsomorphismInput struct {
	GroupA string `json:"group_a" jsonschema:"first GAP group expression"`
	GroupB string `json:"group_b" jsonschema:"second GAP group expression"`
}

type PackageInput struct {
	Name string `json:"name" jsonschema:"GAP package name, e.g. smallgrp"`
}

type ResetInput struct{}

// New builds an MCP server exposing t.
func New(t *tools.Tools, version string) *mcp.Server {
	s := mcp.NewServer(
		&mcp.Implementation{Name: "gapd", Version: version},
		&mcp.ServerOptions{Instructions: instructions},
	)

	addTool(s, "gap_eval", "Evaluate GAP code in the persistent session and return its output.",
		func(ctx context.Context, in EvalInput) (string, error) {
			return t.Eval(ctx, in.Code, time.Duration(in.TimeoutSeconds)*time.Second)
		})
	addTool(s, "gap_group_info", "Order, abelian, simple, solvable and nilpotent properties, class count and exponent of a group.",
		func(ctx context.Context, in GroupInput) (string, error) {
			return t.GroupInfo(ctx, in.Group)
		})
	addTool(s, "gap_elements", "List the elements of a small group with their orders.",
		func(ctx context.Context, in ElementsInput) (string, error) {
			return t.Elements(ctx, in.Group, in.MaxOrder)
		})
	addTool(s, "gap_subgroups", "Enumerate the subgroups or the normal subgroups of a group.",
		func(ctx context.Context, in SubgroupsInput) (string, error) {
			return t.Subgroups(ctx, tools.SubgroupsRequest{
				Group:      in.Group,
				NormalOnly: in.NormalOnly,
				Force:      in.Force,
				SizeLimit:  in.SizeLimit,
			})
		})
	addTool(s, "gap_character_table", "Display the character table of a finite group.",
		func(ctx context.Context, in GroupInput) (string, error) {
			return t.CharacterTable(ctx, in.Group)
		})
	addTool(s, "gap_sylow", "Sylow p-subgroup of a group, its order, count and normality.",
		func(ctx context.Context, in SylowInput) (string, error) {
			return t.Sylow(ctx, in.Group, in.Prime)
		})
	addTool(s, "gap_center", "Center of a group.",
		func(ctx context.Context, in GroupInput) (string, error) {
			return t.Center(ctx, in.Group)
		})
	addTool(s, "gap_derived_series", "Derived series and composition series of a group.",
		func(ctx context.Context, in GroupInput) (string, error) {
			return t.DerivedSeries(ctx, in.Group)
		})
	addTool(s, "gap_conjugacy_classes", "Conjugacy classes of a group with sizes and representatives.",
		func(ctx context.Context, in GroupInput) (string, error) {
			return t.ConjugacyClasses(ctx, in.Group)
		})
	addTool(s, "gap_isomorphism", "Test whether two groups are isomorphic.",
		func(ctx context.Context, in IsomorphismInput) (string, error) {
			return t.Isomorphism(ctx, in.GroupA, in.GroupB)
		})
	addTool(s, "gap_abelian_invariants", "Abelian invariants of the abelianization of a group.",
		func(ctx context.Context, in GroupInput) (string, error) {
			return t.AbelianInvariants(ctx, in.Group)
		})
	addTool(s, "gap_automorphisms", "Orders of the automorphism, inner and outer automorphism groups.",
		func(ctx context.Context, in GroupInput) (string, error) {
			return t.Automorphisms(ctx, in.Group)
		})
	addTool(s, "gap_load_package", "Load a GAP package into the session.",
		func(ctx context.Context, in PackageInput) (string, error) {
			return t.LoadPackage(ctx, in.Name)
		})
	addTool(s, "gap_reset", "Restart the GAP session, discarding all variables and loaded packages.",
		func(ctx context.Context, _ ResetInput) (string, error) {
			return t.Reset(ctx)
		})

	return s
}

// addTool registers fn. An error is rendered into the tool result so the
// caller sees it instead of a protocol error.
func addTool[In any](s *mcp.Server, name, description string, fn func(context.Context, In) (string, error)) {
	tool := &mcp.Tool{
		Name:        name,
		Description: description,
	}
	mcp.AddTool(s, tool, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Output, error) {
		ctx = log.ContextAttrs(ctx, slog.String("tool", name))
		begin := time.Now()
		text, err := fn(ctx, in)
		if err != nil {
			slog.InfoContext(ctx, "tool failed", "error", err, "duration", time.Since(begin))
			msg := tools.Message(err)
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: msg}},
			}, Output{Text: msg}, nil
		}
		slog.DebugContext(ctx, "tool done", "duration", time.Since(begin))
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, Output{Text: text}, nil
	})
}

// Serve runs s over stdin and stdout until the client disconnects or ctx is
// cancelled.
func Serve(ctx context.Context, s *mcp.Server) error {
	slog.InfoContext(ctx, "serving MCP over stdio")
	return s.Run(ctx, &mcp.StdioTransport{})
}
