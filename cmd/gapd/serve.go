package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gapd-project/gapd/internal/gate"
	"github.com/gapd-project/gapd/internal/log"
	"github.com/gapd-project/gapd/internal/metrics"
	"github.com/gapd-project/gapd/internal/server"
	"github.com/gapd-project/gapd/internal/service"
	"github.com/gapd-project/gapd/internal/session"
	"github.com/gapd-project/gapd/internal/tools"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs the MCP server over stdin and stdout",
	RunE:  doServe,
}

var evalCmd = &cobra.Command{
	Use:   "eval <code>",
	Short: "eval runs GAP code once in a fresh session and prints its output",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doEval,
}

var checkCmd = &cobra.Command{
	Use:   "check <code>",
	Short: "check reports whether the command gate accepts the code",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doCheck,
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("gapd",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	m := metrics.New()
	opts := session.OptionsFromConfig(config.Engine)
	opts.Observer = m
	manager := session.NewManager(opts)
	defer func() {
		if err := manager.Close(); err != nil {
			slog.ErrorContext(ctx, "closing session manager", "error", err)
		}
	}()

	var supervisor *service.Supervisor
	if config.Health.EnabledOr() {
		var err error
		supervisor, err = service.NewSupervisor(ctx, config, manager)
		if err != nil {
			return err
		}
	}

	srv := server.New(tools.New(manager, config.Tools), version())

	g, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.Go(func() error {
		// the client closing stdin ends the service
		defer cancel()
		err := server.Serve(ctx, srv)
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			return nil
		}
		return err
	})
	if supervisor != nil {
		g.Go(func() error {
			return supervisor.Do(ctx)
		})
	}
	if config.Metrics.EnabledOr() {
		g.Go(func() error {
			return m.Serve(ctx, config.Metrics.AddrOr())
		})
	}
	return g.Wait()
}

func doEval(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("gapd",
		slog.String("cmd", "eval"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	manager := session.NewManager(session.OptionsFromConfig(config.Engine))
	defer func() {
		_ = manager.Close()
	}()

	out, err := tools.New(manager, config.Tools).Eval(ctx, strings.Join(args, " "), 0)
	if err != nil {
		return errors.New(tools.Message(err))
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
	return err
}

func doCheck(cmd *cobra.Command, args []string) error {
	d := gate.Default().Check(strings.Join(args, " "))
	if !d.Allowed {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "rejected: %s (%s: %s)\n", d.Token, d.Rule, d.Reason)
		return &gate.RejectedError{Decision: d}
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), "allowed")
	return err
}
