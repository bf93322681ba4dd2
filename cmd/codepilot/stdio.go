package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kandev/codepilot/internal/transport"
)

func newStdioCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Talk to the editor over JSON lines on stdin and stdout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStdio(cmd.Context(), *configPath)
		},
	}
}

func runStdio(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, log, err := loadRuntime(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if cfg.Logging.OutputPath == "stdout" {
		return errors.New("logging.outputPath cannot be stdout in stdio mode")
	}

	svc, err := provideServices(ctx, cfg, log)
	if err != nil {
		return err
	}

	bridge := transport.NewStdioBridge(os.Stdin, os.Stdout, log)
	hb := transport.NewHostBridge(bridge, log)
	session, err := svc.attach(hb)
	if err != nil {
		_ = svc.close(context.Background())
		return err
	}

	runErr := bridge.Run(ctx)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, io.EOF) {
		runErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(runErr, session.Close(), hb.Close(), svc.close(closeCtx))
}
