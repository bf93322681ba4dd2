package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kandev/codepilot/internal/apply"
	"github.com/kandev/codepilot/internal/apply/store"
	"github.com/kandev/codepilot/internal/common/config"
	"github.com/kandev/codepilot/internal/common/logger"
	"github.com/kandev/codepilot/internal/common/tracing"
	"github.com/kandev/codepilot/internal/db"
	"github.com/kandev/codepilot/internal/editor"
	"github.com/kandev/codepilot/internal/editor/nvim"
	"github.com/kandev/codepilot/internal/events"
	"github.com/kandev/codepilot/internal/events/bus"
	"github.com/kandev/codepilot/internal/host"
	"github.com/kandev/codepilot/internal/llm"
	"github.com/kandev/codepilot/internal/llm/openai"
	"github.com/kandev/codepilot/internal/messenger"
	"github.com/kandev/codepilot/internal/tools"
	"github.com/kandev/codepilot/internal/transport"
	"github.com/kandev/codepilot/internal/vertical"
)

const shutdownTimeout = 10 * time.Second

// services holds the process-wide components shared by every UI session.
type services struct {
	cfg    *config.Config
	log    *logger.Logger
	bus    bus.EventBus
	diffs  *vertical.Manager
	deps   host.Deps
	opts   []messenger.Option
	closer []func() error
}

// loadRuntime reads config and starts logging and tracing.
func loadRuntime(ctx context.Context, configPath string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetDefault(log)

	if err := tracing.Init(ctx, cfg.Tracing.Endpoint); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}
	return cfg, log, nil
}

func provideServices(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *services, err error) {
	s := &services{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			_ = s.close(context.Background())
		}
	}()

	provided, cleanup, err := events.Provide(cfg, log)
	if err != nil {
		return nil, err
	}
	s.closer = append(s.closer, cleanup)
	s.bus = provided.Bus

	history, err := s.provideHistory(ctx)
	if err != nil {
		return nil, err
	}

	models, err := llm.NewRegistry(cfg.Models, openai.Factory(log))
	if err != nil {
		return nil, err
	}
	if len(cfg.Models) == 0 {
		log.Warn("No models configured, edits that need a model will fail")
	}

	ws, err := s.provideWorkspace()
	if err != nil {
		return nil, err
	}

	s.diffs = vertical.NewManager(s.bus, log)
	applyMgr := apply.NewManager(ws, s.diffs, models, log, apply.WithApplyTemplate(cfg.Prompts.Apply))

	toolRegistry := tools.NewRegistry(tools.Deps{
		Workspace:     ws,
		Applier:       applyMgr,
		ContextLength: chatContextLength(models),
	}, log)

	s.deps = host.Deps{
		Workspace:    ws,
		Apply:        applyMgr,
		Diffs:        s.diffs,
		Models:       models,
		Tools:        toolRegistry,
		History:      history,
		EditTemplate: cfg.Prompts.Edit,
	}
	s.opts = []messenger.Option{
		messenger.WithRetryPolicy(transport.RetryPolicy{
			MaxRetries: cfg.Transport.SendRetries,
			BaseDelay:  cfg.Transport.SendBaseDelayDuration(),
		}),
		messenger.WithPollInterval(cfg.Transport.PollIntervalDuration()),
	}
	return s, nil
}

// provideHistory opens the apply history store and starts recording. A
// failing database only disables history.
func (s *services) provideHistory(ctx context.Context) (store.Repository, error) {
	pool, cleanup, err := db.Provide(ctx, s.cfg.Database, s.log)
	if err != nil {
		s.log.Warn("Apply history disabled", zap.Error(err))
		return nil, nil
	}
	s.closer = append(s.closer, cleanup)

	repo, err := store.NewRepository(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize apply history: %w", err)
	}
	recorder, err := apply.NewRecorder(s.bus, repo, s.log)
	if err != nil {
		return nil, err
	}
	s.closer = append(s.closer, recorder.Stop)
	return repo, nil
}

func (s *services) provideWorkspace() (editor.Workspace, error) {
	if addr := s.cfg.Nvim.Address; addr != "" {
		ws, err := nvim.Dial(addr, s.cfg.Workspace.Dirs, s.log)
		if err != nil {
			return nil, err
		}
		s.closer = append(s.closer, ws.Close)
		s.log.Info("Using Neovim buffers", zap.String("address", addr))
		return ws, nil
	}
	dirs := s.cfg.Workspace.Dirs
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	return editor.NewFileWorkspace(dirs), nil
}

func chatContextLength(models *llm.Registry) func() int {
	return func() int {
		m, err := models.ForRole(llm.RoleChat)
		if err != nil {
			return llm.DefaultContextLength
		}
		return m.ContextLength()
	}
}

// attach starts a host session on t.
func (s *services) attach(t transport.Transport) (*host.Session, error) {
	return host.Attach(t, s.bus, s.deps, s.log, s.opts...)
}

// close rejects pending diffs and releases everything in reverse order.
func (s *services) close(ctx context.Context) error {
	var errs []error
	if s.diffs != nil {
		if err := s.diffs.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(s.closer) - 1; i >= 0; i-- {
		if err := s.closer[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := tracing.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// runAuto picks serve or stdio from transport.kind. A transport without a
// standalone mode, the default when no IDE is configured, prints usage.
func runAuto(cmd *cobra.Command, configPath string) error {
	ctx := cmd.Context()
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return err
	}
	kind, err := transport.ParseKind(cfg.Transport.Kind, cfg.Transport.IDE)
	if err != nil {
		return err
	}
	switch kind {
	case transport.KindWindow:
		return runServe(ctx, configPath, "")
	case transport.KindHostBridge:
		return runStdio(ctx, configPath)
	}
	return cmd.Help()
}
