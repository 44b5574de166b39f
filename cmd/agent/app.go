package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nstogner/codeagent/pkg/compaction"
	"github.com/nstogner/codeagent/pkg/config"
	"github.com/nstogner/codeagent/pkg/controller"
	"github.com/nstogner/codeagent/pkg/model/gemini"
	"github.com/nstogner/codeagent/pkg/sandbox/docker"
	"github.com/nstogner/codeagent/pkg/store/sqlite"
	"github.com/nstogner/codeagent/pkg/tools"
)

// app holds the wired components shared by serve and chat.
type app struct {
	cfg     *config.Config
	store   *sqlite.Store
	sandbox *docker.Manager
	ctrl    *controller.Controller
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}

	// Initialize store.
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	st, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	// Initialize sandbox manager.
	sb, err := docker.New(cfg.SandboxConfig())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initializing sandbox manager: %w", err)
	}

	// Initialize model provider.
	provider, err := gemini.New(ctx, cfg.Model.APIKey, cfg.Model.Name, cfg.Model.SummaryName)
	if err != nil {
		sb.Close()
		st.Close()
		return nil, fmt.Errorf("initializing Gemini provider: %w", err)
	}

	sbCfg := sb.Config()
	registry := tools.NewDefaultRegistry(sb, tools.Workspace{Root: sbCfg.Workspace, WorkDir: sbCfg.WorkDir})
	engine := compaction.New(provider, cfg.CompactionConfig())
	ctrl := controller.New(st, provider, engine, cfg.SessionConfig(), registry, cfg.ControllerConfig())

	slog.Info("Agent initialized",
		"model", cfg.Model.Name,
		"store", cfg.Store.Path,
		"workspace", sbCfg.Workspace,
		"image", sbCfg.Image,
		"threshold", cfg.SessionConfig().Threshold(),
	)
	return &app{cfg: cfg, store: st, sandbox: sb, ctrl: ctrl}, nil
}

// Close releases the store and the docker client. The sandbox itself keeps
// running so the next invocation can reuse it.
func (a *app) Close() {
	if err := a.sandbox.Close(); err != nil {
		slog.Warn("Failed to close sandbox manager", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}
}
