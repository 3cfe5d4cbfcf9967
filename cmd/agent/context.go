package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/clipcut/clipcut-agent/internal/api"
	"github.com/clipcut/clipcut-agent/internal/config"
	"github.com/clipcut/clipcut-agent/internal/db"
	"github.com/clipcut/clipcut-agent/internal/doctor"
	"github.com/clipcut/clipcut-agent/internal/extract"
	"github.com/clipcut/clipcut-agent/internal/fetch"
	"github.com/clipcut/clipcut-agent/internal/logging"
	"github.com/clipcut/clipcut-agent/internal/operation"
	"github.com/clipcut/clipcut-agent/internal/orchestrator"
	"github.com/clipcut/clipcut-agent/internal/proc"
	"github.com/clipcut/clipcut-agent/internal/sessions"
	"github.com/clipcut/clipcut-agent/internal/workspace"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.EnvConfig
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.EnvConfig, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = fmt.Errorf("load config: %w", err)
			return
		}
		if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
			c.configErr = fmt.Errorf("create data dir: %w", err)
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

// agent wires the extraction stack for one process. It holds the data
// directory lock for its lifetime.
type agent struct {
	cfg        *config.EnvConfig
	logger     *slog.Logger
	lock       *flock.Flock
	database   *db.DB
	repo       *sessions.SQLiteRepository
	ops        *operation.Controller
	runner     *proc.Exec
	workspaces *workspace.Manager
	orch       *orchestrator.Orchestrator
	doctor     *doctor.CachedDoctor
}

func openAgent(cfg *config.EnvConfig, logger *slog.Logger) (*agent, error) {
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("another clipcut agent is already using " + logging.SanitizePath(cfg.DataDir()))
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	repo := sessions.NewRepository(database.Conn())
	ops := operation.NewController(logging.WithComponent(logger, "operation"))
	runner := proc.NewExec(logging.WithComponent(logger, "proc"))
	workspaces := workspace.NewManager(cfg.DataDir())

	fetcher := fetch.New(runner, ops, fetch.Config{
		Binary:         cfg.YtDlpPath(),
		DefaultQuality: cfg.DefaultQuality(),
		Logger:         logging.WithComponent(logger, "fetch"),
	})
	extractor := extract.New(runner, ops, extract.Config{
		Binary: cfg.FFmpegPath(),
		Logger: logging.WithComponent(logger, "extract"),
	})

	orch := orchestrator.New(fetcher, extractor, ops, workspaces, repo, orchestrator.Config{
		GapThreshold:    cfg.GapThreshold(),
		FetchWeight:     cfg.FetchWeight(),
		RemoteExtension: cfg.RemoteExtension(),
		Logger:          logger,
	})

	tools := doctor.DefaultTools(cfg.YtDlpPath(), cfg.FFmpegPath())
	doc := doctor.NewCachedDoctor(doctor.New(runner, tools, logging.WithComponent(logger, "doctor")), logger)

	return &agent{
		cfg:        cfg,
		logger:     logger,
		lock:       lock,
		database:   database,
		repo:       repo,
		ops:        ops,
		runner:     runner,
		workspaces: workspaces,
		orch:       orch,
		doctor:     doc,
	}, nil
}

func (a *agent) Close() error {
	err := a.database.Close()
	if uerr := a.lock.Unlock(); uerr != nil {
		a.logger.Warn("failed to release data dir lock", "error", uerr)
	}
	return err
}

func newLogger(cfg *config.EnvConfig) *slog.Logger {
	return logging.NewLogger(cfg.LogLevel(), cfg.LogFormat())
}

func ensureAuthToken(ctx context.Context, repo sessions.Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}
