// Package app assembles a ready-to-use engine from a workspace.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"phaseline/internal/claim/redisclaim"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
	"phaseline/internal/session"
	"phaseline/internal/telemetry"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/phaseline.yml.
	ConfigPath string
	SessionID  string
	Logger     *slog.Logger
}

type App struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  *engine.Engine
	Session *session.Local
	// Heartbeats refreshes the session row and every claim the session holds.
	Heartbeats session.Store
	Logger     *slog.Logger

	redis *redis.Client
}

// Open loads config, opens and migrates the workspace database, seeds gate
// policies and wires the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	eopts := engine.Options{Logger: logger}
	if rec, err := telemetry.NewRecorder(nil); err == nil {
		eopts.Observer = rec
		eopts.GateObserver = rec
	} else {
		logger.Warn("telemetry recorder unavailable", "error", err)
	}
	e := engine.New(conn, cfg, eopts)
	a := &App{DB: conn, Config: cfg, Engine: e, Logger: logger, Heartbeats: e.Repo}

	if cfg.Claims.Backend == "redis" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Claims.Redis.Addr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis claims backend %s: %w", cfg.Claims.Redis.Addr, err)
		}
		rs := redisclaim.New(a.redis, cfg.Claims.Redis.Prefix, cfg.Claims.StaleAfter)
		e.Claims = rs
		a.Heartbeats = heartbeats{repo: e.Repo, claims: rs}
	}

	a.Session = &session.Local{
		Store:     e.Repo,
		ID:        opts.SessionID,
		StatePath: filepath.Join(workspaceDir(opts.Workspace), "session_id"),
	}
	e.Sessions = a.Session

	if err := SeedGatePolicies(ctx, e, cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed gate policies: %w", err)
	}
	return a, nil
}

func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

func workspaceDir(workspace string) string {
	dir, err := db.EnsureWorkspace(workspace)
	if err != nil {
		return filepath.Join(workspace, ".phaseline")
	}
	return dir
}

// SeedGatePolicies inserts configured policies whose scope has no row yet.
// Existing rows are left alone so operator edits survive restarts.
func SeedGatePolicies(ctx context.Context, e *engine.Engine, cfg *config.Config) error {
	if len(cfg.GatePolicies) == 0 {
		return nil
	}
	existing, err := e.Repo.ListGatePolicies(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, p := range existing {
		have[p.ID] = true
	}
	for _, seed := range cfg.GatePolicies {
		p := domain.GatePolicy{
			GateKey:           seed.Gate,
			WorkUnitType:      optional(seed.WorkUnitType),
			ValidationProfile: optional(seed.ValidationProfile),
			Applicability:     seed.Applicability,
			Reason:            seed.Reason,
		}
		if have[repo.PolicyID(p.GateKey, p.WorkUnitType, p.ValidationProfile)] {
			continue
		}
		if _, err := e.SetGatePolicy(ctx, p, "config"); err != nil {
			return err
		}
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type heartbeats struct {
	repo   repo.Repo
	claims *redisclaim.Store
}

func (h heartbeats) UpsertSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	return h.repo.UpsertSession(ctx, s)
}

func (h heartbeats) HeartbeatSession(ctx context.Context, sessionID string) (int64, error) {
	if _, err := h.repo.HeartbeatSession(ctx, sessionID); err != nil {
		return 0, err
	}
	return h.claims.HeartbeatSession(ctx, sessionID)
}
