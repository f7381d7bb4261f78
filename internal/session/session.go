// Package session identifies the caller attempting transitions and keeps its
// claims alive.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/domain"
)

// EnvSessionID overrides the session id for a process.
const EnvSessionID = "PHASELINE_SESSION_ID"

// Provider returns the session the current process acts as.
type Provider interface {
	GetOrCreateSession(ctx context.Context) (domain.Session, error)
}

type Store interface {
	UpsertSession(ctx context.Context, s domain.Session) (domain.Session, error)
	HeartbeatSession(ctx context.Context, sessionID string) (int64, error)
}

// Local registers the current process as a session. The id comes from ID,
// then the environment, then StatePath (created on first use).
type Local struct {
	Store Store
	ID    string
	// StatePath persists a generated id so repeated CLI runs share a session.
	StatePath string

	mu      sync.Mutex
	current *domain.Session
}

func (l *Local) GetOrCreateSession(ctx context.Context) (domain.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		return *l.current, nil
	}
	id, err := l.resolveID()
	if err != nil {
		return domain.Session{}, err
	}
	host, _ := os.Hostname()
	s, err := l.Store.UpsertSession(ctx, domain.Session{ID: id, Hostname: host, PID: os.Getpid()})
	if err != nil {
		return domain.Session{}, fmt.Errorf("register session: %w", err)
	}
	l.current = &s
	return s, nil
}

func (l *Local) resolveID() (string, error) {
	if l.ID != "" {
		return l.ID, nil
	}
	if v := strings.TrimSpace(os.Getenv(EnvSessionID)); v != "" {
		return v, nil
	}
	if l.StatePath == "" {
		return uuid.NewString(), nil
	}
	data, err := os.ReadFile(l.StatePath)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(l.StatePath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(l.StatePath, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

// Static is a Provider for a fixed session.
type Static domain.Session

func (s Static) GetOrCreateSession(context.Context) (domain.Session, error) {
	if s.ID == "" {
		return domain.Session{}, errors.New("no session id")
	}
	return domain.Session(s), nil
}

// Heartbeater refreshes a session's claims until its context ends.
type Heartbeater struct {
	Store     Store
	SessionID string
	Interval  time.Duration
	Logger    *slog.Logger
}

func (h Heartbeater) Run(ctx context.Context) error {
	if h.Interval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	t := time.NewTicker(h.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := h.Store.HeartbeatSession(ctx, h.SessionID)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if h.Logger != nil {
					h.Logger.WarnContext(ctx, "session heartbeat failed", "session_id", h.SessionID, "error", err)
				}
				continue
			}
			if h.Logger != nil {
				h.Logger.DebugContext(ctx, "session heartbeat", "session_id", h.SessionID, "claims", n)
			}
		}
	}
}
