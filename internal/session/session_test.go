package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/domain"
)

type memStore struct {
	mu        sync.Mutex
	upserts   []domain.Session
	beats     int
	heartbeat error
}

func (m *memStore) UpsertSession(_ context.Context, s domain.Session) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, s)
	return s, nil
}

func (m *memStore) HeartbeatSession(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats++
	return 1, m.heartbeat
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beats
}

func TestLocalPrefersExplicitID(t *testing.T) {
	t.Setenv(EnvSessionID, "from-env")
	store := &memStore{}
	l := &Local{Store: store, ID: "explicit"}

	s, err := l.GetOrCreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "explicit", s.ID)
	assert.Equal(t, os.Getpid(), s.PID)

	_, err = l.GetOrCreateSession(context.Background())
	require.NoError(t, err)
	assert.Len(t, store.upserts, 1, "session is registered once per process")
}

func TestLocalFallsBackToEnv(t *testing.T) {
	t.Setenv(EnvSessionID, "  from-env  ")
	l := &Local{Store: &memStore{}, StatePath: filepath.Join(t.TempDir(), "session_id")}
	s, err := l.GetOrCreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", s.ID)
}

func TestLocalPersistsGeneratedID(t *testing.T) {
	t.Setenv(EnvSessionID, "")
	path := filepath.Join(t.TempDir(), "nested", "session_id")

	first, err := (&Local{Store: &memStore{}, StatePath: path}).GetOrCreateSession(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first.ID, strings.TrimSpace(string(data)))

	second, err := (&Local{Store: &memStore{}, StatePath: path}).GetOrCreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestStatic(t *testing.T) {
	s, err := Static{ID: "api"}.GetOrCreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "api", s.ID)

	_, err = Static{}.GetOrCreateSession(context.Background())
	assert.Error(t, err)
}

func TestHeartbeaterTicksUntilCancelled(t *testing.T) {
	store := &memStore{heartbeat: errors.New("transient")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Heartbeater{Store: store, SessionID: "s1", Interval: 5 * time.Millisecond}.Run(ctx)
	}()

	require.Eventually(t, func() bool { return store.count() >= 3 }, time.Second, 5*time.Millisecond,
		"heartbeat errors do not stop the loop")
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("heartbeater did not stop")
	}
}

func TestHeartbeaterRejectsZeroInterval(t *testing.T) {
	assert.Error(t, Heartbeater{Store: &memStore{}}.Run(context.Background()))
}
