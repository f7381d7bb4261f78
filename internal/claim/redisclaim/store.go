// Package redisclaim stores claims in Redis so sessions on different hosts
// share one view of who owns a work unit.
//
// Each unit has one hash holding the current claim. The key expires after the
// stale threshold, so a claim whose holder stops heartbeating disappears on
// its own. Released claims leave no history.
package redisclaim

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"phaseline/internal/claim"
	"phaseline/internal/domain"
)

const DefaultPrefix = "phaseline:claim:"

type Store struct {
	client     *redis.Client
	prefix     string
	staleAfter time.Duration
	now        func() time.Time
}

var _ claim.Store = (*Store)(nil)

// New returns a Store. staleAfter is the TTL applied on heartbeat.
func New(client *redis.Client, prefix string, staleAfter time.Duration) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if staleAfter <= 0 {
		staleAfter = claim.DefaultStaleAfter
	}
	return &Store{client: client, prefix: prefix, staleAfter: staleAfter, now: time.Now}
}

func (s *Store) key(workUnitID string) string {
	return s.prefix + workUnitID
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

var (
	// Returns {1} when created, {2} when refreshed, {0, holder fields...} when held.
	acquireLua = redis.NewScript(`
local key = KEYS[1]
local session = ARGV[1]
local host = ARGV[2]
local now = ARGV[3]
local ttlms = tonumber(ARGV[4])

local cur = redis.call('HGET', key, 'session_id')
if not cur then
	redis.call('HSET', key, 'session_id', session, 'hostname', host, 'claimed_at', now, 'heartbeat_at', now)
	redis.call('PEXPIRE', key, ttlms)
	redis.call('SADD', KEYS[2], ARGV[5])
	return {1}
end
if cur == session then
	redis.call('HSET', key, 'heartbeat_at', now)
	redis.call('PEXPIRE', key, ttlms)
	return {2}
end
return {0, cur, redis.call('HGET', key, 'hostname') or '', redis.call('HGET', key, 'claimed_at') or '', redis.call('HGET', key, 'heartbeat_at') or ''}
`)

	// Returns 1 if refreshed, 0 otherwise.
	heartbeatLua = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'session_id') == ARGV[1] then
	redis.call('HSET', key, 'heartbeat_at', ARGV[2])
	redis.call('PEXPIRE', key, tonumber(ARGV[3]))
	return 1
end
return 0
`)

	// Returns 1 if released, 0 otherwise.
	releaseLua = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'session_id') == ARGV[1] then
	redis.call('DEL', key)
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)
)

func (s *Store) UnreleasedClaims(ctx context.Context, workUnitID string) ([]domain.Claim, error) {
	fields, err := s.client.HGetAll(ctx, s.key(workUnitID)).Result()
	if err != nil {
		return nil, err
	}
	if fields["session_id"] == "" {
		return nil, nil
	}
	return []domain.Claim{{
		ID:          workUnitID + ":" + fields["session_id"],
		WorkUnitID:  workUnitID,
		SessionID:   fields["session_id"],
		Hostname:    fields["hostname"],
		ClaimedAt:   fields["claimed_at"],
		HeartbeatAt: fields["heartbeat_at"],
	}}, nil
}

func (s *Store) AcquireClaim(ctx context.Context, workUnitID, sessionID, hostname string, staleAfter time.Duration) (domain.Claim, error) {
	if sessionID == "" {
		return domain.Claim{}, errors.New("session id is required")
	}
	if staleAfter <= 0 {
		staleAfter = s.staleAfter
	}
	now := domain.FormatTime(s.now())
	raw, err := acquireLua.Run(ctx, s.client, []string{s.key(workUnitID), s.sessionKey(sessionID)},
		sessionID, hostname, now, staleAfter.Milliseconds(), workUnitID).Slice()
	if err != nil {
		return domain.Claim{}, err
	}
	if len(raw) == 0 {
		return domain.Claim{}, errors.New("redisclaim: empty acquire reply")
	}
	switch code, _ := raw[0].(int64); code {
	case 1, 2:
		claims, err := s.UnreleasedClaims(ctx, workUnitID)
		if err != nil {
			return domain.Claim{}, err
		}
		if len(claims) == 0 {
			return domain.Claim{}, errors.New("redisclaim: claim vanished after acquire")
		}
		return claims[0], nil
	default:
		holder := domain.Claim{WorkUnitID: workUnitID}
		vals := make([]string, 4)
		for i := range vals {
			if i+1 < len(raw) {
				vals[i], _ = raw[i+1].(string)
			}
		}
		holder.SessionID, holder.Hostname, holder.ClaimedAt, holder.HeartbeatAt = vals[0], vals[1], vals[2], vals[3]
		holder.ID = workUnitID + ":" + holder.SessionID
		return domain.Claim{}, &claim.HeldError{Holder: holder}
	}
}

func (s *Store) HeartbeatClaim(ctx context.Context, workUnitID, sessionID string) error {
	n, err := heartbeatLua.Run(ctx, s.client, []string{s.key(workUnitID)},
		sessionID, domain.FormatTime(s.now()), s.staleAfter.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return claim.ErrNotHeld
	}
	return nil
}

func (s *Store) ReleaseClaim(ctx context.Context, workUnitID, sessionID string) error {
	n, err := releaseLua.Run(ctx, s.client, []string{s.key(workUnitID), s.sessionKey(sessionID)}, sessionID, workUnitID).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return claim.ErrNotHeld
	}
	return nil
}

// HeartbeatSession refreshes every claim the session still holds and forgets
// units it lost.
func (s *Store) HeartbeatSession(ctx context.Context, sessionID string) (int64, error) {
	units, err := s.client.SMembers(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range units {
		err := s.HeartbeatClaim(ctx, id, sessionID)
		switch {
		case errors.Is(err, claim.ErrNotHeld):
			if err := s.client.SRem(ctx, s.sessionKey(sessionID), id).Err(); err != nil {
				return n, err
			}
		case err != nil:
			return n, err
		default:
			n++
		}
	}
	return n, nil
}
