package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/jacksonlee411/payroll-console/pkg/navigation"
	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "console:sess:"
	// redisWatchRetries bounds optimistic retries when a concurrent write
	// touches the session key between WATCH and EXEC.
	redisWatchRetries = 5
)

type redisSessionRecord struct {
	Token     string                    `json:"token"`
	Role      string                    `json:"role"`
	Context   navigation.WorkingContext `json:"context"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

// redisSessionStore keeps one JSON blob per session, keyed by the sha256 of
// the sid, expiring with the session.
type redisSessionStore struct {
	rdb redis.UniversalClient
	now func() time.Time

	// afterRead runs inside the WATCH transaction once the blob is read.
	afterRead func(ctx context.Context, key string)
}

func newRedisSessionStore(rdb redis.UniversalClient) *redisSessionStore {
	return &redisSessionStore{rdb: rdb, now: time.Now}
}

func (s *redisSessionStore) key(sid string) string {
	sum := sha256.Sum256([]byte(sid))
	return redisSessionPrefix + hex.EncodeToString(sum[:])
}

func (s *redisSessionStore) Create(ctx context.Context, token string, role string, expiresAt time.Time) (string, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return "", errors.New("server: session already expired")
	}
	sid, _, err := newSID()
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(redisSessionRecord{Token: token, Role: role, ExpiresAt: expiresAt})
	if err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, s.key(sid), b, ttl).Err(); err != nil {
		return "", err
	}
	return sid, nil
}

func (s *redisSessionStore) Lookup(ctx context.Context, sid string) (Session, bool, error) {
	b, err := s.rdb.Get(ctx, s.key(sid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	var rec redisSessionRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return Session{}, false, err
	}
	if s.now().After(rec.ExpiresAt) {
		return Session{}, false, nil
	}
	return Session{
		ID:        sid,
		Token:     rec.Token,
		Role:      rec.Role,
		Context:   rec.Context,
		ExpiresAt: rec.ExpiresAt,
	}, true, nil
}

func (s *redisSessionStore) SetContext(ctx context.Context, sid string, wc navigation.WorkingContext) error {
	key := s.key(sid)
	var err error
	for range redisWatchRetries {
		err = s.rdb.Watch(ctx, s.setContextTx(ctx, key, wc), key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *redisSessionStore) setContextTx(ctx context.Context, key string, wc navigation.WorkingContext) func(tx *redis.Tx) error {
	return func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return errSessionNotFound
			}
			return err
		}
		var rec redisSessionRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			return err
		}
		if s.afterRead != nil {
			s.afterRead(ctx, key)
		}
		ttl := rec.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return errSessionNotFound
		}
		rec.Context = wc
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, ttl)
			return nil
		})
		return err
	}
}

func (s *redisSessionStore) Revoke(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	return s.rdb.Del(ctx, s.key(sid)).Err()
}
