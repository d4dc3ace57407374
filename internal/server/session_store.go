package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jacksonlee411/payroll-console/modules/upstream"
	"github.com/jacksonlee411/payroll-console/pkg/navigation"
)

const sidCookieName = "sid"

var sidRandReader io.Reader = rand.Reader

var errSessionNotFound = errors.New("server: session not found")

// Session is the server-side half of the sid cookie: the upstream token the
// console forwards, the role it was issued for, and the working context.
type Session struct {
	ID        string
	Token     string
	Role      string
	Context   navigation.WorkingContext
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// State is the navigation view of the session at now. A token the upstream
// would reject as expired is reported as absent.
func (s Session) State(now time.Time) navigation.State {
	st := navigation.State{Context: s.Context}
	if upstream.TokenPresent(s.Token, now) {
		st.Token = s.Token
	}
	return st
}

type sessionStore interface {
	Create(ctx context.Context, token string, role string, expiresAt time.Time) (sid string, err error)
	Lookup(ctx context.Context, sid string) (Session, bool, error)
	// SetContext replaces the working context and keeps the token. The zero
	// context clears the selection.
	SetContext(ctx context.Context, sid string, wc navigation.WorkingContext) error
	Revoke(ctx context.Context, sid string) error
}

func sidTTLFromEnv() time.Duration {
	const defaultHours = 24 * 14

	v := os.Getenv("SID_TTL_HOURS")
	if v == "" {
		return time.Hour * defaultHours
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return time.Hour * defaultHours
	}
	return time.Hour * time.Duration(n)
}

func newSID() (sid string, tokenSha256 []byte, err error) {
	var b [32]byte
	if _, err := sidRandReader.Read(b[:]); err != nil {
		return "", nil, err
	}
	sid = base64.RawURLEncoding.EncodeToString(b[:])
	sum := sha256.Sum256([]byte(sid))
	return sid, sum[:], nil
}

func readSID(r *http.Request) (string, bool) {
	c, err := r.Cookie(sidCookieName)
	if err != nil {
		return "", false
	}
	if c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func setSIDCookie(w http.ResponseWriter, r *http.Request, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sidCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSIDCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sidCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type memorySessionStore struct {
	mu    sync.Mutex
	bySID map[string]Session
	now   func() time.Time
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{
		bySID: map[string]Session{},
		now:   time.Now,
	}
}

func (s *memorySessionStore) Create(_ context.Context, token string, role string, expiresAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, _, err := newSID()
	if err != nil {
		return "", err
	}
	s.bySID[sid] = Session{
		ID:        sid,
		Token:     token,
		Role:      role,
		ExpiresAt: expiresAt,
	}
	return sid, nil
}

func (s *memorySessionStore) Lookup(_ context.Context, sid string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.bySID[sid]
	if !ok {
		return Session{}, false, nil
	}
	if s.now().After(v.ExpiresAt) {
		delete(s.bySID, sid)
		return Session{}, false, nil
	}
	if v.RevokedAt != nil {
		return Session{}, false, nil
	}
	return v, true, nil
}

func (s *memorySessionStore) SetContext(_ context.Context, sid string, wc navigation.WorkingContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.bySID[sid]
	if !ok || v.RevokedAt != nil || s.now().After(v.ExpiresAt) {
		return errSessionNotFound
	}
	v.Context = wc
	s.bySID[sid] = v
	return nil
}

// Revoke marks the session revoked; the entry is dropped once it expires.
func (s *memorySessionStore) Revoke(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.bySID[sid]
	if !ok || v.RevokedAt != nil {
		return nil
	}
	now := s.now()
	v.RevokedAt = &now
	s.bySID[sid] = v
	return nil
}

type queryExecer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const sessionTableDDL = `
CREATE SCHEMA IF NOT EXISTS console;
CREATE TABLE IF NOT EXISTS console.sessions (
  token_sha256 bytea PRIMARY KEY,
  upstream_token text NOT NULL,
  role text NOT NULL DEFAULT '',
  company_id bigint NOT NULL DEFAULT 0,
  payroll_run_id bigint NOT NULL DEFAULT 0,
  period_year integer NOT NULL DEFAULT 0,
  period_month integer NOT NULL DEFAULT 0,
  period_sequence integer NOT NULL DEFAULT 0,
  expires_at timestamptz NOT NULL,
  revoked_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sessions_expires_at_idx ON console.sessions (expires_at);
`

type pgSessionStore struct {
	q   queryExecer
	now func() time.Time
}

func newPGSessionStore(pool *pgxpool.Pool) *pgSessionStore {
	return &pgSessionStore{q: pool, now: time.Now}
}

func (s *pgSessionStore) Create(ctx context.Context, token string, role string, expiresAt time.Time) (string, error) {
	sid, tokenSha256, err := newSID()
	if err != nil {
		return "", err
	}
	_, err = s.q.Exec(ctx, `
INSERT INTO console.sessions (token_sha256, upstream_token, role, expires_at)
VALUES ($1, $2, $3, $4);
`, tokenSha256, token, role, expiresAt)
	if err != nil {
		return "", err
	}
	return sid, nil
}

func (s *pgSessionStore) Lookup(ctx context.Context, sid string) (Session, bool, error) {
	sum := sha256.Sum256([]byte(sid))
	out := Session{ID: sid}
	var revokedAt *time.Time
	err := s.q.QueryRow(ctx, `
SELECT upstream_token, role, company_id, payroll_run_id, period_year, period_month, period_sequence, expires_at, revoked_at
FROM console.sessions
WHERE token_sha256 = $1;
	`, sum[:]).Scan(
		&out.Token,
		&out.Role,
		&out.Context.CompanyID,
		&out.Context.PayrollRunID,
		&out.Context.Period.Year,
		&out.Context.Period.Month,
		&out.Context.Period.Sequence,
		&out.ExpiresAt,
		&revokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	out.RevokedAt = revokedAt
	if out.RevokedAt != nil {
		return Session{}, false, nil
	}
	if s.now().After(out.ExpiresAt) {
		return Session{}, false, nil
	}
	return out, true, nil
}

func (s *pgSessionStore) SetContext(ctx context.Context, sid string, wc navigation.WorkingContext) error {
	sum := sha256.Sum256([]byte(sid))
	tag, err := s.q.Exec(ctx, `
UPDATE console.sessions SET
  company_id = $2,
  payroll_run_id = $3,
  period_year = $4,
  period_month = $5,
  period_sequence = $6,
  updated_at = now()
WHERE token_sha256 = $1 AND revoked_at IS NULL AND expires_at > now();
`, sum[:], wc.CompanyID, wc.PayrollRunID, wc.Period.Year, wc.Period.Month, wc.Period.Sequence)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errSessionNotFound
	}
	return nil
}

func (s *pgSessionStore) Revoke(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(sid))
	_, err := s.q.Exec(ctx, `
UPDATE console.sessions SET revoked_at = now(), updated_at = now()
WHERE token_sha256 = $1 AND revoked_at IS NULL;
`, sum[:])
	return err
}

// MigrateSessionStore creates the PG session table at the DSN taken from the
// environment.
func MigrateSessionStore(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, dbDSNFromEnv())
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(ctx) }()

	_, err = conn.Exec(ctx, sessionTableDDL)
	return err
}
