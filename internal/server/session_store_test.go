package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jacksonlee411/payroll-console/pkg/navigation"
)

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, os.ErrInvalid }

type scanRow struct {
	scan func(dest ...any) error
}

func (r scanRow) Scan(dest ...any) error { return r.scan(dest...) }

type stubQ struct {
	row     pgx.Row
	rowErr  error
	execErr error
	tag     pgconn.CommandTag
	execSQL []string
}

func (s *stubQ) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if s.rowErr != nil {
		return scanRow{scan: func(_ ...any) error { return s.rowErr }}
	}
	return s.row
}

func (s *stubQ) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	s.execSQL = append(s.execSQL, sql)
	if s.execErr != nil {
		return pgconn.CommandTag{}, s.execErr
	}
	return s.tag, nil
}

var completeContext = navigation.WorkingContext{
	CompanyID:    1,
	PayrollRunID: 2,
	Period:       navigation.Period{Year: 2024, Month: 3, Sequence: 1},
}

func TestSIDTTLFromEnv_DefaultAndOverride(t *testing.T) {
	t.Setenv("SID_TTL_HOURS", "")
	if got := sidTTLFromEnv(); got != 14*24*time.Hour {
		t.Fatalf("default ttl=%v", got)
	}

	t.Setenv("SID_TTL_HOURS", "1")
	if got := sidTTLFromEnv(); got != time.Hour {
		t.Fatalf("override ttl=%v", got)
	}

	t.Setenv("SID_TTL_HOURS", "bad")
	if got := sidTTLFromEnv(); got != 14*24*time.Hour {
		t.Fatalf("bad ttl=%v", got)
	}

	t.Setenv("SID_TTL_HOURS", "0")
	if got := sidTTLFromEnv(); got != 14*24*time.Hour {
		t.Fatalf("zero ttl=%v", got)
	}
}

func TestNewSID_SuccessAndError(t *testing.T) {
	old := sidRandReader
	t.Cleanup(func() { sidRandReader = old })

	sidRandReader = bytes.NewReader(bytes.Repeat([]byte{0xAB}, 64))
	sid, sum, err := newSID()
	if err != nil {
		t.Fatal(err)
	}
	if sid == "" {
		t.Fatal("empty sid")
	}
	if len(sum) != 32 {
		t.Fatalf("sha len=%d", len(sum))
	}

	sidRandReader = errReader{}
	if _, _, err := newSID(); err == nil {
		t.Fatal("expected error")
	}
}

func TestReadSID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := readSID(req); ok {
		t.Fatal("expected ok=false")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(&http.Cookie{Name: sidCookieName, Value: ""})
	if _, ok := readSID(req2); ok {
		t.Fatal("expected ok=false")
	}

	req3 := httptest.NewRequest(http.MethodGet, "/", nil)
	req3.AddCookie(&http.Cookie{Name: sidCookieName, Value: "x"})
	if got, ok := readSID(req3); !ok || got != "x" {
		t.Fatalf("sid=%q ok=%v", got, ok)
	}
}

func TestSIDCookieHelpers(t *testing.T) {
	t.Setenv("TRUST_PROXY", "")

	rec := httptest.NewRecorder()
	setSIDCookie(rec, httptest.NewRequest(http.MethodPost, "/login", nil), "abc")
	resp := rec.Result()
	defer resp.Body.Close()
	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == sidCookieName && c.Value == "abc" && c.HttpOnly && c.SameSite == http.SameSiteLaxMode && !c.Secure {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("sid cookie not set")
	}

	rec2 := httptest.NewRecorder()
	clearSIDCookie(rec2)
	resp2 := rec2.Result()
	defer resp2.Body.Close()
	found = false
	for _, c := range resp2.Cookies() {
		if c.Name == sidCookieName && c.MaxAge < 0 {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("sid cookie not cleared")
	}
}

func TestSession_State(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": now.Add(-time.Second).Unix()}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}

	s := Session{Token: "opaque", Context: completeContext}
	if st := s.State(now); st.Token != "opaque" || st.Context != completeContext {
		t.Fatalf("state=%+v", st)
	}

	s.Token = expired
	st := s.State(now)
	if st.HasToken() {
		t.Fatal("expired jwt must be absent")
	}
	if st.Context != completeContext {
		t.Fatalf("context=%+v", st.Context)
	}
}

func TestMemorySessionStore_Lifecycle(t *testing.T) {
	s := newMemorySessionStore()
	ctx := context.Background()

	sid, err := s.Create(ctx, "tok", "viewer", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Lookup(ctx, sid)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got.ID != sid || got.Token != "tok" || got.Role != "viewer" || !got.Context.IsZero() {
		t.Fatalf("session=%+v", got)
	}

	if err := s.SetContext(ctx, sid, completeContext); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.Lookup(ctx, sid)
	if got.Context != completeContext {
		t.Fatalf("context=%+v", got.Context)
	}

	if err := s.SetContext(ctx, sid, navigation.WorkingContext{}); err != nil {
		t.Fatal(err)
	}
	got, _, _ = s.Lookup(ctx, sid)
	if !got.Context.IsZero() || got.Token != "tok" {
		t.Fatalf("clearing context must keep token: %+v", got)
	}

	if err := s.SetContext(ctx, "missing", completeContext); !errors.Is(err, errSessionNotFound) {
		t.Fatalf("err=%v", err)
	}

	if err := s.Revoke(ctx, sid); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.Lookup(ctx, sid); err != nil || ok {
		t.Fatalf("revoked ok=%v err=%v", ok, err)
	}
	if v := s.bySID[sid]; v.RevokedAt == nil {
		t.Fatalf("revoke must stamp RevokedAt: %+v", v)
	}
	if err := s.SetContext(ctx, sid, completeContext); !errors.Is(err, errSessionNotFound) {
		t.Fatalf("set context on revoked err=%v", err)
	}
	first := *s.bySID[sid].RevokedAt
	if err := s.Revoke(ctx, sid); err != nil {
		t.Fatal(err)
	}
	if got := *s.bySID[sid].RevokedAt; !got.Equal(first) {
		t.Fatalf("second revoke moved RevokedAt: %v -> %v", first, got)
	}
	if err := s.Revoke(ctx, "missing"); err != nil {
		t.Fatal(err)
	}
}

func TestMemorySessionStore_RevokedOrExpired(t *testing.T) {
	old := sidRandReader
	t.Cleanup(func() { sidRandReader = old })

	s := newMemorySessionStore()
	ctx := context.Background()

	sidRandReader = errReader{}
	if _, err := s.Create(ctx, "tok", "", time.Now().Add(time.Hour)); err == nil {
		t.Fatal("expected error")
	}

	sidRandReader = bytes.NewReader(bytes.Repeat([]byte{0xAA}, 64))
	sid, err := s.Create(ctx, "tok", "", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}

	revokedAt := time.Now()
	s.bySID[sid] = Session{ID: sid, Token: "tok", ExpiresAt: time.Now().Add(time.Hour), RevokedAt: &revokedAt}
	if _, ok, err := s.Lookup(ctx, sid); err != nil || ok {
		t.Fatalf("revoked ok=%v err=%v", ok, err)
	}

	s.bySID[sid] = Session{ID: sid, Token: "tok", ExpiresAt: time.Now().Add(-time.Hour)}
	if err := s.SetContext(ctx, sid, completeContext); !errors.Is(err, errSessionNotFound) {
		t.Fatalf("err=%v", err)
	}
	if _, ok, err := s.Lookup(ctx, sid); err != nil || ok {
		t.Fatalf("expired ok=%v err=%v", ok, err)
	}
	if _, exists := s.bySID[sid]; exists {
		t.Fatal("expired session should be dropped on lookup")
	}
}

func TestPGSessionStore_CreateLookupRevoke(t *testing.T) {
	old := sidRandReader
	t.Cleanup(func() { sidRandReader = old })
	sidRandReader = bytes.NewReader(bytes.Repeat([]byte{0xCD}, 64))

	q := &stubQ{}
	s := &pgSessionStore{q: q, now: time.Now}
	ctx := context.Background()

	sid, err := s.Create(ctx, "tok", "operator", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sid == "" {
		t.Fatal("empty sid")
	}

	q.execErr = os.ErrInvalid
	if _, err := s.Create(ctx, "tok", "operator", time.Now().Add(time.Hour)); err == nil {
		t.Fatal("expected error")
	}
	q.execErr = nil

	expiresAt := time.Now().Add(time.Hour)
	q.row = scanRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "tok"
		*(dest[1].(*string)) = "operator"
		*(dest[2].(*int64)) = 1
		*(dest[3].(*int64)) = 2
		*(dest[4].(*int)) = 2024
		*(dest[5].(*int)) = 3
		*(dest[6].(*int)) = 1
		*(dest[7].(*time.Time)) = expiresAt
		*(dest[8].(**time.Time)) = nil
		return nil
	}}
	got, ok, err := s.Lookup(ctx, sid)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got.ID != sid || got.Token != "tok" || got.Context != completeContext {
		t.Fatalf("session=%+v", got)
	}

	revokedAt := time.Now()
	q.row = scanRow{scan: func(dest ...any) error {
		*(dest[7].(*time.Time)) = expiresAt
		*(dest[8].(**time.Time)) = &revokedAt
		return nil
	}}
	if _, ok, err := s.Lookup(ctx, sid); err != nil || ok {
		t.Fatalf("revoked ok=%v err=%v", ok, err)
	}

	q.row = scanRow{scan: func(dest ...any) error {
		*(dest[7].(*time.Time)) = time.Now().Add(-time.Minute)
		*(dest[8].(**time.Time)) = nil
		return nil
	}}
	if _, ok, err := s.Lookup(ctx, sid); err != nil || ok {
		t.Fatalf("expired ok=%v err=%v", ok, err)
	}

	q.rowErr = pgx.ErrNoRows
	if _, ok, err := s.Lookup(ctx, sid); err != nil || ok {
		t.Fatalf("no rows ok=%v err=%v", ok, err)
	}
	q.rowErr = context.Canceled
	if _, _, err := s.Lookup(ctx, sid); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	q.rowErr = nil

	if err := s.Revoke(ctx, ""); err != nil {
		t.Fatal(err)
	}
	q.execSQL = nil
	if err := s.Revoke(ctx, sid); err != nil {
		t.Fatal(err)
	}
	if len(q.execSQL) != 1 || !strings.Contains(q.execSQL[0], "SET revoked_at = now()") || strings.Contains(q.execSQL[0], "DELETE") {
		t.Fatalf("revoke sql=%q", q.execSQL)
	}
}

func TestPGSessionStore_SetContext(t *testing.T) {
	q := &stubQ{}
	s := &pgSessionStore{q: q, now: time.Now}
	ctx := context.Background()

	if err := s.SetContext(ctx, "sid", completeContext); !errors.Is(err, errSessionNotFound) {
		t.Fatalf("err=%v", err)
	}

	q.tag = pgconn.NewCommandTag("UPDATE 1")
	if err := s.SetContext(ctx, "sid", completeContext); err != nil {
		t.Fatal(err)
	}

	q.execErr = os.ErrInvalid
	if err := s.SetContext(ctx, "sid", completeContext); !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("err=%v", err)
	}
}
