// Command apistub serves an in-memory payroll REST API for local runs and
// end-to-end checks of the console.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

type user struct {
	Password string
	Role     string
}

type api struct {
	store    *store
	users    map[string]user
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

func main() {
	addr := getenvDefault("APISTUB_ADDR", "127.0.0.1:8000")

	a := newAPI(getenvDefault("APISTUB_JWT_SECRET", "apistub-dev-secret"))
	a.store.seed()

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("apistub: listening on %s", addr)
	if err := listenAndServe(srv); err != nil {
		log.Printf("apistub: server error: %v", err)
	}
	_ = srv.Shutdown(context.Background())
}

func newAPI(secret string) *api {
	return &api{
		store: newStore(),
		users: map[string]user{
			"operator@example.com": {Password: "operator", Role: "operator"},
			"viewer@example.com":   {Password: "viewer", Role: "viewer"},
			"admin@example.com":    {Password: "admin", Role: "admin"},
		},
		secret:   []byte(secret),
		tokenTTL: 8 * time.Hour,
		now:      time.Now,
	}
}

func (a *api) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health/ready", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)

	base := r.PathPrefix("/api").Subrouter()
	base.HandleFunc("/auth/login", a.login).Methods(http.MethodPost)

	authed := base.NewRoute().Subrouter()
	authed.Use(a.requireToken)
	authed.HandleFunc("/reports/payroll-summary", a.payrollSummary).Methods(http.MethodGet)
	authed.HandleFunc("/{resource}", a.listRecords).Methods(http.MethodGet)
	authed.HandleFunc("/{resource}", a.createRecord).Methods(http.MethodPost)
	authed.HandleFunc("/{resource}/{id:[0-9]+}", a.getRecord).Methods(http.MethodGet)
	authed.HandleFunc("/{resource}/{id:[0-9]+}", a.updateRecord).Methods(http.MethodPut, http.MethodPatch)
	authed.HandleFunc("/{resource}/{id:[0-9]+}", a.deleteRecord).Methods(http.MethodDelete)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	u, ok := a.users[email]
	if !ok || u.Password != req.Password {
		writeDetail(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	now := a.now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
	}).SignedString(a.secret)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "token error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": u.Role})
}

type roleCtxKey struct{}

func (a *api) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeDetail(w, http.StatusUnauthorized, "authentication credentials were not provided")
			return
		}
		var c claims
		_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) { return a.secret, nil },
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(a.now),
		)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "token is invalid or expired")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), roleCtxKey{}, c.Role)))
	})
}

func canWrite(r *http.Request) bool {
	role, _ := r.Context().Value(roleCtxKey{}).(string)
	return role != "viewer"
}

func (a *api) resource(w http.ResponseWriter, r *http.Request) (string, bool) {
	res := mux.Vars(r)["resource"]
	if !a.store.known(res) {
		writeDetail(w, http.StatusNotFound, "not found")
		return "", false
	}
	return res, true
}

func recordID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func queryFilters(r *http.Request) map[string]string {
	out := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 && v[0] != "" {
			out[k] = v[0]
		}
	}
	return out
}

func decodeBody(r *http.Request) (record, error) {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var rec record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("empty body")
	}
	return rec, nil
}

func (a *api) listRecords(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.store.list(res, queryFilters(r)))
}

func (a *api) getRecord(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	rec, ok := a.store.get(res, recordID(r))
	if !ok {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) createRecord(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	if !canWrite(r) {
		writeDetail(w, http.StatusForbidden, "you do not have permission to perform this action")
		return
	}
	rec, err := decodeBody(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}
	if name, ok := rec["name"].(string); ok && strings.TrimSpace(name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"name": {"This field may not be blank."}})
		return
	}
	writeJSON(w, http.StatusCreated, a.store.insert(res, rec))
}

func (a *api) updateRecord(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	if !canWrite(r) {
		writeDetail(w, http.StatusForbidden, "you do not have permission to perform this action")
		return
	}
	patch, err := decodeBody(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid json")
		return
	}
	rec, ok := a.store.update(res, recordID(r), patch)
	if !ok {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) deleteRecord(w http.ResponseWriter, r *http.Request) {
	res, ok := a.resource(w, r)
	if !ok {
		return
	}
	if !canWrite(r) {
		writeDetail(w, http.StatusForbidden, "you do not have permission to perform this action")
		return
	}
	if !a.store.delete(res, recordID(r)) {
		writeDetail(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) payrollSummary(w http.ResponseWriter, r *http.Request) {
	filters := queryFilters(r)
	for _, k := range []string{"company_id", "payroll_run_id", "year", "month", "sequence"} {
		if filters[k] == "" {
			writeDetail(w, http.StatusBadRequest, k+" is required")
			return
		}
	}
	writeJSON(w, http.StatusOK, a.store.summary(filters))
}

func listenAndServe(srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func getenvDefault(key string, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
