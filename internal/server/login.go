package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jacksonlee411/payroll-console/internal/routing"
	"github.com/jacksonlee411/payroll-console/modules/upstream"
	"go.uber.org/zap"
)

var errInvalidCredentials = errors.New("server: invalid credentials")

// authenticate exchanges credentials for an upstream token. Rejections by the
// API come back wrapped in errInvalidCredentials with the upstream error kept
// in the chain.
func (c *console) authenticate(ctx context.Context, email string, password string) (upstream.LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	res, err := c.upstream.Login(ctx, email, password)
	if err != nil {
		switch upstream.StatusOf(err) {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
			return upstream.LoginResult{}, fmt.Errorf("%w: %w", errInvalidCredentials, err)
		}
		return upstream.LoginResult{}, err
	}
	res.Role = strings.ToLower(strings.TrimSpace(res.Role))
	return res, nil
}

func (c *console) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	c.writePage(w, r, http.StatusOK, "Login", renderLoginForm("", ""))
}

func (c *console) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		c.writePage(w, r, http.StatusBadRequest, "Login", renderLoginForm("Invalid form", ""))
		return
	}
	email := strings.TrimSpace(r.PostForm.Get("email"))
	password := r.PostForm.Get("password")
	if email == "" || strings.TrimSpace(password) == "" {
		c.writePage(w, r, http.StatusUnprocessableEntity, "Login", renderLoginForm("Email and password are required", email))
		return
	}

	res, err := c.authenticate(r.Context(), email, password)
	if err != nil {
		if errors.Is(err, errInvalidCredentials) {
			msg := "Invalid credentials"
			var he *upstream.HTTPError
			if errors.As(err, &he) && he.Detail != "" {
				msg = he.Detail
			}
			c.writePage(w, r, http.StatusUnprocessableEntity, "Login", renderLoginForm(msg, email))
			return
		}
		c.logger.Warn("upstream login failed", zap.Error(err), zap.String("request_id", requestIDFrom(r.Context())))
		c.writePage(w, r, http.StatusBadGateway, "Login", renderLoginForm("Payroll API unavailable: "+upstream.DetailOf(err), email))
		return
	}

	if sess, ok := currentSession(r.Context()); ok {
		_ = c.sessions.Revoke(r.Context(), sess.ID)
	}
	sid, err := c.sessions.Create(r.Context(), res.Token, res.Role, c.now().Add(sidTTLFromEnv()))
	if err != nil {
		c.logger.Error("session create failed", zap.Error(err))
		routing.WriteError(w, r, routing.RouteClassAuthn, http.StatusInternalServerError, "session_error", "session error")
		return
	}
	setSIDCookie(w, r, sid)
	c.logger.Info("login",
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("role", res.Role),
	)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (c *console) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess, ok := currentSession(r.Context()); ok {
		if err := c.sessions.Revoke(r.Context(), sess.ID); err != nil {
			c.logger.Warn("session revoke failed", zap.Error(err))
		}
	}
	clearSIDCookie(w)
	http.Redirect(w, r, "/login", http.StatusFound)
}
