package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/jacksonlee411/payroll-console/internal/routing"
	"github.com/jacksonlee411/payroll-console/pkg/navigation"
	"go.uber.org/zap"
)

type sessionCtxKey struct{}

func withSessionValue(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, s)
}

func currentSession(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionCtxKey{}).(Session)
	return s, ok
}

// withNavigation loads the session behind the sid cookie and applies the
// route's guard mode. UI routes are redirected; JSON routes get 401 when the
// token is absent and 409 when the working context is incomplete.
func (c *console) withNavigation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := c.classifier.Classify(path)
		if rc == routing.RouteClassStatic || rc == routing.RouteClassOps {
			next.ServeHTTP(w, r)
			return
		}

		var state navigation.State
		if sid, ok := readSID(r); ok {
			sess, found, err := c.sessions.Lookup(r.Context(), sid)
			if err != nil {
				c.logger.Error("session lookup failed", zap.Error(err), zap.String("request_id", requestIDFrom(r.Context())))
				routing.WriteError(w, r, rc, http.StatusInternalServerError, "session_lookup_error", "session lookup error")
				return
			}
			switch {
			case !found:
				clearSIDCookie(w)
			case !sess.State(c.now()).HasToken():
				// The upstream token expired; the session ends with it.
				_ = c.sessions.Revoke(r.Context(), sess.ID)
				clearSIDCookie(w)
			default:
				state = sess.State(c.now())
				r = r.WithContext(withSessionValue(r.Context(), sess))
			}
		}

		mode := c.classifier.Guard(path)
		var d navigation.Decision
		switch mode {
		case routing.GuardNone:
			next.ServeHTTP(w, r)
			return
		case routing.GuardSession:
			d = navigation.Guard(state, false)
		case routing.GuardContext:
			d = navigation.Guard(state, true)
		default:
			d = navigation.ResolveHome(state)
		}
		c.metrics.navDecisions.WithLabelValues(string(mode), d.String()).Inc()

		if d.Renders() {
			next.ServeHTTP(w, r)
			return
		}

		c.logger.Debug("navigation redirect",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", path),
			zap.String("guard", string(mode)),
			zap.String("target", d.Target),
		)

		if routing.IsJSONOnly(rc) {
			if d.Target == navigation.PathLogin {
				routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			routing.WriteErrorDetail(w, r, rc, http.StatusConflict, "context_required", "working context required",
				"missing: "+strings.Join(state.Context.Missing(), ", "))
			return
		}
		http.Redirect(w, r, d.Target, http.StatusFound)
	})
}

// dropSession ends the current session after the upstream rejected its token.
func (c *console) dropSession(w http.ResponseWriter, r *http.Request) {
	if sess, ok := currentSession(r.Context()); ok {
		if err := c.sessions.Revoke(r.Context(), sess.ID); err != nil {
			c.logger.Warn("session revoke failed", zap.Error(err))
		}
	}
	clearSIDCookie(w)
}

// homeHandler serves "/" and unknown UI paths when the middleware is
// bypassed; the decision is the same smart-home resolution.
func (c *console) homeHandler(w http.ResponseWriter, r *http.Request) {
	var state navigation.State
	if sess, ok := currentSession(r.Context()); ok {
		state = sess.State(c.now())
	}
	d := navigation.ResolveHome(state)
	http.Redirect(w, r, d.Target, http.StatusFound)
}
