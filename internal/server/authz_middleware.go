package server

import (
	"net/http"
	"os"
	"strings"

	"github.com/jacksonlee411/payroll-console/internal/routing"
	"github.com/jacksonlee411/payroll-console/pkg/authz"
	"go.uber.org/zap"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := findConfigFile("config/access/model.conf", "authz model")
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := findConfigFile("config/access/policy.csv", "authz policy")
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

type authorizer interface {
	Authorize(subject string, object string, action string) (allowed bool, enforced bool, err error)
}

// withAuthz checks the session role against the policy for reports and
// entity screens. It runs after withNavigation, so a session is present
// whenever a requirement applies.
func withAuthz(classifier *routing.Classifier, catalog *entityCatalog, a authorizer, logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		object, action, shouldCheck := authzRequirementForRoute(catalog, r.Method, r.URL.Path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}
		rc := classifier.Classify(r.URL.Path)

		role := ""
		if sess, ok := currentSession(r.Context()); ok {
			role = sess.Role
		}
		subject := authz.SubjectFromRole(role)

		allowed, enforced, err := a.Authorize(subject, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if !allowed {
			logger.Info("authz denied",
				zap.String("request_id", requestIDFrom(r.Context())),
				zap.String("subject", subject),
				zap.String("object", object),
				zap.String("action", action),
				zap.Bool("enforced", enforced),
			)
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authzRequirementForRoute(catalog *entityCatalog, method string, path string) (object string, action string, ok bool) {
	switch path {
	case "/dashboard", routing.APIPrefix + "/dashboard":
		return authz.ObjectReportDashboard, authz.ActionRead, true
	case "/reports/payroll", routing.APIPrefix + "/reports/payroll":
		return authz.ObjectReportPayroll, authz.ActionRead, true
	}

	var key string
	if routing.HasPrefixSegment(path, routing.APIPrefix) {
		rest := strings.Trim(strings.TrimPrefix(path, routing.APIPrefix), "/")
		key, _, _ = strings.Cut(rest, "/")
	} else {
		key = strings.Trim(path, "/")
		if strings.Contains(key, "/") {
			return "", "", false
		}
	}
	if _, found := catalog.Get(key); !found {
		return "", "", false
	}
	return authz.ObjectForEntity(key), authz.ActionForMethod(method), true
}

// canWrite tells the screens whether to offer create/update/delete forms.
func (c *console) canWrite(r *http.Request, key string) bool {
	role := ""
	if sess, ok := currentSession(r.Context()); ok {
		role = sess.Role
	}
	allowed, enforced, err := c.authz.Authorize(authz.SubjectFromRole(role), authz.ObjectForEntity(key), authz.ActionAdmin)
	if err != nil {
		return false
	}
	return allowed || !enforced
}
