package server

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jacksonlee411/payroll-console/internal/routing"
	"github.com/jacksonlee411/payroll-console/modules/upstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

//go:embed assets/*
var embeddedAssets embed.FS

const defaultUpstreamURL = "http://127.0.0.1:8000/api"

// upstreamAPI is the part of the payroll REST API the console uses.
type upstreamAPI interface {
	Login(ctx context.Context, email string, password string) (upstream.LoginResult, error)
	List(ctx context.Context, token string, resource string, query url.Values) ([]upstream.Record, error)
	Get(ctx context.Context, token string, resource string, id string) (upstream.Record, error)
	Create(ctx context.Context, token string, resource string, body upstream.Record) (upstream.Record, error)
	Update(ctx context.Context, token string, resource string, id string, body upstream.Record) (upstream.Record, error)
	Delete(ctx context.Context, token string, resource string, id string) error
	GetJSON(ctx context.Context, token string, path string, query url.Values, out any) error
}

type HandlerOptions struct {
	SessionStore sessionStore
	Upstream     upstreamAPI
	Authorizer   authorizer
	Logger       *zap.Logger
	Now          func() time.Time
}

type console struct {
	classifier *routing.Classifier
	catalog    *entityCatalog
	sessions   sessionStore
	upstream   upstreamAPI
	authz      authorizer
	logger     *zap.Logger
	metrics    *consoleMetrics
	now        func() time.Time
}

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath, err := AllowlistPath()
	if err != nil {
		return nil, err
	}
	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	catalogPath := os.Getenv("ENTITY_CATALOG_PATH")
	if catalogPath == "" {
		p, err := defaultEntityCatalogPath()
		if err != nil {
			return nil, err
		}
		catalogPath = p
	}
	catalog, err := loadEntityCatalog(catalogPath)
	if err != nil {
		return nil, err
	}
	if err := checkCatalogRoutes(catalog, classifier); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := newConsoleMetrics()

	sessions := opts.SessionStore
	if sessions == nil {
		s, err := newSessionStoreFromEnv()
		if err != nil {
			return nil, err
		}
		sessions = s
	}

	up := opts.Upstream
	if up == nil {
		client, err := upstream.New(getenvDefault("UPSTREAM_API_URL", defaultUpstreamURL), upstream.WithObserver(metrics.ObserveUpstream))
		if err != nil {
			return nil, err
		}
		logger.Info("upstream configured", zap.String("base_url", client.BaseURL()))
		up = client
	}

	authorizer := opts.Authorizer
	if authorizer == nil {
		a, err := loadAuthorizer()
		if err != nil {
			return nil, err
		}
		authorizer = a
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &console{
		classifier: classifier,
		catalog:    catalog,
		sessions:   sessions,
		upstream:   up,
		authz:      authorizer,
		logger:     logger,
		metrics:    metrics,
		now:        now,
	}

	router := routing.NewRouter(classifier)
	router.OnPanic(func(r *http.Request, rec any, stack []byte) {
		logger.Error("handler panic",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Any("panic", rec),
			zap.ByteString("stack", stack),
		)
	})
	router.NotFound(routing.RouteClassUI, http.HandlerFunc(c.homeHandler))
	c.registerRoutes(router)

	assetsSub, _ := fs.Sub(embeddedAssets, "assets")

	guarded := c.withNavigation(withAuthz(classifier, catalog, authorizer, logger, router))

	mux := http.NewServeMux()
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assetsSub))))
	mux.Handle("/", guarded)

	return withAccessLog(classifier, logger, metrics, mux), nil
}

func (c *console) registerRoutes(router *routing.Router) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", ok)
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", ok)
	router.Handle(routing.RouteClassOps, http.MethodGet, "/metrics", c.metrics.Handler())

	router.Handle(routing.RouteClassAuthn, http.MethodGet, "/login", http.HandlerFunc(c.handleLoginPage))
	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/login", http.HandlerFunc(c.handleLogin))
	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/logout", http.HandlerFunc(c.handleLogout))

	router.Handle(routing.RouteClassUI, http.MethodGet, "/", http.HandlerFunc(c.homeHandler))
	router.Handle(routing.RouteClassUI, http.MethodGet, "/context", http.HandlerFunc(c.handleContextPage))
	router.Handle(routing.RouteClassUI, http.MethodPost, "/context", http.HandlerFunc(c.handleContextSubmit))
	router.Handle(routing.RouteClassUI, http.MethodPost, "/context/clear", http.HandlerFunc(c.handleContextClear))
	router.Handle(routing.RouteClassUI, http.MethodGet, "/dashboard", http.HandlerFunc(c.handleDashboard))
	router.Handle(routing.RouteClassUI, http.MethodGet, "/reports/payroll", http.HandlerFunc(c.handlePayrollReport))

	for i := range c.catalog.Entities {
		e := &c.catalog.Entities[i]
		router.Handle(routing.RouteClassUI, http.MethodGet, "/"+e.Key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.handleEntityPage(w, r, e)
		}))
		router.Handle(routing.RouteClassUI, http.MethodPost, "/"+e.Key, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.handleEntitySubmit(w, r, e)
		}))
	}

	api := routing.APIPrefix
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, api+"/session", http.HandlerFunc(c.handleSessionAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, api+"/context", http.HandlerFunc(c.handleContextAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPut, api+"/context", http.HandlerFunc(c.handleContextAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodDelete, api+"/context", http.HandlerFunc(c.handleContextAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, api+"/context/options", http.HandlerFunc(c.handleContextOptionsAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, api+"/dashboard", http.HandlerFunc(c.handleDashboardAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, api+"/reports/payroll", http.HandlerFunc(c.handlePayrollReportAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, api+"/{entity}", http.HandlerFunc(c.handleEntityCollectionAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, api+"/{entity}", http.HandlerFunc(c.handleEntityCollectionAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPut, api+"/{entity}/{id}", http.HandlerFunc(c.handleEntityItemAPI))
	router.Handle(routing.RouteClassInternalAPI, http.MethodDelete, api+"/{entity}/{id}", http.HandlerFunc(c.handleEntityItemAPI))
}

func newSessionStoreFromEnv() (sessionStore, error) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("SESSION_STORE"))) {
	case "", "memory":
		return newMemorySessionStore(), nil
	case "postgres", "pg":
		pool, err := pgxpool.New(context.Background(), dbDSNFromEnv())
		if err != nil {
			return nil, err
		}
		return newPGSessionStore(pool), nil
	case "redis":
		return newRedisSessionStore(redis.NewClient(redisOptionsFromEnv())), nil
	default:
		return nil, errors.New("server: invalid SESSION_STORE (expected memory|postgres|redis)")
	}
}

// AllowlistPath resolves the route allowlist file: ALLOWLIST_PATH, or
// config/routing/allowlist.yaml found by walking up from the working
// directory.
func AllowlistPath() (string, error) {
	if p := os.Getenv("ALLOWLIST_PATH"); p != "" {
		return p, nil
	}
	return findConfigFile("config/routing/allowlist.yaml", "allowlist")
}
