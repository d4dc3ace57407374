package routing

import (
	"context"
	"net/http"
	"runtime/debug"
)

// PanicHook, when set, observes recovered handler panics before the 500 is
// written. The server wires it to its logger.
type PanicHook func(r *http.Request, rec any, stack []byte)

type Router struct {
	classifier *Classifier
	routes     map[string]map[string]routeEntry
	patterns   []patternEntry
	notFound   map[RouteClass]http.Handler
	onPanic    PanicHook
}

type routeEntry struct {
	rc      RouteClass
	handler http.Handler
}

type patternEntry struct {
	pattern PathPattern
	methods map[string]routeEntry
}

type paramsCtxKey struct{}

func NewRouter(classifier *Classifier) *Router {
	return &Router{
		classifier: classifier,
		routes:     make(map[string]map[string]routeEntry),
		notFound:   make(map[RouteClass]http.Handler),
	}
}

func (r *Router) OnPanic(h PanicHook) { r.onPanic = h }

// NotFound installs the handler used for unknown paths of the given class.
// Classes without one get the 404 error envelope.
func (r *Router) NotFound(rc RouteClass, h http.Handler) {
	r.notFound[rc] = r.recovering(rc, h)
}

func (r *Router) Handle(rc RouteClass, method string, path string, h http.Handler) {
	entry := routeEntry{rc: rc, handler: r.recovering(rc, h)}

	if p, ok := parsePathPattern(path); ok {
		for i := range r.patterns {
			if r.patterns[i].pattern.raw == path {
				r.patterns[i].methods[method] = entry
				return
			}
		}
		r.patterns = append(r.patterns, patternEntry{pattern: p, methods: map[string]routeEntry{method: entry}})
		return
	}

	if r.routes[path] == nil {
		r.routes[path] = make(map[string]routeEntry)
	}
	r.routes[path][method] = entry
}

func (r *Router) recovering(rc RouteClass, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				if r.onPanic != nil {
					r.onPanic(req, rec, stack)
				}
				WriteError(w, req, rc, http.StatusInternalServerError, "internal_error", "internal error")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	methods, params, ok := r.match(req.URL.Path)
	if !ok {
		rc := r.classifier.Classify(req.URL.Path)
		if h, ok := r.notFound[rc]; ok {
			h.ServeHTTP(w, req)
			return
		}
		WriteError(w, req, rc, http.StatusNotFound, "not_found", "not found")
		return
	}
	entry, ok := methods[req.Method]
	if !ok {
		WriteError(w, req, entrypointClass(methods, r.classifier.Classify(req.URL.Path)), http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if len(params) > 0 {
		req = req.WithContext(context.WithValue(req.Context(), paramsCtxKey{}, params))
	}
	entry.handler.ServeHTTP(w, req)
}

func (r *Router) match(path string) (map[string]routeEntry, map[string]string, bool) {
	if methods, ok := r.routes[path]; ok {
		return methods, nil, true
	}
	for _, p := range r.patterns {
		if params, ok := p.pattern.Params(path); ok {
			return p.methods, params, true
		}
	}
	return nil, nil, false
}

// PathParam returns the value bound to {name} by a pattern route.
func PathParam(r *http.Request, name string) string {
	params, _ := r.Context().Value(paramsCtxKey{}).(map[string]string)
	return params[name]
}

func entrypointClass(methods map[string]routeEntry, fallback RouteClass) RouteClass {
	for _, e := range methods {
		return e.rc
	}
	return fallback
}
