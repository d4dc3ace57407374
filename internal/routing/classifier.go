package routing

import (
	"errors"
	"fmt"
	"strings"
)

type RouteClass string

const (
	RouteClassUI          RouteClass = "ui"
	RouteClassInternalAPI RouteClass = "internal_api"
	RouteClassAuthn       RouteClass = "authn"
	RouteClassOps         RouteClass = "ops"
	RouteClassStatic      RouteClass = "static"
)

// APIPrefix is where the JSON twins of the console screens live.
const APIPrefix = "/console/api"

type routeInfo struct {
	rc    RouteClass
	guard GuardMode
}

type Classifier struct {
	entrypoint        string
	allowExact        map[string]routeInfo
	allowPathPatterns []pathPatternRoute
	routes            []Route
}

func NewClassifier(a Allowlist, entrypoint string) (*Classifier, error) {
	ep, ok := a.Entrypoints[entrypoint]
	if !ok {
		return nil, errors.New("allowlist: missing entrypoint")
	}
	if len(ep.Routes) == 0 {
		return nil, errors.New("allowlist: entrypoint routes empty")
	}

	exact := make(map[string]routeInfo, len(ep.Routes))
	var patterns []pathPatternRoute
	for _, r := range ep.Routes {
		if r.Path == "" || r.RouteClass == "" {
			return nil, errors.New("allowlist: invalid route")
		}
		guard, err := ParseGuardMode(r.Guard)
		if err != nil {
			return nil, fmt.Errorf("%w (path=%s)", err, r.Path)
		}
		info := routeInfo{rc: RouteClass(r.RouteClass), guard: guard}
		if p, ok := parsePathPattern(r.Path); ok {
			patterns = append(patterns, pathPatternRoute{pattern: p, info: info})
			continue
		}
		exact[r.Path] = info
	}
	return &Classifier{entrypoint: entrypoint, allowExact: exact, allowPathPatterns: patterns, routes: ep.Routes}, nil
}

// Routes returns the allowlisted routes in file order.
func (c *Classifier) Routes() []Route {
	out := make([]Route, len(c.routes))
	copy(out, c.routes)
	return out
}

func (c *Classifier) Classify(path string) RouteClass {
	rc, _, _ := c.lookup(path)
	return rc
}

// Guard returns the gating mode for path. Unlisted UI paths go through the
// smart-home resolver; unlisted API paths still require a session.
func (c *Classifier) Guard(path string) GuardMode {
	_, guard, _ := c.lookup(path)
	return guard
}

// Listed reports whether path is present in the allowlist.
func (c *Classifier) Listed(path string) bool {
	_, _, ok := c.lookup(path)
	return ok
}

func (c *Classifier) lookup(path string) (RouteClass, GuardMode, bool) {
	if info, ok := c.allowExact[path]; ok {
		return info.rc, info.guard, true
	}
	for _, p := range c.allowPathPatterns {
		if p.pattern.Match(path) {
			return p.info.rc, p.info.guard, true
		}
	}

	switch {
	case hasPrefixSegment(path, APIPrefix):
		return RouteClassInternalAPI, GuardSession, false
	case hasPrefixSegment(path, "/assets") || hasPrefixSegment(path, "/static"):
		return RouteClassStatic, GuardNone, false
	default:
		return RouteClassUI, GuardHome, false
	}
}

func hasPrefixSegment(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// HasPrefixSegment reports whether path equals prefix or continues it at a
// segment boundary.
func HasPrefixSegment(path, prefix string) bool {
	return hasPrefixSegment(path, prefix)
}

type pathPatternRoute struct {
	pattern PathPattern
	info    routeInfo
}
