// Package navigation decides where a console navigation ends up.
//
// Guard and ResolveHome are pure: they read an already-loaded State and never
// perform I/O, so HTTP middleware, tests and the CLI all share one answer.
package navigation

import "strings"

const (
	PathLogin     = "/login"
	PathContext   = "/context"
	PathDashboard = "/dashboard"
)

// State is the session view a navigation is evaluated against.
type State struct {
	Token   string
	Context WorkingContext
}

// HasToken reports whether a session token is present. Expiry is the
// session layer's concern; by the time a State is built an expired token
// has already been dropped.
func (s State) HasToken() bool {
	return strings.TrimSpace(s.Token) != ""
}

type Kind string

const (
	KindRender   Kind = "render"
	KindRedirect Kind = "redirect"
)

// Decision is either "render the requested view" or "redirect to Target".
type Decision struct {
	Kind   Kind
	Target string
}

func Render() Decision { return Decision{Kind: KindRender} }

func RedirectTo(target string) Decision {
	return Decision{Kind: KindRedirect, Target: target}
}

func (d Decision) Renders() bool { return d.Kind == KindRender }

func (d Decision) String() string {
	if d.Kind == KindRedirect {
		return "redirect:" + d.Target
	}
	return string(d.Kind)
}

// Guard gates a protected view.
func Guard(s State, requireContext bool) Decision {
	if !s.HasToken() {
		return RedirectTo(PathLogin)
	}
	if requireContext && !s.Context.Complete() {
		return RedirectTo(PathContext)
	}
	return Render()
}

// ResolveHome picks the destination for "/" and for unknown paths.
// It always redirects.
func ResolveHome(s State) Decision {
	if !s.HasToken() {
		return RedirectTo(PathLogin)
	}
	if !s.Context.Complete() {
		return RedirectTo(PathContext)
	}
	return RedirectTo(PathDashboard)
}
