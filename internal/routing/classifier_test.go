package routing

import "testing"

func testClassifier(t *testing.T, routes ...Route) *Classifier {
	t.Helper()

	if len(routes) == 0 {
		routes = []Route{{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops", Guard: "none"}}
	}
	c, err := NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {Routes: routes}}}, "server")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClassifier_SegmentBoundary(t *testing.T) {
	t.Parallel()

	c := testClassifier(t)

	if got := c.Classify("/console/api"); got != RouteClassInternalAPI {
		t.Fatalf("got=%q", got)
	}
	if got := c.Classify("/console/api/company"); got != RouteClassInternalAPI {
		t.Fatalf("got=%q", got)
	}
	if got := c.Classify("/console/apix"); got == RouteClassInternalAPI {
		t.Fatalf("unexpected internal api: %q", got)
	}
	if got := c.Classify("/"); got != RouteClassUI {
		t.Fatalf("got=%q", got)
	}
}

func TestNewClassifier_Errors(t *testing.T) {
	t.Parallel()

	_, err := NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {Routes: nil}}}, "server")
	if err == nil {
		t.Fatal("expected empty routes error")
	}

	_, err = NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {Routes: []Route{{}}}}}, "server")
	if err == nil {
		t.Fatal("expected invalid route error")
	}

	_, err = NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{"server": {Routes: []Route{{Path: "/x", RouteClass: "ui"}}}}}, "server")
	if err == nil {
		t.Fatal("expected missing guard error")
	}

	_, err = NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{}}, "server")
	if err == nil {
		t.Fatal("expected missing entrypoint error")
	}
}

func TestClassifier_FallbackClassesAndGuards(t *testing.T) {
	t.Parallel()

	c := testClassifier(t,
		Route{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops", Guard: "none"},
		Route{Path: "/login", Methods: []string{"GET", "POST"}, RouteClass: "authn", Guard: "none"},
	)

	cases := map[string]struct {
		rc     RouteClass
		guard  GuardMode
		listed bool
	}{
		"/login":              {RouteClassAuthn, GuardNone, true},
		"/health":             {RouteClassOps, GuardNone, true},
		"/assets/app.css":     {RouteClassStatic, GuardNone, false},
		"/static/x":           {RouteClassStatic, GuardNone, false},
		"/console/api/bank":   {RouteClassInternalAPI, GuardSession, false},
		"/xyz":                {RouteClassUI, GuardHome, false},
		"/anything/else/here": {RouteClassUI, GuardHome, false},
	}
	for path, want := range cases {
		if got := c.Classify(path); got != want.rc {
			t.Fatalf("path=%s class=%q want=%q", path, got, want.rc)
		}
		if got := c.Guard(path); got != want.guard {
			t.Fatalf("path=%s guard=%q want=%q", path, got, want.guard)
		}
		if got := c.Listed(path); got != want.listed {
			t.Fatalf("path=%s listed=%v", path, got)
		}
	}
}

func TestClassifier_PathPattern(t *testing.T) {
	t.Parallel()

	c := testClassifier(t,
		Route{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops", Guard: "none"},
		Route{Path: "/console/api/{entity}/{id}", Methods: []string{"PUT", "DELETE"}, RouteClass: "internal_api", Guard: "context"},
	)

	if got := c.Classify("/console/api/bank/12"); got != RouteClassInternalAPI {
		t.Fatalf("got=%q", got)
	}
	if got := c.Guard("/console/api/bank/12"); got != GuardContext {
		t.Fatalf("got=%q", got)
	}
	if got := len(c.Routes()); got != 2 {
		t.Fatalf("routes=%d", got)
	}
}
