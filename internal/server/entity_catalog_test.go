package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jacksonlee411/payroll-console/internal/routing"
	"github.com/jacksonlee411/payroll-console/modules/upstream"
	"github.com/jacksonlee411/payroll-console/pkg/navigation"
)

const testCatalogYAML = `version: 1
entities:
  - key: worker
    title: Workers
    resource: /workers
    scope: company
    display: [first_name, last_name]
    dashboard: true
    fields:
      - {name: first_name, label: First name, required: true}
      - {name: last_name, label: Last name}
      - {name: bank_id, label: Bank, type: select, lookup: bank}
      - {name: active, label: Active, type: bool}
  - key: bank
    title: Banks
    resource: /banks
    fields:
      - {name: name, label: Name, required: true}
  - key: deduction-by-period
    title: Deductions by period
    resource: /deductions-by-period
    scope: period
    search: [note]
    dashboard: true
    row_filter: int(row.year) == ctx.year && int(row.month) == ctx.month
    fields:
      - {name: amount, label: Amount, type: number, required: true}
      - {name: paid_on, label: Paid on, type: date}
      - {name: note, label: Note}
`

func mustTestCatalog(t *testing.T) *entityCatalog {
	t.Helper()

	c, err := parseEntityCatalogYAML([]byte(testCatalogYAML))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestParseEntityCatalogYAML_Defaults(t *testing.T) {
	c := mustTestCatalog(t)

	bank, ok := c.Get("bank")
	if !ok {
		t.Fatal("bank missing")
	}
	if bank.Scope != scopeNone {
		t.Fatalf("scope=%q", bank.Scope)
	}
	if len(bank.Display) != 1 || bank.Display[0] != "name" {
		t.Fatalf("display=%v", bank.Display)
	}
	if bank.Fields[0].Type != fieldText {
		t.Fatalf("type=%q", bank.Fields[0].Type)
	}

	worker, _ := c.Get("worker")
	if strings.Join(worker.Search, ",") != "first_name,last_name" {
		t.Fatalf("search=%v", worker.Search)
	}
	if got := worker.lookupKeys(); len(got) != 1 || got[0] != "bank" {
		t.Fatalf("lookups=%v", got)
	}

	dash := c.DashboardEntities()
	if len(dash) != 2 || dash[0].Key != "worker" || dash[1].Key != "deduction-by-period" {
		t.Fatalf("dashboard=%v", dash)
	}
	if _, ok := c.Get("nope"); ok {
		t.Fatal("expected unknown key")
	}
}

func TestParseEntityCatalogYAML_Errors(t *testing.T) {
	cases := map[string]string{
		"bad yaml":        "version: [",
		"version":         "version: 2\nentities: [{key: a, resource: /a, fields: [{name: x}]}]",
		"empty":           "version: 1\nentities: []",
		"bad key":         "version: 1\nentities: [{key: A, resource: /a, fields: [{name: x}]}]",
		"reserved key":    "version: 1\nentities: [{key: login, resource: /a, fields: [{name: x}]}]",
		"api session key": "version: 1\nentities: [{key: session, resource: /a, fields: [{name: x}]}]",
		"duplicate":       "version: 1\nentities: [{key: a, resource: /a, fields: [{name: x}]}, {key: a, resource: /b, fields: [{name: x}]}]",
		"resource":        "version: 1\nentities: [{key: a, resource: a, fields: [{name: x}]}]",
		"resource query":  "version: 1\nentities: [{key: a, resource: /a?x=1, fields: [{name: x}]}]",
		"scope":           "version: 1\nentities: [{key: a, resource: /a, scope: tenant, fields: [{name: x}]}]",
		"no fields":       "version: 1\nentities: [{key: a, resource: /a}]",
		"dup field":       "version: 1\nentities: [{key: a, resource: /a, fields: [{name: x}, {name: x}]}]",
		"field type":      "version: 1\nentities: [{key: a, resource: /a, fields: [{name: x, type: blob}]}]",
		"select lookup":   "version: 1\nentities: [{key: a, resource: /a, fields: [{name: x, type: select}]}]",
		"unknown lookup":  "version: 1\nentities: [{key: a, resource: /a, fields: [{name: x, type: select, lookup: b}]}]",
		"row filter":      "version: 1\nentities: [{key: a, resource: /a, row_filter: 'row.x ==', fields: [{name: x}]}]",
		"row filter type": "version: 1\nentities: [{key: a, resource: /a, row_filter: 'ctx.year + 1', fields: [{name: x}]}]",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseEntityCatalogYAML([]byte(in)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadEntityCatalog(t *testing.T) {
	if _, err := loadEntityCatalog(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}

	p := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(p, []byte(testCatalogYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := loadEntityCatalog(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Entities) != 3 {
		t.Fatalf("entities=%d", len(c.Entities))
	}
}

func TestRepoCatalog_MatchesAllowlist(t *testing.T) {
	catalogPath, err := defaultEntityCatalogPath()
	if err != nil {
		t.Fatal(err)
	}
	c, err := loadEntityCatalog(catalogPath)
	if err != nil {
		t.Fatal(err)
	}
	allowlistPath, err := AllowlistPath()
	if err != nil {
		t.Fatal(err)
	}
	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		t.Fatal(err)
	}
	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}
	if err := checkCatalogRoutes(c, classifier); err != nil {
		t.Fatal(err)
	}
}

func TestCheckCatalogRoutes_Rejects(t *testing.T) {
	c := mustTestCatalog(t)

	missing, err := routing.NewClassifier(routing.Allowlist{Version: 1, Entrypoints: map[string]routing.Entrypoint{
		"server": {Routes: []routing.Route{
			{Path: "/worker", Methods: []string{"GET"}, RouteClass: "ui", Guard: "context"},
		}},
	}}, "server")
	if err != nil {
		t.Fatal(err)
	}
	if err := checkCatalogRoutes(c, missing); err == nil {
		t.Fatal("expected missing route error")
	}

	weak, err := routing.NewClassifier(routing.Allowlist{Version: 1, Entrypoints: map[string]routing.Entrypoint{
		"server": {Routes: []routing.Route{
			{Path: "/worker", Methods: []string{"GET"}, RouteClass: "ui", Guard: "context"},
			{Path: "/bank", Methods: []string{"GET"}, RouteClass: "ui", Guard: "session"},
			{Path: "/deduction-by-period", Methods: []string{"GET"}, RouteClass: "ui", Guard: "context"},
		}},
	}}, "server")
	if err != nil {
		t.Fatal(err)
	}
	if err := checkCatalogRoutes(c, weak); err == nil {
		t.Fatal("expected guard error")
	}
}

func TestEntityDef_Scope(t *testing.T) {
	c := mustTestCatalog(t)
	bank, _ := c.Get("bank")
	worker, _ := c.Get("worker")
	ded, _ := c.Get("deduction-by-period")

	if q := bank.scopeQuery(completeContext); q != nil {
		t.Fatalf("q=%v", q)
	}
	if got := worker.scopeQuery(completeContext).Encode(); got != "company_id=1" {
		t.Fatalf("q=%s", got)
	}
	if got := ded.scopeQuery(completeContext).Encode(); got != "company_id=1&month=3&payroll_run_id=2&sequence=1&year=2024" {
		t.Fatalf("q=%s", got)
	}

	body := upstream.Record{"amount": json.Number("10")}
	ded.injectScope(body, completeContext)
	if body["company_id"] != int64(1) || body["payroll_run_id"] != int64(2) || body["year"] != int64(2024) || body["month"] != int64(3) || body["sequence"] != int64(1) {
		t.Fatalf("body=%v", body)
	}

	partial := upstream.Record{}
	worker.injectScope(partial, navigation.WorkingContext{})
	if len(partial) != 0 {
		t.Fatalf("partial=%v", partial)
	}
}

func TestEntityDef_LabelAndMatches(t *testing.T) {
	c := mustTestCatalog(t)
	worker, _ := c.Get("worker")

	rec := upstream.Record{"id": json.Number("7"), "first_name": "Ana", "last_name": "Pérez"}
	if got := worker.label(rec); got != "Ana Pérez" {
		t.Fatalf("label=%q", got)
	}
	if got := worker.label(upstream.Record{"id": json.Number("8")}); got != "8" {
		t.Fatalf("label=%q", got)
	}

	if !worker.matches(rec, "") || !worker.matches(rec, "  pér ") || !worker.matches(rec, "ANA") {
		t.Fatal("expected match")
	}
	if worker.matches(rec, "7") {
		t.Fatal("id is not a search field")
	}

	if f, ok := worker.field("bank_id"); !ok || f.Lookup != "bank" {
		t.Fatalf("field=%+v ok=%v", f, ok)
	}
	if _, ok := worker.field("nope"); ok {
		t.Fatal("expected missing field")
	}
}
