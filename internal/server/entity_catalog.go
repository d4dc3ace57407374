package server

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/jacksonlee411/payroll-console/internal/routing"
	"github.com/jacksonlee411/payroll-console/modules/upstream"
	"github.com/jacksonlee411/payroll-console/pkg/navigation"
	"gopkg.in/yaml.v3"
)

type entityScope string

const (
	scopeNone    entityScope = "none"
	scopeCompany entityScope = "company"
	scopePeriod  entityScope = "period"
)

type fieldType string

const (
	fieldText   fieldType = "text"
	fieldNumber fieldType = "number"
	fieldDate   fieldType = "date"
	fieldBool   fieldType = "bool"
	fieldSelect fieldType = "select"
)

type entityCatalog struct {
	Version  int         `yaml:"version"`
	Entities []entityDef `yaml:"entities"`

	byKey map[string]*entityDef
}

type entityDef struct {
	Key       string        `yaml:"key"`
	Title     string        `yaml:"title"`
	Resource  string        `yaml:"resource"`
	Scope     entityScope   `yaml:"scope"`
	Display   []string      `yaml:"display"`
	Search    []string      `yaml:"search"`
	RowFilter string        `yaml:"row_filter"`
	Dashboard bool          `yaml:"dashboard"`
	Fields    []entityField `yaml:"fields"`
}

type entityField struct {
	Name     string    `yaml:"name"`
	Label    string    `yaml:"label"`
	Type     fieldType `yaml:"type"`
	Lookup   string    `yaml:"lookup"`
	Required bool      `yaml:"required"`
}

var entityKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// reservedEntityKeys are first path segments the console itself serves,
// under / or under /console/api.
var reservedEntityKeys = map[string]bool{
	"login": true, "logout": true, "context": true, "dashboard": true,
	"reports": true, "console": true, "health": true, "healthz": true,
	"metrics": true, "assets": true, "session": true,
}

func defaultEntityCatalogPath() (string, error) {
	return findConfigFile("config/entities/catalog.yaml", "entity catalog")
}

func findConfigFile(rel string, what string) (string, error) {
	path := rel
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: " + what + " not found")
}

func loadEntityCatalog(path string) (*entityCatalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseEntityCatalogYAML(b)
}

func parseEntityCatalogYAML(b []byte) (*entityCatalog, error) {
	var c entityCatalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if c.Version != 1 {
		return nil, errors.New("catalog: unsupported version")
	}
	if len(c.Entities) == 0 {
		return nil, errors.New("catalog: no entities")
	}

	c.byKey = make(map[string]*entityDef, len(c.Entities))
	for i := range c.Entities {
		e := &c.Entities[i]
		e.Key = strings.TrimSpace(e.Key)
		if !entityKeyPattern.MatchString(e.Key) || reservedEntityKeys[e.Key] {
			return nil, fmt.Errorf("catalog: invalid entity key %q", e.Key)
		}
		if _, dup := c.byKey[e.Key]; dup {
			return nil, fmt.Errorf("catalog: duplicate entity key %q", e.Key)
		}
		if !strings.HasPrefix(e.Resource, "/") || strings.ContainsAny(e.Resource, "?#") {
			return nil, fmt.Errorf("catalog: %s: invalid resource %q", e.Key, e.Resource)
		}
		if e.Title == "" {
			e.Title = e.Key
		}
		switch e.Scope {
		case "":
			e.Scope = scopeNone
		case scopeNone, scopeCompany, scopePeriod:
		default:
			return nil, fmt.Errorf("catalog: %s: invalid scope %q", e.Key, e.Scope)
		}
		if len(e.Display) == 0 {
			e.Display = []string{"name"}
		}
		if len(e.Fields) == 0 {
			return nil, fmt.Errorf("catalog: %s: no fields", e.Key)
		}
		seen := map[string]bool{}
		for j := range e.Fields {
			f := &e.Fields[j]
			if f.Name == "" || seen[f.Name] {
				return nil, fmt.Errorf("catalog: %s: invalid or duplicate field %q", e.Key, f.Name)
			}
			seen[f.Name] = true
			if f.Label == "" {
				f.Label = f.Name
			}
			switch f.Type {
			case "":
				f.Type = fieldText
			case fieldText, fieldNumber, fieldDate, fieldBool:
			case fieldSelect:
				if f.Lookup == "" {
					return nil, fmt.Errorf("catalog: %s.%s: select needs a lookup", e.Key, f.Name)
				}
			default:
				return nil, fmt.Errorf("catalog: %s.%s: invalid type %q", e.Key, f.Name, f.Type)
			}
		}
		if len(e.Search) == 0 {
			for _, f := range e.Fields {
				if f.Type == fieldText {
					e.Search = append(e.Search, f.Name)
				}
			}
		}
		if strings.TrimSpace(e.RowFilter) != "" {
			if _, err := compileRowFilter(e.RowFilter); err != nil {
				return nil, fmt.Errorf("catalog: %s: row_filter: %w", e.Key, err)
			}
		}
		c.byKey[e.Key] = e
	}

	for _, e := range c.Entities {
		for _, f := range e.Fields {
			if f.Lookup == "" {
				continue
			}
			if _, ok := c.byKey[f.Lookup]; !ok {
				return nil, fmt.Errorf("catalog: %s.%s: unknown lookup %q", e.Key, f.Name, f.Lookup)
			}
		}
	}
	return &c, nil
}

func (c *entityCatalog) Get(key string) (*entityDef, bool) {
	e, ok := c.byKey[key]
	return e, ok
}

func (c *entityCatalog) DashboardEntities() []*entityDef {
	var out []*entityDef
	for i := range c.Entities {
		if c.Entities[i].Dashboard {
			out = append(out, &c.Entities[i])
		}
	}
	return out
}

// checkCatalogRoutes refuses to start when an entity screen is not listed in
// the route allowlist with the context guard.
func checkCatalogRoutes(c *entityCatalog, classifier *routing.Classifier) error {
	for _, e := range c.Entities {
		path := "/" + e.Key
		if !classifier.Listed(path) {
			return fmt.Errorf("server: entity %q missing from allowlist", e.Key)
		}
		if g := classifier.Guard(path); g != routing.GuardContext {
			return fmt.Errorf("server: entity %q must use guard %q (got %q)", e.Key, routing.GuardContext, g)
		}
	}
	return nil
}

// scopeFields lists the working-context fields an entity is scoped by, in
// query-parameter form.
func (e *entityDef) scopeFields() []string {
	switch e.Scope {
	case scopeCompany:
		return []string{"company_id"}
	case scopePeriod:
		return []string{"company_id", "payroll_run_id", "year", "month", "sequence"}
	default:
		return nil
	}
}

func (e *entityDef) scopeQuery(wc navigation.WorkingContext) url.Values {
	fields := e.scopeFields()
	if len(fields) == 0 {
		return nil
	}
	vals := wc.Values()
	q := url.Values{}
	for _, k := range fields {
		if v, ok := vals[k]; ok {
			q.Set(k, v)
		}
	}
	return q
}

// injectScope stamps the working context into a create payload.
func (e *entityDef) injectScope(body upstream.Record, wc navigation.WorkingContext) {
	vals := wc.Values()
	for _, k := range e.scopeFields() {
		if v, ok := vals[k]; ok {
			n, _ := strconv.ParseInt(v, 10, 64)
			body[k] = n
		}
	}
}

func (e *entityDef) field(name string) (entityField, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return entityField{}, false
}

// label renders a record the way lookups and dashboards show it.
func (e *entityDef) label(rec upstream.Record) string {
	parts := make([]string, 0, len(e.Display))
	for _, name := range e.Display {
		if v := strings.TrimSpace(rec.String(name)); v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return rec.ID()
	}
	return strings.Join(parts, " ")
}

// lookupKeys returns the distinct entities this screen needs select options
// from, in field order.
func (e *entityDef) lookupKeys() []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range e.Fields {
		if f.Lookup != "" && !seen[f.Lookup] {
			seen[f.Lookup] = true
			out = append(out, f.Lookup)
		}
	}
	return out
}

// matches reports whether q occurs, case-insensitively, in any search field.
func (e *entityDef) matches(rec upstream.Record, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	for _, name := range e.Search {
		if strings.Contains(strings.ToLower(rec.String(name)), q) {
			return true
		}
	}
	return false
}
