package routing

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
	Guard      string   `yaml:"guard"`
}

// GuardMode selects how navigation gating applies to a route.
type GuardMode string

const (
	// GuardNone bypasses gating (login, ops, assets).
	GuardNone GuardMode = "none"
	// GuardSession requires a session token only.
	GuardSession GuardMode = "session"
	// GuardContext requires a token and a complete working context.
	GuardContext GuardMode = "context"
	// GuardHome sends the request through the smart-home resolver.
	GuardHome GuardMode = "home"
)

func ParseGuardMode(raw string) (GuardMode, error) {
	switch GuardMode(strings.ToLower(strings.TrimSpace(raw))) {
	case GuardNone:
		return GuardNone, nil
	case GuardSession:
		return GuardSession, nil
	case GuardContext:
		return GuardContext, nil
	case GuardHome:
		return GuardHome, nil
	default:
		return "", fmt.Errorf("allowlist: unknown guard %q", raw)
	}
}

func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Allowlist{}, err
	}
	if a.Version != 1 {
		return Allowlist{}, errors.New("allowlist: unsupported version")
	}
	if a.Entrypoints == nil {
		return Allowlist{}, errors.New("allowlist: missing entrypoints")
	}
	return a, nil
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	return ParseAllowlistYAML(b)
}
