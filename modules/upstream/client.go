// Package upstream talks to the payroll REST API behind the console.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	observe    Observer
}

// Observer is told about every completed upstream round trip. status is 0
// when the request failed before a response arrived.
type Observer func(method string, resource string, status int, elapsed time.Duration)

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observe = o }
}

// Record is one resource row as the API returns it. Numbers are kept as
// json.Number so identifiers survive round trips untouched.
type Record map[string]any

// ID returns the record's "id" field rendered as a string.
func (r Record) ID() string {
	v, ok := r["id"]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// String returns field as display text; absent fields render empty.
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case map[string]any:
		if name, ok := t["name"].(string); ok {
			return name
		}
		return Record(t).ID()
	default:
		return fmt.Sprint(t)
	}
}

type LoginResult struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("upstream: missing base url")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.New("upstream: invalid base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("upstream: invalid base url scheme")
	}
	if u.Host == "" {
		return nil, errors.New("upstream: invalid base url host")
	}
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Login(ctx context.Context, email string, password string) (LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, http.MethodPost, "", "/auth/login", nil, map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return LoginResult{}, err
	}
	if strings.TrimSpace(out.Token) == "" {
		return LoginResult{}, errors.New("upstream: missing token in login response")
	}
	return out, nil
}

// List fetches every row of resource. Both bare arrays and paginated
// envelopes ({"results": [...]}) are accepted; only the first page of an
// envelope is read.
func (c *Client) List(ctx context.Context, token string, resource string, query url.Values) ([]Record, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, token, resource, query, nil, &raw); err != nil {
		return nil, err
	}
	return decodeList(raw)
}

func (c *Client) Get(ctx context.Context, token string, resource string, id string) (Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodGet, token, itemPath(resource, id), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Create(ctx context.Context, token string, resource string, body Record) (Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodPost, token, resource, nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Update(ctx context.Context, token string, resource string, id string, body Record) (Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodPut, token, itemPath(resource, id), nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Delete(ctx context.Context, token string, resource string, id string) error {
	return c.do(ctx, http.MethodDelete, token, itemPath(resource, id), nil, nil, nil)
}

// GetJSON decodes an arbitrary GET response into out.
func (c *Client) GetJSON(ctx context.Context, token string, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, token, path, query, nil, out)
}

func itemPath(resource string, id string) string {
	return strings.TrimRight(resource, "/") + "/" + url.PathEscape(strings.TrimSpace(id))
}

func (c *Client) do(ctx context.Context, method string, token string, path string, query url.Values, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(method, path, 0, started)
		return err
	}
	defer resp.Body.Close()
	c.record(method, path, resp.StatusCode, started)

	if resp.StatusCode/100 != 2 {
		return readHTTPError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("upstream: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) record(method string, path string, status int, started time.Time) {
	if c.observe == nil {
		return
	}
	resource := path
	if i := strings.Index(resource[1:], "/"); i >= 0 {
		resource = resource[:i+1]
	}
	c.observe(method, resource, status, time.Since(started))
}

func decodeList(raw json.RawMessage) ([]Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if trimmed[0] == '[' {
		var rows []Record
		if err := dec.Decode(&rows); err != nil {
			return nil, fmt.Errorf("upstream: decode list: %w", err)
		}
		return rows, nil
	}

	var page struct {
		Results []Record `json:"results"`
	}
	if err := dec.Decode(&page); err != nil {
		return nil, fmt.Errorf("upstream: decode list: %w", err)
	}
	return page.Results, nil
}

// sortedKeys keeps field-error messages deterministic.
func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
