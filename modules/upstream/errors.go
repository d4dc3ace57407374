package upstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type HTTPError struct {
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	msg := strings.TrimSpace(e.Detail)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("upstream: http %d: %s", e.StatusCode, msg)
}

// IsUnauthorized reports whether the API rejected the session token.
func IsUnauthorized(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusUnauthorized
}

// StatusOf returns the upstream status code carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// DetailOf returns the message to show a user for err: the API's detail
// when there is one, otherwise the error text.
func DetailOf(err error) string {
	if err == nil {
		return ""
	}
	var he *HTTPError
	if errors.As(err, &he) {
		if d := strings.TrimSpace(he.Detail); d != "" {
			return d
		}
		return http.StatusText(he.StatusCode)
	}
	return err.Error()
}

func readHTTPError(resp *http.Response) error {
	const maxBody = 4096
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Detail:     extractDetail(b),
	}
}

// extractDetail understands the shapes the API answers with:
// {"detail": "..."}, {"detail": [{"msg": "..."}]}, and field maps
// {"field": ["..."]}. Anything else is returned as trimmed text.
func extractDetail(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		if strings.HasPrefix(text, "<") {
			return ""
		}
		return text
	}

	if raw, ok := obj["detail"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(raw, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if m := strings.TrimSpace(it.Msg); m != "" {
					msgs = append(msgs, m)
				}
			}
			return strings.Join(msgs, "; ")
		}
	}

	var parts []string
	for _, k := range sortedKeys(obj) {
		var msgs []string
		if err := json.Unmarshal(obj[k], &msgs); err == nil && len(msgs) > 0 {
			parts = append(parts, k+": "+strings.Join(msgs, ", "))
			continue
		}
		var s string
		if err := json.Unmarshal(obj[k], &s); err == nil && s != "" {
			parts = append(parts, k+": "+s)
		}
	}
	return strings.Join(parts, "; ")
}
