package upstream

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTokenPresent(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		token string
		want  bool
	}{
		{"empty", "", false},
		{"blank", "   ", false},
		{"opaque", "4f1c2a9e0b", true},
		{"jwt not expired", signed(t, jwt.MapClaims{"sub": "1", "exp": now.Add(time.Hour).Unix()}), true},
		{"jwt expired", signed(t, jwt.MapClaims{"sub": "1", "exp": now.Add(-time.Minute).Unix()}), false},
		{"jwt without exp", signed(t, jwt.MapClaims{"sub": "1"}), true},
		{"dotted but not jwt", "a.b.c", true},
	}
	for _, tc := range cases {
		if got := TokenPresent(tc.token, now); got != tc.want {
			t.Fatalf("%s: got=%v want=%v", tc.name, got, tc.want)
		}
	}
}
