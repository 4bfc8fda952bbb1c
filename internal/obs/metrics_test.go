package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                          "/",
		"/metrics":                  "/metrics",
		"/v1/users/42/role":         "/v1/users/:id/role",
		"/v1/users/42":              "/v1/users/:id",
		"/v1/events/3":              "/v1/events/:partition",
		"/v1/events/3/commit":       "/v1/events/:partition/commit",
		"/v1/auth/refresh":          "/v1/auth/refresh",
		"/v1/auth/refresh?limit=10": "/v1/auth/refresh",
		"/.well-known/jwks.json":    "/.well-known/jwks.json",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
