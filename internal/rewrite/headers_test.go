package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocation(t *testing.T) {
	api := Context{Service: "api", BackendHost: "api.internal.example"}
	cases := []struct {
		in, want string
	}{
		{"https://api.internal.example/login", "/api/login"},
		{"http://API.internal.example/login?x=1", "/api/login?x=1"},
		{"https://api.internal.example", "/api/"},
		{"https://api.internal.example?next=1", "/api/?next=1"},
		{"/login", "/api/login"},
		{"/", "/api/"},
		{"/api/login", "/api/login"},
		{"/api", "/api"},
		{"/apidocs", "/api/apidocs"},
		{"https://elsewhere.example/x", "https://elsewhere.example/x"},
		{"https://api.internal.example.org/x", "https://api.internal.example.org/x"},
		{"//cdn.example/x", "//cdn.example/x"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tc := range cases {
		got := Location(tc.in, api)
		assert.Equal(t, tc.want, got, "Location(%q)", tc.in)
		assert.Equal(t, got, Location(got, api), "Location not idempotent for %q", tc.in)
	}
}

func TestSetCookie(t *testing.T) {
	svc := Context{Service: "svc", BackendHost: "backend.example"}
	cases := []struct {
		in, want string
	}{
		{"sid=1; Path=/; Domain=backend.example", "sid=1; Path=/svc/"},
		{"sid=1; domain=.backend.example; path=/app; HttpOnly", "sid=1; path=/svc/app; HttpOnly"},
		{"sid=1", "sid=1; Path=/svc/"},
		{"sid=1; Secure;", "sid=1; Secure; Path=/svc/"},
		{"sid=1; Path=/svc/", "sid=1; Path=/svc/"},
		{"sid=1; Path=/svc", "sid=1; Path=/svc"},
	}
	for _, tc := range cases {
		got := SetCookie(tc.in, svc)
		assert.Equal(t, tc.want, got, "SetCookie(%q)", tc.in)
		assert.Equal(t, got, SetCookie(got, svc), "SetCookie not idempotent for %q", tc.in)
	}
}
