package offline

import (
	"net/http"
	"net/url"
	"strings"
)

// IsNavigation reports whether the browser sent req to load a top-level page
func IsNavigation(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate")
}

// AcceptsHTML reports whether req expects an HTML document
func AcceptsHTML(req *http.Request) bool {
	return strings.Contains(strings.Join(req.Header.Values("Accept"), ","), "text/html")
}

// SameOrigin compares scheme, host and port, filling in default ports
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	if !strings.EqualFold(a.Scheme, b.Scheme) {
		return false
	}
	return strings.EqualFold(a.Hostname(), b.Hostname()) && port(a) == port(b)
}

func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

// outgoing prepares a server-side request to be sent upstream by an http.Client
func outgoing(req *http.Request) *http.Request {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	return out
}
