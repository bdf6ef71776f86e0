package server

import "strings"

// isSafeRedirect accepts a same-site path or an absolute http(s) URL, and
// rejects anything that could turn into an open redirect.
func isSafeRedirect(uri string) bool {
	if uri == "" {
		return false
	}
	if strings.ContainsAny(uri, "\\\r\n") {
		return false
	}
	if strings.HasPrefix(uri, "/") {
		return !strings.HasPrefix(uri, "//")
	}

	lower := strings.ToLower(uri)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	idx := strings.Index(uri, "://")
	if idx == -1 {
		return false
	}
	scheme, rest := uri[:idx], uri[idx+3:]
	if scheme != "http" && scheme != "https" {
		return false
	}

	// user:pass@host and path@domain tricks
	if strings.Contains(rest, "@") {
		return false
	}

	// http://evil.example#http://trusted.example/callback
	hostPart := rest
	if slash := strings.Index(rest, "/"); slash != -1 {
		hostPart = rest[:slash]
	}
	return hostPart != "" && !strings.Contains(hostPart, "#")
}
