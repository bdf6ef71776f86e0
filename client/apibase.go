package client

import "strings"

const (
	publicHost = "aveid.net"
	apiHost    = "api.aveid.net"
)

// APIBase derives the provider API base from an issuer by substituting the
// public host for the API host. Self-hosted issuers serve their API from the
// same origin and are returned unchanged. No I/O is performed.
func APIBase(issuer string) string {
	base := strings.TrimSuffix(strings.TrimSpace(issuer), "/")
	if base == "" {
		base = DefaultIssuer
	}
	return strings.Replace(base, "://"+publicHost, "://"+apiHost, 1)
}
