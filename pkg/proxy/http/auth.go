package http

import (
	"encoding/base64"
	"net"
	"net/http"
	"strings"

	"vproxy/pkg/extension"
	"vproxy/pkg/proxy"
)

// Authenticator checks the proxy credential and extracts the affinity
// extension it carries.
type Authenticator struct {
	auth proxy.Auth
}

// Authenticate validates the request and returns the affinity extension
// plus the TTL identity. With a configured credential the directive rides
// in the username suffix and the identity is the full username; without
// one the ttl / session / range headers are consulted and the identity is
// the client IP.
func (a Authenticator) Authenticate(req *http.Request, clientAddr string) (extension.Extension, string, byte) {
	if !a.auth.Enabled() {
		return extension.ParseHeaders(req.Header), hostOnly(clientAddr), proxy.ErrNone
	}

	user, pass, ok := parseBasic(req.Header.Get("Proxy-Authorization"))
	if !ok {
		return extension.Extension{}, "", proxy.ErrAuthRequired
	}
	// The configured username is a prefix of the submitted one so that
	// credentials can carry an affinity suffix.
	if !strings.HasPrefix(user, a.auth.Username) || pass != a.auth.Password {
		return extension.Extension{}, "", proxy.ErrAuthRequired
	}
	return extension.ParseUsername(user), user, proxy.ErrNone
}

// parseBasic decodes a Proxy-Authorization value and splits the credential
// on the first colon.
func parseBasic(value string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(value, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(value[len(prefix):])
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(raw), ":")
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
