package proxy

import (
	"time"

	"vproxy/pkg/connector"
)

// Auth holds the optional basic-auth credential. The zero value disables
// authentication.
type Auth struct {
	Username string
	Password string
}

// Enabled reports whether clients must authenticate.
func (a Auth) Enabled() bool {
	return a.Username != "" || a.Password != ""
}

// Context carries the settings shared by every front-end. It is read-only
// after startup.
type Context struct {
	// Bind is the listen address, host:port.
	Bind string

	// Concurrent bounds the number of in-flight client connections.
	Concurrent int64

	// ConnectTimeout bounds the upstream connect phase; the relay itself
	// is unbounded.
	ConnectTimeout time.Duration

	// Auth is the proxy credential, if any.
	Auth Auth

	// Connector dials upstreams with source-address selection applied.
	Connector *connector.Connector

	// Tracker records in-flight connections for logging and metrics.
	Tracker *Tracker
}
