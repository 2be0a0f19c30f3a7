package transport

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

const (
	SchemeIPC  = "ipc"
	SchemeUnix = "unix"
	SchemeTCP  = "tcp"
	SchemeWS   = "ws"
	SchemeWSS  = "wss"
)

// Endpoint is a parsed connect target.
type Endpoint struct {
	URI     string
	Scheme  string
	Address string
}

// NormalizeURI turns a bare filesystem path into an ipc:// URI and leaves
// anything that already carries a scheme untouched.
func NormalizeURI(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		return raw
	}
	return SchemeIPC + "://" + raw
}

func ParseEndpoint(raw string) (Endpoint, error) {
	uri := NormalizeURI(raw)
	scheme, rest, _ := strings.Cut(uri, "://")
	scheme = strings.ToLower(scheme)
	ep := Endpoint{URI: uri, Scheme: scheme}
	switch scheme {
	case SchemeIPC, SchemeUnix:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("transport: empty socket path in %q", uri)
		}
		ep.Address = rest
	case SchemeTCP:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("transport: empty address in %q", uri)
		}
		ep.Address = rest
	case SchemeWS, SchemeWSS:
		u, err := url.Parse(uri)
		if err != nil {
			return Endpoint{}, fmt.Errorf("transport: parse %q: %w", uri, err)
		}
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("transport: empty host in %q", uri)
		}
		ep.Address = u.String()
	default:
		return Endpoint{}, fmt.Errorf("transport: unsupported scheme %q", scheme)
	}
	return ep, nil
}

// IsLocalSocket reports whether the endpoint names a unix domain socket path.
func (e Endpoint) IsLocalSocket() bool {
	return e.Scheme == SchemeIPC || e.Scheme == SchemeUnix
}

// SocketMissing reports whether a local socket endpoint has no file behind it.
func (e Endpoint) SocketMissing() bool {
	if !e.IsLocalSocket() {
		return false
	}
	_, err := os.Stat(e.Address)
	return err != nil
}
