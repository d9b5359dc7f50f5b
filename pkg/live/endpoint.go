// Package live keeps client-side query results fresh. It holds one socket
// to the storefront's realtime endpoint, joins the topics that cached
// queries depend on, and refetches a query when its topic's event arrives.
//
// Events carry no data. A client that misses one while disconnected is not
// told about it later; it re-joins after reconnecting and sees only what is
// published from then on.
package live

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Environments with distinct realtime endpoints.
const (
	Production  = "production"
	Development = "development"
)

var ErrNoHost = errors.New("no realtime host configured")

// Endpoint is where the realtime socket lives.
type Endpoint struct {
	URL  string // origin, e.g. https://shop.example
	Path string
}

// ResolveEndpoint picks the endpoint for env. Production uses the page's own
// origin with /socket; development talks to devHost with /api/socket.
func ResolveEndpoint(env, pageOrigin, devHost string) (Endpoint, error) {
	if env == Production {
		if pageOrigin == "" {
			return Endpoint{}, ErrNoHost
		}
		return Endpoint{URL: strings.TrimRight(pageOrigin, "/"), Path: "/socket"}, nil
	}
	if devHost == "" {
		return Endpoint{}, ErrNoHost
	}
	return Endpoint{URL: strings.TrimRight(devHost, "/"), Path: "/api/socket"}, nil
}

// SocketURL converts the endpoint to a ws:// or wss:// URL.
func (e Endpoint) SocketURL() (string, error) {
	u, err := url.Parse(e.URL)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", e.URL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", ErrNoHost
	}
	u.Path = e.Path
	return u.String(), nil
}
