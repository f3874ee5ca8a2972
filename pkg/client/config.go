package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/userlist/userlist/pkg/codec"
	"github.com/userlist/userlist/pkg/logger"
	"github.com/userlist/userlist/pkg/reconciler"
	"github.com/userlist/userlist/pkg/stream"
)

// Config holds everything needed to build a Client.
type Config struct {
	// HTTPURL is the base of the command endpoints, e.g. http://localhost:8080.
	HTTPURL string

	// StreamURL is the change feed, e.g. ws://localhost:8080/user.
	StreamURL string

	// Codec of the change feed. Defaults to codec.JSON.
	Codec codec.Codec

	// Retryer enables reconnecting the change feed. Nil means a lost feed
	// stays lost.
	Retryer stream.Retryer

	// IgnoreLocks makes the client edit and delete records regardless of
	// foreign locks.
	IgnoreLocks bool

	// HTTPClient overrides the command client's transport.
	HTTPClient *http.Client

	// Observer is called after every reconciled notification or resync, on
	// the reconciler goroutine.
	Observer reconciler.Observer

	Logger logger.Logger
}

// NewConfig derives the command and stream endpoints from u, which may use
// any of the http, https, ws or wss schemes. A path on u is kept as a prefix
// for both.
func NewConfig(u *url.URL) (*Config, error) {
	var httpScheme, wsScheme string
	switch u.Scheme {
	case "http", "ws":
		httpScheme, wsScheme = "http", "ws"
	case "https", "wss":
		httpScheme, wsScheme = "https", "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q in %s", u.Scheme, u.Redacted())
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %s", u.Redacted())
	}

	prefix := strings.TrimSuffix(u.Path, "/")

	return &Config{
		HTTPURL:   fmt.Sprintf("%s://%s%s", httpScheme, u.Host, prefix),
		StreamURL: fmt.Sprintf("%s://%s%s/user", wsScheme, u.Host, prefix),
		Codec:     codec.JSON{},
	}, nil
}
