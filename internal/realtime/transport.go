package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Transport is one established push-channel connection.
type Transport interface {
	// Read blocks until the next inbound frame.
	Read(ctx context.Context) (Envelope, error)
	Write(ctx context.Context, env Envelope) error
	Close() error
	Name() string
}

// Dialer opens a Transport authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Transport, error)
}

// FallbackDialer tries each dialer in order and returns the first transport
// that comes up.
type FallbackDialer []Dialer

// Dial implements Dialer.
func (f FallbackDialer) Dial(ctx context.Context, token string) (Transport, error) {
	if len(f) == 0 {
		return nil, errors.New("no dialers configured")
	}
	var errs []error
	for _, d := range f {
		t, err := d.Dial(ctx, token)
		if err == nil {
			return t, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// endpoint joins the channel base URL with path and adds the token query
// parameter. When ws is set the scheme is switched to ws/wss.
func endpoint(base, path, token string, ws bool) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", fmt.Errorf("parse channel url: %w", err)
	}
	if ws {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http":
			u.Scheme = "ws"
		}
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
