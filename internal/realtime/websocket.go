package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

const maxFrameSize = 1 << 20

// WSDialer connects to {channel}/realtime/ws.
type WSDialer struct {
	ChannelURL string
	HTTPClient *http.Client
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, token string) (Transport, error) {
	u, err := endpoint(d.ChannelURL, "/realtime/ws", token, true)
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Name() string { return "websocket" }

func (t *wsTransport) Read(ctx context.Context) (Envelope, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return Envelope{}, err
		}
		if typ != websocket.MessageText {
			continue
		}
		// A malformed frame yields an empty envelope, which the dispatcher
		// drops as unknown.
		var env Envelope
		_ = json.Unmarshal(data, &env)
		return env, nil
	}
}

func (t *wsTransport) Write(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
