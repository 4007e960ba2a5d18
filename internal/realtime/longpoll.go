package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// LongPollDialer connects to the HTTP long-poll fallback:
// GET {channel}/realtime/poll?cursor= and POST {channel}/realtime/emit.
type LongPollDialer struct {
	ChannelURL string
	HTTPClient *http.Client
}

type pollResponse struct {
	Cursor string     `json:"cursor"`
	Events []Envelope `json:"events"`
}

// Dial implements Dialer. It performs one non-waiting poll so a bad
// credential or missing endpoint fails the dial.
func (d LongPollDialer) Dial(ctx context.Context, token string) (Transport, error) {
	hc := d.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	tctx, cancel := context.WithCancel(context.Background())
	t := &longPollTransport{
		base:   d.ChannelURL,
		token:  token,
		client: hc,
		ctx:    tctx,
		cancel: cancel,
	}
	if err := t.poll(ctx, false); err != nil {
		cancel()
		return nil, fmt.Errorf("long-poll dial: %w", err)
	}
	return t, nil
}

type longPollTransport struct {
	base   string
	token  string
	client *http.Client

	mu     sync.Mutex
	cursor string
	queue  []Envelope

	ctx    context.Context
	cancel context.CancelFunc
}

func (t *longPollTransport) Name() string { return "long-poll" }

func (t *longPollTransport) Read(ctx context.Context) (Envelope, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			env := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()
			return env, nil
		}
		t.mu.Unlock()

		if err := t.poll(ctx, true); err != nil {
			return Envelope{}, err
		}
	}
}

func (t *longPollTransport) poll(ctx context.Context, wait bool) error {
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()

	u, err := endpoint(t.base, "/realtime/poll", t.token, false)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("cursor", cursor)
	if !wait {
		q.Set("wait", "0")
	}
	req.URL.RawQuery = q.Encode()
	t.authorize(req)

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}
	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return fmt.Errorf("poll: decode: %w", err)
	}

	t.mu.Lock()
	if pr.Cursor != "" {
		t.cursor = pr.Cursor
	}
	t.queue = append(t.queue, pr.Events...)
	t.mu.Unlock()

	// An empty answer that came back immediately is throttled so a server
	// without hold support is not hammered.
	if wait && len(pr.Events) == 0 && time.Since(start) < 100*time.Millisecond {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil
}

func (t *longPollTransport) Write(ctx context.Context, env Envelope) error {
	if t.ctx.Err() != nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	u, err := endpoint(t.base, "/realtime/emit", t.token, false)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("emit: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (t *longPollTransport) Close() error {
	t.cancel()
	return nil
}

func (t *longPollTransport) authorize(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}
