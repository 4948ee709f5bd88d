// Package client talks to the relay: it consumes the chat event stream and
// calls the session and message endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/suPer8Hu/streamchat/internal/protocol"
	"github.com/suPer8Hu/streamchat/internal/sse"
)

var (
	ErrRelayNotConfigured = errors.New("relay url is not configured")
	// ErrCanceled reports a stream stopped by Abort or by its context.
	ErrCanceled         = errors.New("stream canceled")
	ErrIncompleteStream = errors.New("stream ended without complete or error event")
)

const errorBodyLimit = 4 * 1024

// StatusError is a non-2xx response from the relay.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay: status %d", e.StatusCode)
	}
	return fmt.Sprintf("relay: status %d: %s", e.StatusCode, e.Body)
}

// RelayError is an error event sent by the relay.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string { return e.Message }

// Handlers receive the events of one stream. They are called from the
// stream's goroutine, in arrival order. Exactly one of OnComplete and OnError
// is called last.
type Handlers struct {
	OnSession  func(protocol.SessionEvent)
	OnDelta    func(protocol.DeltaEvent)
	OnComplete func(protocol.CompleteEvent)
	OnError    func(error)
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		http:    &http.Client{},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Handle controls a running stream.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Abort stops the stream. It is safe to call any number of times, also after
// the stream has finished.
func (h *Handle) Abort() { h.cancel() }

// Done is closed after the last handler returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Wait() { <-h.done }

// StartStream posts req to the relay and dispatches its events to hs.
func (c *Client) StartStream(ctx context.Context, req protocol.ChatRequest, hs Handlers) *Handle {
	cctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	if c.baseURL == "" {
		cancel()
		close(h.done)
		if hs.OnError != nil {
			hs.OnError(ErrRelayNotConfigured)
		}
		return h
	}

	go func() {
		defer close(h.done)
		defer cancel()
		c.run(cctx, req, hs)
	}()
	return h
}

func (c *Client) run(ctx context.Context, req protocol.ChatRequest, hs Handlers) {
	var once sync.Once
	finish := func(err error) {
		once.Do(func() {
			if hs.OnError != nil {
				hs.OnError(err)
			}
		})
	}
	canceledOr := func(err error) error {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		finish(err)
		return
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		finish(err)
		return
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
		hreq.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		finish(canceledOr(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		finish(&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
		return
	}

	reasoningModel := protocol.IsReasoningModel(req.Model)
	var reasoning strings.Builder
	dec := sse.NewDecoder(resp.Body)
	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				finish(canceledOr(ErrIncompleteStream))
				return
			}
			finish(canceledOr(err))
			return
		}
		if f.IsDone() {
			continue
		}

		switch f.Event {
		case protocol.EventSession:
			var evt protocol.SessionEvent
			if err := f.Decode(&evt); err != nil {
				c.log.Warn("skipping malformed session event", "err", err)
				continue
			}
			if hs.OnSession != nil {
				hs.OnSession(evt)
			}

		case protocol.EventDelta:
			var evt protocol.DeltaEvent
			if err := f.Decode(&evt); err != nil {
				if reasoningModel {
					c.log.Debug("dropping malformed delta", "err", err)
					continue
				}
				evt = protocol.DeltaEvent{Type: protocol.EventDelta, Content: f.Data}
			}
			reasoning.WriteString(evt.Reasoning)
			if hs.OnDelta != nil {
				hs.OnDelta(evt)
			}

		case protocol.EventComplete:
			var evt protocol.CompleteEvent
			if err := f.Decode(&evt); err != nil {
				c.log.Warn("skipping malformed complete event", "err", err)
				continue
			}
			if evt.Reasoning == "" {
				evt.Reasoning = reasoning.String()
			}
			once.Do(func() {
				if hs.OnComplete != nil {
					hs.OnComplete(evt)
				}
			})
			return

		case protocol.EventError:
			var evt protocol.ErrorEvent
			if err := f.Decode(&evt); err != nil || evt.Message == "" {
				evt.Message = f.Data
			}
			finish(&RelayError{Message: evt.Message})
			return

		default:
			c.log.Debug("ignoring event", "event", f.Event)
		}
	}
}
