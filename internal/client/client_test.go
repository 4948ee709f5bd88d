package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/streamchat/internal/protocol"
	"github.com/suPer8Hu/streamchat/internal/sse"
)

type recorder struct {
	mu        sync.Mutex
	sessions  []protocol.SessionEvent
	deltas    []protocol.DeltaEvent
	completes []protocol.CompleteEvent
	errs      []error
	onDelta   func()
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnSession: func(e protocol.SessionEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sessions = append(r.sessions, e)
		},
		OnDelta: func(e protocol.DeltaEvent) {
			r.mu.Lock()
			r.deltas = append(r.deltas, e)
			hook := r.onDelta
			r.mu.Unlock()
			if hook != nil {
				hook()
			}
		},
		OnComplete: func(e protocol.CompleteEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, e)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) content() string {
	var s string
	for _, d := range r.deltas {
		s += d.Content
	}
	return s
}

func relay(t *testing.T, write func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(write))
	t.Cleanup(srv.Close)
	return srv
}

func streamOf(t *testing.T, frames ...func(w io.Writer) error) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			assert.NoError(t, f(w))
		}
	}
}

func ev(event string, payload any) func(io.Writer) error {
	return func(w io.Writer) error { return sse.Encode(w, event, payload) }
}

func raw(event, data string) func(io.Writer) error {
	return func(w io.Writer) error { return sse.EncodeData(w, event, data) }
}

func TestStartStream_DispatchesInOrder(t *testing.T) {
	mid := "01MSG"
	seen := make(chan *http.Request, 1)
	srv := relay(t, func(w http.ResponseWriter, r *http.Request) {
		var req protocol.ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hi", req.Message)
		seen <- r
		streamOf(t,
			ev("session", protocol.SessionEvent{Type: "session", SessionID: "S1"}),
			ev("session", protocol.SessionEvent{Type: "session", SessionID: "S1"}),
			ev("delta", protocol.DeltaEvent{Type: "delta", Content: "Hel", Reasoning: "r1"}),
			ev("delta", protocol.DeltaEvent{Type: "delta", Content: "lo", Reasoning: "r2"}),
			raw("", sse.Done),
			ev("complete", protocol.CompleteEvent{Type: "complete", SessionID: "S1", MessageID: &mid}),
			ev("delta", protocol.DeltaEvent{Type: "delta", Content: "late"}),
		)(w, r)
	})

	rec := &recorder{}
	h := New(srv.URL, "key").StartStream(context.Background(), protocol.ChatRequest{Message: "hi", Model: "deepseek-chat"}, rec.handlers())
	h.Wait()

	assert.Len(t, rec.sessions, 2)
	assert.Equal(t, "Hello", rec.content())
	require.Len(t, rec.completes, 1)
	assert.Equal(t, "S1", rec.completes[0].SessionID)
	assert.Equal(t, "r1r2", rec.completes[0].Reasoning)
	assert.Empty(t, rec.errs)

	r := <-seen
	assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
	assert.Equal(t, "key", r.Header.Get("apikey"))

	h.Abort()
	h.Abort()
}

func TestStartStream_ServerReasoningWins(t *testing.T) {
	srv := relay(t, streamOf(t,
		ev("delta", protocol.DeltaEvent{Reasoning: "local"}),
		ev("complete", protocol.CompleteEvent{Reasoning: "server"}),
	))
	rec := &recorder{}
	New(srv.URL, "").StartStream(context.Background(), protocol.ChatRequest{}, rec.handlers()).Wait()
	require.Len(t, rec.completes, 1)
	assert.Equal(t, "server", rec.completes[0].Reasoning)
}

func TestStartStream_ErrorEvent(t *testing.T) {
	srv := relay(t, streamOf(t,
		ev("session", protocol.SessionEvent{SessionID: "S"}),
		ev("error", protocol.ErrorEvent{Type: "error", Message: "provider down"}),
		ev("complete", protocol.CompleteEvent{}),
	))
	rec := &recorder{}
	New(srv.URL, "").StartStream(context.Background(), protocol.ChatRequest{}, rec.handlers()).Wait()

	require.Len(t, rec.errs, 1)
	var re *RelayError
	require.ErrorAs(t, rec.errs[0], &re)
	assert.Equal(t, "provider down", re.Message)
	assert.Empty(t, rec.completes)
	assert.False(t, errors.Is(rec.errs[0], ErrCanceled))
}

func TestStartStream_NonSuccessStatus(t *testing.T) {
	srv := relay(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})
	rec := &recorder{}
	New(srv.URL, "").StartStream(context.Background(), protocol.ChatRequest{}, rec.handlers()).Wait()

	require.Len(t, rec.errs, 1)
	var se *StatusError
	require.ErrorAs(t, rec.errs[0], &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "nope", se.Body)
}

func TestStartStream_NotConfigured(t *testing.T) {
	rec := &recorder{}
	h := New("  ", "").StartStream(context.Background(), protocol.ChatRequest{}, rec.handlers())

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrRelayNotConfigured)
	select {
	case <-h.Done():
	default:
		t.Fatal("handle should be done")
	}
	h.Abort()
}

func TestStartStream_AbortIsCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := relay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		assert.NoError(t, sse.Encode(w, "session", protocol.SessionEvent{SessionID: "S"}))
		assert.NoError(t, sse.Encode(w, "delta", protocol.DeltaEvent{Content: "partial"}))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	rec := &recorder{}
	var h *Handle
	started := make(chan struct{})
	rec.onDelta = func() {
		<-started
		h.Abort()
	}
	h = New(srv.URL, "").StartStream(context.Background(), protocol.ChatRequest{Model: "deepseek-chat"}, rec.handlers())
	close(started)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after abort")
	}

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrCanceled)
	assert.Empty(t, rec.completes)
	assert.Equal(t, "partial", rec.content())
	h.Abort()
}

func TestStartStream_ParentContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv := relay(t, streamOf(t))
	rec := &recorder{}
	New(srv.URL, "").StartStream(ctx, protocol.ChatRequest{}, rec.handlers()).Wait()

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrCanceled)
}

func TestStartStream_IncompleteStream(t *testing.T) {
	srv := relay(t, streamOf(t, ev("session", protocol.SessionEvent{SessionID: "S"})))
	rec := &recorder{}
	New(srv.URL, "").StartStream(context.Background(), protocol.ChatRequest{}, rec.handlers()).Wait()

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrIncompleteStream)
}

func TestStartStream_MalformedDelta(t *testing.T) {
	body := streamOf(t,
		raw("delta", "plain words"),
		ev("complete", protocol.CompleteEvent{}),
	)

	srv := relay(t, body)
	rec := &recorder{}
	New(srv.URL, "").StartStream(context.Background(), protocol.ChatRequest{Model: "deepseek-chat"}, rec.handlers()).Wait()
	assert.Equal(t, "plain words", rec.content())
	assert.Len(t, rec.completes, 1)

	rec = &recorder{}
	New(srv.URL, "").StartStream(context.Background(), protocol.ChatRequest{Model: "deepseek-reasoner"}, rec.handlers()).Wait()
	assert.Empty(t, rec.deltas)
	assert.Len(t, rec.completes, 1)
}

func TestAPI(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, status int, data any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		msg := "ok"
		if status != http.StatusOK {
			msg = "session not found"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": msg, "data": data})
	}
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		write(w, http.StatusOK, []protocol.Session{{ID: "A", Title: "a", CreatedAt: now}})
	})
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		write(w, http.StatusOK, protocol.Session{ID: "B", Title: body["title"], Model: body["model"]})
	})
	mux.HandleFunc("DELETE /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "missing" {
			write(w, http.StatusNotFound, nil)
			return
		}
		write(w, http.StatusOK, map[string]string{"id": r.PathValue("id")})
	})
	mux.HandleFunc("GET /sessions/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusOK, []protocol.Message{{ID: "M", Role: "user", Content: "hi"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api := NewAPI(srv.URL, "k")
	ctx := context.Background()

	sessions, err := api.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, now.Equal(sessions[0].CreatedAt))

	s, err := api.CreateSession(ctx, "t", "deepseek-chat")
	require.NoError(t, err)
	assert.Equal(t, "B", s.ID)
	assert.Equal(t, "deepseek-chat", s.Model)

	msgs, err := api.ListMessages(ctx, "B")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, api.DeleteSession(ctx, "B"))
	err = api.DeleteSession(ctx, "missing")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Equal(t, "session not found", se.Body)
}
