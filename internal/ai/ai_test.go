package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(baseURL string) *Registry {
	r := NewRegistry("deepseek")
	r.Register(ProviderConfig{Name: "deepseek", BaseURL: baseURL, APIKey: "k", RequiresKey: true})
	r.Register(ProviderConfig{Name: "openai", BaseURL: baseURL, RequiresKey: true, Multimodal: true})
	r.Register(ProviderConfig{Name: "ollama", BaseURL: baseURL})
	r.Route("openai", "gpt-", "o1", "o3")
	r.Route("deepseek", "deepseek-")
	r.Route("ollama", "llama", "qwen")
	return r
}

func TestRegistry_Routing(t *testing.T) {
	r := newTestRegistry("http://x")

	assert.Equal(t, "openai", r.ProviderName("gpt-4o-mini"))
	assert.Equal(t, "openai", r.ProviderName("O3-mini"))
	assert.Equal(t, "deepseek", r.ProviderName("deepseek-reasoner"))
	assert.Equal(t, "ollama", r.ProviderName("llama3:latest"))
	assert.Equal(t, "deepseek", r.ProviderName("something-else"))
}

func TestRegistry_Resolve(t *testing.T) {
	r := newTestRegistry("http://x")

	p, err := r.Resolve("deepseek-chat")
	require.NoError(t, err)
	assert.Equal(t, "deepseek", p.Config.Name)

	_, err = r.Resolve("gpt-4o")
	assert.ErrorIs(t, err, ErrMissingCredential)

	p, err = r.Resolve("qwen2")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Config.Name)

	r.Route("mystery", "zz")
	_, err = r.Resolve("zz-1")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestContent_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Message{Role: "user", Content: Text("hi")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(b))

	b, err = json.Marshal(Message{Role: "user", Content: Parts(TextPart("look"), ImagePart("https://i/1.png"))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"https://i/1.png"}}]}`, string(b))

	var m Message
	require.NoError(t, json.Unmarshal(b, &m))
	assert.True(t, m.Content.IsParts())
	assert.Len(t, m.Content.Parts(), 2)
	assert.Equal(t, "look", m.Content.Text())
}

func streamServer(t *testing.T, body string) (*httptest.Server, <-chan chatRequest) {
	t.Helper()
	seen := make(chan chatRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen <- req
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func drain(t *testing.T, s *Stream) ([]Chunk, error) {
	t.Helper()
	var out []Chunk
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

func TestOpenStream_Chunks(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
		": keep-alive\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":[{\"type\":\"text\",\"text\":\"lo\"}],\"reasoning_content\":\"hmm\"}}]}\n\n" +
		"data: not-json\n\n" +
		"data: {\"choices\":[],\"usage\":{\"total_tokens\":12}}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ignored\"}}]}\n\n"

	srv, requests := streamServer(t, body)
	p, err := newTestRegistry(srv.URL).Resolve("deepseek-chat")
	require.NoError(t, err)

	s, err := p.OpenStream(context.Background(), "deepseek-chat", []Message{{Role: "user", Content: Text("hi")}})
	require.NoError(t, err)
	defer s.Close()

	chunks, err := drain(t, s)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.Equal(t, "lo", chunks[1].Content)
	assert.Equal(t, "hmm", chunks[1].Reasoning)
	assert.True(t, chunks[2].Malformed)
	assert.Equal(t, "not-json", chunks[2].Raw)
	assert.Equal(t, 12, chunks[3].TotalTokens)

	seen := <-requests
	assert.True(t, seen.Stream)
	assert.Equal(t, "deepseek-chat", seen.Model)
	require.Len(t, seen.Messages, 1)
	assert.Equal(t, "hi", seen.Messages[0].Content.Text())
}

func TestOpenStream_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := newTestRegistry(srv.URL).Resolve("deepseek-chat")
	require.NoError(t, err)

	_, err = p.OpenStream(context.Background(), "deepseek-chat", nil)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.Status)
	assert.Contains(t, pe.Message, "quota")
}

func TestStream_ErrorObject(t *testing.T) {
	srv, _ := streamServer(t, "data: {\"error\":{\"message\":\"overloaded\"}}\n\n")
	p, err := newTestRegistry(srv.URL).Resolve("deepseek-chat")
	require.NoError(t, err)

	s, err := p.OpenStream(context.Background(), "deepseek-chat", nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = drain(t, s)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "overloaded", pe.Message)
}
