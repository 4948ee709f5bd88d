package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/suPer8Hu/streamchat/internal/sse"
)

const errorBodyLimit = 4 * 1024

// ProviderError is a failed provider call: a non-2xx response, a missing
// body, or an error object inside the stream.
type ProviderError struct {
	Provider string
	Status   int
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Provider is a resolved endpoint ready to open streams.
type Provider struct {
	Config ProviderConfig
	Client *http.Client
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// OpenStream starts a streaming chat completion. The caller must Close the
// returned stream. Cancelling ctx aborts the request.
func (p *Provider) OpenStream(ctx context.Context, model string, messages []Message) (*Stream, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("ai: model is required")
	}

	body := chatRequest{Model: model, Messages: messages, Stream: true}
	if p.Config.IncludeUsage {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimRight(p.Config.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.Config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.Config.APIKey)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &ProviderError{Provider: p.Config.Name, Status: resp.StatusCode, Message: msg}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, &ProviderError{Provider: p.Config.Name, Status: resp.StatusCode, Message: "response has no body"}
	}

	return &Stream{provider: p.Config.Name, body: resp.Body, dec: sse.NewDecoder(resp.Body)}, nil
}

// Chunk is one provider frame reduced to what the relay needs.
type Chunk struct {
	Content   string
	Reasoning string

	// TotalTokens is set by the usage frame, when the provider sends one.
	TotalTokens int

	// Malformed frames carry their raw data in Raw and nothing else.
	Malformed bool
	Raw       string
}

// Stream reads chunks from an open completion.
type Stream struct {
	provider string
	body     io.ReadCloser
	dec      *sse.Decoder
	done     bool
}

type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content          json.RawMessage `json:"content"`
			ReasoningContent string          `json:"reasoning_content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Next returns the next chunk. It returns io.EOF after the [DONE] sentinel
// or when the body ends.
func (s *Stream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	f, err := s.dec.Next()
	if err != nil {
		s.done = true
		return Chunk{}, err
	}
	if f.IsDone() {
		s.done = true
		return Chunk{}, io.EOF
	}

	var frame streamFrame
	if err := f.Decode(&frame); err != nil {
		return Chunk{Malformed: true, Raw: f.Data}, nil
	}
	if frame.Error != nil && frame.Error.Message != "" {
		s.done = true
		return Chunk{}, &ProviderError{Provider: s.provider, Message: frame.Error.Message}
	}

	var c Chunk
	if frame.Usage != nil {
		c.TotalTokens = frame.Usage.TotalTokens
	}
	if len(frame.Choices) > 0 {
		d := frame.Choices[0].Delta
		c.Content = deltaText(d.Content)
		c.Reasoning = d.ReasoningContent
	}
	return c, nil
}

func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}

// deltaText accepts a string or an array of {text} parts.
func deltaText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}
