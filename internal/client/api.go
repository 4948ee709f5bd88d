package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/suPer8Hu/streamchat/internal/protocol"
)

// API calls the relay's session and message endpoints.
type API struct {
	client *resty.Client
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func NewAPI(baseURL, apiKey string) *API {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(baseURL, "/"))
	client.SetTimeout(30 * time.Second)
	client.SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
		client.SetHeader("apikey", apiKey)
	}
	return &API{client: client}
}

func do[T any](ctx context.Context, req *resty.Request, method, path string) (T, error) {
	var (
		out  envelope[T]
		fail envelope[any]
		zero T
	)
	resp, err := req.SetContext(ctx).SetResult(&out).SetError(&fail).Execute(method, path)
	if err != nil {
		return zero, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		body := fail.Message
		if body == "" {
			body = strings.TrimSpace(resp.String())
		}
		return zero, &StatusError{StatusCode: resp.StatusCode(), Body: body}
	}
	return out.Data, nil
}

func (a *API) ListSessions(ctx context.Context) ([]protocol.Session, error) {
	return do[[]protocol.Session](ctx, a.client.R(), resty.MethodGet, "/sessions")
}

func (a *API) CreateSession(ctx context.Context, title, model string) (protocol.Session, error) {
	req := a.client.R().SetBody(map[string]string{"title": title, "model": model})
	return do[protocol.Session](ctx, req, resty.MethodPost, "/sessions")
}

func (a *API) DeleteSession(ctx context.Context, id string) error {
	req := a.client.R().SetPathParam("id", id)
	_, err := do[any](ctx, req, resty.MethodDelete, "/sessions/{id}")
	return err
}

func (a *API) ListMessages(ctx context.Context, sessionID string) ([]protocol.Message, error) {
	req := a.client.R().SetPathParam("id", sessionID)
	return do[[]protocol.Message](ctx, req, resty.MethodGet, "/sessions/{id}/messages")
}
