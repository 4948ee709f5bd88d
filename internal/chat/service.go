package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/suPer8Hu/streamchat/internal/ai"
	"github.com/suPer8Hu/streamchat/internal/protocol"
)

var ErrSessionBusy = errors.New("session is busy")

// Emitter receives the events of one relay stream.
type Emitter interface {
	Send(event string, payload any) error
}

// TurnPublisher announces concluded turns.
type TurnPublisher interface {
	PublishTurn(ctx context.Context, evt protocol.TurnCompleted) error
}

// SessionLocker lets only one relay at a time work on a session. acquired is
// false when another holder has the lock.
type SessionLocker interface {
	TryAcquire(ctx context.Context, sessionID string) (release func(), acquired bool, err error)
}

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	contextWindowSize int
	publisher         TurnPublisher
	locker            SessionLocker
	log               *slog.Logger
}

type Option func(*Service)

func WithPublisher(p TurnPublisher) Option { return func(s *Service) { s.publisher = p } }

func WithLocker(l SessionLocker) Option { return func(s *Service) { s.locker = l } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// NewService builds the relay service. contextWindowSize caps the history
// sent to the provider; zero or less sends the whole session.
func NewService(repo *Repo, registry *ai.Registry, contextWindowSize int, opts ...Option) *Service {
	if contextWindowSize < 0 {
		contextWindowSize = 0
	}
	s := &Service{
		repo:              repo,
		registry:          registry,
		contextWindowSize: contextWindowSize,
		log:               slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) CreateSession(ctx context.Context, title, model string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = protocol.DefaultTitle
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = protocol.DefaultModel
	}
	session := &Session{Title: title, Model: model}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context) ([]Session, error) {
	return s.repo.ListSessions(ctx)
}

func (s *Service) DeleteSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, sessionID, 0)
}

// Relay runs one chat turn: it resolves the session, stores the user message,
// streams the provider's answer to out as delta events and stores the
// assistant message once the provider is done.
//
// Failures are reported to out as a single error event and also returned.
// Nothing persisted before a failure is rolled back. When out itself fails
// the client is gone; Relay stops and returns the write error.
func (s *Service) Relay(ctx context.Context, req protocol.ChatRequest, out Emitter) error {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = protocol.DefaultModel
	}

	// 0) configuration is checked before anything is stored
	provider, err := s.registry.Resolve(model)
	if err != nil {
		return s.fail(out, err)
	}

	if req.SessionID != "" && s.locker != nil {
		release, acquired, err := s.locker.TryAcquire(ctx, req.SessionID)
		switch {
		case err != nil:
			s.log.Warn("session lock unavailable", "session_id", req.SessionID, "err", err)
		case !acquired:
			return s.fail(out, ErrSessionBusy)
		default:
			defer release()
		}
	}

	// 1) resolve session and announce it before any token
	session, err := s.resolveSession(ctx, req, model)
	if err != nil {
		return s.fail(out, err)
	}
	summary := session.Summary()
	if err := out.Send(protocol.EventSession, protocol.SessionEvent{
		Type:      protocol.EventSession,
		SessionID: session.ID,
		Session:   &summary,
	}); err != nil {
		return fmt.Errorf("relay: write session: %w", err)
	}

	// 2) store user message
	userMsg := &Message{
		SessionID:   session.ID,
		Role:        protocol.RoleUser,
		Content:     protocol.ComposeUserContent(req.Message, req.Attachments, false),
		Attachments: req.Attachments,
	}
	if err := s.repo.InsertMessage(ctx, userMsg); err != nil {
		return s.fail(out, fmt.Errorf("store user message: %w", err))
	}

	// 3) history as provider context
	history, err := s.repo.ListMessages(ctx, session.ID, s.contextWindowSize)
	if err != nil {
		return s.fail(out, fmt.Errorf("load history: %w", err))
	}
	messages := providerMessages(history)

	// 5) multimodal rewrite of the outgoing turn only
	if provider.Config.Multimodal {
		attachImages(messages, req)
	}

	// 6) open upstream stream
	stream, err := provider.OpenStream(ctx, model, messages)
	if err != nil {
		return s.fail(out, err)
	}
	defer stream.Close()

	// 7) forward deltas
	reasoningModel := protocol.IsReasoningModel(model)
	var content, reasoning strings.Builder
	tokens := 0
	for {
		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			// 8) [DONE] or end of body
			break
		}
		if err != nil {
			return s.fail(out, err)
		}
		if chunk.TotalTokens > 0 {
			tokens = chunk.TotalTokens
		}

		delta := protocol.DeltaEvent{Type: protocol.EventDelta}
		switch {
		case chunk.Malformed && reasoningModel:
			s.log.Debug("skipping malformed provider frame", "provider", provider.Config.Name, "data", chunk.Raw)
			continue
		case chunk.Malformed:
			delta.Content = chunk.Raw
		default:
			delta.Content = chunk.Content
			if reasoningModel {
				delta.Reasoning = chunk.Reasoning
			}
		}
		if delta.Content == "" && delta.Reasoning == "" {
			continue
		}

		content.WriteString(delta.Content)
		reasoning.WriteString(delta.Reasoning)
		if err := out.Send(protocol.EventDelta, delta); err != nil {
			return fmt.Errorf("relay: write delta: %w", err)
		}
	}

	// 9) + 10) store assistant message and touch the session
	var assistant *Message
	if strings.TrimSpace(content.String()) != "" {
		assistant = &Message{
			SessionID: session.ID,
			Role:      protocol.RoleAssistant,
			Content:   content.String(),
			Model:     &model,
		}
		if r := reasoning.String(); r != "" {
			assistant.Reasoning = &r
		}
		if tokens > 0 {
			assistant.Tokens = &tokens
		}
	}
	if err := s.repo.CompleteTurn(ctx, session.ID, model, assistant); err != nil {
		return s.fail(out, fmt.Errorf("store assistant message: %w", err))
	}

	// 11) complete
	done := protocol.CompleteEvent{
		Type:      protocol.EventComplete,
		SessionID: session.ID,
		Reasoning: reasoning.String(),
	}
	if assistant != nil {
		done.MessageID = &assistant.ID
	}
	if err := out.Send(protocol.EventComplete, done); err != nil {
		return fmt.Errorf("relay: write complete: %w", err)
	}

	s.publishTurn(ctx, session.ID, model, assistant, tokens)
	return nil
}

func (s *Service) resolveSession(ctx context.Context, req protocol.ChatRequest, model string) (*Session, error) {
	if req.SessionID != "" {
		return s.repo.GetSession(ctx, req.SessionID)
	}
	session := &Session{Title: protocol.SessionTitle(req.Message), Model: model}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// fail reports err as the terminal error event and returns it.
func (s *Service) fail(out Emitter, err error) error {
	if werr := out.Send(protocol.EventError, protocol.ErrorEvent{
		Type:    protocol.EventError,
		Message: err.Error(),
	}); werr != nil {
		return errors.Join(err, fmt.Errorf("relay: write error: %w", werr))
	}
	return err
}

func (s *Service) publishTurn(ctx context.Context, sessionID, model string, assistant *Message, tokens int) {
	if s.publisher == nil {
		return
	}
	evt := protocol.TurnCompleted{
		EventID:     uuid.NewString(),
		SessionID:   sessionID,
		Model:       model,
		Tokens:      tokens,
		CompletedAt: time.Now().UTC(),
	}
	if assistant != nil {
		evt.MessageID = assistant.ID
	}
	if err := s.publisher.PublishTurn(context.WithoutCancel(ctx), evt); err != nil {
		s.log.Warn("publish turn event failed", "session_id", sessionID, "err", err)
	}
}

func providerMessages(history []Message) []ai.Message {
	out := make([]ai.Message, 0, len(history))
	for _, m := range history {
		out = append(out, ai.Message{Role: m.Role, Content: ai.Text(m.Content)})
	}
	return out
}

// attachImages turns the last message into one text part plus one image part
// per image of the request.
func attachImages(messages []ai.Message, req protocol.ChatRequest) {
	if len(messages) == 0 {
		return
	}
	var images []ai.Part
	for _, att := range req.Attachments {
		if att.IsImage() && att.URL != "" {
			images = append(images, ai.ImagePart(att.URL))
		}
	}
	if len(images) == 0 {
		return
	}

	last := &messages[len(messages)-1]
	parts := make([]ai.Part, 0, len(images)+1)
	if text := last.Content.Text(); text != "" {
		parts = append(parts, ai.TextPart(text))
	}
	parts = append(parts, images...)
	last.Content = ai.Parts(parts...)
}
