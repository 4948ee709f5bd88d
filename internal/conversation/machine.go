// Package conversation keeps the client-side state of a chat: the session
// list, the active conversation with its optimistic messages, the composer and
// the one stream that may be in flight.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/suPer8Hu/streamchat/internal/client"
	"github.com/suPer8Hu/streamchat/internal/protocol"
)

// MaxAttachmentSize is the largest file accepted by AddAttachment.
const MaxAttachmentSize = 10 << 20

var (
	ErrNoSessionSelected     = errors.New("select or create a session first")
	ErrAttachmentTooLarge    = errors.New("attachment exceeds 10MB")
	ErrUnsupportedAttachment = errors.New("model does not accept document attachments")
)

const (
	msgGenerationFailed = "generation failed"
	msgLoadSessions     = "failed to load sessions"
	msgLoadMessages     = "failed to load messages"
	msgCreateSession    = "failed to create session"
	msgDeleteSession    = "failed to delete session"
)

// Aborter stops a running stream.
type Aborter interface {
	Abort()
}

// Streamer starts a relay stream. Handlers may be called before StartStream
// returns.
type Streamer interface {
	StartStream(ctx context.Context, req protocol.ChatRequest, hs client.Handlers) Aborter
}

// Store is the REST side of the relay. *client.API satisfies it.
type Store interface {
	ListSessions(ctx context.Context) ([]protocol.Session, error)
	CreateSession(ctx context.Context, title, model string) (protocol.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListMessages(ctx context.Context, sessionID string) ([]protocol.Message, error)
}

type clientStreamer struct{ c *client.Client }

func (s clientStreamer) StartStream(ctx context.Context, req protocol.ChatRequest, hs client.Handlers) Aborter {
	return s.c.StartStream(ctx, req, hs)
}

// FromClient adapts a relay client to Streamer.
func FromClient(c *client.Client) Streamer { return clientStreamer{c: c} }

// State is a snapshot of the conversation.
type State struct {
	Sessions        []protocol.Session
	ActiveSessionID string
	Messages        []protocol.Message

	Composer           string
	LastSubmittedInput string
	Attachments        []protocol.Attachment

	Streaming          bool
	StreamingMessageID string

	Model string
	Error string

	LoadingSessions bool
	LoadingMessages bool
	Initialized     bool
}

// PendingAssistant returns the placeholder the current stream writes into.
func (s State) PendingAssistant() (protocol.Message, bool) {
	if s.StreamingMessageID == "" {
		return protocol.Message{}, false
	}
	for _, m := range s.Messages {
		if m.ID == s.StreamingMessageID {
			return m, true
		}
	}
	return protocol.Message{}, false
}

type turn struct {
	seq         uint64
	model       string
	assistantID string
	userID      string
	ctx         context.Context
	handle      Aborter
	done        chan struct{}
}

type Machine struct {
	store    Store
	streamer Streamer
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	st    State
	cur   *turn
	last  *turn
	turns uint64
	subs  map[chan struct{}]struct{}
}

type Option func(*Machine)

func WithLogger(l *slog.Logger) Option { return func(m *Machine) { m.log = l } }

func WithModel(model string) Option { return func(m *Machine) { m.st.Model = model } }

func New(store Store, streamer Streamer, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		streamer: streamer,
		log:      slog.Default(),
		now:      time.Now,
		st:       State{Model: protocol.DefaultModel},
		subs:     map[chan struct{}]struct{}{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Snapshot returns a copy of the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.st
	s.Sessions = slices.Clone(m.st.Sessions)
	s.Messages = slices.Clone(m.st.Messages)
	s.Attachments = slices.Clone(m.st.Attachments)
	return s
}

// Subscribe returns a channel that receives a value after state changes.
// Notifications coalesce; read Snapshot to see the latest state.
func (m *Machine) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, ch)
			m.mu.Unlock()
		})
	}
}

// update applies fn under the lock and notifies subscribers.
func (m *Machine) update(fn func(*State)) {
	m.mu.Lock()
	fn(&m.st)
	m.notifyLocked()
	m.mu.Unlock()
}

func (m *Machine) notifyLocked() {
	for ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func errText(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}

// Initialize loads the session list and selects the first session. It runs
// once unless force is set.
func (m *Machine) Initialize(ctx context.Context, force bool) error {
	m.mu.Lock()
	if m.st.Initialized && !force {
		m.mu.Unlock()
		return nil
	}
	m.st.Initialized = true
	m.mu.Unlock()
	return m.RefreshSessions(ctx, true, true)
}

// RefreshSessions reloads the session list. With selectFirst the first
// session becomes active; an active session that no longer exists is
// replaced by the first one as well. Messages of the resulting session are
// reloaded when selectFirst or refreshActive is set.
func (m *Machine) RefreshSessions(ctx context.Context, selectFirst, refreshActive bool) error {
	return m.refreshSessions(ctx, selectFirst, refreshActive, true)
}

func (m *Machine) refreshSessions(ctx context.Context, selectFirst, refreshActive, clearErr bool) error {
	m.update(func(s *State) {
		s.LoadingSessions = true
		if clearErr {
			s.Error = ""
		}
	})

	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		m.log.Error("list sessions failed", "err", err)
		m.update(func(s *State) {
			s.LoadingSessions = false
			s.Error = errText(err, msgLoadSessions)
		})
		return err
	}

	var target string
	m.update(func(s *State) {
		s.Sessions = sessions
		target = s.ActiveSessionID
		known := slices.ContainsFunc(sessions, func(x protocol.Session) bool { return x.ID == target })
		if selectFirst || (target != "" && !known) {
			target = ""
			if len(sessions) > 0 {
				target = sessions[0].ID
			}
			s.ActiveSessionID = target
		}
		if target == "" {
			s.Messages = nil
		}
	})

	if target != "" && (selectFirst || refreshActive) {
		err = m.refreshMessages(ctx, target, clearErr)
	}
	m.update(func(s *State) { s.LoadingSessions = false })
	return err
}

// RefreshMessages replaces the message list with the stored messages of
// sessionID. An empty id clears the list.
func (m *Machine) RefreshMessages(ctx context.Context, sessionID string) error {
	return m.refreshMessages(ctx, sessionID, true)
}

func (m *Machine) refreshMessages(ctx context.Context, sessionID string, clearErr bool) error {
	if sessionID == "" {
		m.update(func(s *State) { s.Messages = nil })
		return nil
	}
	m.update(func(s *State) {
		s.LoadingMessages = true
		if clearErr {
			s.Error = ""
		}
	})

	msgs, err := m.store.ListMessages(ctx, sessionID)
	m.update(func(s *State) {
		s.LoadingMessages = false
		if err != nil {
			s.Error = errText(err, msgLoadMessages)
			return
		}
		s.Messages = msgs
	})
	if err != nil {
		m.log.Error("list messages failed", "session_id", sessionID, "err", err)
	}
	return err
}

// SelectSession makes id the active session and loads its messages.
func (m *Machine) SelectSession(ctx context.Context, id string) error {
	m.mu.Lock()
	if id == "" || id == m.st.ActiveSessionID {
		m.mu.Unlock()
		return nil
	}
	m.st.ActiveSessionID = id
	m.st.Composer = ""
	m.notifyLocked()
	m.mu.Unlock()
	return m.RefreshMessages(ctx, id)
}

// CreateSession creates an empty session with the current model and makes it
// active.
func (m *Machine) CreateSession(ctx context.Context) error {
	m.mu.Lock()
	model := m.st.Model
	m.mu.Unlock()

	sess, err := m.store.CreateSession(ctx, protocol.DefaultTitle, model)
	if err != nil {
		m.log.Error("create session failed", "err", err)
		m.update(func(s *State) { s.Error = errText(err, msgCreateSession) })
		return err
	}
	m.update(func(s *State) {
		s.Sessions = append([]protocol.Session{sess}, s.Sessions...)
		s.ActiveSessionID = sess.ID
		s.Messages = nil
		s.Composer = ""
	})
	return nil
}

// RemoveSession deletes a session. When it was active the next session in
// the list becomes active.
func (m *Machine) RemoveSession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := m.store.DeleteSession(ctx, id); err != nil {
		m.log.Error("delete session failed", "session_id", id, "err", err)
		m.update(func(s *State) { s.Error = errText(err, msgDeleteSession) })
		return err
	}

	var next string
	var wasActive bool
	m.update(func(s *State) {
		s.Sessions = slices.DeleteFunc(s.Sessions, func(x protocol.Session) bool { return x.ID == id })
		if s.ActiveSessionID != id {
			return
		}
		wasActive = true
		if len(s.Sessions) > 0 {
			next = s.Sessions[0].ID
		}
		s.ActiveSessionID = next
		s.Messages = nil
		s.Composer = ""
	})
	if wasActive && next != "" {
		return m.RefreshMessages(ctx, next)
	}
	return nil
}

func (m *Machine) SetComposer(text string) {
	m.update(func(s *State) { s.Composer = text })
}

func (m *Machine) SetModel(model string) {
	m.update(func(s *State) { s.Model = model })
}

func (m *Machine) ClearError() {
	m.update(func(s *State) { s.Error = "" })
}

// AddAttachment queues a file for the next message. Documents are only
// accepted by models that read files.
func (m *Machine) AddAttachment(att protocol.Attachment) error {
	var err error
	m.update(func(s *State) {
		switch {
		case att.Size > MaxAttachmentSize:
			err = ErrAttachmentTooLarge
		case !att.IsImage() && !protocol.SupportsFiles(s.Model):
			err = ErrUnsupportedAttachment
		default:
			s.Attachments = append(s.Attachments, att)
			return
		}
		s.Error = err.Error()
	})
	return err
}

func (m *Machine) RemoveAttachment(i int) {
	m.update(func(s *State) {
		if i >= 0 && i < len(s.Attachments) {
			s.Attachments = slices.Delete(s.Attachments, i, i+1)
		}
	})
}

func (m *Machine) ClearAttachments() {
	m.update(func(s *State) { s.Attachments = nil })
}

// Submit sends the composer text and queued attachments to the active
// session. It does nothing when there is nothing to send or a stream is
// already running.
func (m *Machine) Submit(ctx context.Context) error {
	m.mu.Lock()
	text := strings.TrimSpace(m.st.Composer)
	if text == "" && len(m.st.Attachments) == 0 {
		m.mu.Unlock()
		return nil
	}
	if m.st.ActiveSessionID == "" {
		m.st.Error = ErrNoSessionSelected.Error()
		m.notifyLocked()
		m.mu.Unlock()
		return ErrNoSessionSelected
	}
	if m.st.Streaming {
		m.mu.Unlock()
		return nil
	}

	m.turns++
	id := uuid.NewString()
	t := &turn{
		seq:         m.turns,
		model:       m.st.Model,
		userID:      "temp-user-" + id,
		assistantID: "temp-assistant-" + id,
		ctx:         context.WithoutCancel(ctx),
		done:        make(chan struct{}),
	}
	atts := m.st.Attachments
	now := m.now().UTC()
	user := protocol.Message{
		ID:          t.userID,
		SessionID:   m.st.ActiveSessionID,
		Role:        protocol.RoleUser,
		Content:     protocol.ComposeUserContent(text, atts, true),
		Attachments: atts,
		CreatedAt:   now,
		Temp:        true,
	}
	assistant := protocol.Message{
		ID:        t.assistantID,
		SessionID: m.st.ActiveSessionID,
		Role:      protocol.RoleAssistant,
		Model:     t.model,
		CreatedAt: now,
		Temp:      true,
	}
	req := protocol.ChatRequest{
		SessionID:   m.st.ActiveSessionID,
		Message:     text,
		Model:       t.model,
		Attachments: atts,
	}

	m.st.Composer = ""
	m.st.LastSubmittedInput = text
	m.st.Error = ""
	m.st.Messages = append(m.st.Messages, user, assistant)
	m.st.Attachments = nil
	m.st.Streaming = true
	m.st.StreamingMessageID = t.assistantID
	m.cur = t
	m.last = t
	m.notifyLocked()
	m.mu.Unlock()

	m.log.Debug("turn started", "turn", t.seq, "session_id", req.SessionID, "model", t.model, "attachments", len(atts))

	h := m.streamer.StartStream(ctx, req, m.handlers(t))

	m.mu.Lock()
	stale := m.cur != t
	if !stale {
		t.handle = h
	}
	m.mu.Unlock()
	if stale {
		h.Abort()
	}
	return nil
}

// StopGeneration aborts the running stream, restores the submitted text into
// the composer and reconciles the message list. Callbacks that arrive from
// the aborted stream afterwards are ignored.
func (m *Machine) StopGeneration(ctx context.Context) {
	m.mu.Lock()
	t := m.cur
	if t == nil {
		m.mu.Unlock()
		return
	}
	m.cur = nil
	h := t.handle
	m.mu.Unlock()

	// a nil handle is aborted by Submit once StartStream returns
	if h != nil {
		h.Abort()
	}
	m.log.Debug("turn stopped", "turn", t.seq)
	m.cancelled(context.WithoutCancel(ctx), t)
}

// Wait blocks until the latest turn has settled, including the reload that
// follows its end.
func (m *Machine) Wait(ctx context.Context) error {
	m.mu.Lock()
	t := m.last
	m.mu.Unlock()
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) handlers(t *turn) client.Handlers {
	reasoning := protocol.IsReasoningModel(t.model)
	return client.Handlers{
		OnSession: func(e protocol.SessionEvent) {
			m.onLive(t, func(s *State) {
				if e.SessionID != "" && e.SessionID != s.ActiveSessionID {
					s.ActiveSessionID = e.SessionID
				}
				if e.Session == nil {
					return
				}
				if i := slices.IndexFunc(s.Sessions, func(x protocol.Session) bool { return x.ID == e.Session.ID }); i >= 0 {
					s.Sessions[i] = *e.Session
				} else {
					s.Sessions = append([]protocol.Session{*e.Session}, s.Sessions...)
				}
			})
		},
		OnDelta: func(e protocol.DeltaEvent) {
			m.onLive(t, func(s *State) {
				withMessage(s.Messages, t.assistantID, func(msg *protocol.Message) {
					msg.Content += e.Content
					if reasoning {
						msg.Reasoning += e.Reasoning
					}
				})
			})
		},
		OnComplete: func(e protocol.CompleteEvent) {
			m.completed(t, e, reasoning)
		},
		OnError: func(err error) {
			if errors.Is(err, client.ErrCanceled) {
				if m.detach(t) {
					m.cancelled(t.ctx, t)
				}
				return
			}
			m.failed(t, err)
		},
	}
}

// onLive applies fn only while t is the running turn.
func (m *Machine) onLive(t *turn, fn func(*State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != t {
		return
	}
	fn(&m.st)
	m.notifyLocked()
}

// detach ends t as the running turn. It reports false when t already ended.
func (m *Machine) detach(t *turn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != t {
		return false
	}
	m.cur = nil
	return true
}

func (m *Machine) completed(t *turn, e protocol.CompleteEvent, reasoning bool) {
	if !m.detach(t) {
		return
	}
	defer close(t.done)

	var active string
	m.update(func(s *State) {
		s.Streaming = false
		s.StreamingMessageID = ""
		s.LastSubmittedInput = ""
		if reasoning && e.Reasoning != "" {
			withMessage(s.Messages, t.assistantID, func(msg *protocol.Message) { msg.Reasoning = e.Reasoning })
		}
		active = s.ActiveSessionID
	})
	m.log.Debug("turn completed", "turn", t.seq, "session_id", e.SessionID)

	target := e.SessionID
	if target == "" {
		target = active
	}
	_ = m.refreshSessions(t.ctx, false, false, false)
	if target == "" {
		m.promote(t, e.MessageID)
		return
	}
	if err := m.refreshMessages(t.ctx, target, false); err != nil {
		m.promote(t, e.MessageID)
		return
	}
	if reasoning && e.MessageID != nil && e.Reasoning != "" {
		m.update(func(s *State) {
			withMessage(s.Messages, *e.MessageID, func(msg *protocol.Message) { msg.Reasoning = e.Reasoning })
		})
	}
}

// promote keeps the optimistic pair of t as if it had been stored.
func (m *Machine) promote(t *turn, messageID *string) {
	m.update(func(s *State) {
		for i := range s.Messages {
			switch s.Messages[i].ID {
			case t.userID:
				s.Messages[i].Temp = false
			case t.assistantID:
				s.Messages[i].Temp = false
				if messageID != nil {
					s.Messages[i].ID = *messageID
				}
			}
		}
		// no stored assistant message for an empty answer
		if messageID == nil {
			s.Messages = slices.DeleteFunc(s.Messages, func(x protocol.Message) bool {
				return x.ID == t.assistantID && x.Content == ""
			})
		}
	})
}

func (m *Machine) failed(t *turn, err error) {
	if !m.detach(t) {
		return
	}
	defer close(t.done)
	m.log.Warn("turn failed", "turn", t.seq, "err", err)

	m.update(func(s *State) {
		s.Error = errText(err, msgGenerationFailed)
		if s.LastSubmittedInput != "" {
			s.Composer = s.LastSubmittedInput
		}
		s.LastSubmittedInput = ""
		s.Streaming = false
		s.StreamingMessageID = ""
	})
	m.reconcile(t.ctx, t)
}

// cancelled runs the transition for a turn that was already detached.
func (m *Machine) cancelled(ctx context.Context, t *turn) {
	defer close(t.done)
	m.update(func(s *State) {
		if s.LastSubmittedInput != "" {
			s.Composer = s.LastSubmittedInput
			s.LastSubmittedInput = ""
		}
		s.Streaming = false
		s.StreamingMessageID = ""
	})
	m.reconcile(ctx, t)
}

// reconcile reloads sessions and the active conversation after a turn ended
// without completing. Without an active session the optimistic messages are
// dropped; when the reload fails they are kept as stored.
func (m *Machine) reconcile(ctx context.Context, t *turn) {
	_ = m.refreshSessions(ctx, false, false, false)

	m.mu.Lock()
	active := m.st.ActiveSessionID
	m.mu.Unlock()
	if active != "" {
		if err := m.refreshMessages(ctx, active, false); err != nil {
			m.promote(t, nil)
		}
		return
	}
	m.update(func(s *State) {
		s.Messages = slices.DeleteFunc(s.Messages, func(x protocol.Message) bool { return x.Temp })
	})
}

func withMessage(msgs []protocol.Message, id string, fn func(*protocol.Message)) {
	for i := range msgs {
		if msgs[i].ID == id {
			fn(&msgs[i])
			return
		}
	}
}
