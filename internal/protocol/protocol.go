// Package protocol holds the wire contract shared by the relay and its
// clients: the chat request body, the SSE event names and payloads, and the
// session/message summaries returned by the REST collaborators.
package protocol

import "time"

// Event names of the relay stream.
const (
	EventSession  = "session"
	EventDelta    = "delta"
	EventComplete = "complete"
	EventError    = "error"
)

// Roles of persisted messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID   string       `json:"sessionId,omitempty"`
	Message     string       `json:"message"`
	Model       string       `json:"model"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a file handed to a message. Images carry a remote URL,
// documents carry their extracted text.
type Attachment struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
	PreviewRef  string `json:"preview,omitempty"`
	TextContent string `json:"textContent,omitempty"`
}

// Session is the summary of a conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry of a conversation. Temp marks optimistic entries that
// exist only on the client.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id,omitempty"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Reasoning   string       `json:"reasoning,omitempty"`
	Tokens      *int         `json:"tokens,omitempty"`
	Model       string       `json:"model,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Temp        bool         `json:"-"`
}

// SessionEvent is the first event of every relay stream.
type SessionEvent struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	Session   *Session `json:"session,omitempty"`
}

// DeltaEvent carries one fragment of generated text.
type DeltaEvent struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning"`
}

// CompleteEvent ends a successful stream. MessageID is nil when the provider
// produced no content and no assistant message was stored.
type CompleteEvent struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	MessageID *string `json:"messageId"`
	Reasoning string  `json:"reasoning"`
}

// ErrorEvent ends a failed stream.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TurnCompleted is published after the relay concludes a turn.
type TurnCompleted struct {
	EventID     string    `json:"event_id"`
	SessionID   string    `json:"session_id"`
	MessageID   string    `json:"message_id,omitempty"`
	Model       string    `json:"model"`
	Tokens      int       `json:"tokens,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}
