package chat

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/suPer8Hu/streamchat/internal/protocol"
)

type Session struct {
	ID        string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	Model     string    `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`

	Messages []Message `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (Session) TableName() string { return "chat_sessions" }

func (s *Session) BeforeCreate(*gorm.DB) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	return nil
}

func (s Session) Summary() protocol.Session {
	return protocol.Session{
		ID:        s.ID,
		Title:     s.Title,
		Model:     s.Model,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

type Message struct {
	ID          string                                  `gorm:"primaryKey;type:varchar(26)" json:"id"`
	SessionID   string                                  `gorm:"type:varchar(26);not null;index:idx_chat_msg_session_created,priority:1" json:"session_id"`
	Role        string                                  `gorm:"type:varchar(16);not null" json:"role"`
	Content     string                                  `gorm:"type:text;not null" json:"content"`
	Reasoning   *string                                 `gorm:"type:text" json:"reasoning,omitempty"`
	Tokens      *int                                    `json:"tokens,omitempty"`
	Model       *string                                 `gorm:"type:varchar(64)" json:"model,omitempty"`
	Attachments datatypes.JSONSlice[protocol.Attachment] `json:"attachments,omitempty"`
	CreatedAt   time.Time                               `gorm:"index:idx_chat_msg_session_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }

func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	return nil
}

func (m Message) ToProtocol() protocol.Message {
	out := protocol.Message{
		ID:          m.ID,
		SessionID:   m.SessionID,
		Role:        m.Role,
		Content:     m.Content,
		Tokens:      m.Tokens,
		Attachments: m.Attachments,
		CreatedAt:   m.CreatedAt,
	}
	if m.Reasoning != nil {
		out.Reasoning = *m.Reasoning
	}
	if m.Model != nil {
		out.Model = *m.Model
	}
	return out
}

// NewID returns a ULID. ulid.Make is monotonic within the process, so ids
// created in sequence sort in creation order.
func NewID() string {
	return ulid.Make().String()
}
