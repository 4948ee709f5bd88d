package chat

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// AutoMigrate creates or updates the chat tables.
func (r *Repo) AutoMigrate() error {
	return r.db.AutoMigrate(&Session{}, &Message{})
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListSessions returns sessions, most recently updated first.
func (r *Repo) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Order("id DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteSession removes a session and its messages.
func (r *Repo) DeleteSession(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Session{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the messages of a session oldest first. A positive
// window keeps only the newest window messages.
func (r *Repo) ListMessages(ctx context.Context, sessionID string, window int) ([]Message, error) {
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)

	if window <= 0 {
		var msgs []Message
		if err := q.Order("created_at ASC").Order("id ASC").Find(&msgs).Error; err != nil {
			return nil, err
		}
		return msgs, nil
	}

	var desc []Message
	if err := q.Order("created_at DESC").Order("id DESC").Limit(window).Find(&desc).Error; err != nil {
		return nil, err
	}
	// reverse to ASC (oldest -> newest)
	msgs := make([]Message, 0, len(desc))
	for i := len(desc) - 1; i >= 0; i-- {
		msgs = append(msgs, desc[i])
	}
	return msgs, nil
}

// CompleteTurn stores the assistant message, when there is one, and touches
// the session in one transaction.
func (r *Repo) CompleteTurn(ctx context.Context, sessionID, model string, assistant *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if assistant != nil {
			if err := tx.Create(assistant).Error; err != nil {
				return err
			}
		}
		res := tx.Model(&Session{}).
			Where("id = ?", sessionID).
			Updates(map[string]any{
				"model":      model,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// SetMessageTokens records a token count for a message that has none yet.
// It reports whether a row was updated.
func (r *Repo) SetMessageTokens(ctx context.Context, id string, tokens int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND tokens IS NULL", id).
		Update("tokens", tokens)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// EstimateTokens approximates a token count as one token per four runes.
func EstimateTokens(content string) int {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return 0
	}
	return max(1, n/4)
}
