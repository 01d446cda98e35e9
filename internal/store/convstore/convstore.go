package convstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	errx "github.com/insight-agent/server/internal/core/error"
	logx "github.com/insight-agent/server/pkg/logger"
	"gorm.io/gorm"
)

// titleMaxLen is the display length a derived conversation title is
// truncated to, in runes.
const titleMaxLen = 50

// Store persists conversations and their append-only message logs.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option customises store construction.
type Option func(*Store)

// WithClock injects a time source, used by tests for synthetic timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AutoMigrate creates the conversation tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Conversation{}, &Message{})
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// CreateConversation allocates a new conversation for the owner and returns
// its identifier. The title may be nil; it is then derived from the first
// user message on append.
func (s *Store) CreateConversation(ctx context.Context, ownerID string, title *string) (string, error) {
	conv := &Conversation{
		ConversationID: newID("conv"),
		OwnerID:        ownerID,
		Title:          title,
		CreatedAt:      s.now(),
		UpdatedAt:      s.now(),
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return "", errx.WrapStore(err)
	}

	logx.Debug().Str("conversation_id", conv.ConversationID).Str("owner_id", ownerID).Msg("conversation created")
	return conv.ConversationID, nil
}

// live loads a non-deleted conversation or reports NotFound.
func live(tx *gorm.DB, conversationID string) (*Conversation, error) {
	var conv Conversation
	err := tx.Where("conversation_id = ? AND deleted = ?", conversationID, false).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errx.NotFound(conversationID)
	}
	if err != nil {
		return nil, errx.WrapStore(err)
	}
	return &conv, nil
}

// AppendMessage persists one message, bumps the owning conversation's
// message count and updated_at, and derives a title from the first user
// message when none was set. Fails with NotFound when the conversation is
// missing or soft-deleted.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role Role, content string, meta *AssistantMeta) (string, error) {
	msg := &Message{
		MessageID:      newID("msg"),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      s.now(),
	}
	if meta != nil {
		msg.SQLQuery = meta.SQLQuery
		msg.DatasetsUsed = StringList(meta.DatasetsUsed)
		msg.Steps = meta.Steps
		msg.TokensUsed = meta.TokensUsed
		msg.LatencyMS = meta.LatencyMS
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := live(tx, conversationID)
		if err != nil {
			return err
		}

		if err := tx.Create(msg).Error; err != nil {
			return errx.WrapStore(err)
		}

		updates := map[string]any{
			"message_count": gorm.Expr("message_count + 1"),
			"updated_at":    s.now(),
		}
		if conv.Title == nil && conv.MessageCount == 0 && role == RoleUser {
			updates["title"] = deriveTitle(content)
		}
		if err := tx.Model(&Conversation{}).Where("id = ?", conv.ID).
			UpdateColumns(updates).Error; err != nil {
			return errx.WrapStore(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return msg.MessageID, nil
}

// GetHistory returns the conversation's messages in chronological order,
// capped to the most recent limit when limit > 0.
func (s *Store) GetHistory(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if _, err := live(s.db.WithContext(ctx), conversationID); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	if limit > 0 {
		// Take the newest N, then restore chronological order.
		var recent []Message
		if err := q.Order("timestamp DESC, id DESC").Limit(limit).Find(&recent).Error; err != nil {
			return nil, errx.WrapStore(err)
		}
		for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
			recent[i], recent[j] = recent[j], recent[i]
		}
		return recent, nil
	}

	var msgs []Message
	if err := q.Order("timestamp ASC, id ASC").Find(&msgs).Error; err != nil {
		return nil, errx.WrapStore(err)
	}
	return msgs, nil
}

// FormatForModel projects the most recent lastN messages into the minimal
// role/content shape the language-model collaborator consumes. Callers must
// not assume richer fields are available here.
func (s *Store) FormatForModel(ctx context.Context, conversationID string, lastN int) ([]*schema.Message, error) {
	history, err := s.GetHistory(ctx, conversationID, lastN)
	if err != nil {
		return nil, err
	}

	msgs := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		}
	}
	return msgs, nil
}

// ListConversations returns the owner's non-deleted conversations, most
// recently updated first.
func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]Summary, error) {
	var convs []Conversation
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND deleted = ?", ownerID, false).
		Order("updated_at DESC").
		Find(&convs).Error
	if err != nil {
		return nil, errx.WrapStore(err)
	}

	summaries := make([]Summary, 0, len(convs))
	for _, c := range convs {
		title := ""
		if c.Title != nil {
			title = *c.Title
		}
		summaries = append(summaries, Summary{
			ConversationID: c.ConversationID,
			Title:          title,
			CreatedAt:      c.CreatedAt,
			UpdatedAt:      c.UpdatedAt,
			MessageCount:   c.MessageCount,
		})
	}
	return summaries, nil
}

// SoftDelete marks the conversation deleted. Messages stay on disk but every
// subsequent append or read fails with NotFound.
func (s *Store) SoftDelete(ctx context.Context, conversationID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := live(tx, conversationID)
		if err != nil {
			return err
		}
		if err := tx.Model(&Conversation{}).Where("id = ?", conv.ID).
			UpdateColumn("deleted", true).Error; err != nil {
			return errx.WrapStore(err)
		}
		return nil
	})
}

// deriveTitle truncates the first user message to a display length.
func deriveTitle(content string) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) <= titleMaxLen {
		return string(runes)
	}
	return fmt.Sprintf("%s...", string(runes[:titleMaxLen]))
}
