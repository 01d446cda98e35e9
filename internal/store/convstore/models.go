package convstore

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StringList stores a list of identifiers as a JSON column.
type StringList []string

// Value implements driver.Valuer for StringList.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner for StringList.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("unsupported type for StringList")
	}
}

// Conversation is one logical thread of turns owned by a single user.
type Conversation struct {
	ID             uint      `gorm:"primaryKey"`
	ConversationID string    `gorm:"uniqueIndex;size:36;not null"`
	OwnerID        string    `gorm:"index;size:64;not null"`
	Title          *string   `gorm:"size:200"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
	MessageCount   int       `gorm:"not null;default:0"`
	Deleted        bool      `gorm:"not null;default:false"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message is one turn contribution. Assistant messages carry the synthesized
// query and pipeline telemetry; user messages leave those fields empty.
type Message struct {
	ID             uint            `gorm:"primaryKey"`
	MessageID      string          `gorm:"uniqueIndex;size:36;not null"`
	ConversationID string          `gorm:"index;size:36;not null"`
	Role           Role            `gorm:"size:20;not null"`
	Content        string          `gorm:"type:text;not null"`
	Timestamp      time.Time       `gorm:"index;not null"`
	SQLQuery       string          `gorm:"type:text"`
	DatasetsUsed   StringList      `gorm:"type:text"`
	Steps          json.RawMessage `gorm:"type:text"`
	TokensUsed     int             `gorm:"default:0"`
	LatencyMS      int64           `gorm:"default:0"`
}

func (Message) TableName() string {
	return "messages"
}

// AssistantMeta is the optional metadata recorded with assistant messages.
type AssistantMeta struct {
	SQLQuery     string
	DatasetsUsed []string
	Steps        json.RawMessage
	TokensUsed   int
	LatencyMS    int64
}

// Summary is the projection returned when listing a user's conversations.
type Summary struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	MessageCount   int       `json:"message_count"`
}
