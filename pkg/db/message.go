// Database models for chat messages
package db

import (
	"errors"
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

var ErrInvalidRole = errors.New("invalid message role")

// ValidRole reports whether role is one of user, assistant or system.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one turn of a conversation transcript. Messages are appended
// only; Seq is the position in the transcript.
type Message struct {
	ID             string          `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string          `json:"conversation_id" gorm:"index;size:36;not null"`
	Seq            int             `json:"seq" gorm:"not null"`
	Role           string          `json:"role" gorm:"size:20;not null"` // user, assistant, system
	Content        string          `json:"content" gorm:"type:text"`
	Metadata       MessageMetadata `json:"metadata" gorm:"embedded;embeddedPrefix:meta_"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (*Message) TableName() string {
	return "messages"
}

// MessageMetadata holds accounting for one message. Zero values are valid
// for every field.
type MessageMetadata struct {
	TokensUsed     int        `json:"tokens_used"`
	Model          string     `json:"model,omitempty" gorm:"size:100"` // Provider that produced an assistant message
	ProcessingTime int64      `json:"processing_time"`                 // Milliseconds spent generating
	Sources        StringList `json:"sources" gorm:"type:text"`        // Contributing document IDs
}
