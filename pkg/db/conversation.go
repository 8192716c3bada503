// Database models for chat conversations
package db

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	DefaultTitle        = "New Conversation"
	DefaultSystemPrompt = "You are a helpful AI assistant. Provide accurate, helpful, and concise responses."
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 1000

	// TitleMaxLength is the number of characters kept when a title is
	// derived from the first user message.
	TitleMaxLength = 50
	titleEllipsis  = "..."
)

var ErrInvalidSettings = errors.New("invalid conversation settings")

// Conversation is the chat aggregate owned by one user. Stats are derived
// from Messages and must only change through Recompute.
type Conversation struct {
	ID           string               `json:"id" gorm:"primaryKey;size:36"`
	UserID       string               `json:"user_id" gorm:"index;size:64;not null"`
	Title        string               `json:"title" gorm:"size:200;not null"`
	IsActive     bool                 `json:"is_active" gorm:"index;not null"`
	DocumentIDs  StringList           `json:"document_ids" gorm:"type:text"` // Restricts retrieval when non-empty
	Settings     ConversationSettings `json:"settings" gorm:"embedded;embeddedPrefix:setting_"`
	Stats        ConversationStats    `json:"stats" gorm:"embedded;embeddedPrefix:stat_"`
	LastActivity time.Time            `json:"last_activity" gorm:"index"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`

	Messages []Message `json:"messages,omitempty" gorm:"foreignKey:ConversationID"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// ConversationSettings are the generation settings and feature toggles.
type ConversationSettings struct {
	SystemPrompt     string  `json:"system_prompt" gorm:"type:text"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	RAGEnabled       bool    `json:"rag_enabled"`
	StreamingEnabled bool    `json:"streaming_enabled"`
	MemoryEnabled    bool    `json:"memory_enabled"`
}

// ConversationStats is a pure function of the message sequence.
type ConversationStats struct {
	TotalMessages       int     `json:"total_messages"`
	TotalTokensUsed     int     `json:"total_tokens_used"`
	AverageResponseTime float64 `json:"average_response_time"` // Milliseconds, assistant messages only
}

// DefaultSettings returns the settings of a fresh conversation.
func DefaultSettings() ConversationSettings {
	return ConversationSettings{
		SystemPrompt:     DefaultSystemPrompt,
		Temperature:      DefaultTemperature,
		MaxTokens:        DefaultMaxTokens,
		RAGEnabled:       true,
		StreamingEnabled: true,
		MemoryEnabled:    true,
	}
}

// NewConversation creates an empty active conversation for userID.
func NewConversation(userID, title string) *Conversation {
	if title == "" {
		title = DefaultTitle
	}
	now := time.Now()
	return &Conversation{
		ID:           uuid.New().String(),
		UserID:       userID,
		Title:        title,
		IsActive:     true,
		DocumentIDs:  StringList{},
		Settings:     DefaultSettings(),
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// AppendMessage appends a message and recomputes stats. The returned
// pointer refers to the element inside Messages.
func (c *Conversation) AppendMessage(role, content string, meta MessageMetadata) (*Message, error) {
	if !ValidRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if meta.Sources == nil {
		meta.Sources = StringList{}
	}

	now := time.Now()
	if now.Before(c.LastActivity) {
		now = c.LastActivity
	}

	c.Messages = append(c.Messages, Message{
		ID:             uuid.New().String(),
		ConversationID: c.ID,
		Seq:            len(c.Messages),
		Role:           role,
		Content:        content,
		Metadata:       meta,
		CreatedAt:      now,
	})
	c.LastActivity = now
	c.Recompute()
	return &c.Messages[len(c.Messages)-1], nil
}

// Recompute folds the message sequence into Stats.
func (c *Conversation) Recompute() {
	var stats ConversationStats
	var assistantCount int
	var totalTime int64
	for _, m := range c.Messages {
		stats.TotalMessages++
		stats.TotalTokensUsed += m.Metadata.TokensUsed
		if m.Role == RoleAssistant {
			assistantCount++
			totalTime += m.Metadata.ProcessingTime
		}
	}
	if assistantCount > 0 {
		stats.AverageResponseTime = float64(totalTime) / float64(assistantCount)
	}
	c.Stats = stats
}

// DeriveTitle replaces the default title with the first user message,
// truncated to TitleMaxLength characters. It reports whether the title changed.
func (c *Conversation) DeriveTitle() bool {
	if c.Title != DefaultTitle {
		return false
	}
	for _, m := range c.Messages {
		if m.Role != RoleUser {
			continue
		}
		title := m.Content
		if utf8.RuneCountInString(title) > TitleMaxLength {
			title = string([]rune(title)[:TitleMaxLength]) + titleEllipsis
		}
		if title == "" {
			return false
		}
		c.Title = title
		return true
	}
	return false
}

// ContextWindow returns the last limit non-system messages, oldest first.
// A limit of zero or less returns all of them.
func (c *Conversation) ContextWindow(limit int) []Message {
	window := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Role != RoleSystem {
			window = append(window, m)
		}
	}
	if limit > 0 && len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window
}

// SettingsUpdate is a partial settings change; nil fields are left alone.
type SettingsUpdate struct {
	SystemPrompt     *string  `json:"system_prompt,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	RAGEnabled       *bool    `json:"rag_enabled,omitempty"`
	StreamingEnabled *bool    `json:"streaming_enabled,omitempty"`
	MemoryEnabled    *bool    `json:"memory_enabled,omitempty"`
}

// ApplySettings validates and applies u. Nothing changes when validation fails.
func (c *Conversation) ApplySettings(u SettingsUpdate) error {
	next := c.Settings
	if u.SystemPrompt != nil {
		next.SystemPrompt = *u.SystemPrompt
	}
	if u.Temperature != nil {
		if *u.Temperature < 0 || *u.Temperature > 2 {
			return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidSettings)
		}
		next.Temperature = *u.Temperature
	}
	if u.MaxTokens != nil {
		if *u.MaxTokens < 1 || *u.MaxTokens > 4000 {
			return fmt.Errorf("%w: max_tokens must be between 1 and 4000", ErrInvalidSettings)
		}
		next.MaxTokens = *u.MaxTokens
	}
	if u.RAGEnabled != nil {
		next.RAGEnabled = *u.RAGEnabled
	}
	if u.StreamingEnabled != nil {
		next.StreamingEnabled = *u.StreamingEnabled
	}
	if u.MemoryEnabled != nil {
		next.MemoryEnabled = *u.MemoryEnabled
	}
	c.Settings = next
	return nil
}
