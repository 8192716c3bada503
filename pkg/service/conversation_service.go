package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/choraleia/chatcore/pkg/db"
	"github.com/choraleia/chatcore/pkg/event"
	"github.com/choraleia/chatcore/pkg/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidTitle         = errors.New("invalid conversation title")
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	maxTitleLength   = 200
)

// ConversationUpdate is a partial update; nil fields are left alone.
type ConversationUpdate struct {
	Title       *string           `json:"title,omitempty"`
	Settings    db.SettingsUpdate `json:"settings"`
	DocumentIDs *[]string         `json:"document_ids,omitempty"`
}

// ConversationService persists conversation aggregates. Every mutation of
// one conversation happens under that conversation's lock.
type ConversationService struct {
	db      *gorm.DB
	locks   *conversationLocks
	emitter *event.Emitter
	logger  *slog.Logger
}

// NewConversationService creates a new conversation service
func NewConversationService(database *gorm.DB, logger *slog.Logger) *ConversationService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &ConversationService{
		db:     database,
		locks:  newConversationLocks(),
		logger: logger,
	}
}

// SetEmitter sets the emitter notified about updated and deleted conversations.
func (s *ConversationService) SetEmitter(emitter *event.Emitter) {
	s.emitter = emitter
}

// Lock serializes work on one conversation. It waits until the conversation
// is free or ctx is done.
func (s *ConversationService) Lock(ctx context.Context, conversationID string) (func(), error) {
	return s.locks.acquire(ctx, conversationID)
}

// Create creates an empty conversation for userID.
func (s *ConversationService) Create(ctx context.Context, userID, title string) (*db.Conversation, error) {
	title = strings.TrimSpace(title)
	if len([]rune(title)) > maxTitleLength {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrInvalidTitle, maxTitleLength)
	}
	conv := db.NewConversation(userID, title)
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	s.logger.Debug("Conversation created", "conversation_id", conv.ID, "user_id", userID)
	return conv, nil
}

// Load returns an active conversation owned by userID with its messages in
// transcript order.
func (s *ConversationService) Load(ctx context.Context, id, userID string) (*db.Conversation, error) {
	var conv db.Conversation
	err := s.db.WithContext(ctx).
		Preload("Messages", func(tx *gorm.DB) *gorm.DB { return tx.Order("seq ASC") }).
		Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.Messages == nil {
		conv.Messages = []db.Message{}
	}
	return &conv, nil
}

// List lists a user's active conversations, most recently active first.
func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) ([]db.Conversation, bool, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	var conversations []db.Conversation
	// Fetch one more to check if there are more results
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("last_activity DESC").
		Limit(limit + 1).Offset(offset).
		Find(&conversations).Error; err != nil {
		return nil, false, fmt.Errorf("failed to list conversations: %w", err)
	}

	hasMore := len(conversations) > limit
	if hasMore {
		conversations = conversations[:limit]
	}
	return conversations, hasMore, nil
}

// Save writes the conversation row and inserts messages not yet stored.
// Both happen in one transaction.
func (s *ConversationService) Save(ctx context.Context, conv *db.Conversation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Save(conv).Error; err != nil {
			return fmt.Errorf("save conversation: %w", err)
		}
		if len(conv.Messages) == 0 {
			return nil
		}
		// Messages are immutable, so existing rows are skipped.
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&conv.Messages).Error; err != nil {
			return fmt.Errorf("save messages: %w", err)
		}
		return nil
	})
}

// Update changes title, settings or document restriction.
func (s *ConversationService) Update(ctx context.Context, id, userID string, req ConversationUpdate) (*db.Conversation, error) {
	unlock, err := s.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.Load(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" || len([]rune(title)) > maxTitleLength {
			return nil, fmt.Errorf("%w: must be 1 to %d characters", ErrInvalidTitle, maxTitleLength)
		}
		conv.Title = title
	}
	if err := conv.ApplySettings(req.Settings); err != nil {
		return nil, err
	}
	if req.DocumentIDs != nil {
		conv.DocumentIDs = dedupe(*req.DocumentIDs)
	}

	if err := s.db.WithContext(ctx).Omit(clause.Associations).Save(conv).Error; err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	if s.emitter != nil {
		s.emitter.Emit(event.ConversationUpdatedEvent{ConversationID: id, UserID: userID})
	}
	return conv, nil
}

// Delete soft-deletes a conversation. Messages are kept.
func (s *ConversationService) Delete(ctx context.Context, id, userID string) error {
	unlock, err := s.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	result := s.db.WithContext(ctx).Model(&db.Conversation{}).
		Where("id = ? AND user_id = ? AND is_active = ?", id, userID, true).
		Update("is_active", false)
	if result.Error != nil {
		return fmt.Errorf("failed to delete conversation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConversationNotFound
	}

	s.logger.Info("Conversation deleted", "conversation_id", id, "user_id", userID)
	if s.emitter != nil {
		s.emitter.Emit(event.ConversationDeletedEvent{ConversationID: id, UserID: userID})
	}
	return nil
}

// Messages returns the transcript of a conversation.
func (s *ConversationService) Messages(ctx context.Context, id, userID string) ([]db.Message, error) {
	conv, err := s.Load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// dedupe drops empty and repeated values, keeping first occurrences in order.
func dedupe(values []string) db.StringList {
	seen := make(map[string]struct{}, len(values))
	out := make(db.StringList, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
