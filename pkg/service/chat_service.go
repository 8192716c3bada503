// Chat coordinator - runs one conversation turn from user message to
// persisted assistant answer, streaming progress into the conversation room.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/choraleia/chatcore/pkg/db"
	"github.com/choraleia/chatcore/pkg/event"
	"github.com/choraleia/chatcore/pkg/gateway"
	"github.com/choraleia/chatcore/pkg/metrics"
	"github.com/choraleia/chatcore/pkg/retrieval"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrMessageTooLong = errors.New("message content is too long")
	ErrPersistence    = errors.New("failed to persist conversation")

	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidReaction = errors.New("invalid reaction")
)

const (
	DefaultHistoryLimit     = 10
	DefaultMaxContentLength = 4000
	DefaultQuotaMinRequired = 100
	DefaultSearchLimit      = 5
	DefaultSearchThreshold  = 0.7

	maxReactionLength = 32
)

// ragSystemPrompt is used instead of the conversation prompt when retrieval
// found context. %s is the context block.
const ragSystemPrompt = `You answer questions using the reference material below.
Base your answer on this material. If it does not contain what is needed to answer, say so plainly before adding anything from general knowledge.

Reference material:
%s`

// TurnState is the stage of a conversation turn.
type TurnState string

const (
	TurnIdle             TurnState = "idle"
	TurnContextGathering TurnState = "context_gathering"
	TurnGenerating       TurnState = "generating"
	TurnFinalizing       TurnState = "finalizing"
	TurnDone             TurnState = "done"
	TurnFailed           TurnState = "failed"
)

// Retriever finds fragments relevant to a query among the documents of
// userID. DocumentService satisfies it.
type Retriever interface {
	Search(ctx context.Context, userID, query string, opts retrieval.SearchOptions) ([]retrieval.Result, error)
}

// Generator produces assistant answers. It never fails.
type Generator interface {
	Generate(ctx context.Context, messages []*schema.Message, opts gateway.GenerateOptions) *gateway.Response
	GenerateStream(ctx context.Context, messages []*schema.Message, opts gateway.GenerateOptions, onDelta func(string)) *gateway.Response
}

// Broadcaster delivers events to the subscribers of a conversation room.
type Broadcaster interface {
	Publish(roomID string, ev event.Event)
	PublishExcept(roomID string, ev event.Event, exceptID string)
}

// ChatOptions tunes the coordinator. Zero values select the defaults.
type ChatOptions struct {
	HistoryLimit     int
	MaxContentLength int
	QuotaMinRequired int
	SearchLimit      int
	SearchThreshold  *float64
}

// SendMessageRequest is one user utterance.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Content        string `json:"content"`
}

// TurnResult is what a finished turn produced.
type TurnResult struct {
	TurnID           string               `json:"turn_id"`
	UserMessage      db.Message           `json:"user_message"`
	AssistantMessage db.Message           `json:"assistant_message"`
	Stats            db.ConversationStats `json:"stats"`
	Title            string               `json:"title"`
	Usage            gateway.Usage        `json:"usage"`
}

// TurnSnapshot describes the turn in flight for a conversation.
type TurnSnapshot struct {
	TurnID         string    `json:"turn_id"`
	ConversationID string    `json:"conversation_id"`
	State          TurnState `json:"state"`
	Provider       string    `json:"provider,omitempty"`
	Attempt        int       `json:"attempt"`
	Content        string    `json:"content"` // Text of the current attempt so far
	StartedAt      time.Time `json:"started_at"`
}

// turn is the mutable state of one in-flight turn.
type turn struct {
	mu       sync.Mutex
	snapshot TurnSnapshot
	buffer   strings.Builder
}

func (t *turn) setState(state TurnState) {
	t.mu.Lock()
	t.snapshot.State = state
	t.mu.Unlock()
}

// startAttempt voids the text of the previous attempt.
func (t *turn) startAttempt(provider string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshot.Attempt++
	t.snapshot.Provider = provider
	t.buffer.Reset()
	return t.snapshot.Attempt
}

func (t *turn) append(delta string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer.WriteString(delta)
	return t.buffer.String()
}

func (t *turn) view() TurnSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.snapshot
	s.Content = t.buffer.String()
	return s
}

// ChatService coordinates conversation turns. Turns of one conversation run
// one at a time; different conversations never wait for each other.
type ChatService struct {
	conversations *ConversationService
	quota         *QuotaService
	retriever     Retriever
	generator     Generator
	rooms         Broadcaster
	emitter       *event.Emitter
	metrics       *metrics.Metrics
	opts          ChatOptions
	logger        *slog.Logger

	turns sync.Map // conversationID -> *turn
}

// NewChatService creates a new chat service. retriever may be nil, which
// disables retrieval augmentation.
func NewChatService(conversations *ConversationService, quota *QuotaService, retriever Retriever, generator Generator, rooms Broadcaster, opts ChatOptions, logger *slog.Logger) *ChatService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.MaxContentLength <= 0 {
		opts.MaxContentLength = DefaultMaxContentLength
	}
	if opts.QuotaMinRequired <= 0 {
		opts.QuotaMinRequired = DefaultQuotaMinRequired
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = DefaultSearchLimit
	}
	if opts.SearchThreshold == nil {
		threshold := DefaultSearchThreshold
		opts.SearchThreshold = &threshold
	}
	return &ChatService{
		conversations: conversations,
		quota:         quota,
		retriever:     retriever,
		generator:     generator,
		rooms:         rooms,
		opts:          opts,
		logger:        logger,
	}
}

// SetEmitter sets the emitter notified when a turn changes a conversation.
func (s *ChatService) SetEmitter(emitter *event.Emitter) {
	s.emitter = emitter
}

// SetMetrics sets the metrics sink.
func (s *ChatService) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// ValidateContent trims content and checks its length.
func (s *ChatService) ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(content); n > s.opts.MaxContentLength {
		return "", fmt.Errorf("%w: %d characters, at most %d allowed", ErrMessageTooLong, n, s.opts.MaxContentLength)
	}
	return content, nil
}

// SendMessage runs one turn. Invalid input and exhausted quota are rejected
// before anything is stored. Once the user message is stored, generation
// continues even if ctx is cancelled.
func (s *ChatService) SendMessage(ctx context.Context, req SendMessageRequest) (*TurnResult, error) {
	content, err := s.ValidateContent(req.Content)
	if err != nil {
		return nil, err
	}

	usage, ok, err := s.quota.HasQuota(ctx, req.UserID, s.opts.QuotaMinRequired)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &QuotaExceededError{Used: usage.Used, Limit: usage.Limit, Requested: s.opts.QuotaMinRequired}
	}

	unlock, err := s.conversations.Lock(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	conv, err := s.conversations.Load(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, err
	}

	userMsg, err := conv.AppendMessage(db.RoleUser, content, db.MessageMetadata{})
	if err != nil {
		return nil, err
	}
	if err := s.conversations.Save(ctx, conv); err != nil {
		s.logger.Error("Failed to store user message", "conversation_id", conv.ID, "error", err)
		s.rooms.Publish(conv.ID, event.StreamErrorEvent{
			ConversationID: conv.ID,
			Error:          "The message could not be saved. Please try again.",
		})
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	userCopy := *userMsg
	s.rooms.Publish(conv.ID, event.UserMessageEvent{ConversationID: conv.ID, Message: userCopy})

	// The user message is stored; a client going away must not stop the answer.
	return s.runTurn(context.WithoutCancel(ctx), conv, userCopy, req.UserID)
}

func (s *ChatService) runTurn(ctx context.Context, conv *db.Conversation, userMsg db.Message, userID string) (*TurnResult, error) {
	turnID := uuid.New().String()
	startedAt := time.Now()
	t := &turn{snapshot: TurnSnapshot{
		TurnID:         turnID,
		ConversationID: conv.ID,
		State:          TurnIdle,
		StartedAt:      startedAt,
	}}
	s.turns.Store(conv.ID, t)
	defer s.turns.Delete(conv.ID)
	s.metrics.TurnStarted()

	logger := s.logger.With("conversation_id", conv.ID, "turn_id", turnID)

	t.setState(TurnContextGathering)
	contextBlock, sources := s.gatherContext(ctx, conv, userMsg.Content, logger)

	messages := s.buildPrompt(conv, contextBlock)

	t.setState(TurnGenerating)
	temperature := float32(conv.Settings.Temperature)
	opts := gateway.GenerateOptions{
		Temperature: &temperature,
		MaxTokens:   conv.Settings.MaxTokens,
		OnAttempt: func(provider string) {
			attempt := t.startAttempt(provider)
			if attempt > 1 {
				logger.Info("Restarting answer with next provider", "provider", provider, "attempt", attempt)
			}
			s.rooms.Publish(conv.ID, event.StreamStartEvent{
				ConversationID: conv.ID,
				TurnID:         turnID,
				Provider:       provider,
				Attempt:        attempt,
			})
		},
	}

	var resp *gateway.Response
	if conv.Settings.StreamingEnabled {
		resp = s.generator.GenerateStream(ctx, messages, opts, func(delta string) {
			full := t.append(delta)
			s.rooms.Publish(conv.ID, event.StreamChunkEvent{
				ConversationID: conv.ID,
				TurnID:         turnID,
				Content:        full,
				Delta:          delta,
			})
		})
	} else {
		resp = s.generator.Generate(ctx, messages, opts)
	}

	t.setState(TurnFinalizing)
	processing := time.Since(startedAt).Milliseconds()
	assistantMsg, err := conv.AppendMessage(db.RoleAssistant, resp.Content, db.MessageMetadata{
		TokensUsed:     resp.Usage.TotalTokens,
		Model:          resp.Provider,
		ProcessingTime: processing,
		Sources:        sources,
	})
	if err == nil {
		conv.DeriveTitle()
		err = s.conversations.Save(ctx, conv)
	}
	if err != nil {
		t.setState(TurnFailed)
		s.metrics.TurnFinished(string(TurnFailed))
		logger.Error("Failed to store assistant message", "error", err)
		s.rooms.Publish(conv.ID, event.StreamErrorEvent{
			ConversationID: conv.ID,
			TurnID:         turnID,
			Error:          "The answer could not be saved. Please try again.",
		})
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if err := s.quota.Consume(ctx, userID, resp.Usage.TotalTokens); err != nil {
		logger.Warn("Failed to record token usage", "tokens", resp.Usage.TotalTokens, "error", err)
	}

	result := &TurnResult{
		TurnID:           turnID,
		UserMessage:      userMsg,
		AssistantMessage: *assistantMsg,
		Stats:            conv.Stats,
		Title:            conv.Title,
		Usage:            resp.Usage,
	}
	s.rooms.Publish(conv.ID, event.StreamCompleteEvent{
		ConversationID: conv.ID,
		TurnID:         result.TurnID,
		Message:        result.AssistantMessage,
		Stats:          result.Stats,
		Title:          result.Title,
	})
	if s.emitter != nil {
		s.emitter.Emit(event.ConversationUpdatedEvent{ConversationID: conv.ID, UserID: userID})
	}

	t.setState(TurnDone)
	s.metrics.TurnFinished(string(TurnDone))
	logger.Info("Turn completed", "provider", resp.Provider, "tokens", resp.Usage.TotalTokens,
		"processing_ms", processing, "sources", len(sources))
	return result, nil
}

// gatherContext searches the owner's documents, narrowed to the ones
// attached to the conversation when there are any. Failures only cost the
// context.
func (s *ChatService) gatherContext(ctx context.Context, conv *db.Conversation, query string, logger *slog.Logger) (string, db.StringList) {
	sources := db.StringList{}
	if !conv.Settings.RAGEnabled || s.retriever == nil {
		return "", sources
	}

	results, err := s.retriever.Search(ctx, conv.UserID, query, retrieval.SearchOptions{
		Limit:       s.opts.SearchLimit,
		Threshold:   *s.opts.SearchThreshold,
		DocumentIDs: conv.DocumentIDs,
	})
	if err != nil {
		logger.Warn("Retrieval failed, answering without context", "error", err)
		return "", sources
	}
	if len(results) == 0 {
		return "", sources
	}

	parts := make([]string, 0, len(results))
	seen := make(map[string]struct{}, len(results))
	for _, r := range results {
		parts = append(parts, r.Content)
		if _, ok := seen[r.DocumentID]; !ok {
			seen[r.DocumentID] = struct{}{}
			sources = append(sources, r.DocumentID)
		}
	}
	logger.Debug("Retrieved context", "fragments", len(results), "documents", len(sources))
	return strings.Join(parts, "\n\n"), sources
}

// buildPrompt assembles the system message and recent history. The history
// already ends with the current user message. Without memory only that
// message is sent.
func (s *ChatService) buildPrompt(conv *db.Conversation, contextBlock string) []*schema.Message {
	limit := s.opts.HistoryLimit
	if !conv.Settings.MemoryEnabled {
		limit = 1
	}
	history := conv.ContextWindow(limit)
	messages := make([]*schema.Message, 0, len(history)+1)

	if contextBlock != "" {
		messages = append(messages, schema.SystemMessage(fmt.Sprintf(ragSystemPrompt, contextBlock)))
	} else if conv.Settings.SystemPrompt != "" {
		messages = append(messages, schema.SystemMessage(conv.Settings.SystemPrompt))
	}

	for _, m := range history {
		switch m.Role {
		case db.RoleUser:
			messages = append(messages, schema.UserMessage(m.Content))
		case db.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(m.Content, nil))
		}
	}
	return messages
}

// TurnState returns the in-flight turn of a conversation, if any.
func (s *ChatService) TurnState(conversationID string) (TurnSnapshot, bool) {
	v, ok := s.turns.Load(conversationID)
	if !ok {
		return TurnSnapshot{ConversationID: conversationID, State: TurnIdle}, false
	}
	return v.(*turn).view(), true
}

// Typing tells the other members of a room that userID started or stopped typing.
func (s *ChatService) Typing(conversationID, userID, subscriberID string, typing bool) {
	s.rooms.PublishExcept(conversationID, event.TypingStateEvent{
		ConversationID: conversationID,
		UserID:         userID,
		Typing:         typing,
	}, subscriberID)
}

// React relays userID's reaction to a message of the conversation.
func (s *ChatService) React(ctx context.Context, conversationID, userID, messageID, reaction string) error {
	reaction = strings.TrimSpace(reaction)
	if reaction == "" || utf8.RuneCountInString(reaction) > maxReactionLength {
		return fmt.Errorf("%w: must be 1 to %d characters", ErrInvalidReaction, maxReactionLength)
	}
	conv, err := s.conversations.Load(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	found := false
	for _, m := range conv.Messages {
		if m.ID == messageID {
			found = true
			break
		}
	}
	if !found {
		return ErrMessageNotFound
	}

	s.rooms.Publish(conversationID, event.ReactionAddedEvent{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         userID,
		Reaction:       reaction,
	})
	return nil
}
