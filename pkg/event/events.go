package event

import "github.com/choraleia/chatcore/pkg/db"

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	// Room events, scoped to one conversation
	UserMessage    = "message.user"
	StreamStart    = "stream.start"
	StreamChunk    = "stream.chunk"
	StreamComplete = "stream.complete"
	StreamError    = "stream.error"
	TypingState    = "typing.state"
	ReactionAdded  = "reaction.added"
	RoomJoined     = "room.joined"

	// Process-wide events
	DocumentIndexed     = "document.indexed"
	DocumentRemoved     = "document.removed"
	ConversationUpdated = "conversation.updated"
	ConversationDeleted = "conversation.deleted"
)

// ============================================================================
// Room Events
// ============================================================================

// UserMessageEvent echoes a user message to the room before any assistant work.
type UserMessageEvent struct {
	ConversationID string     `json:"conversation_id"`
	Message        db.Message `json:"message"`
}

func (e UserMessageEvent) EventName() string { return UserMessage }

// StreamStartEvent opens a generation attempt. A second start for the same
// turn means an earlier attempt failed and its partial text is void.
type StreamStartEvent struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	Provider       string `json:"provider"`
	Attempt        int    `json:"attempt"`
}

func (e StreamStartEvent) EventName() string { return StreamStart }

// StreamChunkEvent carries the full text accumulated so far plus the delta.
type StreamChunkEvent struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	Content        string `json:"content"`
	Delta          string `json:"delta"`
}

func (e StreamChunkEvent) EventName() string { return StreamChunk }

// StreamCompleteEvent carries the persisted assistant message.
type StreamCompleteEvent struct {
	ConversationID string               `json:"conversation_id"`
	TurnID         string               `json:"turn_id"`
	Message        db.Message           `json:"message"`
	Stats          db.ConversationStats `json:"stats"`
	Title          string               `json:"title"`
}

func (e StreamCompleteEvent) EventName() string { return StreamComplete }

// StreamErrorEvent reports a failed turn.
type StreamErrorEvent struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id,omitempty"`
	Error          string `json:"error"`
}

func (e StreamErrorEvent) EventName() string { return StreamError }

// TypingStateEvent is relayed to the other members of a room.
type TypingStateEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

func (e TypingStateEvent) EventName() string { return TypingState }

// ReactionAddedEvent is relayed to the whole room, reacting tab included.
// Reactions are not stored.
type ReactionAddedEvent struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Reaction       string `json:"reaction"`
}

func (e ReactionAddedEvent) EventName() string { return ReactionAdded }

// RoomJoinedEvent is sent to a subscriber right after it joins.
type RoomJoinedEvent struct {
	ConversationID string `json:"conversation_id"`
	SubscriberID   string `json:"subscriber_id"`
	Members        int    `json:"members"`
}

func (e RoomJoinedEvent) EventName() string { return RoomJoined }

// ============================================================================
// Document Events
// ============================================================================

// DocumentIndexedEvent is emitted after a document's fragments are indexed.
type DocumentIndexedEvent struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Fragments  int    `json:"fragments"`
}

func (e DocumentIndexedEvent) EventName() string { return DocumentIndexed }

// DocumentRemovedEvent is emitted after a document's fragments are removed.
type DocumentRemovedEvent struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
	Fragments  int    `json:"fragments"`
}

func (e DocumentRemovedEvent) EventName() string { return DocumentRemoved }

// ============================================================================
// Conversation Events
// ============================================================================

// ConversationUpdatedEvent is emitted when title or settings change.
type ConversationUpdatedEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

func (e ConversationUpdatedEvent) EventName() string { return ConversationUpdated }

// ConversationDeletedEvent is emitted on soft delete.
type ConversationDeletedEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

func (e ConversationDeletedEvent) EventName() string { return ConversationDeleted }

// ============================================================================
// Relayed Events
// ============================================================================

// RemoteEvent is an event received from another process through a relay.
// Its payload is kept as decoded JSON.
type RemoteEvent struct {
	Name string         `json:"-"`
	Data map[string]any `json:"-"`
}

func (e RemoteEvent) EventName() string { return e.Name }
