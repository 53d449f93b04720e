// ABOUTME: Store interface and data types for handoff-gateway persistence
// ABOUTME: Defines Conversation, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced conversation does not exist
var ErrNotFound = errors.New("not found")

// ErrNotClaimed is returned when an agent action requires a claimed conversation
var ErrNotClaimed = errors.New("conversation not claimed")

// ErrEmptyMessage is returned when a message has neither text nor an image
var ErrEmptyMessage = errors.New("message has no text and no image")

// AlreadyClaimedError is returned to claim race losers. Agent names the
// current holder so the console can surface who owns the conversation.
type AlreadyClaimedError struct {
	Agent string
}

func (e *AlreadyClaimedError) Error() string {
	return "conversation already claimed by " + e.Agent
}

// Sender identifies which side of a conversation authored a message.
// It is a closed two-variant type, not an open string.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Valid reports whether s is one of the two known senders.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAgent
}

// Conversation represents a single user's thread with the support console.
// ChannelID is the Telegram chat identifier, unique and immutable once set.
type Conversation struct {
	ID          int64
	ChannelID   string
	LastMessage string
	ClaimedBy   string // empty means unclaimed
	Finished    bool
	UpdatedAt   time.Time
}

// Claimed reports whether an agent currently holds the conversation.
func (c *Conversation) Claimed() bool {
	return c.ClaimedBy != ""
}

// Message represents a single message within a conversation. Message ids are
// strictly increasing in insertion order and serve as the polling cursor.
// Rows are never mutated after creation.
type Message struct {
	ID             int64
	ConversationID int64
	ChannelID      string
	Sender         Sender
	Text           string
	ImageURL       string
	CreatedAt      time.Time
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	UpsertConversation(ctx context.Context, channelID, summary string) (*Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	GetConversationByChannel(ctx context.Context, channelID string) (*Conversation, error)
	ListConversations(ctx context.Context) ([]*Conversation, error)

	// Messages
	AppendMessage(ctx context.Context, conversationID int64, channelID string, sender Sender, text, imageURL string) (*Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]*Message, error)
	ListMessagesAfter(ctx context.Context, conversationID, afterID int64) ([]*Message, error)

	// Lifecycle transitions
	Claim(ctx context.Context, conversationID int64, agent string) error
	Finish(ctx context.Context, conversationID int64) error
	Reopen(ctx context.Context, conversationID int64) error

	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
