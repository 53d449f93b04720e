// ABOUTME: Service is the central layer for conversation state transitions
// ABOUTME: All messages flow through here - history is recorded before delivery

package lifecycle

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/handoff-gateway/internal/store"
)

// LifecycleStore defines what the service needs from storage
type LifecycleStore interface {
	UpsertConversation(ctx context.Context, channelID, summary string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*store.Conversation, error)
	GetConversationByChannel(ctx context.Context, channelID string) (*store.Conversation, error)
	ListConversations(ctx context.Context) ([]*store.Conversation, error)
	AppendMessage(ctx context.Context, conversationID int64, channelID string, sender store.Sender, text, imageURL string) (*store.Message, error)
	ListMessages(ctx context.Context, conversationID int64) ([]*store.Message, error)
	ListMessagesAfter(ctx context.Context, conversationID, afterID int64) ([]*store.Message, error)
	Claim(ctx context.Context, conversationID int64, agent string) error
	Finish(ctx context.Context, conversationID int64) error
	Reopen(ctx context.Context, conversationID int64) error
}

// Deliverer pushes an outbound agent reply to the user's platform channel.
// Implementations must respect the context deadline.
type Deliverer interface {
	Deliver(ctx context.Context, channelID, text, imagePath string) error
}

// DeliveryError reports that a reply was persisted but could not be pushed
// to the platform. History is intact; only the outbound leg failed.
type DeliveryError struct {
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivering message: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// InboundResult describes what HandleInbound did with a platform message.
type InboundResult struct {
	Conversation *store.Conversation
	Message      *store.Message // nil when suppressed as a consecutive duplicate
	Created      bool           // true on first contact from this channel
	Reopened     bool           // true when activity reopened a finished conversation
}

// lockStripes bounds the lock table for a long-running process.
const lockStripes = 64

// Service coordinates conversation state between the platform bridge, the
// store, and the agent console.
type Service struct {
	store           LifecycleStore
	deliverer       Deliverer
	logger          *slog.Logger
	deliveryTimeout time.Duration

	// Striped locks linearize check-then-act sequences per conversation.
	// Keys may collide on a stripe, which costs contention, never
	// correctness. The store's conditional updates remain the authority for
	// cross-process races.
	locks [lockStripes]sync.Mutex
}

// New creates a lifecycle service. deliverer may be nil when no platform
// bridge is running; outbound replies are then persisted without delivery.
func New(st LifecycleStore, deliverer Deliverer, deliveryTimeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if deliveryTimeout <= 0 {
		deliveryTimeout = 10 * time.Second
	}
	return &Service{
		store:           st,
		deliverer:       deliverer,
		logger:          logger.With("component", "lifecycle"),
		deliveryTimeout: deliveryTimeout,
	}
}

// lock acquires the stripe for the named key, returning its unlock func.
// Callers must never hold two stripes at once.
func (s *Service) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	l := &s.locks[h.Sum32()%lockStripes]
	l.Lock()
	return l.Unlock
}

// HandleInbound processes a user message arriving from the platform.
//
// The conversation for the channel is created on first contact. If it was
// finished, inbound activity reopens it (clearing the claim) before the
// message is recorded, so the conversation is back in the pending queue by
// the time any agent sees the new message. Consecutive duplicates from the
// user are suppressed; the result then carries a nil Message.
func (s *Service) HandleInbound(ctx context.Context, channelID, text, imageURL string) (*InboundResult, error) {
	if channelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	if text == "" && imageURL == "" {
		return nil, store.ErrEmptyMessage
	}

	summary := text
	if summary == "" {
		summary = "[photo]"
	}

	conv, created, err := s.upsertForChannel(ctx, channelID, summary)
	if err != nil {
		return nil, err
	}

	// Agent actions hold the same conversation lock, so the finished check,
	// the reopen, and the append cannot interleave with a claim or finish.
	unlock := s.lock(fmt.Sprintf("conv:%d", conv.ID))
	defer unlock()

	conv, err = s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading conversation: %w", err)
	}

	reopened := false
	if conv.Finished {
		if err := s.store.Reopen(ctx, conv.ID); err != nil {
			return nil, fmt.Errorf("reopening conversation: %w", err)
		}
		reopened = true
		conv, err = s.store.GetConversation(ctx, conv.ID)
		if err != nil {
			return nil, fmt.Errorf("reloading conversation: %w", err)
		}
		s.logger.Info("conversation reopened by user activity",
			"conversation_id", conv.ID, "channel_id", channelID)
	}

	msg, err := s.store.AppendMessage(ctx, conv.ID, channelID, store.SenderUser, text, imageURL)
	if err != nil {
		return nil, fmt.Errorf("recording inbound message: %w", err)
	}
	if msg == nil {
		s.logger.Debug("inbound duplicate suppressed",
			"conversation_id", conv.ID, "channel_id", channelID)
	}

	if created {
		s.logger.Info("conversation created",
			"conversation_id", conv.ID, "channel_id", channelID)
	}

	return &InboundResult{
		Conversation: conv,
		Message:      msg,
		Created:      created,
		Reopened:     reopened,
	}, nil
}

// upsertForChannel creates or refreshes the conversation for channelID under
// the channel lock, so two racing first messages produce one conversation
// and one Created result. The lock is released before the caller takes the
// conversation lock; stripes are never nested.
func (s *Service) upsertForChannel(ctx context.Context, channelID, summary string) (*store.Conversation, bool, error) {
	unlock := s.lock("chan:" + channelID)
	defer unlock()

	created := false
	if _, err := s.store.GetConversationByChannel(ctx, channelID); err == store.ErrNotFound {
		created = true
	} else if err != nil {
		return nil, false, fmt.Errorf("looking up conversation: %w", err)
	}

	conv, err := s.store.UpsertConversation(ctx, channelID, summary)
	if err != nil {
		return nil, false, fmt.Errorf("upserting conversation: %w", err)
	}
	return conv, created, nil
}

// Claim assigns the conversation to agent. Exactly one concurrent claimant
// wins; the rest receive store.AlreadyClaimedError naming the holder.
func (s *Service) Claim(ctx context.Context, conversationID int64, agent string) error {
	if agent == "" {
		return fmt.Errorf("agent name is required")
	}

	unlock := s.lock(fmt.Sprintf("conv:%d", conversationID))
	defer unlock()

	if err := s.store.Claim(ctx, conversationID, agent); err != nil {
		return err
	}

	s.logger.Info("conversation claimed", "conversation_id", conversationID, "agent", agent)
	return nil
}

// Finish closes the conversation. The claim is kept so history shows who
// handled it; the next inbound user message reopens it.
func (s *Service) Finish(ctx context.Context, conversationID int64) error {
	unlock := s.lock(fmt.Sprintf("conv:%d", conversationID))
	defer unlock()

	if err := s.store.Finish(ctx, conversationID); err != nil {
		return err
	}

	s.logger.Info("conversation finished", "conversation_id", conversationID)
	return nil
}

// Reopen manually returns a conversation to the pending queue, clearing any
// claim and the finished flag.
func (s *Service) Reopen(ctx context.Context, conversationID int64) error {
	unlock := s.lock(fmt.Sprintf("conv:%d", conversationID))
	defer unlock()

	if err := s.store.Reopen(ctx, conversationID); err != nil {
		return err
	}

	s.logger.Info("conversation reopened", "conversation_id", conversationID)
	return nil
}

// Send records an agent reply and delivers it to the user's channel.
//
// The conversation must be claimed; unclaimed sends fail with
// store.ErrNotClaimed. The reply is persisted BEFORE delivery is attempted:
// on delivery failure the persisted message is returned together with a
// *DeliveryError so the caller can distinguish lost history (never) from a
// failed outbound push. Consecutive duplicates are suppressed and never
// delivered; Send then returns (nil, nil).
func (s *Service) Send(ctx context.Context, conversationID int64, text, imageURL string) (*store.Message, error) {
	if text == "" && imageURL == "" {
		return nil, store.ErrEmptyMessage
	}

	unlock := s.lock(fmt.Sprintf("conv:%d", conversationID))
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.Claimed() {
		return nil, store.ErrNotClaimed
	}

	// Record first, then deliver. History is the source of truth.
	msg, err := s.store.AppendMessage(ctx, conv.ID, conv.ChannelID, store.SenderAgent, text, imageURL)
	if err != nil {
		return nil, fmt.Errorf("recording reply: %w", err)
	}
	if msg == nil {
		s.logger.Debug("outbound duplicate suppressed",
			"conversation_id", conv.ID, "agent", conv.ClaimedBy)
		return nil, nil
	}

	summary := text
	if summary == "" {
		summary = "[photo]"
	}
	if _, err := s.store.UpsertConversation(ctx, conv.ChannelID, summary); err != nil {
		return nil, fmt.Errorf("updating summary: %w", err)
	}

	if s.deliverer != nil {
		deliverCtx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
		defer cancel()

		if err := s.deliverer.Deliver(deliverCtx, conv.ChannelID, text, imageURL); err != nil {
			s.logger.Error("delivery failed after persist",
				"conversation_id", conv.ID,
				"channel_id", conv.ChannelID,
				"message_id", msg.ID,
				"error", err)
			return msg, &DeliveryError{Err: err}
		}
	}

	s.logger.Debug("reply sent",
		"conversation_id", conv.ID, "message_id", msg.ID, "agent", conv.ClaimedBy)
	return msg, nil
}

// Greet records the automatic welcome sent on first contact so it shows up
// in the conversation history and the queue summary.
func (s *Service) Greet(ctx context.Context, conversationID int64, text string) error {
	if text == "" {
		return nil
	}

	unlock := s.lock(fmt.Sprintf("conv:%d", conversationID))
	defer unlock()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	if _, err := s.store.AppendMessage(ctx, conv.ID, conv.ChannelID, store.SenderAgent, text, ""); err != nil {
		return fmt.Errorf("recording welcome: %w", err)
	}
	if _, err := s.store.UpsertConversation(ctx, conv.ChannelID, text); err != nil {
		return fmt.Errorf("updating summary: %w", err)
	}
	return nil
}

// Conversations returns all conversations, most recently active first.
func (s *Service) Conversations(ctx context.Context) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx)
}

// Conversation returns a single conversation by id.
func (s *Service) Conversation(ctx context.Context, conversationID int64) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID)
}

// History returns messages for a conversation in ascending id order. afterID
// is a cursor: only messages with a greater id are returned, so polling
// clients never see reordering or gaps. Pass 0 for the full history.
func (s *Service) History(ctx context.Context, conversationID, afterID int64) ([]*store.Message, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessagesAfter(ctx, conversationID, afterID)
}
