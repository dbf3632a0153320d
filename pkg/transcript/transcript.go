// Package transcript manages conversations and their append-only message
// history.
package transcript

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/metrics"
	"github.com/nstogner/backrooms/pkg/store"
)

// Transcript is the single write path for conversation messages.
type Transcript struct {
	convs  store.ConversationStore
	agents store.AgentStore

	// Appends to one conversation are serialized in-process; the store's
	// transactional sequence covers other processes.
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a Transcript.
func New(convs store.ConversationStore, agents store.AgentStore) *Transcript {
	return &Transcript{convs: convs, agents: agents, locks: make(map[string]*keyedLock)}
}

func (t *Transcript) lock(conversationID string) func() {
	t.mu.Lock()
	l, ok := t.locks[conversationID]
	if !ok {
		l = &keyedLock{}
		t.locks[conversationID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, conversationID)
		}
		t.mu.Unlock()
	}
}

// Create validates and persists a new conversation. It needs at least two
// distinct, existing agents; nothing is persisted on failure.
func (t *Transcript) Create(ctx context.Context, c domain.Conversation) (*domain.Conversation, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, domain.Validationf("conversation name is required")
	}

	ids := make([]string, 0, len(c.AgentIDs))
	seen := make(map[string]struct{}, len(c.AgentIDs))
	for _, id := range c.AgentIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) < 2 {
		return nil, domain.ErrTooFewParticipants
	}
	for _, id := range ids {
		if _, err := t.agents.GetAgent(ctx, id); err != nil {
			return nil, err
		}
	}

	c.ID = uuid.NewString()
	c.AgentIDs = ids
	if err := t.convs.CreateConversation(ctx, &c); err != nil {
		return nil, err
	}
	slog.Info("conversation created", "conversationID", c.ID, "agents", len(ids))
	return &c, nil
}

// Append validates msg and adds it to the end of the conversation, returning
// the resulting transcript. An assistant message from an agent that is not a
// participant is rejected with a conflict error. Once the message is stored
// Append succeeds; if the transcript cannot be read back it returns nil.
func (t *Transcript) Append(ctx context.Context, conversationID string, msg domain.Message) ([]domain.Message, error) {
	valid, err := domain.ValidateMessage(msg.Draft())
	if err != nil {
		return nil, err
	}

	unlock := t.lock(conversationID)
	defer unlock()

	if err := t.convs.AppendMessage(ctx, conversationID, valid); err != nil {
		return nil, err
	}
	metrics.MessagesAppendedTotal.WithLabelValues(string(valid.Role)).Inc()
	slog.Debug("message appended", "conversationID", conversationID, "messageID", valid.ID, "role", valid.Role, "agentID", valid.AgentID)

	msgs, err := t.convs.ListMessages(context.WithoutCancel(ctx), conversationID)
	if err != nil {
		slog.Warn("failed to read transcript after append", "conversationID", conversationID, "error", err)
		return nil, nil
	}
	return msgs, nil
}

// Load returns the full history in insertion order.
func (t *Transcript) Load(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if _, err := t.convs.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	return t.convs.ListMessages(ctx, conversationID)
}

// Get returns a conversation with its current participants.
func (t *Transcript) Get(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return t.convs.GetConversation(ctx, conversationID)
}

// List returns the conversations owned by userID.
func (t *Transcript) List(ctx context.Context, userID string) ([]domain.Conversation, error) {
	return t.convs.ListConversations(ctx, userID)
}

// Delete removes a conversation and its history.
func (t *Transcript) Delete(ctx context.Context, conversationID string) error {
	unlock := t.lock(conversationID)
	defer unlock()

	if err := t.convs.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	slog.Info("conversation deleted", "conversationID", conversationID)
	return nil
}

// Subscribe forwards the store's append notifications.
func (t *Transcript) Subscribe() (<-chan string, func()) {
	return t.convs.Subscribe()
}
