package store

import (
	"context"

	"github.com/nstogner/backrooms/pkg/domain"
)

// ProviderStore manages the persistence of LLM provider configurations.
// Implementations return domain not-found errors for missing providers and
// conflict errors for duplicate names.
type ProviderStore interface {
	// CreateProvider persists a new provider. The ID field must be set by the caller.
	CreateProvider(ctx context.Context, p *domain.Provider) error

	// GetProvider retrieves a provider, including its API key, by ID.
	GetProvider(ctx context.Context, id string) (*domain.Provider, error)

	// ListProviders returns all providers ordered by name.
	ListProviders(ctx context.Context) ([]domain.Provider, error)

	// UpdateProvider replaces every mutable field of an existing provider.
	UpdateProvider(ctx context.Context, p *domain.Provider) error
}

// AgentStore manages the persistence of agent personas.
type AgentStore interface {
	// CreateAgent persists a new agent. The ID field must be set by the caller.
	CreateAgent(ctx context.Context, a *domain.Agent) error

	// GetAgent retrieves an agent by ID.
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)

	// ListAgents returns the agents owned by userID plus every public agent,
	// ordered by creation time descending. An empty userID lists all agents.
	ListAgents(ctx context.Context, userID string) ([]domain.Agent, error)

	// UpdateAgent replaces every mutable field of an existing agent.
	UpdateAgent(ctx context.Context, a *domain.Agent) error

	// DeleteAgent removes an agent and its conversation participant links.
	// Messages the agent already wrote are kept.
	DeleteAgent(ctx context.Context, id string) error
}

// ConversationStore manages conversations and their append-only transcripts.
// Messages are immutable once appended.
type ConversationStore interface {
	// CreateConversation persists a conversation together with its ordered
	// participant list in one transaction.
	CreateConversation(ctx context.Context, c *domain.Conversation) error

	// GetConversation retrieves a conversation and its current participants.
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)

	// ListConversations returns the conversations owned by userID, most
	// recently updated first.
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)

	// DeleteConversation removes a conversation and its transcript.
	DeleteConversation(ctx context.Context, id string) error

	// AppendMessage adds msg to the end of the conversation's transcript.
	// In a single transaction it checks that an assistant message's agent is
	// a participant (conflict error otherwise), assigns the next sequence
	// number and refreshes the conversation's updated time.
	AppendMessage(ctx context.Context, conversationID string, msg domain.Message) error

	// ListMessages returns the transcript in insertion order.
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	// Subscribe returns a channel that emits conversation IDs whenever a
	// message is appended, and a func that unsubscribes and closes it.
	// Slow subscribers miss notifications.
	Subscribe() (<-chan string, func())
}

// Store is the full persistence collaborator.
type Store interface {
	ProviderStore
	AgentStore
	ConversationStore
}
