package model

import (
	"context"

	"github.com/nstogner/backrooms/pkg/domain"
)

// Turn is one entry of the prompt sent to a provider. Provider wire formats
// are two-party, so Role is only ever user or assistant here; system text
// travels in Request.SystemPrompt.
type Turn struct {
	Role    domain.Role
	Content string
}

// Request is a normalized generation request.
type Request struct {
	// AgentID is stamped on the returned message.
	AgentID string
	// Model is the provider-side model identifier.
	Model        string
	SystemPrompt string
	Messages     []Turn
	Params       domain.GenerationParams
}

// Adapter translates normalized requests to one provider's wire protocol.
// Adapters never retry; retry policy belongs to the caller.
type Adapter interface {
	// Vendor returns the wire-format family this adapter speaks.
	Vendor() domain.Vendor

	// ListModels returns the models the provider reports as available.
	// It doubles as the credential and reachability check.
	ListModels(ctx context.Context) ([]domain.ProviderModel, error)

	// Generate sends the request and returns the complete reply as a
	// validated assistant message. On any failure it returns a generation
	// error and no message.
	Generate(ctx context.Context, req Request) (domain.Message, error)

	// Stream sends the request and returns the reply as it is produced.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields the text fragments of a reply.
type Stream interface {
	// Recv returns the next fragment. It returns io.EOF once the reply is
	// complete.
	Recv() (string, error)

	// Message returns the assembled reply. It is only valid after Recv
	// returned io.EOF.
	Message() (domain.Message, error)

	// Close releases the underlying connection. Closing before io.EOF
	// discards the reply.
	Close() error
}

// Factory builds the adapter for a provider.
type Factory interface {
	For(ctx context.Context, p *domain.Provider) (Adapter, error)
}

// ErrListingUnsupported is returned by ListModels when the endpoint is
// reachable but does not implement model listing (common for self-hosted
// OpenAI-compatible servers).
var ErrListingUnsupported = domain.NotFoundf("provider does not support model listing")
