// Package registry resolves agents to the provider, model and effective
// generation parameters that back them, and guards the agent and provider
// lifecycle.
package registry

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/model"
	"github.com/nstogner/backrooms/pkg/store"
)

// Resolution is everything needed to call a provider on an agent's behalf.
type Resolution struct {
	Agent    *domain.Agent
	Provider *domain.Provider
	Model    domain.ProviderModel
	// Params is the agent's parameters overlaid on the provider defaults.
	Params domain.GenerationParams
}

// Registry implements agent resolution on top of the persistence layer.
type Registry struct {
	providers store.ProviderStore
	agents    store.AgentStore
}

// New creates a Registry.
func New(providers store.ProviderStore, agents store.AgentStore) *Registry {
	return &Registry{providers: providers, agents: agents}
}

// Resolve returns the agent, its active provider, its catalog model and the
// effective parameters.
func (r *Registry) Resolve(ctx context.Context, agentID string) (Resolution, error) {
	agent, err := r.agents.GetAgent(ctx, agentID)
	if err != nil {
		return Resolution{}, err
	}
	provider, m, err := r.backing(ctx, agent.ProviderID, agent.ModelID)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Agent:    agent,
		Provider: provider,
		Model:    m,
		Params:   agent.Params.Overlay(provider.Defaults),
	}, nil
}

// backing loads an active provider and the catalog entry for modelID.
func (r *Registry) backing(ctx context.Context, providerID, modelID string) (*domain.Provider, domain.ProviderModel, error) {
	provider, err := r.providers.GetProvider(ctx, providerID)
	if err != nil {
		return nil, domain.ProviderModel{}, err
	}
	if !provider.Active {
		return nil, domain.ProviderModel{}, domain.NotFoundf("provider %s is inactive", providerID)
	}
	m, ok := provider.Model(modelID)
	if !ok {
		return nil, domain.ProviderModel{}, domain.NotFoundf("model %q not in catalog of provider %s", modelID, providerID)
	}
	return provider, m, nil
}

// CreateProvider validates p, resolves its vendor tag and persists it.
func (r *Registry) CreateProvider(ctx context.Context, p domain.Provider) (*domain.Provider, error) {
	p.Name = strings.TrimSpace(p.Name)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.ID = uuid.NewString()
	p.Vendor = model.ResolveVendor(&p)
	if err := r.providers.CreateProvider(ctx, &p); err != nil {
		return nil, err
	}
	slog.Info("provider created", "providerID", p.ID, "vendor", p.Vendor, "models", len(p.Models))
	return &p, nil
}

// UpdateProvider replaces a provider's configuration. An empty API key keeps
// the stored one; an empty vendor keeps the stored tag unless the base URL
// changed, in which case it is detected again.
func (r *Registry) UpdateProvider(ctx context.Context, p domain.Provider) (*domain.Provider, error) {
	current, err := r.providers.GetProvider(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.APIKey == "" {
		p.APIKey = current.APIKey
	}
	if p.Vendor == "" && p.BaseURL == current.BaseURL {
		p.Vendor = current.Vendor
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.Vendor = model.ResolveVendor(&p)
	p.CreatedAt = current.CreatedAt
	if err := r.providers.UpdateProvider(ctx, &p); err != nil {
		return nil, err
	}
	slog.Info("provider updated", "providerID", p.ID, "vendor", p.Vendor, "active", p.Active)
	return &p, nil
}

// GetProvider returns a provider by ID.
func (r *Registry) GetProvider(ctx context.Context, id string) (*domain.Provider, error) {
	return r.providers.GetProvider(ctx, id)
}

// ListProviders returns every provider.
func (r *Registry) ListProviders(ctx context.Context) ([]domain.Provider, error) {
	return r.providers.ListProviders(ctx)
}

// CreateAgent validates a and its provider and model references, then
// persists it under a new ID.
func (r *Registry) CreateAgent(ctx context.Context, a domain.Agent) (*domain.Agent, error) {
	if a.SessionLimit == 0 {
		a.SessionLimit = domain.DefaultSessionLimit
	}
	if a.Visibility == "" {
		a.Visibility = domain.VisibilityPrivate
	}
	a.Name = strings.TrimSpace(a.Name)
	a.ToolAccess = domain.NormalizeTags(a.ToolAccess)
	a.CategoryTags = domain.NormalizeTags(a.CategoryTags)
	if err := r.validateAgent(ctx, &a); err != nil {
		return nil, err
	}
	a.ID = uuid.NewString()
	if err := r.agents.CreateAgent(ctx, &a); err != nil {
		return nil, err
	}
	slog.Info("agent created", "agentID", a.ID, "providerID", a.ProviderID, "model", a.ModelID)
	return &a, nil
}

// PatchAgent applies a partial update. References are re-checked only when
// the patch changes them.
func (r *Registry) PatchAgent(ctx context.Context, id string, patch domain.AgentPatch) (*domain.Agent, error) {
	current, err := r.agents.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	a := patch.Apply(*current)
	a.Name = strings.TrimSpace(a.Name)
	a.ToolAccess = domain.NormalizeTags(a.ToolAccess)
	a.CategoryTags = domain.NormalizeTags(a.CategoryTags)

	if patch.ProviderID != nil || patch.ModelID != nil {
		if err := r.validateAgent(ctx, &a); err != nil {
			return nil, err
		}
	} else if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := r.agents.UpdateAgent(ctx, &a); err != nil {
		return nil, err
	}
	slog.Info("agent updated", "agentID", a.ID)
	return &a, nil
}

// GetAgent returns an agent by ID.
func (r *Registry) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	return r.agents.GetAgent(ctx, id)
}

// ListAgents returns the agents visible to userID.
func (r *Registry) ListAgents(ctx context.Context, userID string) ([]domain.Agent, error) {
	return r.agents.ListAgents(ctx, userID)
}

// DeleteAgent removes an agent. Conversations it took part in keep its
// messages but no longer list it as a participant.
func (r *Registry) DeleteAgent(ctx context.Context, id string) error {
	if err := r.agents.DeleteAgent(ctx, id); err != nil {
		return err
	}
	slog.Info("agent deleted", "agentID", id)
	return nil
}

func (r *Registry) validateAgent(ctx context.Context, a *domain.Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	provider, err := r.providers.GetProvider(ctx, a.ProviderID)
	if err != nil {
		return err
	}
	if !provider.Active {
		return domain.Validationf("provider %s is inactive", a.ProviderID)
	}
	if _, ok := provider.Model(a.ModelID); !ok {
		return domain.Validationf("model %q not in catalog of provider %s", a.ModelID, a.ProviderID)
	}
	return nil
}
