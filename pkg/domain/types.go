package domain

import (
	"net/url"
	"strings"
	"time"
)

// Vendor is the wire-format family a provider speaks.
type Vendor string

const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorMistral   Vendor = "mistral"
	VendorGemini    Vendor = "gemini"
	VendorGeneric   Vendor = "generic"
)

func (v Vendor) Valid() bool {
	switch v {
	case VendorOpenAI, VendorAnthropic, VendorMistral, VendorGemini, VendorGeneric:
		return true
	}
	return false
}

// Visibility controls who may see and pair an agent.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityPublic  Visibility = "public"
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityTeam, VisibilityPublic:
		return true
	}
	return false
}

// GenerationParams holds optional sampling parameters. A nil field means
// "not specified" and lets a lower-precedence source supply the value.
type GenerationParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
}

// Validate checks the ranges of every set parameter.
func (p GenerationParams) Validate() error {
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return Validationf("temperature must be within [0, 2], got %v", *p.Temperature)
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return Validationf("max tokens must be positive, got %d", *p.MaxTokens)
	}
	if p.TopP != nil && (*p.TopP < 0 || *p.TopP > 1) {
		return Validationf("top p must be within [0, 1], got %v", *p.TopP)
	}
	if p.FrequencyPenalty != nil && (*p.FrequencyPenalty < -2 || *p.FrequencyPenalty > 2) {
		return Validationf("frequency penalty must be within [-2, 2], got %v", *p.FrequencyPenalty)
	}
	return nil
}

// Overlay returns base with every parameter set in p taking precedence.
func (p GenerationParams) Overlay(base GenerationParams) GenerationParams {
	out := base
	if p.Temperature != nil {
		out.Temperature = p.Temperature
	}
	if p.MaxTokens != nil {
		out.MaxTokens = p.MaxTokens
	}
	if p.TopP != nil {
		out.TopP = p.TopP
	}
	if p.FrequencyPenalty != nil {
		out.FrequencyPenalty = p.FrequencyPenalty
	}
	return out
}

// RateLimits caps how fast a provider may be called. Zero means unlimited.
type RateLimits struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	TokensPerMinute   int `json:"tokens_per_minute,omitempty"`
}

func (r RateLimits) Validate() error {
	if r.RequestsPerMinute < 0 || r.TokensPerMinute < 0 {
		return Validationf("rate limits must not be negative")
	}
	return nil
}

// ProviderModel describes one model in a provider's catalog.
type ProviderModel struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	ContextWindow int      `json:"context_window,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Experimental  bool     `json:"experimental,omitempty"`
}

// Provider is an LLM endpoint with credentials and a model catalog.
type Provider struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Vendor         Vendor           `json:"vendor"`
	BaseURL        string           `json:"base_url"`
	APIKey         string           `json:"-"`
	OrganizationID string           `json:"organization_id,omitempty"`
	Models         []ProviderModel  `json:"models"`
	Defaults       GenerationParams `json:"defaults"`
	RateLimits     *RateLimits      `json:"rate_limits,omitempty"`
	Active         bool             `json:"active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Model returns the catalog entry with the given id.
func (p *Provider) Model(id string) (ProviderModel, bool) {
	for _, m := range p.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ProviderModel{}, false
}

// Validate checks the provider fields that do not depend on other entities.
func (p *Provider) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return Validationf("provider name is required")
	}
	u, err := url.Parse(p.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return Validationf("provider base url %q is not an absolute http(s) url", p.BaseURL)
	}
	if p.APIKey == "" {
		return Validationf("provider api key is required")
	}
	if p.Vendor != "" && !p.Vendor.Valid() {
		return Validationf("unknown provider vendor %q", p.Vendor)
	}
	if err := validateModels(p.Models); err != nil {
		return err
	}
	if err := p.Defaults.Validate(); err != nil {
		return err
	}
	if p.RateLimits != nil {
		return p.RateLimits.Validate()
	}
	return nil
}

// Agent is a persona bound to a provider model.
type Agent struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	Avatar        string           `json:"avatar,omitempty"`
	ProviderID    string           `json:"provider_id"`
	ModelID       string           `json:"model_id"`
	Params        GenerationParams `json:"params"`
	SystemPrompt  string           `json:"system_prompt"`
	MemoryEnabled bool             `json:"memory_enabled"`
	SessionLimit  int              `json:"session_limit"`
	ToolAccess    []string         `json:"tool_access,omitempty"`
	CategoryTags  []string         `json:"category_tags,omitempty"`
	Visibility    Visibility       `json:"visibility"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// DefaultSessionLimit is used when an agent is created without one.
const DefaultSessionLimit = 50

// Validate checks the agent fields that do not depend on other entities.
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return Validationf("agent name is required")
	}
	if a.ProviderID == "" || a.ModelID == "" {
		return Validationf("agent provider and model are required")
	}
	if strings.TrimSpace(a.SystemPrompt) == "" {
		return Validationf("agent system prompt is required")
	}
	if a.SessionLimit <= 0 {
		return Validationf("agent session limit must be positive")
	}
	if !a.Visibility.Valid() {
		return Validationf("invalid agent visibility %q", a.Visibility)
	}
	if a.Avatar != "" {
		if u, err := url.Parse(a.Avatar); err != nil || u.Host == "" {
			return Validationf("agent avatar %q is not an absolute url", a.Avatar)
		}
	}
	return a.Params.Validate()
}

// AgentPatch is a partial update; nil fields are left unchanged.
type AgentPatch struct {
	Name          *string           `json:"name,omitempty"`
	Description   *string           `json:"description,omitempty"`
	Avatar        *string           `json:"avatar,omitempty"`
	ProviderID    *string           `json:"provider_id,omitempty"`
	ModelID       *string           `json:"model_id,omitempty"`
	Params        *GenerationParams `json:"params,omitempty"`
	SystemPrompt  *string           `json:"system_prompt,omitempty"`
	MemoryEnabled *bool             `json:"memory_enabled,omitempty"`
	SessionLimit  *int              `json:"session_limit,omitempty"`
	ToolAccess    *[]string         `json:"tool_access,omitempty"`
	CategoryTags  *[]string         `json:"category_tags,omitempty"`
	Visibility    *Visibility       `json:"visibility,omitempty"`
}

// Apply returns a copy of a with the patch applied.
func (p AgentPatch) Apply(a Agent) Agent {
	if p.Name != nil {
		a.Name = *p.Name
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if p.Avatar != nil {
		a.Avatar = *p.Avatar
	}
	if p.ProviderID != nil {
		a.ProviderID = *p.ProviderID
	}
	if p.ModelID != nil {
		a.ModelID = *p.ModelID
	}
	if p.Params != nil {
		a.Params = p.Params.Overlay(a.Params)
	}
	if p.SystemPrompt != nil {
		a.SystemPrompt = *p.SystemPrompt
	}
	if p.MemoryEnabled != nil {
		a.MemoryEnabled = *p.MemoryEnabled
	}
	if p.SessionLimit != nil {
		a.SessionLimit = *p.SessionLimit
	}
	if p.ToolAccess != nil {
		a.ToolAccess = *p.ToolAccess
	}
	if p.CategoryTags != nil {
		a.CategoryTags = *p.CategoryTags
	}
	if p.Visibility != nil {
		a.Visibility = *p.Visibility
	}
	return a
}

// Conversation is a named pairing of agents. Its messages live in the
// transcript and are not loaded with it.
type Conversation struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UserID     string    `json:"user_id"`
	CoverImage string    `json:"cover_image,omitempty"`
	AgentIDs   []string  `json:"agent_ids"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Ptr returns a pointer to v. Handy for GenerationParams literals.
func Ptr[T any](v T) *T { return &v }
