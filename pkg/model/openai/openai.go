// Package openai implements model.Adapter for the OpenAI chat-completions
// wire format. Mistral and generic self-hosted endpoints speak the same
// protocol and share this adapter under their own vendor tags.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/model"
	goopenai "github.com/sashabaranov/go-openai"
)

// Provider implements model.Adapter using the go-openai client.
type Provider struct {
	vendor domain.Vendor
	apiKey string
	client *goopenai.Client
}

var _ model.Adapter = (*Provider)(nil)

// New creates an adapter for p speaking the OpenAI wire format under the
// given vendor tag.
func New(p *domain.Provider, vendor domain.Vendor) (*Provider, error) {
	baseURL, err := normalizeBaseURL(p.BaseURL)
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, err, "invalid base url for provider %s", p.ID)
	}
	cfg := goopenai.DefaultConfig(p.APIKey)
	cfg.BaseURL = baseURL
	cfg.OrgID = p.OrganizationID
	return &Provider{
		vendor: vendor,
		apiKey: p.APIKey,
		client: goopenai.NewClientWithConfig(cfg),
	}, nil
}

// normalizeBaseURL appends the /v1 prefix when the URL has no path, so both
// "https://api.openai.com" and "http://localhost:11434/v1" work.
func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if strings.Trim(u.Path, "/") == "" {
		return url.JoinPath(raw, "/v1")
	}
	return strings.TrimSuffix(raw, "/"), nil
}

func (p *Provider) Vendor() domain.Vendor { return p.vendor }

// ListModels returns the models reported by the /models endpoint.
func (p *Provider) ListModels(ctx context.Context) ([]domain.ProviderModel, error) {
	list, err := p.client.ListModels(ctx)
	if err != nil {
		if statusCode(err) == http.StatusNotFound {
			return nil, model.ErrListingUnsupported
		}
		return nil, model.Redact(err, p.apiKey)
	}
	models := make([]domain.ProviderModel, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, domain.ProviderModel{ID: m.ID, Name: m.ID})
	}
	return models, nil
}

// Generate performs a non-streaming chat completion.
func (p *Provider) Generate(ctx context.Context, req model.Request) (domain.Message, error) {
	slog.Debug("OpenAI.Generate", "vendor", p.vendor, "model", req.Model, "messageCount", len(req.Messages))

	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return domain.Message{}, model.GenerationError(err, p.apiKey)
	}
	if len(resp.Choices) == 0 {
		return domain.Message{}, domain.Generationf("provider returned no choices")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == goopenai.FinishReasonContentFilter {
		return domain.Message{}, domain.Generationf("provider withheld the reply (content filter)")
	}
	return model.AssembleReply(req.AgentID, choice.Message.Content)
}

// Stream performs a streaming chat completion.
func (p *Provider) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	slog.Debug("OpenAI.Stream", "vendor", p.vendor, "model", req.Model, "messageCount", len(req.Messages))

	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, model.GenerationError(err, p.apiKey)
	}
	recv := func() (string, error) {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Delta.Content, nil
	}
	closeFn := func() error {
		stream.Close()
		return nil
	}
	return model.NewTextStream(req.AgentID, recv, closeFn, p.apiKey), nil
}

// buildRequest maps a normalized request onto the wire request. go-openai
// omits zero-valued sampling fields, so a temperature of exactly 0 falls
// back to the provider default.
func (p *Provider) buildRequest(req model.Request, stream bool) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, goopenai.ChatCompletionMessage{
			Role:    wireRole(m.Role),
			Content: m.Content,
		})
	}

	out := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if v := req.Params.Temperature; v != nil {
		out.Temperature = float32(*v)
	}
	if v := req.Params.MaxTokens; v != nil {
		out.MaxTokens = *v
	}
	if v := req.Params.TopP; v != nil {
		out.TopP = float32(*v)
	}
	if v := req.Params.FrequencyPenalty; v != nil {
		out.FrequencyPenalty = float32(*v)
	}
	return out
}

func wireRole(r domain.Role) string {
	switch r {
	case domain.RoleAssistant:
		return goopenai.ChatMessageRoleAssistant
	case domain.RoleSystem:
		return goopenai.ChatMessageRoleSystem
	default:
		return goopenai.ChatMessageRoleUser
	}
}

func statusCode(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

// String identifies the adapter in logs without exposing credentials.
func (p *Provider) String() string {
	return fmt.Sprintf("openai-compatible(%s)", p.vendor)
}
