// Package anthropic implements model.Adapter for the Anthropic Messages API.
package anthropic

import (
	"context"
	"io"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/model"
)

// DefaultMaxTokens is sent when neither the agent nor the provider sets a
// limit; the Messages API requires one.
const DefaultMaxTokens = 1024

// Provider implements model.Adapter using the Anthropic SDK.
type Provider struct {
	apiKey string
	client sdk.Client
}

var _ model.Adapter = (*Provider)(nil)

// New creates an Anthropic adapter for p. SDK retries are disabled.
func New(p *domain.Provider) *Provider {
	return &Provider{
		apiKey: p.APIKey,
		client: sdk.NewClient(
			option.WithAPIKey(p.APIKey),
			option.WithBaseURL(normalizeBaseURL(p.BaseURL)),
			option.WithMaxRetries(0),
		),
	}
}

// normalizeBaseURL strips a trailing /v1; the SDK adds it to every path.
func normalizeBaseURL(raw string) string {
	raw = strings.TrimSuffix(raw, "/")
	raw = strings.TrimSuffix(raw, "/v1")
	return raw + "/"
}

func (p *Provider) Vendor() domain.Vendor { return domain.VendorAnthropic }

// ListModels returns the models available to the API key.
func (p *Provider) ListModels(ctx context.Context) ([]domain.ProviderModel, error) {
	page, err := p.client.Models.List(ctx, sdk.ModelListParams{})
	if err != nil {
		return nil, model.Redact(err, p.apiKey)
	}
	models := make([]domain.ProviderModel, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, domain.ProviderModel{ID: m.ID, Name: m.DisplayName})
	}
	return models, nil
}

// Generate sends a non-streaming Messages request.
func (p *Provider) Generate(ctx context.Context, req model.Request) (domain.Message, error) {
	slog.Debug("Anthropic.Generate", "model", req.Model, "messageCount", len(req.Messages))

	msg, err := p.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return domain.Message{}, model.GenerationError(err, p.apiKey)
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return model.AssembleReply(req.AgentID, text.String())
}

// Stream sends a streaming Messages request.
func (p *Provider) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	slog.Debug("Anthropic.Stream", "model", req.Model, "messageCount", len(req.Messages))

	stream := p.client.Messages.NewStreaming(ctx, buildParams(req))
	recv := func() (string, error) {
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(sdk.TextDelta); ok {
					return delta.Text, nil
				}
			case sdk.MessageStopEvent:
				return "", io.EOF
			}
		}
		if err := stream.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return model.NewTextStream(req.AgentID, recv, stream.Close, p.apiKey), nil
}

// buildParams maps a normalized request onto the Messages API. The API has
// no frequency penalty; that parameter is dropped.
func buildParams(req model.Request) sdk.MessageNewParams {
	maxTokens := int64(DefaultMaxTokens)
	if req.Params.MaxTokens != nil {
		maxTokens = int64(*req.Params.MaxTokens)
	}

	messages := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		if m.Role == domain.RoleAssistant {
			messages = append(messages, sdk.NewAssistantMessage(block))
		} else {
			messages = append(messages, sdk.NewUserMessage(block))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if v := req.Params.Temperature; v != nil {
		// The Messages API caps temperature at 1.
		params.Temperature = sdk.Float(min(*v, 1))
	}
	if v := req.Params.TopP; v != nil {
		params.TopP = sdk.Float(*v)
	}
	return params
}
