// Package gemini implements model.Adapter using the Google Gen AI SDK.
package gemini

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/model"
	"google.golang.org/genai"
)

// Provider implements model.Adapter for the Gemini API.
type Provider struct {
	apiKey string
	client *genai.Client
}

// Verify interface compliance.
var _ model.Adapter = (*Provider)(nil)

// New creates a new Gemini adapter for p.
func New(ctx context.Context, p *domain.Provider) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: strings.TrimSuffix(p.BaseURL, "/") + "/",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", model.Redact(err, p.APIKey))
	}
	return &Provider{apiKey: p.APIKey, client: client}, nil
}

func (p *Provider) Vendor() domain.Vendor { return domain.VendorGemini }

// ListModels returns the Gemini models that support content generation.
func (p *Provider) ListModels(ctx context.Context) ([]domain.ProviderModel, error) {
	var models []domain.ProviderModel
	for m, err := range p.client.Models.All(ctx) {
		if err != nil {
			return nil, model.Redact(err, p.apiKey)
		}

		supportsGenerate := false
		for _, action := range m.SupportedActions {
			if action == "generateContent" {
				supportsGenerate = true
				break
			}
		}
		if !supportsGenerate {
			continue
		}
		models = append(models, domain.ProviderModel{
			ID:            strings.TrimPrefix(m.Name, "models/"),
			Name:          m.DisplayName,
			ContextWindow: int(m.InputTokenLimit),
		})
	}
	return models, nil
}

// Generate sends a non-streaming generateContent request.
func (p *Provider) Generate(ctx context.Context, req model.Request) (domain.Message, error) {
	slog.Debug("Gemini.Generate", "model", req.Model, "messageCount", len(req.Messages))

	contents, config := buildRequest(req)
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return domain.Message{}, model.GenerationError(err, p.apiKey)
	}
	return model.AssembleReply(req.AgentID, responseText(resp))
}

// Stream sends a streaming generateContent request.
func (p *Provider) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	slog.Debug("Gemini.Stream", "model", req.Model, "messageCount", len(req.Messages))

	contents, config := buildRequest(req)
	streamCtx, cancel := context.WithCancel(ctx)
	var seq iter.Seq2[*genai.GenerateContentResponse, error] = p.client.Models.GenerateContentStream(streamCtx, req.Model, contents, config)
	next, stop := iter.Pull2(seq)

	recv := func() (string, error) {
		resp, err, ok := next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		return responseText(resp), nil
	}
	closeFn := func() error {
		stop()
		cancel()
		return nil
	}
	return model.NewTextStream(req.AgentID, recv, closeFn, p.apiKey), nil
}

func buildRequest(req model.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var contents []*genai.Content
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if v := req.Params.Temperature; v != nil {
		config.Temperature = genai.Ptr(float32(*v))
	}
	if v := req.Params.TopP; v != nil {
		config.TopP = genai.Ptr(float32(*v))
	}
	if v := req.Params.FrequencyPenalty; v != nil {
		config.FrequencyPenalty = genai.Ptr(float32(*v))
	}
	if v := req.Params.MaxTokens; v != nil {
		config.MaxOutputTokens = int32(*v)
	}
	return contents, config
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
		}
		// Only the first candidate is used.
		break
	}
	return text.String()
}
