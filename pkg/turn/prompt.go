package turn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/metrics"
	"github.com/nstogner/backrooms/pkg/model"
	"github.com/nstogner/backrooms/pkg/registry"
)

// OpeningCue is sent as the first user turn when the prompt would otherwise
// start with an assistant turn or be empty. Two-party wire formats require
// the conversation to open with the user.
const OpeningCue = "The conversation begins now. Please respond."

// NextAgent picks the participant who speaks next. With no prior assistant
// message the first participant speaks; otherwise the participant after the
// most recent assistant speaker does, wrapping around. If that speaker has
// left, the rotation restarts at the first participant.
func NextAgent(agentIDs []string, messages []domain.Message) string {
	if len(agentIDs) == 0 {
		return ""
	}
	last := lastSpeaker(messages)
	if last == "" {
		return agentIDs[0]
	}
	for i, id := range agentIDs {
		if id == last {
			return agentIDs[(i+1)%len(agentIDs)]
		}
	}
	return agentIDs[0]
}

func lastSpeaker(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleAssistant {
			return messages[i].AgentID
		}
	}
	return ""
}

// Window returns the part of the transcript agent may see. With memory
// enabled that is everything; otherwise the transcript is cut into windows
// of SessionLimit messages and only the window holding the latest message
// is returned.
func Window(agent *domain.Agent, history []domain.Message) []domain.Message {
	limit := agent.SessionLimit
	if agent.MemoryEnabled || limit <= 0 || len(history) == 0 {
		return history
	}
	start := ((len(history) - 1) / limit) * limit
	return history[start:]
}

// BuildRequest renders the transcript from the responder's point of view.
// The responder's own messages stay assistant turns, user messages stay user
// turns and other agents' messages become user turns prefixed with the
// speaker's name. Transcript system messages extend the system prompt.
func BuildRequest(res registry.Resolution, names map[string]string, history []domain.Message) model.Request {
	system := []string{res.Agent.SystemPrompt}
	var turns []model.Turn
	for _, m := range Window(res.Agent, history) {
		switch {
		case m.Role == domain.RoleSystem:
			system = append(system, m.Content)
		case m.Role == domain.RoleAssistant && m.AgentID == res.Agent.ID:
			turns = appendTurn(turns, domain.RoleAssistant, m.Content)
		case m.Role == domain.RoleAssistant:
			name := names[m.AgentID]
			if name == "" {
				name = m.AgentID
			}
			turns = appendTurn(turns, domain.RoleUser, fmt.Sprintf("[%s]: %s", name, m.Content))
		default:
			turns = appendTurn(turns, domain.RoleUser, m.Content)
		}
	}
	return model.Request{
		AgentID:      res.Agent.ID,
		Model:        res.Model.ID,
		SystemPrompt: strings.Join(system, "\n\n"),
		Messages:     withOpeningCue(turns),
		Params:       res.Params,
	}
}

// appendTurn merges consecutive turns of the same role.
func appendTurn(turns []model.Turn, role domain.Role, content string) []model.Turn {
	if n := len(turns); n > 0 && turns[n-1].Role == role {
		turns[n-1].Content += "\n\n" + content
		return turns
	}
	return append(turns, model.Turn{Role: role, Content: content})
}

func withOpeningCue(turns []model.Turn) []model.Turn {
	if len(turns) > 0 && turns[0].Role == domain.RoleUser {
		return turns
	}
	return append([]model.Turn{{Role: domain.RoleUser, Content: OpeningCue}}, turns...)
}

// Trim drops the oldest turns until the request fits the model's context
// window, leaving room for the completion. The opening cue that a trimmed
// prompt may need counts against the budget. The last turn is always kept,
// so a single oversized turn can still exceed it. It reports how many turns
// were dropped.
func Trim(req *model.Request, contextWindow int, counter model.TokenCounter) int {
	if contextWindow <= 0 {
		return 0
	}
	budget := contextWindow
	if req.Params.MaxTokens != nil {
		budget -= *req.Params.MaxTokens
	}
	fits := func(turns []model.Turn) bool {
		r := withoutCompletion(*req)
		r.Messages = turns
		return model.RequestTokens(counter, r) <= budget
	}

	turns := req.Messages
	dropped := 0
	for len(turns) > 1 && !fits(withOpeningCue(turns)) {
		turns = turns[1:]
		dropped++
	}
	if dropped > 0 {
		req.Messages = withOpeningCue(turns)
	}
	return dropped
}

func withoutCompletion(req model.Request) model.Request {
	req.Params.MaxTokens = nil
	return req
}

// speakerNames maps the agent ids appearing in history to display names.
// Agents that no longer exist keep their id as name.
func (e *Engine) speakerNames(ctx context.Context, history []domain.Message) map[string]string {
	names := make(map[string]string)
	for _, m := range history {
		if m.AgentID == "" {
			continue
		}
		if _, ok := names[m.AgentID]; ok {
			continue
		}
		names[m.AgentID] = m.AgentID
		a, err := e.registry.GetAgent(ctx, m.AgentID)
		if err != nil {
			if !domain.IsKind(err, domain.KindNotFound) {
				slog.Warn("failed to load speaker name", "agentID", m.AgentID, "error", err)
			}
			continue
		}
		names[m.AgentID] = a.Name
	}
	return names
}

func (e *Engine) buildRequest(ctx context.Context, res registry.Resolution, history []domain.Message) model.Request {
	req := BuildRequest(res, e.speakerNames(ctx, history), history)
	if n := Trim(&req, res.Model.ContextWindow, e.counter); n > 0 {
		metrics.PromptTurnsTrimmedTotal.Add(float64(n))
		slog.Info("prompt trimmed to fit context window",
			"agentID", res.Agent.ID, "model", res.Model.ID, "droppedTurns", n)
	}
	return req
}
