package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nstogner/backrooms/pkg/domain"
)

// --- Providers ---

// providerRequest accepts the API key, which Provider never serializes.
type providerRequest struct {
	domain.Provider
	APIKey string `json:"api_key"`
}

func (p providerRequest) provider() domain.Provider {
	out := p.Provider
	out.APIKey = p.APIKey
	return out
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.registry.ListProviders(r.Context())
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, providers)
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	p, err := s.registry.CreateProvider(r.Context(), req.provider())
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, p)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	in := req.provider()
	in.ID = r.PathValue("id")
	p, err := s.registry.UpdateProvider(r.Context(), in)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if s.limiters != nil {
		s.limiters.Forget(p.ID)
	}
	s.jsonResponse(w, http.StatusOK, p)
}

func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.GetProvider(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	res, err := s.tester.Test(r.Context(), *p)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// handleTestUnsavedProvider checks a configuration before it is stored.
func (s *Server) handleTestUnsavedProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	p := req.provider()
	if p.Name == "" {
		p.Name = "unsaved"
	}
	if err := p.Validate(); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	res, err := s.tester.Test(r.Context(), p)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// --- Agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.ListAgents(r.Context(), s.userID(r))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, agents)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var agent domain.Agent
	if err := decode(r, &agent); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if user := s.userID(r); user != "" {
		agent.UserID = user
	}
	created, err := s.registry.CreateAgent(r.Context(), agent)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, created)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, agent)
}

func (s *Server) handlePatchAgent(w http.ResponseWriter, r *http.Request) {
	var patch domain.AgentPatch
	if err := decode(r, &patch); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	agent, err := s.registry.PatchAgent(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteAgent(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Conversations ---

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.transcript.List(r.Context(), s.userID(r))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, convs)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var conv domain.Conversation
	if err := decode(r, &conv); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	if user := s.userID(r); user != "" {
		conv.UserID = user
	}
	created, err := s.transcript.Create(r.Context(), conv)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, created)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.transcript.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.transcript.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.transcript.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, msgs)
}

// handleSubmitMessage is the inbound trigger: it appends the user message and
// returns once every participant has replied.
func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	res, err := s.engine.Submit(r.Context(), r.PathValue("id"), req.Content, nil)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, res)
}

// handleExportConversation streams the transcript as JSON Lines.
func (s *Server) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.transcript.Get(r.Context(), id); err != nil {
		s.errorResponse(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".jsonl"))
	if err := s.transcript.Export(r.Context(), id, w); err != nil {
		// Headers are already sent.
		slog.Error("Failed to export conversation", "conversationID", id, "error", err)
	}
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	msg, err := s.engine.Advance(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, msg)
}
