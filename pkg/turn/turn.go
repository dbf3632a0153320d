// Package turn decides whose turn it is in a conversation, asks that agent's
// provider for a reply and appends it to the transcript.
package turn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/metrics"
	"github.com/nstogner/backrooms/pkg/model"
	"github.com/nstogner/backrooms/pkg/registry"
	"github.com/nstogner/backrooms/pkg/turn/lock"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 2 * time.Minute

// Phase is a step of the turn state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseAwaiting   Phase = "awaiting_agent_turn"
	PhaseGenerating Phase = "generating_reply"
	PhaseAppended   Phase = "appended"
	PhaseFailed     Phase = "failed"
)

// State is reported to the Observer on every transition.
type State struct {
	ConversationID string
	Phase          Phase
	// AgentID is the responder; empty when idle.
	AgentID string
	// Message is set when Phase is PhaseAppended.
	Message *domain.Message
	// Err is set when Phase is PhaseFailed.
	Err error
}

// Observer receives state transitions. It is called synchronously and must
// not block.
type Observer func(State)

// FragmentFunc receives streamed reply fragments. Returning an error aborts
// the turn and discards the reply.
type FragmentFunc func(agentID, fragment string) error

// Transcript is the conversation history the engine reads and appends to.
type Transcript interface {
	Get(ctx context.Context, conversationID string) (*domain.Conversation, error)
	Load(ctx context.Context, conversationID string) ([]domain.Message, error)
	Append(ctx context.Context, conversationID string, msg domain.Message) ([]domain.Message, error)
}

// Registry resolves responders and speaker names.
type Registry interface {
	Resolve(ctx context.Context, agentID string) (registry.Resolution, error)
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
}

// Engine runs conversation turns. Turns only run on request.
type Engine struct {
	transcript Transcript
	registry   Registry
	adapters   model.Factory
	locker     lock.Locker
	counter    model.TokenCounter
	timeout    time.Duration
	observer   Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker sets the per-conversation lock. Defaults to an in-process lock.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithTokenCounter sets the counter used for context-window trimming.
func WithTokenCounter(c model.TokenCounter) Option {
	return func(e *Engine) { e.counter = c }
}

// WithTimeout bounds each provider call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithObserver registers a state observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New creates an Engine.
func New(tr Transcript, reg Registry, adapters model.Factory, opts ...Option) *Engine {
	e := &Engine{
		transcript: tr,
		registry:   reg,
		adapters:   adapters,
		locker:     lock.NewMemory(),
		counter:    model.NewTokenCounter(model.DefaultEncoding),
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) observe(s State) {
	if e.observer != nil {
		e.observer(s)
	}
}

// acquire takes the conversation's turn lock.
func (e *Engine) acquire(ctx context.Context, conversationID string) (func(), error) {
	release, err := e.locker.TryLock(ctx, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrTurnInProgress) {
			metrics.TurnConflictsTotal.Inc()
			slog.Info("turn rejected, another turn in progress", "conversationID", conversationID)
		}
		return nil, err
	}
	return func() {
		release()
		e.observe(State{ConversationID: conversationID, Phase: PhaseIdle})
	}, nil
}

// Advance runs one full turn: the next agent generates a reply which is
// appended to the transcript. On failure the transcript is unchanged.
func (e *Engine) Advance(ctx context.Context, conversationID string) (domain.Message, error) {
	release, err := e.acquire(ctx, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	defer release()
	return e.turn(ctx, conversationID, nil)
}

// AdvanceStream runs one turn, passing reply fragments to onFragment as they
// arrive. Cancelling ctx or returning an error from onFragment discards the
// reply and appends nothing.
func (e *Engine) AdvanceStream(ctx context.Context, conversationID string, onFragment FragmentFunc) (domain.Message, error) {
	release, err := e.acquire(ctx, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	defer release()
	return e.turn(ctx, conversationID, onFragment)
}

// Result is the outcome of Submit.
type Result struct {
	UserMessage domain.Message   `json:"user_message"`
	Replies     []domain.Message `json:"replies"`
}

// Submit appends a user message and then runs turns until every participant
// has answered it, stopping at the first failure. Replies appended before a
// failure are kept and returned with the error. A nil onFragment generates
// replies without streaming.
func (e *Engine) Submit(ctx context.Context, conversationID, content string, onFragment FragmentFunc) (Result, error) {
	userMsg, err := domain.NewUserMessage(content)
	if err != nil {
		return Result{}, err
	}

	release, err := e.acquire(ctx, conversationID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	if _, err := e.transcript.Append(ctx, conversationID, userMsg); err != nil {
		return Result{}, err
	}
	res := Result{UserMessage: userMsg}

	conv, err := e.transcript.Get(ctx, conversationID)
	if err != nil {
		return res, err
	}
	answered := make(map[string]bool, len(conv.AgentIDs))
	for range conv.AgentIDs {
		if allAnswered(conv.AgentIDs, answered) {
			break
		}
		msg, err := e.turn(ctx, conversationID, onFragment)
		if err != nil {
			return res, err
		}
		answered[msg.AgentID] = true
		res.Replies = append(res.Replies, msg)
	}
	return res, nil
}

func allAnswered(agentIDs []string, answered map[string]bool) bool {
	for _, id := range agentIDs {
		if !answered[id] {
			return false
		}
	}
	return true
}

// turn runs one turn. The caller holds the conversation lock.
func (e *Engine) turn(ctx context.Context, conversationID string, onFragment FragmentFunc) (msg domain.Message, err error) {
	start := time.Now()
	metrics.TurnsInFlight.Inc()
	var agentID string
	defer func() {
		metrics.TurnsInFlight.Dec()
		metrics.TurnDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.TurnsTotal.WithLabelValues(string(PhaseFailed)).Inc()
			slog.Error("turn failed", "conversationID", conversationID, "agentID", agentID,
				"kind", domain.KindOf(err), "error", err)
			e.observe(State{ConversationID: conversationID, Phase: PhaseFailed, AgentID: agentID, Err: err})
			return
		}
		metrics.TurnsTotal.WithLabelValues(string(PhaseAppended)).Inc()
		slog.Info("turn appended", "conversationID", conversationID, "agentID", agentID,
			"messageID", msg.ID, "duration", time.Since(start))
		e.observe(State{ConversationID: conversationID, Phase: PhaseAppended, AgentID: agentID, Message: &msg})
	}()

	conv, err := e.transcript.Get(ctx, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if len(conv.AgentIDs) < 2 {
		return domain.Message{}, domain.ErrTooFewParticipants
	}
	history, err := e.transcript.Load(ctx, conversationID)
	if err != nil {
		return domain.Message{}, err
	}

	agentID = NextAgent(conv.AgentIDs, history)
	e.observe(State{ConversationID: conversationID, Phase: PhaseAwaiting, AgentID: agentID})

	res, err := e.registry.Resolve(ctx, agentID)
	if err != nil {
		return domain.Message{}, err
	}
	adapter, err := e.adapters.For(ctx, res.Provider)
	if err != nil {
		return domain.Message{}, err
	}
	req := e.buildRequest(ctx, res, history)

	e.observe(State{ConversationID: conversationID, Phase: PhaseGenerating, AgentID: agentID})
	msg, err = e.generate(ctx, adapter, req, onFragment)
	if err != nil {
		return domain.Message{}, err
	}

	if _, err := e.transcript.Append(ctx, conversationID, msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// generate calls the adapter under the turn timeout.
func (e *Engine) generate(ctx context.Context, adapter model.Adapter, req model.Request, onFragment FragmentFunc) (domain.Message, error) {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var (
		msg domain.Message
		err error
	)
	if onFragment == nil {
		msg, err = adapter.Generate(callCtx, req)
	} else {
		msg, err = e.stream(callCtx, adapter, req, onFragment)
	}
	if err == nil {
		return msg, nil
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !domain.IsTimeout(err) {
		return domain.Message{}, &domain.Error{Kind: domain.KindGeneration, Message: "provider timed out", Err: context.DeadlineExceeded}
	}
	return domain.Message{}, model.GenerationError(err)
}

func (e *Engine) stream(ctx context.Context, adapter model.Adapter, req model.Request, onFragment FragmentFunc) (domain.Message, error) {
	s, err := adapter.Stream(ctx, req)
	if err != nil {
		return domain.Message{}, err
	}
	defer s.Close()

	for {
		if err := ctx.Err(); err != nil {
			return domain.Message{}, err
		}
		frag, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return domain.Message{}, err
		}
		if err := onFragment(req.AgentID, frag); err != nil {
			return domain.Message{}, domain.Wrap(domain.KindGeneration, err, "stream aborted by receiver")
		}
	}
	return s.Message()
}
