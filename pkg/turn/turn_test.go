package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nstogner/backrooms/pkg/domain"
	"github.com/nstogner/backrooms/pkg/model"
	"github.com/nstogner/backrooms/pkg/registry"
	"github.com/nstogner/backrooms/pkg/store/sqlite"
	"github.com/nstogner/backrooms/pkg/transcript"
)

// fakeAdapter replies "<agent name> says hi" unless a hook overrides it.
type fakeAdapter struct {
	mu       sync.Mutex
	requests []model.Request
	// reply, when set, produces the reply text for a request.
	reply func(ctx context.Context, req model.Request) (string, error)
	// started is signalled when a call begins, if non-nil.
	started chan struct{}
}

func (f *fakeAdapter) Vendor() domain.Vendor { return domain.VendorGeneric }

func (f *fakeAdapter) ListModels(ctx context.Context) ([]domain.ProviderModel, error) {
	return nil, nil
}

func (f *fakeAdapter) text(ctx context.Context, req model.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.reply != nil {
		return f.reply(ctx, req)
	}
	return "reply from " + req.AgentID, nil
}

func (f *fakeAdapter) Generate(ctx context.Context, req model.Request) (domain.Message, error) {
	text, err := f.text(ctx, req)
	if err != nil {
		return domain.Message{}, model.GenerationError(err)
	}
	return model.AssembleReply(req.AgentID, text)
}

func (f *fakeAdapter) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	text, err := f.text(ctx, req)
	if err != nil {
		return nil, model.GenerationError(err)
	}
	words := strings.SplitAfter(text, " ")
	i := 0
	recv := func() (string, error) {
		if i >= len(words) {
			return "", io.EOF
		}
		i++
		return words[i-1], nil
	}
	return model.NewTextStream(req.AgentID, recv, nil), nil
}

func (f *fakeAdapter) lastRequest() model.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeFactory struct{ adapter *fakeAdapter }

func (f fakeFactory) For(ctx context.Context, p *domain.Provider) (model.Adapter, error) {
	return f.adapter, nil
}

type fixture struct {
	engine     *Engine
	adapter    *fakeAdapter
	transcript *transcript.Transcript
	registry   *registry.Registry
	convID     string
	agents     []string
	states     []State
}

func newFixture(t *testing.T, names ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := sqlite.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(s, s)
	p, err := reg.CreateProvider(ctx, domain.Provider{
		Name: "local", BaseURL: "http://localhost:8080/v1", APIKey: "k",
		Models: []domain.ProviderModel{{ID: "m"}}, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}

	f := &fixture{adapter: &fakeAdapter{}, registry: reg, transcript: transcript.New(s, s)}
	for _, name := range names {
		a, err := reg.CreateAgent(ctx, domain.Agent{
			UserID: "u1", Name: name, ProviderID: p.ID, ModelID: "m",
			SystemPrompt: "You are " + name + ".", MemoryEnabled: true,
		})
		if err != nil {
			t.Fatalf("CreateAgent: %v", err)
		}
		f.agents = append(f.agents, a.ID)
	}
	c, err := f.transcript.Create(ctx, domain.Conversation{Name: "test", UserID: "u1", AgentIDs: f.agents})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.convID = c.ID

	var mu sync.Mutex
	f.engine = New(f.transcript, reg, fakeFactory{f.adapter},
		WithTokenCounter(model.Estimator),
		WithTimeout(time.Second),
		WithObserver(func(s State) {
			mu.Lock()
			f.states = append(f.states, s)
			mu.Unlock()
		}),
	)
	return f
}

func (f *fixture) load(t *testing.T) []domain.Message {
	t.Helper()
	msgs, err := f.transcript.Load(context.Background(), f.convID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return msgs
}

func TestSubmitFirstParticipantAnswersFirst(t *testing.T) {
	f := newFixture(t, "Alice", "Bob")

	res, err := f.engine.Submit(context.Background(), f.convID, "Hi", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.UserMessage.Content != "Hi" || res.UserMessage.Role != domain.RoleUser {
		t.Errorf("UserMessage = %+v", res.UserMessage)
	}
	if len(res.Replies) != 2 {
		t.Fatalf("len(Replies) = %d, want 2", len(res.Replies))
	}
	if res.Replies[0].AgentID != f.agents[0] || res.Replies[1].AgentID != f.agents[1] {
		t.Errorf("reply order = %s, %s", res.Replies[0].AgentID, res.Replies[1].AgentID)
	}

	msgs := f.load(t)
	if len(msgs) != 3 {
		t.Fatalf("transcript len = %d, want 3", len(msgs))
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].AgentID != f.agents[0] {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}

	// Bob saw Alice's reply as a named user turn.
	req := f.adapter.lastRequest()
	if req.SystemPrompt != "You are Bob." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != domain.RoleUser || last.Content != "Hi\n\n[Alice]: reply from "+f.agents[0] {
		t.Errorf("last turn = %+v", last)
	}
}

func TestAdvanceAlternates(t *testing.T) {
	f := newFixture(t, "Alice", "Bob", "Carol")
	ctx := context.Background()

	var prev string
	for i := 0; i < 6; i++ {
		msg, err := f.engine.Advance(ctx, f.convID)
		if err != nil {
			t.Fatalf("Advance %d: %v", i, err)
		}
		if msg.AgentID == prev {
			t.Fatalf("Advance %d: %s spoke twice in a row", i, msg.AgentID)
		}
		if want := f.agents[i%3]; msg.AgentID != want {
			t.Errorf("Advance %d: speaker = %s, want %s", i, msg.AgentID, want)
		}
		prev = msg.AgentID
	}
	if n := len(f.load(t)); n != 6 {
		t.Errorf("transcript len = %d, want 6", n)
	}
}

func TestGenerationFailureLeavesTranscriptUnchanged(t *testing.T) {
	f := newFixture(t, "Alice", "Bob")
	f.adapter.reply = func(ctx context.Context, req model.Request) (string, error) {
		return "", errors.New("upstream 500")
	}

	_, err := f.engine.Advance(context.Background(), f.convID)
	if !domain.IsKind(err, domain.KindGeneration) {
		t.Fatalf("err = %v, want generation error", err)
	}
	if !domain.IsRetryable(err) {
		t.Error("generation failure should be retryable")
	}
	if n := len(f.load(t)); n != 0 {
		t.Errorf("transcript len = %d, want 0", n)
	}

	last := f.states[len(f.states)-1]
	if last.Phase != PhaseIdle {
		t.Errorf("final phase = %q, want idle", last.Phase)
	}
	failed := f.states[len(f.states)-2]
	if failed.Phase != PhaseFailed || failed.Err == nil {
		t.Errorf("phase before idle = %+v, want failed", failed)
	}
}

func TestSubmitStopsAtFirstFailure(t *testing.T) {
	f := newFixture(t, "Alice", "Bob", "Carol")
	f.adapter.reply = func(ctx context.Context, req model.Request) (string, error) {
		if req.AgentID == f.agents[1] {
			return "", errors.New("bob is down")
		}
		return "ok", nil
	}

	res, err := f.engine.Submit(context.Background(), f.convID, "Hi all", nil)
	if !domain.IsKind(err, domain.KindGeneration) {
		t.Fatalf("err = %v, want generation error", err)
	}
	if len(res.Replies) != 1 || res.Replies[0].AgentID != f.agents[0] {
		t.Errorf("Replies = %+v", res.Replies)
	}
	if n := len(f.load(t)); n != 2 {
		t.Errorf("transcript len = %d, want 2", n)
	}
}

func TestTimeout(t *testing.T) {
	f := newFixture(t, "Alice", "Bob")
	f.engine.timeout = 20 * time.Millisecond
	f.adapter.reply = func(ctx context.Context, req model.Request) (string, error) {
		<-ctx.Done()
		return "", fmt.Errorf("request: %w", ctx.Err())
	}

	_, err := f.engine.Advance(context.Background(), f.convID)
	if !domain.IsKind(err, domain.KindGeneration) {
		t.Fatalf("err = %v, want generation error", err)
	}
	if !domain.IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false", err)
	}
	if n := len(f.load(t)); n != 0 {
		t.Errorf("transcript len = %d, want 0", n)
	}
}

func TestConcurrentTurnRejected(t *testing.T) {
	f := newFixture(t, "Alice", "Bob")
	unblock := make(chan struct{})
	f.adapter.started = make(chan struct{}, 1)
	f.adapter.reply = func(ctx context.Context, req model.Request) (string, error) {
		<-unblock
		return "done", nil
	}

	errc := make(chan error, 1)
	go func() {
		_, err := f.engine.Advance(context.Background(), f.convID)
		errc <- err
	}()
	<-f.adapter.started

	_, err := f.engine.Advance(context.Background(), f.convID)
	if !errors.Is(err, domain.ErrTurnInProgress) || !domain.IsKind(err, domain.KindConflict) {
		t.Errorf("second Advance err = %v, want turn in progress", err)
	}
	_, err = f.engine.Submit(context.Background(), f.convID, "me too", nil)
	if !domain.IsKind(err, domain.KindConflict) {
		t.Errorf("Submit during turn err = %v, want conflict", err)
	}

	close(unblock)
	if err := <-errc; err != nil {
		t.Fatalf("first Advance: %v", err)
	}
	// The rejected Submit appended nothing.
	if n := len(f.load(t)); n != 1 {
		t.Errorf("transcript len = %d, want 1", n)
	}
}

func TestAdvanceStream(t *testing.T) {
	f := newFixture(t, "Alice", "Bob")
	f.adapter.reply = func(ctx context.Context, req model.Request) (string, error) {
		return "one two three", nil
	}

	var frags []string
	msg, err := f.engine.AdvanceStream(context.Background(), f.convID, func(agentID, frag string) error {
		if agentID != f.agents[0] {
			t.Errorf("fragment from %s", agentID)
		}
		frags = append(frags, frag)
		return nil
	})
	if err != nil {
		t.Fatalf("AdvanceStream: %v", err)
	}
	if strings.Join(frags, "") != "one two three" || len(frags) != 3 {
		t.Errorf("fragments = %q", frags)
	}
	if msg.Content != "one two three" {
		t.Errorf("Content = %q", msg.Content)
	}
	if n := len(f.load(t)); n != 1 {
		t.Errorf("transcript len = %d, want 1", n)
	}
}

func TestAdvanceStreamAbortDiscards(t *testing.T) {
	f := newFixture(t, "Alice", "Bob")
	f.adapter.reply = func(ctx context.Context, req model.Request) (string, error) {
		return "one two three", nil
	}

	stop := errors.New("client went away")
	_, err := f.engine.AdvanceStream(context.Background(), f.convID, func(agentID, frag string) error {
		return stop
	})
	if !errors.Is(err, stop) || !domain.IsKind(err, domain.KindGeneration) {
		t.Fatalf("err = %v, want generation error wrapping abort", err)
	}
	if n := len(f.load(t)); n != 0 {
		t.Errorf("transcript len = %d, want 0", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	_, err = f.engine.AdvanceStream(ctx, f.convID, func(agentID, frag string) error {
		cancel()
		return nil
	})
	if !domain.IsKind(err, domain.KindGeneration) {
		t.Fatalf("cancelled err = %v, want generation error", err)
	}
	if n := len(f.load(t)); n != 0 {
		t.Errorf("transcript len after cancel = %d, want 0", n)
	}
}

func TestObserverPhases(t *testing.T) {
	f := newFixture(t, "Alice", "Bob")
	if _, err := f.engine.Advance(context.Background(), f.convID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	want := []Phase{PhaseAwaiting, PhaseGenerating, PhaseAppended, PhaseIdle}
	if len(f.states) != len(want) {
		t.Fatalf("states = %+v", f.states)
	}
	for i, p := range want {
		if f.states[i].Phase != p {
			t.Errorf("states[%d] = %q, want %q", i, f.states[i].Phase, p)
		}
	}
	if f.states[2].Message == nil || f.states[2].AgentID != f.agents[0] {
		t.Errorf("appended state = %+v", f.states[2])
	}
}

func TestRemovedSpeakerRestartsRotation(t *testing.T) {
	f := newFixture(t, "Alice", "Bob", "Carol")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := f.engine.Advance(ctx, f.convID); err != nil {
			t.Fatalf("Advance: %v", err)
		}
	}
	// Bob spoke last and now leaves.
	if err := f.registry.DeleteAgent(ctx, f.agents[1]); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}

	msg, err := f.engine.Advance(ctx, f.convID)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if msg.AgentID != f.agents[0] {
		t.Errorf("speaker = %s, want first participant %s", msg.AgentID, f.agents[0])
	}
	// Bob's history is still rendered by id.
	req := f.adapter.lastRequest()
	found := false
	for _, turn := range req.Messages {
		if strings.Contains(turn.Content, "["+f.agents[1]+"]: ") {
			found = true
		}
	}
	if !found {
		t.Errorf("departed speaker missing from prompt: %+v", req.Messages)
	}
}

func TestTooFewParticipants(t *testing.T) {
	f := newFixture(t, "Alice", "Bob")
	if err := f.registry.DeleteAgent(context.Background(), f.agents[1]); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	_, err := f.engine.Advance(context.Background(), f.convID)
	if !errors.Is(err, domain.ErrTooFewParticipants) {
		t.Errorf("err = %v, want ErrTooFewParticipants", err)
	}
}

func TestMemoryWindowLimitsPrompt(t *testing.T) {
	f := newFixture(t, "Alice", "Bob")
	ctx := context.Background()
	if _, err := f.registry.PatchAgent(ctx, f.agents[0], domain.AgentPatch{
		MemoryEnabled: domain.Ptr(false),
		SessionLimit:  domain.Ptr(2),
	}); err != nil {
		t.Fatalf("PatchAgent: %v", err)
	}

	for _, content := range []string{"one", "two", "three"} {
		if _, err := f.transcript.Append(ctx, f.convID, domain.Message{Role: domain.RoleUser, Content: content}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := f.engine.Advance(ctx, f.convID); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	req := f.adapter.lastRequest()
	if len(req.Messages) != 1 || req.Messages[0].Content != "three" {
		t.Errorf("Messages = %+v, want only the current window", req.Messages)
	}
}
