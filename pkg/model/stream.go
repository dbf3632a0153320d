package model

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/nstogner/backrooms/pkg/domain"
)

// RecvFunc pulls the next text fragment from a vendor stream. It returns
// io.EOF when the vendor signals completion. Empty fragments are skipped.
type RecvFunc func() (string, error)

// TextStream assembles vendor fragments into a reply. Adapters supply the
// vendor-specific receive and close functions.
type TextStream struct {
	agentID string
	secrets []string
	recv    RecvFunc
	closeFn func() error

	mu     sync.Mutex
	text   strings.Builder
	done   bool
	err    error
	closed bool
}

var _ Stream = (*TextStream)(nil)

// NewTextStream wraps recv. Errors surfaced by the stream are redacted of
// the given secrets.
func NewTextStream(agentID string, recv RecvFunc, closeFn func() error, secrets ...string) *TextStream {
	return &TextStream{agentID: agentID, recv: recv, closeFn: closeFn, secrets: secrets}
}

func (s *TextStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return "", io.EOF
	}
	if s.err != nil {
		return "", s.err
	}
	if s.closed {
		return "", domain.Generationf("stream closed")
	}
	for {
		frag, err := s.recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			if frag != "" {
				s.text.WriteString(frag)
				return frag, nil
			}
			return "", io.EOF
		}
		if err != nil {
			s.err = GenerationError(err, s.secrets...)
			return "", s.err
		}
		if frag == "" {
			continue
		}
		s.text.WriteString(frag)
		return frag, nil
	}
}

func (s *TextStream) Message() (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Message{}, s.err
	}
	if !s.done {
		return domain.Message{}, domain.Generationf("stream not finished")
	}
	return AssembleReply(s.agentID, s.text.String())
}

func (s *TextStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// AssembleReply turns provider text into a validated assistant message.
// An empty completion is a generation failure, never an empty message.
func AssembleReply(agentID, text string) (domain.Message, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Message{}, domain.Generationf("provider returned an empty reply")
	}
	msg, err := domain.NewAssistantMessage(agentID, text)
	if err != nil {
		return domain.Message{}, domain.Wrap(domain.KindGeneration, err, "provider reply rejected")
	}
	return msg, nil
}

// GenerationError classifies an adapter failure, scrubbing secrets.
// Deadline errors keep context.DeadlineExceeded in their chain.
func GenerationError(err error, secrets ...string) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) && de.Kind == domain.KindGeneration {
		return err
	}
	red := Redact(err, secrets...)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.Error{Kind: domain.KindGeneration, Message: "provider timed out", Err: red}
	case errors.Is(err, context.Canceled):
		return &domain.Error{Kind: domain.KindGeneration, Message: "generation cancelled", Err: red}
	}
	return &domain.Error{Kind: domain.KindGeneration, Message: "provider request failed", Err: red}
}

// ConnectionError classifies a failed reachability or credential check.
func ConnectionError(err error, secrets ...string) error {
	if err == nil {
		return nil
	}
	red := Redact(err, secrets...)
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.Error{Kind: domain.KindConnection, Message: "provider did not respond in time", Err: red}
	}
	return &domain.Error{Kind: domain.KindConnection, Message: "provider connection failed", Err: red}
}
