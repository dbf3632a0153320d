package model

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

const redactedMarker = "[REDACTED]"

// keyEcho matches vendor messages that echo a (partially masked) key back,
// e.g. "Incorrect API key provided: sk-abc***wxyz.".
var keyEcho = regexp.MustCompile(`(?i)(api[ _-]?key[^:\n]{0,20}:\s*)[^\s,;"']+`)

// redactedError carries a scrubbed message. It deliberately does not wrap
// the original error, whose text may still contain a secret; only context
// sentinels are kept so timeouts and cancellation stay detectable.
type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }

// Redact returns an error equivalent to err whose message contains none of
// the given secrets. Empty secrets are ignored.
func Redact(err error, secrets ...string) error {
	if err == nil {
		return nil
	}
	msg := RedactString(err.Error(), secrets...)
	var cause error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		cause = context.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		cause = context.Canceled
	}
	return &redactedError{msg: msg, cause: cause}
}

// RedactString removes secrets from s.
func RedactString(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, redactedMarker)
	}
	return keyEcho.ReplaceAllString(s, "${1}"+redactedMarker)
}
