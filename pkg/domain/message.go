package domain

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single turn of a transcript. Messages are values: once
// validated they are only ever copied, never edited in place.
type Message struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // epoch milliseconds
	AgentID   string `json:"agent_id,omitempty"`
}

// MessageDraft is an unvalidated message candidate. Zero ID and CreatedAt are
// filled in by ValidateMessage.
type MessageDraft struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt int64
	AgentID   string
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidIdentifier reports whether id is a well-formed entity identifier.
func ValidIdentifier(id string) bool {
	return identifierPattern.MatchString(id)
}

// ValidateMessage checks a candidate and builds the Message it describes.
func ValidateMessage(d MessageDraft) (Message, error) {
	if !d.Role.Valid() {
		return Message{}, Validationf("invalid message role %q", d.Role)
	}
	if strings.TrimSpace(d.Content) == "" {
		return Message{}, Validationf("message content must not be empty")
	}
	switch {
	case d.Role == RoleAssistant && d.AgentID == "":
		return Message{}, Validationf("assistant message requires an agent id")
	case d.Role == RoleAssistant && !ValidIdentifier(d.AgentID):
		return Message{}, Validationf("malformed agent id %q", d.AgentID)
	case d.Role != RoleAssistant && d.AgentID != "":
		return Message{}, Validationf("%s message must not carry an agent id", d.Role)
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	} else if !ValidIdentifier(d.ID) {
		return Message{}, Validationf("malformed message id %q", d.ID)
	}
	if d.CreatedAt == 0 {
		d.CreatedAt = time.Now().UnixMilli()
	} else if d.CreatedAt < 0 {
		return Message{}, Validationf("message timestamp must not be negative")
	}
	return Message{
		ID:        d.ID,
		Role:      d.Role,
		Content:   d.Content,
		CreatedAt: d.CreatedAt,
		AgentID:   d.AgentID,
	}, nil
}

// Draft returns m as a candidate, for re-validation.
func (m Message) Draft() MessageDraft {
	return MessageDraft(m)
}

// ParseMessage decodes a serialized message and validates it.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, Wrap(KindValidation, err, "malformed message")
	}
	return ValidateMessage(m.Draft())
}

// NewUserMessage is a convenience for the inbound trigger.
func NewUserMessage(content string) (Message, error) {
	return ValidateMessage(MessageDraft{Role: RoleUser, Content: content})
}

// NewAssistantMessage builds a reply attributed to agentID.
func NewAssistantMessage(agentID, content string) (Message, error) {
	return ValidateMessage(MessageDraft{Role: RoleAssistant, Content: content, AgentID: agentID})
}
