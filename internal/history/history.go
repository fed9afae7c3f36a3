// Package history defines the conversation turn model exchanged with callers.
package history

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// ParseRole maps a wire role name to a Role. "user" and "ai" are accepted
// as aliases for human and assistant.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return RoleSystem, true
	case "human", "user":
		return RoleHuman, true
	case "assistant", "ai":
		return RoleAssistant, true
	default:
		return "", false
	}
}

// Turn is one role-tagged message. Turns are immutable once created.
type Turn struct {
	role    Role
	content string
}

// NewTurn creates a turn, rejecting unknown roles.
func NewTurn(role Role, content string) (Turn, error) {
	switch role {
	case RoleSystem, RoleHuman, RoleAssistant:
		return Turn{role: role, content: content}, nil
	default:
		return Turn{}, fmt.Errorf("unknown role %q", role)
	}
}

// Human creates a human turn.
func Human(content string) Turn { return Turn{role: RoleHuman, content: content} }

// Assistant creates an assistant turn.
func Assistant(content string) Turn { return Turn{role: RoleAssistant, content: content} }

// System creates a system turn.
func System(content string) Turn { return Turn{role: RoleSystem, content: content} }

// Role returns the turn's role.
func (t Turn) Role() Role { return t.role }

// Content returns the turn's text.
func (t Turn) Content() string { return t.content }

type wireTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// MarshalJSON encodes the turn as {"role": ..., "content": ...}.
func (t Turn) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireTurn{Role: t.role, Content: t.content})
}

// UnmarshalJSON decodes a role object. Use Parse for lenient decoding of
// whole histories.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var w struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	role, ok := ParseRole(w.Role)
	if !ok {
		return fmt.Errorf("unknown role %q", w.Role)
	}
	*t = Turn{role: role, content: w.Content}
	return nil
}

// History is an ordered sequence of turns, oldest first.
type History []Turn

// Len returns the number of turns.
func (h History) Len() int { return len(h) }

// Clone returns a copy that shares no backing array with h.
func (h History) Clone() History {
	if h == nil {
		return History{}
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// Append returns a new history with turns added after h. The receiver is
// never modified, even when it has spare capacity.
func (h History) Append(turns ...Turn) History {
	out := make(History, 0, len(h)+len(turns))
	out = append(out, h...)
	return append(out, turns...)
}

// WithoutRole returns the turns whose role is not r, preserving order.
func (h History) WithoutRole(r Role) History {
	out := make(History, 0, len(h))
	for _, t := range h {
		if t.role != r {
			out = append(out, t)
		}
	}
	return out
}

// MarshalJSON always encodes an array, never null.
func (h History) MarshalJSON() ([]byte, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Turn(h))
}
