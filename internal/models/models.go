package models

import "time"

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// KindWelcome marks synthetic greeting messages. They are shown to the user
// but never sent upstream.
const KindWelcome = "welcome"

// Message is one turn in a thread. Content and Reasoning change in place only
// while Final is false.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Reasoning *string   `json:"reasoning,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Final     bool      `json:"final"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsWelcome reports whether the message is a synthetic welcome message.
func (m Message) IsWelcome() bool {
	return m.Kind == KindWelcome
}

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	if m.Reasoning != nil {
		r := *m.Reasoning
		m.Reasoning = &r
	}
	return m
}

// Thread is one linear conversation. A root thread has neither ParentThreadID
// nor ForkMessageID; a fork has both.
type Thread struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Messages       []Message `json:"messages"`
	ParentThreadID string    `json:"parentThreadId,omitempty"`
	ForkMessageID  string    `json:"forkMessageId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// IsRoot reports whether the thread has no parent.
func (t Thread) IsRoot() bool {
	return t.ParentThreadID == ""
}

// Last returns the trailing message, if any.
func (t Thread) Last() (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// Clone returns a deep copy of the thread.
func (t Thread) Clone() Thread {
	msgs := make([]Message, len(t.Messages))
	for i, m := range t.Messages {
		msgs[i] = m.Clone()
	}
	t.Messages = msgs
	return t
}

// Turn is a role/content pair as sent upstream.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
