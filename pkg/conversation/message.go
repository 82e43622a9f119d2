package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

type NodeID uuid.UUID

func (id NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *NodeID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = NodeID(u)
	return nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

// MetadataKeyIncomplete marks an assistant message whose stream was
// interrupted before the terminal marker. The partial text is kept so the
// user sees the progress that was made.
const MetadataKeyIncomplete = "incomplete"

// Message is a single turn in a conversation. Messages are immutable once
// created: windowing and request building operate on derived copies, never
// on the stored message.
type Message struct {
	ID   NodeID    `json:"id" yaml:"id"`
	Role Role      `json:"role" yaml:"role"`
	Text string    `json:"text" yaml:"text"`
	Time time.Time `json:"time" yaml:"time"`

	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(message *Message) {
		message.Metadata = metadata
	}
}

func WithTime(t time.Time) MessageOption {
	return func(message *Message) {
		message.Time = t
	}
}

func WithID(id NodeID) MessageOption {
	return func(message *Message) {
		message.ID = id
	}
}

func NewChatMessage(role Role, text string, options ...MessageOption) *Message {
	ret := &Message{
		ID:   NewNodeID(),
		Role: role,
		Text: text,
		Time: time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Incomplete reports whether the message was tagged as an interrupted
// partial assistant reply.
func (m *Message) Incomplete() bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[MetadataKeyIncomplete]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func (m *Message) View() string {
	// If we are markdown, add a newline so that it becomes valid markdown to parse.
	text := m.Text
	if strings.HasPrefix(text, "```") {
		text = "\n" + text
	}
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(text, "\n"))
}

type Conversation []*Message

// GetSinglePrompt concatenates all the messages together with their role in
// front, for callers that need the whole thread as one string.
func (messages Conversation) GetSinglePrompt() string {
	if len(messages) == 0 {
		return ""
	}

	if len(messages) == 1 {
		return messages[0].Text
	}

	prompt := ""
	for _, message := range messages {
		prompt += fmt.Sprintf("[%s]: %s\n", message.Role, message.Text)
	}

	return prompt
}

// LastMessage returns the most recent message, or nil on an empty
// conversation.
func (messages Conversation) LastMessage() *Message {
	if len(messages) == 0 {
		return nil
	}
	return messages[len(messages)-1]
}
