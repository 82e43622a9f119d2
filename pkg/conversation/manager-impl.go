package conversation

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type ManagerImpl struct {
	ConversationID uuid.UUID

	mu       sync.Mutex
	messages Conversation

	autosaveEnabled bool
	autosaveDir     string
	startTime       time.Time
}

var _ Manager = (*ManagerImpl)(nil)

type ManagerOption func(*ManagerImpl)

func WithMessages(messages ...*Message) ManagerOption {
	return func(m *ManagerImpl) {
		m.AppendMessages(messages...)
	}
}

func WithManagerConversationID(conversationID uuid.UUID) ManagerOption {
	return func(m *ManagerImpl) {
		m.ConversationID = conversationID
	}
}

// WithAutosave persists the conversation to dir after every append. An
// empty dir falls back to ~/.sokrates/history.
func WithAutosave(dir string) ManagerOption {
	return func(m *ManagerImpl) {
		m.autosaveEnabled = true

		if dir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				// fallback to current directory if home dir cannot be determined
				homeDir = "."
			}
			m.autosaveDir = filepath.Join(homeDir, ".sokrates", "history")
		} else {
			m.autosaveDir = dir
		}
	}
}

func NewManager(options ...ManagerOption) *ManagerImpl {
	ret := &ManagerImpl{
		ConversationID: uuid.Nil,
		startTime:      time.Now(),
	}
	for _, option := range options {
		option(ret)
	}

	if ret.ConversationID == uuid.Nil {
		ret.ConversationID = uuid.New()
	}

	return ret
}

// GetConversation returns a snapshot of the history. The slice is a copy;
// the messages themselves are shared but immutable.
func (c *ManagerImpl) GetConversation() Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make(Conversation, len(c.messages))
	copy(ret, c.messages)
	return ret
}

func (c *ManagerImpl) GetMessage(ID NodeID) (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range c.messages {
		if msg.ID == ID {
			return msg, true
		}
	}
	return nil, false
}

func (c *ManagerImpl) AppendMessages(messages ...*Message) {
	c.mu.Lock()
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		c.messages = append(c.messages, msg)
	}
	count := len(c.messages)
	c.mu.Unlock()

	log.Trace().
		Str("conversation_id", c.ConversationID.String()).
		Int("appended", len(messages)).
		Int("history_length", count).
		Msg("appended messages to conversation")

	if c.autosaveEnabled {
		if err := c.autoSave(); err != nil {
			log.Warn().Err(err).Msg("failed to autosave conversation")
		}
	}
}

// SaveToFile persists the current conversation state to a JSON file,
// enabling conversation continuity across sessions.
func (c *ManagerImpl) SaveToFile(s string) error {
	msgs := c.GetConversation()
	f, err := os.Create(s)
	if err != nil {
		return err
	}

	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	err = encoder.Encode(msgs)
	if err != nil {
		return err
	}

	return nil
}

func (c *ManagerImpl) autoSave() error {
	fileName := c.startTime.Format("2006/01/02/150405") + "-" + c.ConversationID.String() + ".json"
	fullPath := filepath.Join(c.autosaveDir, fileName)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return c.SaveToFile(fullPath)
}
