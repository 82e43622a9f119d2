package conversation

// Package conversation provides the data model for multi-turn AI dialogues.
//
// A Conversation is an ordered, append-only sequence of Messages. Order is
// conversation order and is semantically significant: prompts are built by
// replaying the history in order. The history only ever grows; truncating
// it to fit a context window happens on a derived copy inside the prompt
// builder, never here.

// Manager defines the interface for high-level conversation management
// operations. Exactly one controller owns a given manager; snapshots
// returned from GetConversation are safe to hand to other goroutines.
type Manager interface {
	GetConversation() Conversation
	AppendMessages(msgs ...*Message)
	GetMessage(ID NodeID) (*Message, bool)
	SaveToFile(filename string) error
}
