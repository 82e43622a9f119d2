package conversation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AppendKeepsOrder(t *testing.T) {
	m := NewManager()
	m.AppendMessages(
		NewChatMessage(RoleUser, "first"),
		NewChatMessage(RoleAssistant, "second"),
		NewChatMessage(RoleUser, "third"),
	)

	conv := m.GetConversation()
	require.Len(t, conv, 3)
	assert.Equal(t, "first", conv[0].Text)
	assert.Equal(t, "second", conv[1].Text)
	assert.Equal(t, "third", conv[2].Text)
	assert.Equal(t, RoleAssistant, conv[1].Role)
}

func TestManager_SnapshotIsNotAliased(t *testing.T) {
	m := NewManager()
	m.AppendMessages(NewChatMessage(RoleUser, "hello"))

	snapshot := m.GetConversation()
	m.AppendMessages(NewChatMessage(RoleAssistant, "world"))

	require.Len(t, snapshot, 1)
	require.Len(t, m.GetConversation(), 2)
}

func TestManager_GetMessage(t *testing.T) {
	msg := NewChatMessage(RoleUser, "findable")
	m := NewManager(WithMessages(msg))

	found, ok := m.GetMessage(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "findable", found.Text)

	_, ok = m.GetMessage(NewNodeID())
	assert.False(t, ok)
}

func TestManager_SaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conversation.json")

	m := NewManager()
	m.AppendMessages(
		NewChatMessage(RoleSystem, "be socratic", WithTime(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))),
		NewChatMessage(RoleUser, "what is virtue?"),
	)
	require.NoError(t, m.SaveToFile(path))

	msgs, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "what is virtue?", msgs[1].Text)
}

func TestManager_Autosave(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(WithAutosave(dir))
	m.AppendMessages(NewChatMessage(RoleUser, "persist me"))

	var saved []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			saved = append(saved, path)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, saved, 1)

	msgs, err := LoadFromFile(saved[0])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "persist me", msgs[0].Text)
}

func TestMessage_IncompleteTag(t *testing.T) {
	msg := NewChatMessage(RoleAssistant, "partial...",
		WithMetadata(map[string]interface{}{MetadataKeyIncomplete: true}))
	assert.True(t, msg.Incomplete())

	complete := NewChatMessage(RoleAssistant, "whole")
	assert.False(t, complete.Incomplete())
}
