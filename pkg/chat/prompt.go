package chat

import (
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"

	"github.com/go-go-golems/sokrates/pkg/conversation"
	"github.com/go-go-golems/sokrates/pkg/settings"
)

// PromptMessage is one role-tagged entry of a request payload, derived from
// a conversation message.
type PromptMessage struct {
	Role conversation.Role
	Text string
}

// Request is the transient payload handed to the client. It is constructed
// fresh on every submission and never mutates the conversation it was
// derived from.
type Request struct {
	Model             string
	SystemInstruction string
	Messages          []PromptMessage

	Temperature     *float64
	TopP            *float64
	MaxOutputTokens *int

	// ResponseMIMEType forces a structured reply format, e.g.
	// "application/json" for the critic's analysis requests.
	ResponseMIMEType string

	// EstimatedTokens is the builder's estimate for the whole payload.
	EstimatedTokens int
}

// PromptBuilder fits a conversation into the configured context budget.
// Windowing drops whole turns oldest-first and never touches the most
// recent user turn: when that turn alone exceeds the budget the build fails
// with KindPromptTooLarge instead of silently truncating user content.
//
// Building is deterministic: the same conversation and settings always
// yield the same request.
type PromptBuilder struct {
	codec tokenizer.Codec
}

func NewPromptBuilder() *PromptBuilder {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		// The embedded encoding should always load; fall back to the
		// bytes/4 heuristic if it somehow does not.
		log.Warn().Err(err).Msg("failed to load tokenizer, falling back to byte heuristic")
		codec = nil
	}
	return &PromptBuilder{codec: codec}
}

// EstimateTokens returns the estimated token count for text. Gemini has no
// local tokenizer, so cl100k is used as a stand-in, with a bytes/4
// heuristic as last resort.
func (b *PromptBuilder) EstimateTokens(text string) int {
	if b.codec != nil {
		ids, _, err := b.codec.Encode(text)
		if err == nil {
			return len(ids)
		}
		log.Warn().Err(err).Msg("tokenizer encode failed, falling back to byte heuristic")
	}
	return (len(text) + 3) / 4
}

// Build converts a conversation snapshot into a bounded request. The
// conversation must end with a user message; system messages are folded
// into the system instruction and never counted against the window drop
// order.
func (b *PromptBuilder) Build(conv conversation.Conversation, ss *settings.StepSettings) (*Request, error) {
	if ss == nil || ss.Chat == nil || ss.Chat.Engine == nil || *ss.Chat.Engine == "" {
		return nil, NewError(KindConfig, "no model engine configured")
	}
	// A request without a credential is a wiring bug: settings are
	// validated at startup, before any session exists.
	if ss.API == nil || !ss.API.HasAPIKey() {
		return nil, NewError(KindConfig, "no credential resolved before building request")
	}

	last := conv.LastMessage()
	if last == nil || last.Role != conversation.RoleUser {
		return nil, NewError(KindValidation, "conversation must end with a user message")
	}

	budget := ss.Chat.MaxContextTokens

	ret := &Request{
		Model:           *ss.Chat.Engine,
		Temperature:     ss.Chat.Temperature,
		TopP:            ss.Chat.TopP,
		MaxOutputTokens: ss.Chat.MaxResponseTokens,
	}

	// Fold system messages into the instruction; they are pinned, not
	// windowed.
	var thread conversation.Conversation
	for _, msg := range conv {
		if msg.Role == conversation.RoleSystem {
			if ret.SystemInstruction != "" {
				ret.SystemInstruction += "\n"
			}
			ret.SystemInstruction += msg.Text
			continue
		}
		thread = append(thread, msg)
	}

	used := 0
	if ret.SystemInstruction != "" {
		used = b.EstimateTokens(ret.SystemInstruction)
	}

	lastCost := b.EstimateTokens(last.Text)
	if used+lastCost > budget {
		return nil, NewError(KindPromptTooLarge,
			"latest user turn is %d estimated tokens, budget is %d", lastCost, budget-used)
	}
	used += lastCost

	// Walk backwards from the second-to-last turn, keeping as many recent
	// whole turns as fit. Everything older falls out of the window.
	keepFrom := len(thread) - 1
	for i := len(thread) - 2; i >= 0; i-- {
		cost := b.EstimateTokens(thread[i].Text)
		if used+cost > budget {
			break
		}
		used += cost
		keepFrom = i
	}

	if keepFrom > 0 {
		log.Debug().
			Int("dropped_turns", keepFrom).
			Int("kept_turns", len(thread)-keepFrom).
			Int("estimated_tokens", used).
			Int("budget", budget).
			Msg("windowed conversation to fit context budget")
	}

	for _, msg := range thread[keepFrom:] {
		ret.Messages = append(ret.Messages, PromptMessage{Role: msg.Role, Text: msg.Text})
	}
	ret.EstimatedTokens = used

	return ret, nil
}
