package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sokrates/pkg/conversation"
	"github.com/go-go-golems/sokrates/pkg/events"
	"github.com/go-go-golems/sokrates/pkg/settings"
)

// Controller orchestrates one conversation: on each user message it
// appends the user turn, builds a bounded request, drives the client, and
// folds the reply back into the history. It owns its conversation manager
// exclusively; submits are serialized, never queued. A second submit while
// one is in flight is rejected with KindBusy.
type Controller struct {
	sessionID string
	manager   conversation.Manager
	builder   *PromptBuilder
	client    ModelClient
	settings  *settings.StepSettings
	sinks     []events.EventSink

	mu   sync.Mutex
	busy bool
}

type ControllerOption func(*Controller)

func WithManager(manager conversation.Manager) ControllerOption {
	return func(c *Controller) {
		c.manager = manager
	}
}

func WithSessionID(id string) ControllerOption {
	return func(c *Controller) {
		c.sessionID = id
	}
}

// WithEventSinks registers sinks that receive the incremental fragment
// feed (start/partial/final/error/interrupt) of every submit.
func WithEventSinks(sinks ...events.EventSink) ControllerOption {
	return func(c *Controller) {
		c.sinks = append(c.sinks, sinks...)
	}
}

func NewController(ss *settings.StepSettings, client ModelClient, options ...ControllerOption) *Controller {
	ret := &Controller{
		sessionID: uuid.NewString(),
		builder:   NewPromptBuilder(),
		client:    client,
		settings:  ss,
	}
	for _, option := range options {
		option(ret)
	}
	if ret.manager == nil {
		ret.manager = conversation.NewManager()
	}
	return ret
}

func (c *Controller) SessionID() string {
	return c.sessionID
}

// History returns a read-only snapshot of the conversation.
func (c *Controller) History() conversation.Conversation {
	return c.manager.GetConversation()
}

type submitOptions struct {
	systemPrompt string
}

type SubmitOption func(*submitOptions)

// WithSystemPrompt pins a system instruction for this submission only. It
// goes into the derived request, not into the stored history.
func WithSystemPrompt(prompt string) SubmitOption {
	return func(o *submitOptions) {
		o.systemPrompt = prompt
	}
}

// SubmitResult is the outcome of one successful (or partially successful)
// submission.
type SubmitResult struct {
	// Conversation is the updated history snapshot.
	Conversation conversation.Conversation
	// Reply is the assistant turn appended by this submission, nil when
	// the cycle failed before producing one. An interrupted stream yields
	// a reply tagged incomplete.
	Reply *conversation.Message
}

// Submit drives one full request/response cycle. Exactly one outbound
// request is issued per call. On failure the history keeps the user turn
// but gains no assistant turn, except for interrupted streams, where the
// partial reply is kept and tagged incomplete.
func (c *Controller) Submit(ctx context.Context, userText string, options ...SubmitOption) (*SubmitResult, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, NewError(KindValidation, "user message is empty")
	}

	opts := &submitOptions{}
	for _, option := range options {
		option(opts)
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, NewError(KindBusy, "a submission is already in flight for this session")
	}
	c.busy = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	userMsg := conversation.NewChatMessage(conversation.RoleUser, userText)
	c.manager.AppendMessages(userMsg)

	conv := c.manager.GetConversation()
	if opts.systemPrompt != "" {
		pinned := conversation.NewChatMessage(conversation.RoleSystem, opts.systemPrompt)
		conv = append(conversation.Conversation{pinned}, conv...)
	}

	req, err := c.builder.Build(conv, c.settings)
	if err != nil {
		// The user turn stays; the caller can resubmit a shorter message.
		return c.result(nil), err
	}

	meta := events.EventMetadata{
		ID:          uuid.New(),
		SessionID:   c.sessionID,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}

	start := time.Now()
	c.publish(ctx, events.NewStartEvent(meta))

	if c.settings != nil && c.settings.Chat != nil && c.settings.Chat.Stream {
		return c.submitStreaming(ctx, req, meta, start)
	}
	return c.submitBlocking(ctx, req, meta, start)
}

func (c *Controller) submitBlocking(ctx context.Context, req *Request, meta events.EventMetadata, start time.Time) (*SubmitResult, error) {
	resp, err := c.client.Send(ctx, req)
	durationMs := time.Since(start).Milliseconds()
	meta.DurationMs = &durationMs

	if err != nil {
		c.publish(ctx, events.NewErrorEvent(meta, err))
		return c.result(nil), err
	}

	meta.Usage = resp.Usage
	if resp.StopReason != "" {
		stopReason := resp.StopReason
		meta.StopReason = &stopReason
	}

	reply := conversation.NewChatMessage(conversation.RoleAssistant, resp.Text)
	c.manager.AppendMessages(reply)
	c.publish(ctx, events.NewFinalEvent(meta, resp.Text))

	log.Debug().
		Str("session_id", c.sessionID).
		Int("reply_len", len(resp.Text)).
		Int64("duration_ms", durationMs).
		Msg("submission completed")

	return c.result(reply), nil
}

func (c *Controller) submitStreaming(ctx context.Context, req *Request, meta events.EventMetadata, start time.Time) (*SubmitResult, error) {
	stream, err := c.client.Stream(ctx, req)
	if err != nil {
		durationMs := time.Since(start).Milliseconds()
		meta.DurationMs = &durationMs
		c.publish(ctx, events.NewErrorEvent(meta, err))
		return c.result(nil), err
	}
	defer stream.Close()

	completion, err := stream.Drain(func(frag Fragment) {
		c.publish(ctx, events.NewPartialCompletionEvent(meta, frag.Delta, frag.Completion))
	})

	durationMs := time.Since(start).Milliseconds()
	meta.DurationMs = &durationMs

	if err != nil {
		if IsKind(err, KindStreamInterrupted) && completion != "" {
			// Keep the partial progress, tagged, so the user does not lose
			// the output they already saw.
			reply := conversation.NewChatMessage(conversation.RoleAssistant, completion,
				conversation.WithMetadata(map[string]interface{}{conversation.MetadataKeyIncomplete: true}))
			c.manager.AppendMessages(reply)
			c.publish(ctx, events.NewInterruptEvent(meta, completion))

			log.Warn().
				Str("session_id", c.sessionID).
				Int("partial_len", len(completion)).
				Msg("stream interrupted, kept partial assistant turn")

			return c.result(reply), err
		}
		c.publish(ctx, events.NewErrorEvent(meta, err))
		return c.result(nil), err
	}

	if completion == "" {
		err := NewError(KindProtocol, "stream completed without any text")
		c.publish(ctx, events.NewErrorEvent(meta, err))
		return c.result(nil), err
	}

	reply := conversation.NewChatMessage(conversation.RoleAssistant, completion)
	c.manager.AppendMessages(reply)
	c.publish(ctx, events.NewFinalEvent(meta, completion))

	log.Debug().
		Str("session_id", c.sessionID).
		Int("reply_len", len(completion)).
		Int64("duration_ms", durationMs).
		Msg("streamed submission completed")

	return c.result(reply), nil
}

func (c *Controller) result(reply *conversation.Message) *SubmitResult {
	return &SubmitResult{
		Conversation: c.manager.GetConversation(),
		Reply:        reply,
	}
}

// publish sends the event to the controller's sinks and any sinks carried
// in the context.
func (c *Controller) publish(ctx context.Context, event events.Event) {
	events.PublishToSinks(c.sinks, event)
	events.PublishEventToContext(ctx, event)
}
