package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/sokrates/pkg/conversation"
	"github.com/go-go-golems/sokrates/pkg/events"
	"github.com/go-go-golems/sokrates/pkg/settings"
)

type fakeModelClient struct {
	mu        sync.Mutex
	sendCalls int

	sendFn   func(ctx context.Context, req *Request) (*Response, error)
	streamFn func(ctx context.Context, req *Request) (*TextStream, error)

	lastRequest *Request
}

func (c *fakeModelClient) Send(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	c.sendCalls++
	c.lastRequest = req
	c.mu.Unlock()
	return c.sendFn(ctx, req)
}

func (c *fakeModelClient) Stream(ctx context.Context, req *Request) (*TextStream, error) {
	c.mu.Lock()
	c.sendCalls++
	c.lastRequest = req
	c.mu.Unlock()
	return c.streamFn(ctx, req)
}

var _ ModelClient = (*fakeModelClient)(nil)

func streamOf(deltas []string, finalErr error) *TextStream {
	it := &sliceIterator{deltas: deltas, err: finalErr}
	return newTextStream(it.next, nil)
}

func controllerSettings(stream bool) *settings.StepSettings {
	ss := settings.NewStepSettings()
	ss.API.APIKey = "test-key"
	ss.Chat.Stream = stream
	return ss
}

func TestSubmit_EmptyInputIsRejected(t *testing.T) {
	client := &fakeModelClient{}
	ctrl := NewController(controllerSettings(true), client)

	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := ctrl.Submit(context.Background(), input)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindValidation))
	}

	assert.Len(t, ctrl.History(), 0)
	assert.Equal(t, 0, client.sendCalls)
}

func TestSubmit_SuccessfulStreamingCycle(t *testing.T) {
	client := &fakeModelClient{
		streamFn: func(ctx context.Context, req *Request) (*TextStream, error) {
			return streamOf([]string{"what do ", "you mean ", "by virtue?"}, nil), nil
		},
	}
	sink := events.NewCollectorSink()
	ctrl := NewController(controllerSettings(true), client, WithEventSinks(sink))

	result, err := ctrl.Submit(context.Background(), "virtue can be taught")
	require.NoError(t, err)

	require.Len(t, result.Conversation, 2)
	assert.Equal(t, conversation.RoleUser, result.Conversation[0].Role)
	assert.Equal(t, "virtue can be taught", result.Conversation[0].Text)
	assert.Equal(t, conversation.RoleAssistant, result.Conversation[1].Role)
	assert.Equal(t, "what do you mean by virtue?", result.Conversation[1].Text)
	require.NotNil(t, result.Reply)
	assert.False(t, result.Reply.Incomplete())

	evs := sink.Events()
	require.GreaterOrEqual(t, len(evs), 5)
	assert.Equal(t, events.EventTypeStart, evs[0].Type())
	assert.Equal(t, events.EventTypePartialCompletion, evs[1].Type())
	assert.Equal(t, events.EventTypeFinal, evs[len(evs)-1].Type())
}

func TestSubmit_HistoryGrowsByTwoPerSuccess(t *testing.T) {
	reply := 0
	client := &fakeModelClient{
		streamFn: func(ctx context.Context, req *Request) (*TextStream, error) {
			reply++
			return streamOf([]string{fmt.Sprintf("reply %d", reply)}, nil), nil
		},
	}
	ctrl := NewController(controllerSettings(true), client)

	for i := 1; i <= 5; i++ {
		_, err := ctrl.Submit(context.Background(), fmt.Sprintf("message %d", i))
		require.NoError(t, err)
		require.Len(t, ctrl.History(), 2*i)
	}

	// submission order is preserved
	hist := ctrl.History()
	assert.Equal(t, "message 1", hist[0].Text)
	assert.Equal(t, "reply 1", hist[1].Text)
	assert.Equal(t, "message 5", hist[8].Text)
	assert.Equal(t, "reply 5", hist[9].Text)
}

func TestSubmit_BlockingCycle(t *testing.T) {
	client := &fakeModelClient{
		sendFn: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{Text: "and what is piety?", Usage: &events.Usage{InputTokens: 10, OutputTokens: 5}}, nil
		},
	}
	sink := events.NewCollectorSink()
	ctrl := NewController(controllerSettings(false), client, WithEventSinks(sink))

	result, err := ctrl.Submit(context.Background(), "piety is what the gods love")
	require.NoError(t, err)
	require.NotNil(t, result.Reply)
	assert.Equal(t, "and what is piety?", result.Reply.Text)

	evs := sink.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.EventTypeStart, evs[0].Type())
	final, ok := evs[1].(*events.EventFinal)
	require.True(t, ok)
	require.NotNil(t, final.Metadata().Usage)
	assert.Equal(t, 10, final.Metadata().Usage.InputTokens)
}

func TestSubmit_SecondSubmitWhileInFlightIsBusy(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{})
	client := &fakeModelClient{
		streamFn: func(ctx context.Context, req *Request) (*TextStream, error) {
			close(started)
			<-block
			return streamOf([]string{"late"}, nil), nil
		},
	}
	ctrl := NewController(controllerSettings(true), client)

	done := make(chan error, 1)
	go func() {
		_, err := ctrl.Submit(context.Background(), "first")
		done <- err
	}()

	<-started
	_, err := ctrl.Submit(context.Background(), "second")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindBusy))

	close(block)
	require.NoError(t, <-done)

	// the rejected submit left no trace
	require.Len(t, ctrl.History(), 2)
	assert.Equal(t, "first", ctrl.History()[0].Text)
}

func TestSubmit_FailureLeavesUserTurnButNoAssistantTurn(t *testing.T) {
	client := &fakeModelClient{
		streamFn: func(ctx context.Context, req *Request) (*TextStream, error) {
			return nil, NewError(KindUnavailable, "model service unavailable after 3 attempts")
		},
	}
	sink := events.NewCollectorSink()
	ctrl := NewController(controllerSettings(true), client, WithEventSinks(sink))

	_, err := ctrl.Submit(context.Background(), "are you there?")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnavailable))

	hist := ctrl.History()
	require.Len(t, hist, 1)
	assert.Equal(t, conversation.RoleUser, hist[0].Role)

	evs := sink.Events()
	assert.Equal(t, events.EventTypeError, evs[len(evs)-1].Type())

	// the user may resubmit afterwards
	client.streamFn = func(ctx context.Context, req *Request) (*TextStream, error) {
		return streamOf([]string{"here now"}, nil), nil
	}
	_, err = ctrl.Submit(context.Background(), "still there?")
	require.NoError(t, err)
	require.Len(t, ctrl.History(), 3)
}

func TestSubmit_OversizedUserTurn(t *testing.T) {
	client := &fakeModelClient{}
	ss := controllerSettings(true)
	ss.Chat.MaxContextTokens = 50

	manager := conversation.NewManager()
	ctrl := NewController(ss, client, WithManager(manager))
	// controller uses the heuristic estimator for deterministic budgets
	ctrl.builder = &PromptBuilder{}

	// 50 short turns of history
	for i := 0; i < 25; i++ {
		manager.AppendMessages(
			conversation.NewChatMessage(conversation.RoleUser, "q"),
			conversation.NewChatMessage(conversation.RoleAssistant, "a"),
		)
	}

	oversized := strings.Repeat("abcd", 200)
	_, err := ctrl.Submit(context.Background(), oversized)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindPromptTooLarge))

	// history gains the user turn but no assistant turn
	hist := ctrl.History()
	require.Len(t, hist, 51)
	assert.Equal(t, oversized, hist[50].Text)
	assert.Equal(t, conversation.RoleUser, hist[50].Role)
	assert.Equal(t, 0, client.sendCalls)
}

func TestSubmit_StreamDropKeepsPartialTaggedIncomplete(t *testing.T) {
	client := &fakeModelClient{
		streamFn: func(ctx context.Context, req *Request) (*TextStream, error) {
			// 2 of 5 expected fragments arrive before the drop
			it := &sliceIterator{
				deltas: []string{"fragment one ", "fragment two "},
				err:    fmt.Errorf("connection dropped"),
			}
			return newTextStream(it.next, nil), nil
		},
	}
	sink := events.NewCollectorSink()
	ctrl := NewController(controllerSettings(true), client, WithEventSinks(sink))

	result, err := ctrl.Submit(context.Background(), "tell me everything")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStreamInterrupted))

	// the partial turn is kept and tagged
	require.NotNil(t, result)
	require.NotNil(t, result.Reply)
	assert.Equal(t, "fragment one fragment two ", result.Reply.Text)
	assert.True(t, result.Reply.Incomplete())

	hist := ctrl.History()
	require.Len(t, hist, 2)
	assert.True(t, hist[1].Incomplete())

	evs := sink.Events()
	last := evs[len(evs)-1]
	interrupt, ok := last.(*events.EventInterrupt)
	require.True(t, ok)
	assert.Equal(t, "fragment one fragment two ", interrupt.Text)
}

func TestSubmit_SystemPromptIsPinnedPerSubmission(t *testing.T) {
	client := &fakeModelClient{
		streamFn: func(ctx context.Context, req *Request) (*TextStream, error) {
			return streamOf([]string{"hm"}, nil), nil
		},
	}
	ctrl := NewController(controllerSettings(true), client)

	_, err := ctrl.Submit(context.Background(), "challenge me",
		WithSystemPrompt("you are a socratic partner"))
	require.NoError(t, err)

	require.NotNil(t, client.lastRequest)
	assert.Equal(t, "you are a socratic partner", client.lastRequest.SystemInstruction)

	// the instruction is per-request, not part of the history
	for _, msg := range ctrl.History() {
		assert.NotEqual(t, conversation.RoleSystem, msg.Role)
	}
}

func TestSubmit_RequestReflectsHistoryAtSubmitTime(t *testing.T) {
	client := &fakeModelClient{
		streamFn: func(ctx context.Context, req *Request) (*TextStream, error) {
			return streamOf([]string{"ok"}, nil), nil
		},
	}
	ctrl := NewController(controllerSettings(true), client)

	_, err := ctrl.Submit(context.Background(), "one")
	require.NoError(t, err)
	_, err = ctrl.Submit(context.Background(), "two")
	require.NoError(t, err)

	req := client.lastRequest
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "one", req.Messages[0].Text)
	assert.Equal(t, "ok", req.Messages[1].Text)
	assert.Equal(t, "two", req.Messages[2].Text)
}
