package chat

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/go-go-golems/sokrates/pkg/settings"
)

type fakeGenerator struct {
	generateCalls int
	streamCalls   int

	generateFn func(ctx context.Context, req *Request) (*Response, error)
	streamFn   func(ctx context.Context, req *Request) (fragmentIterator, func(), error)
}

func (g *fakeGenerator) generate(ctx context.Context, req *Request) (*Response, error) {
	g.generateCalls++
	return g.generateFn(ctx, req)
}

func (g *fakeGenerator) generateStream(ctx context.Context, req *Request) (fragmentIterator, func(), error) {
	g.streamCalls++
	return g.streamFn(ctx, req)
}

// sliceIterator replays deltas, then err (or io.EOF when err is nil).
type sliceIterator struct {
	deltas []string
	err    error
	i      int
}

func (it *sliceIterator) next() (string, error) {
	if it.i < len(it.deltas) {
		d := it.deltas[it.i]
		it.i++
		return d, nil
	}
	if it.err != nil {
		return "", it.err
	}
	return "", io.EOF
}

func fastRetrySettings(maxAttempts int) *settings.StepSettings {
	ss := settings.NewStepSettings()
	ss.API.APIKey = "test-key"
	ss.Client.MaxAttempts = maxAttempts
	baseDelay := time.Millisecond
	ss.Client.BaseDelay = &baseDelay
	maxTotalWait := time.Second
	ss.Client.MaxTotalWait = &maxTotalWait
	return ss
}

func newTestClient(ss *settings.StepSettings, gen generator) *GeminiClient {
	c := NewGeminiClient(ss)
	c.gen = gen
	return c
}

func testRequest() *Request {
	return &Request{
		Model:    "gemini-2.5-flash",
		Messages: []PromptMessage{{Role: "user", Text: "hi"}},
	}
}

func TestSend_Success(t *testing.T) {
	gen := &fakeGenerator{
		generateFn: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{Text: "hello"}, nil
		},
	}
	c := newTestClient(fastRetrySettings(3), gen)

	resp, err := c.Send(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, 1, gen.generateCalls)
}

func TestSend_TransientFailuresRetryExactlyMaxAttempts(t *testing.T) {
	gen := &fakeGenerator{
		generateFn: func(ctx context.Context, req *Request) (*Response, error) {
			return nil, errors.New("connection reset")
		},
	}
	c := newTestClient(fastRetrySettings(3), gen)

	_, err := c.Send(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnavailable))
	assert.Equal(t, 3, gen.generateCalls)
}

func TestSend_RateLimitAndServerErrorsAreTransient(t *testing.T) {
	for _, code := range []int{429, 500, 503} {
		gen := &fakeGenerator{
			generateFn: func(ctx context.Context, req *Request) (*Response, error) {
				return nil, &googleapi.Error{Code: code}
			},
		}
		c := newTestClient(fastRetrySettings(2), gen)

		_, err := c.Send(context.Background(), testRequest())
		require.Error(t, err, "code %d", code)
		assert.True(t, IsKind(err, KindUnavailable), "code %d", code)
		assert.Equal(t, 2, gen.generateCalls, "code %d", code)
	}
}

func TestSend_AuthFailureIsNotRetried(t *testing.T) {
	for _, code := range []int{401, 403} {
		gen := &fakeGenerator{
			generateFn: func(ctx context.Context, req *Request) (*Response, error) {
				return nil, &googleapi.Error{Code: code, Message: "bad key"}
			},
		}
		c := newTestClient(fastRetrySettings(3), gen)

		_, err := c.Send(context.Background(), testRequest())
		require.Error(t, err)
		assert.True(t, IsKind(err, KindAuth), "code %d", code)
		assert.Equal(t, 1, gen.generateCalls, "code %d", code)
	}
}

func TestSend_InvalidRequestIsNotRetried(t *testing.T) {
	for _, code := range []int{400, 404} {
		gen := &fakeGenerator{
			generateFn: func(ctx context.Context, req *Request) (*Response, error) {
				return nil, &googleapi.Error{Code: code, Message: "unknown model"}
			},
		}
		c := newTestClient(fastRetrySettings(3), gen)

		_, err := c.Send(context.Background(), testRequest())
		require.Error(t, err)
		assert.True(t, IsKind(err, KindConfig), "code %d", code)
		assert.Equal(t, 1, gen.generateCalls, "code %d", code)
	}
}

func TestSend_ProtocolErrorIsNotRetried(t *testing.T) {
	gen := &fakeGenerator{
		generateFn: func(ctx context.Context, req *Request) (*Response, error) {
			return nil, NewError(KindProtocol, "response contains no candidates")
		},
	}
	c := newTestClient(fastRetrySettings(3), gen)

	_, err := c.Send(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindProtocol))
	assert.Equal(t, 1, gen.generateCalls)
}

func TestSend_BackoffBudgetCapsRetries(t *testing.T) {
	gen := &fakeGenerator{
		generateFn: func(ctx context.Context, req *Request) (*Response, error) {
			return nil, errors.New("flaky")
		},
	}
	ss := fastRetrySettings(10)
	baseDelay := 40 * time.Millisecond
	ss.Client.BaseDelay = &baseDelay
	maxTotalWait := 50 * time.Millisecond
	ss.Client.MaxTotalWait = &maxTotalWait
	c := newTestClient(ss, gen)

	_, err := c.Send(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnavailable))
	// first delay (40ms) fits the 50ms budget, the doubled second one does not
	assert.Equal(t, 2, gen.generateCalls)
}

func TestSend_AbandonedContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &fakeGenerator{
		generateFn: func(ctx context.Context, req *Request) (*Response, error) {
			cancel()
			return nil, errors.New("flaky")
		},
	}
	c := newTestClient(fastRetrySettings(5), gen)

	_, err := c.Send(ctx, testRequest())
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, gen.generateCalls)
}

func TestRetryPolicy_DelaysDouble(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxTotalWait: time.Minute}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, 800*time.Millisecond, p.Delay(4))
}

func TestStream_SuccessDeliversAllFragments(t *testing.T) {
	closed := false
	gen := &fakeGenerator{
		streamFn: func(ctx context.Context, req *Request) (fragmentIterator, func(), error) {
			return &sliceIterator{deltas: []string{"soc", "rat", "es"}}, func() { closed = true }, nil
		},
	}
	c := newTestClient(fastRetrySettings(3), gen)

	stream, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	var deltas []string
	completion, err := stream.Drain(func(frag Fragment) {
		deltas = append(deltas, frag.Delta)
	})
	require.NoError(t, err)
	assert.Equal(t, "socrates", completion)
	assert.Equal(t, []string{"soc", "rat", "es"}, deltas)
	assert.True(t, closed, "connection must be released after exhaustion")
}

func TestStream_EstablishmentFailureIsRetried(t *testing.T) {
	gen := &fakeGenerator{}
	gen.streamFn = func(ctx context.Context, req *Request) (fragmentIterator, func(), error) {
		if gen.streamCalls == 1 {
			return nil, nil, &googleapi.Error{Code: 503}
		}
		return &sliceIterator{deltas: []string{"ok"}}, func() {}, nil
	}
	c := newTestClient(fastRetrySettings(3), gen)

	stream, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)
	completion, err := stream.Drain(nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", completion)
	assert.Equal(t, 2, gen.streamCalls)
}

func TestStream_FirstFragmentFailureIsRetried(t *testing.T) {
	gen := &fakeGenerator{}
	gen.streamFn = func(ctx context.Context, req *Request) (fragmentIterator, func(), error) {
		if gen.streamCalls == 1 {
			return &sliceIterator{err: errors.New("conn reset before first byte")}, func() {}, nil
		}
		return &sliceIterator{deltas: []string{"ok"}}, func() {}, nil
	}
	c := newTestClient(fastRetrySettings(3), gen)

	stream, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)
	completion, err := stream.Drain(nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", completion)
	assert.Equal(t, 2, gen.streamCalls)
}

func TestStream_MidStreamDropSurfacesInterruptionWithPartial(t *testing.T) {
	closed := false
	gen := &fakeGenerator{
		streamFn: func(ctx context.Context, req *Request) (fragmentIterator, func(), error) {
			return &sliceIterator{
				deltas: []string{"first ", "second "},
				err:    errors.New("connection dropped"),
			}, func() { closed = true }, nil
		},
	}
	c := newTestClient(fastRetrySettings(3), gen)

	stream, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	completion, err := stream.Drain(nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindStreamInterrupted))
	assert.Equal(t, "first second ", completion)

	var chatErr *Error
	require.ErrorAs(t, err, &chatErr)
	assert.Equal(t, "first second ", chatErr.Partial)

	// no silent resume: a single attempt only
	assert.Equal(t, 1, gen.streamCalls)
	assert.True(t, closed)
}

func TestStream_AuthFailureIsNotRetried(t *testing.T) {
	gen := &fakeGenerator{
		streamFn: func(ctx context.Context, req *Request) (fragmentIterator, func(), error) {
			return nil, nil, &googleapi.Error{Code: 401}
		},
	}
	c := newTestClient(fastRetrySettings(3), gen)

	_, err := c.Stream(context.Background(), testRequest())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuth))
	assert.Equal(t, 1, gen.streamCalls)
}

func TestStream_IsSingleUse(t *testing.T) {
	gen := &fakeGenerator{
		streamFn: func(ctx context.Context, req *Request) (fragmentIterator, func(), error) {
			return &sliceIterator{deltas: []string{"once"}}, func() {}, nil
		},
	}
	c := newTestClient(fastRetrySettings(1), gen)

	stream, err := c.Stream(context.Background(), testRequest())
	require.NoError(t, err)

	_, err = stream.Drain(nil)
	require.NoError(t, err)

	_, err = stream.Next()
	assert.Equal(t, io.EOF, err)
}
