package chat

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"

	"github.com/go-go-golems/sokrates/pkg/events"
	"github.com/go-go-golems/sokrates/pkg/settings"
)

// Response is a complete (non-streamed) reply from the model service.
type Response struct {
	Text       string
	Usage      *events.Usage
	StopReason string
}

// ModelClient issues requests to the remote model service. Implementations
// own timeout and retry policy; callers only see the closed error taxonomy.
type ModelClient interface {
	// Send performs a blocking request and returns the complete reply.
	Send(ctx context.Context, req *Request) (*Response, error)
	// Stream opens a streaming request. The returned stream is finite and
	// single-use; the caller must Close it on every exit path.
	Stream(ctx context.Context, req *Request) (*TextStream, error)
}

// State tracks one send/stream call through its lifecycle. Terminal states
// are StateSucceeded and StateFailed; StateRetrying is bounded by the
// retry policy.
type State string

const (
	StateIdle      State = "idle"
	StateSending   State = "sending"
	StateStreaming State = "streaming"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

type callState struct {
	op    string
	state State
}

func newCallState(op string) *callState {
	return &callState{op: op, state: StateIdle}
}

func (s *callState) transition(to State) {
	log.Trace().Str("op", s.op).Str("from", string(s.state)).Str("to", string(to)).Msg("client state transition")
	s.state = to
}

// RetryPolicy bounds the backoff loop: exponential delays starting at
// BaseDelay, doubling per attempt, capped by both MaxAttempts and a total
// wait budget.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxTotalWait time.Duration
}

func retryPolicyFromSettings(cs *settings.ClientSettings) RetryPolicy {
	ret := RetryPolicy{
		MaxAttempts:  settings.DefaultMaxAttempts,
		BaseDelay:    settings.DefaultBaseDelay,
		MaxTotalWait: settings.DefaultMaxTotalWait,
	}
	if cs == nil {
		return ret
	}
	if cs.MaxAttempts > 0 {
		ret.MaxAttempts = cs.MaxAttempts
	}
	if cs.BaseDelay != nil {
		ret.BaseDelay = *cs.BaseDelay
	}
	if cs.MaxTotalWait != nil {
		ret.MaxTotalWait = *cs.MaxTotalWait
	}
	return ret
}

// Delay returns the backoff delay after the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// generator abstracts one attempt against the remote service, so the retry
// loop can be exercised in tests without the SDK.
type generator interface {
	generate(ctx context.Context, req *Request) (*Response, error)
	// generateStream opens one streaming attempt. The iterator's first
	// next call performs the request; the closer releases the connection.
	generateStream(ctx context.Context, req *Request) (fragmentIterator, func(), error)
}

type fragmentIterator interface {
	// next returns the next delta, io.EOF at the terminal marker.
	next() (string, error)
}

// GeminiClient is the ModelClient implementation backed by the Gemini API.
type GeminiClient struct {
	settings *settings.StepSettings
	gen      generator
}

func NewGeminiClient(ss *settings.StepSettings) *GeminiClient {
	return &GeminiClient{
		settings: ss,
		gen:      &geminiGenerator{settings: ss},
	}
}

var _ ModelClient = (*GeminiClient)(nil)

// mapAPIError maps the SDK's error taxonomy into this system's kinds.
// Transient failures (timeouts, 5xx, rate limits) stay unmapped so the
// retry loop recognizes them; everything mapped to a kind is final.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}

	var already *Error
	if errors.As(err, &already) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401 || gerr.Code == 403:
			return WrapError(KindAuth, err, "credential rejected by model service")
		case gerr.Code == 400 || gerr.Code == 404:
			return WrapError(KindConfig, err, "request rejected as invalid (model name or parameters)")
		case gerr.Code == 429 || gerr.Code >= 500:
			// transient: rate limit or server-side failure
			return err
		default:
			return WrapError(KindProtocol, err, "unexpected status %d from model service", gerr.Code)
		}
	}

	// Timeouts and transport errors are transient.
	return err
}

// retryable errors are the ones mapAPIError left unmapped.
func retryable(err error) bool {
	return KindOf(err) == 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *GeminiClient) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.settings != nil && c.settings.Client != nil && c.settings.Client.Timeout != nil {
		return context.WithTimeout(ctx, *c.settings.Client.Timeout)
	}
	return context.WithCancel(ctx)
}

// Send performs a blocking request with retry/backoff on transient
// failures. Exactly one of the result and the error is set.
func (c *GeminiClient) Send(ctx context.Context, req *Request) (*Response, error) {
	policy := retryPolicyFromSettings(clientSettings(c.settings))
	st := newCallState("send")

	var lastErr error
	waited := time.Duration(0)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		st.transition(StateSending)

		attemptCtx, cancel := c.attemptContext(ctx)
		resp, err := c.gen.generate(attemptCtx, req)
		cancel()

		if err == nil {
			st.transition(StateSucceeded)
			return resp, nil
		}

		err = mapAPIError(err)
		if !retryable(err) {
			st.transition(StateFailed)
			return nil, err
		}
		lastErr = err

		// An abandoned interaction never keeps retrying in the background.
		if ctx.Err() != nil {
			st.transition(StateFailed)
			return nil, ctx.Err()
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		if waited+delay > policy.MaxTotalWait {
			log.Debug().Dur("waited", waited).Dur("next_delay", delay).Msg("backoff budget exhausted")
			break
		}

		st.transition(StateRetrying)
		log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("transient failure, backing off")
		if err := sleepCtx(ctx, delay); err != nil {
			st.transition(StateFailed)
			return nil, err
		}
		waited += delay
	}

	st.transition(StateFailed)
	return nil, WrapError(KindUnavailable, lastErr, "model service unavailable after %d attempts", policy.MaxAttempts)
}

// Stream opens a streaming request. Establishment failures (including
// failures before the first fragment) go through the same retry policy as
// Send; once fragments have been delivered the stream is never silently
// resumed, a drop surfaces KindStreamInterrupted with the partial text.
//
// The per-attempt timeout bounds establishment only; an open stream is
// bounded by the caller's context.
func (c *GeminiClient) Stream(ctx context.Context, req *Request) (*TextStream, error) {
	policy := retryPolicyFromSettings(clientSettings(c.settings))
	st := newCallState("stream")

	var lastErr error
	waited := time.Duration(0)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		st.transition(StateSending)

		iter, closer, err := c.gen.generateStream(ctx, req)
		if err == nil {
			// Pull the first fragment so connection-level failures are
			// still retryable: nothing was delivered to the caller yet.
			first, ferr := iter.next()
			if ferr == nil || ferr == io.EOF {
				st.transition(StateStreaming)
				return newBufferedStream(first, ferr, iter, closer), nil
			}
			closer()
			err = ferr
		}

		err = mapAPIError(err)
		if !retryable(err) {
			st.transition(StateFailed)
			return nil, err
		}
		lastErr = err

		if ctx.Err() != nil {
			st.transition(StateFailed)
			return nil, ctx.Err()
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		if waited+delay > policy.MaxTotalWait {
			log.Debug().Dur("waited", waited).Dur("next_delay", delay).Msg("backoff budget exhausted")
			break
		}

		st.transition(StateRetrying)
		log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("transient failure, backing off")
		if err := sleepCtx(ctx, delay); err != nil {
			st.transition(StateFailed)
			return nil, err
		}
		waited += delay
	}

	st.transition(StateFailed)
	return nil, WrapError(KindUnavailable, lastErr, "model service unavailable after %d attempts", policy.MaxAttempts)
}

// newBufferedStream hands back a TextStream that first replays the already
// pulled fragment, then continues on the live iterator.
func newBufferedStream(first string, firstErr error, iter fragmentIterator, closer func()) *TextStream {
	pending := firstErr == nil
	next := func() (string, error) {
		if pending {
			pending = false
			return first, nil
		}
		if firstErr == io.EOF {
			return "", io.EOF
		}
		return iter.next()
	}
	return newTextStream(next, closer)
}

func clientSettings(ss *settings.StepSettings) *settings.ClientSettings {
	if ss == nil {
		return nil
	}
	return ss.Client
}
