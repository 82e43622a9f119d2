package chat

import (
	"io"
)

// Fragment is one incremental piece of a streamed reply.
type Fragment struct {
	Delta string
	// Completion is the accumulated text up to and including Delta.
	Completion string
}

// TextStream is a finite, single-use sequence of reply fragments. The
// underlying connection is single-use as well: a TextStream cannot be
// restarted or rewound. Callers must call Close on every exit path to
// release the connection.
type TextStream struct {
	next   func() (string, error)
	closer func()

	completion string
	done       bool
}

func newTextStream(next func() (string, error), closer func()) *TextStream {
	return &TextStream{next: next, closer: closer}
}

// Next returns the next fragment. io.EOF signals the terminal marker of a
// complete stream. A *Error of KindStreamInterrupted signals that the
// connection dropped mid-stream; its Partial field holds the text delivered
// so far.
func (s *TextStream) Next() (Fragment, error) {
	if s.done {
		return Fragment{}, io.EOF
	}

	delta, err := s.next()
	if err == io.EOF {
		s.done = true
		s.Close()
		return Fragment{}, io.EOF
	}
	if err != nil {
		s.done = true
		s.Close()
		return Fragment{}, WrapError(KindStreamInterrupted, err, "stream dropped after %d bytes", len(s.completion)).withPartial(s.completion)
	}

	s.completion += delta
	return Fragment{Delta: delta, Completion: s.completion}, nil
}

// Completion returns the text accumulated so far.
func (s *TextStream) Completion() string {
	return s.completion
}

// Close releases the underlying connection. It is safe to call multiple
// times and after exhaustion.
func (s *TextStream) Close() {
	if s.closer != nil {
		s.closer()
		s.closer = nil
	}
}

// Drain consumes the stream, invoking onFragment for each fragment, and
// returns the full completion. On interruption the partial completion is
// returned alongside the error.
func (s *TextStream) Drain(onFragment func(Fragment)) (string, error) {
	defer s.Close()
	for {
		frag, err := s.Next()
		if err == io.EOF {
			return s.completion, nil
		}
		if err != nil {
			return s.completion, err
		}
		if onFragment != nil {
			onFragment(frag)
		}
	}
}

func (e *Error) withPartial(partial string) *Error {
	e.Partial = partial
	return e
}
