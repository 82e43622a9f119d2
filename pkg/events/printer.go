package events

import (
	"context"
	"fmt"
	"io"
)

// PrinterFunc returns a handler that renders a completion cycle to w as it
// streams in: deltas as they arrive, a newline on final, and error or
// interruption notes on the failure paths. Wrap it with DispatchHandler to
// register it as the chat topic handler on an EventRouter.
func PrinterFunc(prefix string, w io.Writer) func(ctx context.Context, e Event) error {
	if prefix != "" {
		prefix = prefix + ": "
	}
	return func(ctx context.Context, e Event) error {
		switch ev := e.(type) {
		case *EventStart:
			if prefix != "" {
				_, err := fmt.Fprint(w, prefix)
				return err
			}
		case *EventPartialCompletion:
			_, err := fmt.Fprint(w, ev.Delta)
			return err
		case *EventFinal:
			_, err := fmt.Fprintln(w)
			return err
		case *EventInterrupt:
			_, err := fmt.Fprintln(w, "\n[stream interrupted]")
			return err
		case *EventError:
			_, err := fmt.Fprintf(w, "\nerror: %s\n", ev.ErrorString)
			return err
		}
		return nil
	}
}
