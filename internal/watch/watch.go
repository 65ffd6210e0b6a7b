// Package watch streams board events from the run archive as they are published.
package watch

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dyluth/folio/internal/archive"
	"github.com/dyluth/folio/internal/audit"
)

// Options controls what Stream writes.
type Options struct {
	Format audit.OutputFormat
	Filter *audit.Criteria // nil passes every event
	RunID  string          // only events of this run, empty = every run
	Limit  int             // stop after this many events, 0 = until cancelled
	Logger *slog.Logger
}

// Stream writes events from sub until ctx is cancelled, the subscription closes
// or Limit events have been written. Returns the number of events written.
// Undecodable messages are logged and skipped.
func Stream(ctx context.Context, sub *archive.Subscription, w io.Writer, opts Options) (int, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	written := 0
	for {
		select {
		case <-ctx.Done():
			return written, nil

		case err, ok := <-sub.Errors():
			if !ok {
				return written, nil
			}
			logger.Warn("watch_message_skipped", "error", err)

		case ev, ok := <-sub.Events():
			if !ok {
				return written, nil
			}
			if opts.RunID != "" && ev.RunID != opts.RunID {
				continue
			}
			if opts.Filter != nil && !opts.Filter.Matches(ev.Event) {
				continue
			}

			if err := write(w, ev, opts.Format); err != nil {
				return written, err
			}
			written++
			if opts.Limit > 0 && written >= opts.Limit {
				return written, nil
			}
		}
	}
}

func write(w io.Writer, ev *archive.PublishedEvent, format audit.OutputFormat) error {
	switch format {
	case audit.OutputFormatJSONL:
		return audit.FormatJSONL(w, []*archive.PublishedEvent{ev})
	case audit.OutputFormatDefault, "":
		_, err := fmt.Fprintln(w, audit.FormatEventLine(ev.RunID, ev.Event))
		return err
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
