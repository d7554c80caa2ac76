package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrFileNotFound is surfaced as an "error" frame when a tailed file never
// appears within the appearance ceiling.
var ErrFileNotFound = errors.New("stream: file did not appear before ceiling")

// TailOptions configures a single Tail call.
type TailOptions struct {
	FromStart     bool          // seek to 0 instead of EOF before streaming
	PollInterval  time.Duration // EOF re-check cadence; default 250ms
	AppearCeiling time.Duration // max wait for the file to be created; default 60s
	EventName     string        // SSE event name for data lines; default "bar"
}

func (o TailOptions) withDefaults() TailOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.AppearCeiling <= 0 {
		o.AppearCeiling = 60 * time.Second
	}
	if o.EventName == "" {
		o.EventName = "bar"
	}
	return o
}

// Tail streams newline-delimited records from path to emit, starting from
// either the beginning or the current end of file, polling for new data
// and for the file's initial appearance. It blocks until ctx is cancelled
// or the file never appears within AppearCeiling, emitting an "init" frame
// once streaming begins and an "error" frame if the ceiling is exceeded.
func Tail(ctx context.Context, path string, opts TailOptions, emit func(Frame)) error {
	opts = opts.withDefaults()

	f, err := awaitFile(ctx, path, opts.AppearCeiling)
	if err != nil {
		emit(Frame{Event: "error", Data: jsonErr(err)})
		return err
	}
	defer f.Close()

	if !opts.FromStart {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			emit(Frame{Event: "error", Data: jsonErr(err)})
			return err
		}
	}
	emit(Frame{Event: "init", Data: []byte(`{"tailing":true}`)})

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(path)
	}

	reader := bufio.NewReader(f)
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(line) > 0 {
			emit(Frame{Event: opts.EventName, Data: wrapLine(line)})
			continue
		}
		if readErr != nil && readErr != io.EOF {
			emit(Frame{Event: "error", Data: jsonErr(readErr)})
			return readErr
		}
		// EOF: wait for more data, whichever comes first between the
		// fsnotify fast path and the poll ceiling.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.PollInterval):
		case <-watcherEvents(watcher):
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) <-chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// awaitFile waits for path to exist, backing off exponentially up to a
// 2s step, until ceiling elapses.
func awaitFile(ctx context.Context, path string, ceiling time.Duration) (*os.File, error) {
	deadline := time.Now().Add(ceiling)
	backoff := 100 * time.Millisecond
	const maxBackoff = 2 * time.Second

	for {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrFileNotFound
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// wrapLine returns line's content as-is if it is already a JSON value,
// otherwise wraps it as a raw string payload so malformed worker output
// never breaks the stream.
func wrapLine(line []byte) []byte {
	trimmed := trimNewline(line)
	if json.Valid(trimmed) {
		return trimmed
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(trimmed)})
	if err != nil {
		return []byte(`{"raw":""}`)
	}
	return wrapped
}

func trimNewline(b []byte) []byte {
	n := len(b)
	for n > 0 && (b[n-1] == '\n' || b[n-1] == '\r') {
		n--
	}
	return b[:n]
}

func jsonErr(err error) []byte {
	raw, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return []byte(`{"error":"unknown"}`)
	}
	return raw
}
