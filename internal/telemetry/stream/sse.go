package stream

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
)

// WriteFrame writes frame in text/event-stream wire format and flushes,
// so subscribers see each record as soon as it is published.
func WriteFrame(w *bufio.Writer, flusher http.Flusher, frame Frame) error {
	if frame.Event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", frame.Event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", frame.Data); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// WeakETag computes a weak entity tag for path from its current size and
// modification time, salted by salt (typically the endpoint name). The
// handlers in internal/httpapi do not set or check ETags.
func WeakETag(path, salt string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s", path, info.Size(), info.ModTime().UnixNano(), salt)
	return `W/"` + hex.EncodeToString(h.Sum(nil))[:16] + `"`, nil
}
