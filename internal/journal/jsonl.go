package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONL appends one JSON object per line to a file. It is safe for
// concurrent use.
type JSONL struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// NewJSONL returns a sink appending to path, or nil when path is blank. The
// file is opened lazily on the first record.
func NewJSONL(path string) *JSONL {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &JSONL{path: path}
}

func (j *JSONL) Path() string { return j.path }

func (j *JSONL) openLocked() error {
	if j.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Record appends ev and flushes so tailers see it immediately.
func (j *JSONL) Record(_ context.Context, ev Event) error {
	if j == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.openLocked(); err != nil {
		return err
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return err
	}
	return j.w.Flush()
}

func (j *JSONL) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var firstErr error
	if j.w != nil {
		firstErr = j.w.Flush()
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	j.w = nil
	j.file = nil

	if errors.Is(firstErr, os.ErrClosed) {
		return nil
	}
	return firstErr
}
