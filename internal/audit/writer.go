package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// WriterSink appends one JSON object per line to w.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	closed bool
}

func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = io.Discard
	}
	return &WriterSink{w: w}
}

// OpenFile appends to path, creating it and its directory. "-" or "stderr"
// writes to standard error.
func OpenFile(path string) (*WriterSink, error) {
	path = strings.TrimSpace(path)
	switch path {
	case "", "-", "stderr":
		return NewWriterSink(os.Stderr), nil
	case "stdout":
		return NewWriterSink(os.Stdout), nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	s := NewWriterSink(f)
	s.closer = f
	return s, nil
}

func (s *WriterSink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return json.NewEncoder(s.w).Encode(e)
}

func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// Multi fans an entry out to several sinks and joins their errors.
type Multi []Sink

func (m Multi) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
