// Package transport carries JSON-RPC messages between clients and a
// dispatcher over stdio and HTTP.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

const maxStdioLine = 16 << 20

// Handler answers one raw JSON-RPC message. A nil reply sends nothing.
// *dispatch.Dispatcher satisfies it.
type Handler interface {
	HandleMessage(ctx context.Context, msg []byte) []byte
}

// ServeStdio reads newline-delimited messages from in and writes one reply
// line per request to out. Requests run concurrently; replies may be
// written out of order. It returns when in reaches EOF or ctx is done,
// after in-flight requests finished.
func ServeStdio(ctx context.Context, h Handler, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		writeMu  sync.Mutex
		inflight sync.WaitGroup
	)
	defer inflight.Wait()

	write := func(reply []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := out.Write(append(reply, '\n')); err != nil {
			logger.Error("stdio_write_failed", slog.Any("err", err))
			cancel()
		}
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64<<10), maxStdioLine)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			msg := append([]byte(nil), line...)
			select {
			case lines <- msg:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	logger.Info("stdio_serving")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil && !errors.Is(err, io.EOF) {
						return err
					}
				default:
				}
				logger.Info("stdio_eof")
				return nil
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				if reply := h.HandleMessage(ctx, msg); reply != nil {
					write(reply)
				}
			}()
		}
	}
}
