// Package websocket is a deliberately small RFC 6455 subset: a hand-parsed
// upgrade handshake and single-frame, unfragmented text messages.
package websocket

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nuetzliches/toolhub/internal/httpheader"
)

const (
	acceptGUID     = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	maxHeaderLines = 64
)

// HandshakeError rejects an upgrade request with an HTTP status.
type HandshakeError struct {
	Status int
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake: %d %s", e.Status, e.Reason)
}

// Handshake is the parsed upgrade request.
type Handshake struct {
	Method string
	Target string
	Path   string
	Header httpheader.Header
}

func (h *Handshake) Key() string { return h.Header.Get("Sec-WebSocket-Key") }

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ReadHandshake reads the request line and header block from br. When path
// is not empty the request path must match it exactly.
func ReadHandshake(br *bufio.Reader, path string) (*Handshake, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(line, " ")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: "malformed request line"}
	}
	hs := &Handshake{Method: parts[0], Target: parts[1], Header: httpheader.Header{}}
	hs.Path, _, _ = strings.Cut(hs.Target, "?")

	for n := 0; ; n++ {
		if n > maxHeaderLines {
			return nil, &HandshakeError{Status: http.StatusRequestHeaderFieldsTooLarge, Reason: "too many header fields"}
		}
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, err := httpheader.ParseField(line)
		if err != nil {
			return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: err.Error()}
		}
		if err := hs.Header.Add(name, value); err != nil {
			return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: err.Error()}
		}
	}

	switch {
	case hs.Method != http.MethodGet:
		return nil, &HandshakeError{Status: http.StatusMethodNotAllowed, Reason: "method must be GET"}
	case path != "" && hs.Path != path:
		return nil, &HandshakeError{Status: http.StatusNotFound, Reason: "unknown path " + hs.Path}
	case !httpheader.HasToken(hs.Header.Get("Upgrade"), "websocket"):
		return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: "missing Upgrade: websocket header"}
	case strings.TrimSpace(hs.Key()) == "":
		return nil, &HandshakeError{Status: http.StatusBadRequest, Reason: "missing Sec-WebSocket-Key header"}
	}
	return hs, nil
}

func readLine(br *bufio.Reader) (string, error) {
	b, err := br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return "", &HandshakeError{Status: http.StatusRequestHeaderFieldsTooLarge, Reason: "header line too long"}
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(b) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(string(b), "\r\n"), nil
}

// WriteAccept completes the upgrade.
func WriteAccept(w io.Writer, key string) error {
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: %s\r\n\r\n",
		AcceptKey(key))
	return err
}

// WriteReject answers a failed upgrade with a plain HTTP error.
func WriteReject(w io.Writer, status int, reason string) error {
	body := reason + "\n"
	_, err := fmt.Fprintf(w,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
	return err
}
