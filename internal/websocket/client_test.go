package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nuetzliches/toolhub/internal/httpheader"
)

// Client is a minimal text-message client used to drive the server in tests.
type Client struct {
	conn       net.Conn
	br         *bufio.Reader
	maxPayload int64
}

// Dial connects to addr and upgrades on path.
func Dial(ctx context.Context, addr, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(conn, addr, path)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient performs the client side of the handshake on conn.
func NewClient(conn net.Conn, host, path string) (*Client, error) {
	if path == "" {
		path = "/"
	}
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	key := base64.StdEncoding.EncodeToString(nonce[:])
	_, err := fmt.Fprintf(conn,
		"GET %s HTTP/1.1\r\nHost: %s\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Key: %s\r\nSec-WebSocket-Version: 13\r\n\r\n",
		path, host, key)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(conn, readBufferSize)
	status, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	header := httpheader.Header{}
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, fmt.Errorf("read handshake response: %w", err)
		}
		if line == "" {
			break
		}
		name, value, err := httpheader.ParseField(line)
		if err != nil {
			return nil, err
		}
		_ = header.Add(name, value)
	}
	if !strings.HasPrefix(status, fmt.Sprintf("HTTP/1.1 %d", http.StatusSwitchingProtocols)) {
		return nil, fmt.Errorf("websocket upgrade refused: %s", status)
	}
	if got := header.Get("Sec-WebSocket-Accept"); got != AcceptKey(key) {
		return nil, fmt.Errorf("websocket upgrade: bad accept key %q", got)
	}
	return &Client{conn: conn, br: br, maxPayload: DefaultMaxPayload}, nil
}

// Send writes one masked text frame.
func (c *Client) Send(msg []byte) error {
	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return err
	}
	return WriteFrame(c.conn, OpText, msg, &mask)
}

// Receive reads the next server frame. A close frame yields ErrClosed.
func (c *Client) Receive(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	f, err := ReadFrame(c.br, c.maxPayload)
	if err != nil {
		return nil, err
	}
	if f.Opcode == OpClose {
		return f.Payload, ErrClosed
	}
	return f.Payload, nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	var mask [4]byte
	_, _ = rand.Read(mask[:])
	payload := []byte{byte(CloseNormal >> 8), byte(CloseNormal & 0xff)}
	_ = WriteFrame(c.conn, OpClose, payload, &mask)
	return c.conn.Close()
}

// Conn exposes the raw connection, for sending frames the client API
// does not produce.
func (c *Client) Conn() net.Conn { return c.conn }
