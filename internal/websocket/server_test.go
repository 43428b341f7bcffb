package websocket

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuetzliches/toolhub/internal/metrics"
)

func startServer(t *testing.T, h Handler, opts Options) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := NewServer(h, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, ln.Addr().String()
}

var upper = HandlerFunc(func(_ context.Context, msg []byte) []byte {
	if string(msg) == "quiet" {
		return nil
	}
	return []byte(strings.ToUpper(string(msg)))
})

func TestServerMessageLoop(t *testing.T) {
	reg := metrics.New()
	_, addr := startServer(t, upper, Options{Path: "/ws", Metrics: reg})

	c, err := Dial(context.Background(), addr, "/ws")
	require.NoError(t, err)
	defer c.Close()

	for _, msg := range []string{"hello", strings.Repeat("x", 70000)} {
		require.NoError(t, c.Send([]byte(msg)))
		got, err := c.Receive(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(msg), string(got))
	}

	require.NoError(t, c.Send([]byte("quiet")))
	require.NoError(t, c.Send([]byte("after")))
	got, err := c.Receive(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "AFTER", string(got))

	var sb strings.Builder
	reg.WriteTo(&sb, "test", time.Now())
	assert.Contains(t, sb.String(), "toolhub_ws_connections 1")
}

func TestServerWrongPath(t *testing.T) {
	_, addr := startServer(t, upper, Options{Path: "/ws"})
	_, err := Dial(context.Background(), addr, "/other")
	require.ErrorContains(t, err, "404")
}

func TestServerClosesOnProtocolViolation(t *testing.T) {
	_, addr := startServer(t, upper, Options{})
	c, err := Dial(context.Background(), addr, "/")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, WriteFrame(c.Conn(), OpText, []byte("unmasked"), nil))
	payload, err := c.Receive(5 * time.Second)
	require.ErrorIs(t, err, ErrClosed)
	require.Len(t, payload, 2)
	assert.Equal(t, CloseProtocolError, int(payload[0])<<8|int(payload[1]))

	_, err = c.Receive(5 * time.Second)
	require.Error(t, err)
}

func TestServerEchoesClose(t *testing.T) {
	_, addr := startServer(t, upper, Options{})
	c, err := Dial(context.Background(), addr, "/")
	require.NoError(t, err)

	require.NoError(t, WriteFrame(c.Conn(), OpClose, nil, &[4]byte{9, 9, 9, 9}))
	_, err = c.Receive(5 * time.Second)
	require.ErrorIs(t, err, ErrClosed)
	_ = c.Conn().Close()
}

func TestServerConnectionLimit(t *testing.T) {
	reg := metrics.New()
	srv, addr := startServer(t, upper, Options{MaxConnections: 1, Metrics: reg})

	first, err := Dial(context.Background(), addr, "/")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.Active() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, status, "503")

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return srv.Active() == 0 }, 2*time.Second, 10*time.Millisecond)

	second, err := Dial(context.Background(), addr, "/")
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Send([]byte("ok")))
	got, err := second.Receive(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(got))

	var sb strings.Builder
	reg.WriteTo(&sb, "test", time.Now())
	assert.Contains(t, sb.String(), "toolhub_ws_rejected_total 1")
}

func TestServerRateLimit(t *testing.T) {
	_, addr := startServer(t, upper, Options{RateLimit: 20, Burst: 1})
	c, err := Dial(context.Background(), addr, "/")
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Send([]byte(fmt.Sprint(i))))
		_, err := c.Receive(5 * time.Second)
		require.NoError(t, err)
	}
	// 4 tokens at 20/s after the initial burst.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
