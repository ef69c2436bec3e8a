package chatcore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEchoServer runs a websocket server echoing every message back.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebsocketTransportOutlivesDialContext(t *testing.T) {
	srv := newEchoServer(t)

	recv := make(chan []byte, 1)
	tr := NewWebsocketTransport(NewNopLogger(), websocket.DefaultDialer, wsURL(srv), nil, recv)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, tr.Open(ctx))
	cancel() // the dial deadline must not govern the open connection

	require.NoError(t, tr.Write([]byte("ping")))
	select {
	case data := <-recv:
		assert.Equal(t, "ping", string(data))
	case <-time.After(time.Second):
		t.Fatal("no echo received")
	}

	select {
	case <-tr.CloseChan():
		t.Fatalf("transport closed after dial context was cancelled: %v", tr.CloseErr())
	case <-time.After(200 * time.Millisecond):
	}

	tr.Close()
	select {
	case <-tr.CloseChan():
	case <-time.After(time.Second):
		t.Fatal("transport did not close")
	}
	assert.ErrorIs(t, tr.CloseErr(), ErrTerminated)
}

func TestConnectionManagerStaysConnectedOverWebsocket(t *testing.T) {
	srv := newEchoServer(t)

	m := NewConnectionManager(ConnectionParams{
		Settings:  DefaultSettings(),
		Clock:     NewSystemClock(),
		Transport: NewWebsocketTransportFactory(NewNopLogger(), websocket.DefaultDialer, nil),
	})
	t.Cleanup(m.Close)

	require.NoError(t, m.Connect(context.Background(), wsURL(srv)))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
	require.NoError(t, m.Send([]byte(`{"Type":"HEARTBEAT"}`)))
}

func TestDialErrorAdaptation(t *testing.T) {
	tr := &wsTransport{logger: NewNopLogger()}

	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"30"}},
		Body:       io.NopCloser(strings.NewReader("slow down")),
	}
	err := tr.adaptDialError(resp, errors.New("bad handshake"))
	require.ErrorIs(t, err, ErrRateLimit)
	wait, ok := retryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, wait)

	// No Retry-After header still classifies as a rate limit.
	resp = &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       io.NopCloser(strings.NewReader("")),
	}
	err = tr.adaptDialError(resp, errors.New("bad handshake"))
	require.ErrorIs(t, err, ErrRateLimit)
	_, ok = retryAfter(err)
	assert.False(t, ok)

	assert.ErrorIs(t, tr.adaptDialError(nil, errors.New("dial tcp: refused")), ErrCannotConnect)
	assert.NoError(t, tr.adaptDialError(nil, nil))
}
