package chatcore

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

const wsWriteTimeout = 5 * time.Second

// wsTransport is the WebSocket Transport implementation.
type wsTransport struct {
	logger          Logger
	dialer          *websocket.Dialer
	endpoint        string
	header          http.Header
	conn            *websocket.Conn
	recv            chan<- []byte // payloads received over the wire
	send            chan []byte   // payloads to be sent over the wire
	closeChan       CloseChan
	closeOnce       sync.Once
	closeReason     error
	closeReasonOnce sync.Once
}

// NewWebsocketTransport creates a transport over a single WebSocket
// connection. Inbound text payloads are pushed to recv.
func NewWebsocketTransport(
	logger Logger,
	dialer *websocket.Dialer,
	endpoint string,
	header http.Header,
	recv chan<- []byte,
) Transport {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &wsTransport{
		logger:    logger.WithField("net", "ws_transport"),
		dialer:    dialer,
		endpoint:  endpoint,
		header:    header,
		recv:      recv,
		send:      make(chan []byte),
		closeChan: make(CloseChan),
	}
}

// NewWebsocketTransportFactory returns a TransportFactory producing WebSocket
// transports with the given dialer and headers.
func NewWebsocketTransportFactory(
	logger Logger,
	dialer *websocket.Dialer,
	header http.Header,
) TransportFactory {
	return func(_ context.Context, endpoint string, recv chan<- []byte) Transport {
		return NewWebsocketTransport(logger, dialer, endpoint, header, recv)
	}
}

func (w *wsTransport) Open(ctx context.Context) error {
	conn, resp, err := w.dialer.DialContext(ctx, w.endpoint, w.header)
	if err = w.adaptDialError(resp, err); err != nil {
		w.logger.Errorf("connection err to %s: %s", w.endpoint, err)
		return err
	}

	w.logger.Debugf("success opening connection to %s", w.endpoint)
	w.conn = conn

	// ctx only bounds the handshake; the pumps live until closeChan.
	go w.read()
	go w.write()

	return nil
}

func (w *wsTransport) Write(data []byte) error {
	select {
	case w.send <- data:
		return nil
	case <-w.closeChan:
		return ErrConnectionClosed
	}
}

func (w *wsTransport) Close() {
	w.setCloseReason(ErrTerminated)
	w.safeClose()
}

func (w *wsTransport) CloseChan() CloseChan { return w.closeChan }

func (w *wsTransport) CloseErr() error { return w.closeReason }

func (w *wsTransport) read() {
	defer w.safeClose()

	for {
		select {
		case <-w.closeChan:
			w.setCloseReason(ErrTerminated)
			return
		default:
			_, bts, err := w.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					w.logger.Debugln("<= [CLOSE] normal")
					w.setCloseReason(ErrConnectionClosed)
					return
				}
				w.logger.Errorf("error occurred on websocket read: %s", err)
				w.setCloseReason(errors.Wrap(
					ErrConnectionClosed,
					"error occurred on websocket read: "+err.Error(),
				))
				return
			}
			w.logger.Debugf("<= [DATA] %s", string(bts))
			select {
			case w.recv <- bts:
			case <-w.closeChan:
				w.setCloseReason(ErrTerminated)
				return
			}
		}
	}
}

func (w *wsTransport) write() {
	defer w.safeClose()

	for {
		select {
		case <-w.closeChan:
			// Closing from our side: tell the peer this is a normal closure.
			deadline := time.Now().Add(wsWriteTimeout)
			_ = w.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				deadline,
			)
			w.setCloseReason(ErrTerminated)
			return
		case data := <-w.send:
			w.logger.Debugf("=> [DATA] %s", data)
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
				) {
					w.setCloseReason(ErrConnectionClosed)
				} else {
					w.setCloseReason(errors.Wrap(ErrConnectionClosed, err.Error()))
				}
				return
			}
		}
	}
}

func (w *wsTransport) safeClose() {
	w.closeOnce.Do(w.close)
}

func (w *wsTransport) close() {
	if w.conn != nil {
		_ = w.conn.Close()
	}
	close(w.closeChan)
}

func (w *wsTransport) setCloseReason(err error) {
	w.closeReasonOnce.Do(func() {
		w.closeReason = err
	})
}

func (w *wsTransport) adaptDialError(resp *http.Response, err error) error {
	if resp != nil {
		var msg string
		if resp.Body != nil {
			bts, rerr := io.ReadAll(resp.Body)
			if rerr == nil {
				msg = string(bts)
			}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			wrapped := errors.Wrap(ErrRateLimit, msg)
			if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
				return &RateLimitError{Err: wrapped, RetryAfter: wait}
			}
			return wrapped
		}
	}

	if err != nil {
		return errors.Wrap(ErrCannotConnect, err.Error())
	}

	return nil
}

// parseRetryAfter reads the delay-seconds form of a Retry-After header.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
