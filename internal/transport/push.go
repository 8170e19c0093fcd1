package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"chat-sync-demo/client/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024

	sendBuffer = 256
)

var (
	// ErrServerClosed reports a close initiated by the server. The client
	// does not reconnect after it.
	ErrServerClosed = stderrors.New("transport: closed by server")
	// ErrClientClosed reports a close initiated locally
	ErrClientClosed = stderrors.New("transport: closed by client")
	// ErrPushUnavailable means the server does not offer a push channel
	ErrPushUnavailable = stderrors.New("transport: push channel unavailable")
	// ErrSendBufferFull is returned by Emit when the writer is saturated
	ErrSendBufferFull = stderrors.New("transport: send buffer full")
)

// Handler receives push channel callbacks. They are invoked from the
// connection's reader goroutine.
type Handler struct {
	OnEvent func(Envelope)
	OnClose func(error)
}

// Conn is an open push channel
type Conn interface {
	Emit(event string, payload any) error
	Close() error
}

// Dialer opens push channels
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header, h Handler) (Conn, error)
}

// WebsocketDialer dials the push channel over gorilla/websocket
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Log              *logger.Logger
}

// Dial opens a websocket and starts its read and write pumps. A handshake the
// server refuses with a plain HTTP response yields ErrPushUnavailable.
func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header, h Handler) (Conn, error) {
	log := d.Log
	if log == nil {
		log = logger.GetGlobal()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if stderrors.Is(err, websocket.ErrBadHandshake) {
			status := 0
			if resp != nil {
				status = resp.StatusCode
				resp.Body.Close()
			}
			log.Warn("Push handshake rejected", "url", url, "status", status)
			return nil, stderrors.Join(ErrPushUnavailable, err)
		}
		return nil, err
	}

	c := &wsConn{
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		handler: h,
		log:     log.WithComponent("push"),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	closing   bool
	handler   Handler
	log       *logger.Logger
}

func (c *wsConn) Emit(event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close flushes queued frames and sends a close frame. The socket is torn
// down once the server answers or writeWait passes. Close does not block.
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil
	}
	c.closing = true
	close(c.send)

	go func() {
		select {
		case <-c.done:
		case <-time.After(writeWait):
			c.ws.Close()
		}
	}()
	return nil
}

func (c *wsConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *wsConn) finish(err error) {
	c.closeOnce.Do(func() {
		c.ws.Close()
		if c.handler.OnClose != nil {
			c.handler.OnClose(err)
		}
	})
}

// readPump pumps frames from the websocket to the handler
func (c *wsConn) readPump() {
	var cause error
	defer func() {
		close(c.done)
		c.finish(cause)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.isClosing():
				cause = ErrClientClosed
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
				cause = ErrServerClosed
			default:
				cause = err
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("Dropping malformed frame", "error", err.Error())
			continue
		}
		if c.handler.OnEvent != nil {
			c.handler.OnEvent(env)
		}
	}
}

// writePump pumps frames from the send queue to the websocket
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "client leaving"))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("Write failed", "error", err.Error())
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
