package comms

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TypeDisconnected is never sent over the wire. SocketTransport hands it to
// subscribers when the socket drops.
const TypeDisconnected = "disconnected"

// SocketTransport is the client end of the websocket. A single goroutine
// reads from the socket and hands every message to the subscribers in
// arrival order.
type SocketTransport struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	handlers    map[int]func(Message)
	nextHandler int

	writeMu sync.Mutex
}

// NewSocketTransport creates a transport for the websocket at url. Nothing
// is dialled until Open.
func NewSocketTransport(url string, log *zap.Logger) *SocketTransport {
	return &SocketTransport{
		url:      url,
		dialer:   websocket.DefaultDialer,
		log:      log,
		handlers: make(map[int]func(Message)),
	}
}

// Open dials the server unless a connection is already open.
func (t *SocketTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}
	t.conn = conn
	go t.readLoop(conn)
	t.log.Info("Connected", zap.String("url", t.url))
	return nil
}

// Send writes a message to the server.
func (t *SocketTransport) Send(ctx context.Context, message Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrConnectionClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	conn.SetWriteDeadline(deadline)
	return conn.WriteJSON(message)
}

// Subscribe registers handler for every message received. The returned
// function removes it and may be called any number of times.
func (t *SocketTransport) Subscribe(handler func(Message)) func() {
	t.mu.Lock()
	id := t.nextHandler
	t.nextHandler++
	t.handlers[id] = handler
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.handlers, id)
			t.mu.Unlock()
		})
	}
}

// Close closes the socket. The server sees a disconnect.
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return conn.Close()
}

func (t *SocketTransport) readLoop(conn *websocket.Conn) {
	for {
		var message Message
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Warn("Connection lost", zap.Error(err))
			}
			break
		}
		t.dispatch(message)
	}

	// An explicit Close has already cleared t.conn.
	t.mu.Lock()
	lost := t.conn == conn
	if lost {
		t.conn = nil
	}
	t.mu.Unlock()
	conn.Close()
	if lost {
		t.dispatch(Message{Type: TypeDisconnected})
	}
}

func (t *SocketTransport) dispatch(message Message) {
	t.mu.Lock()
	handlers := make([]func(Message), 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(message)
	}
}
