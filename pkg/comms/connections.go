package comms

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUndecodable wraps a frame that arrived intact but did not hold a
	// Message. The socket is still usable after one.
	ErrUndecodable = errors.New("undecodable message")
)

// Request holds a Message read from a connected client.
type Request struct {
	Conn    *ConnectionWrapper
	Message Message
}

// ConnectionWrapper wraps a client connection, handling communication.
// Writes are queued on WriteChannel and drained by a single writer, so
// messages reach the socket in the order they were queued.
type ConnectionWrapper struct {
	Socket       *websocket.Conn
	WriteChannel chan Message
	ID           string

	done      chan struct{}
	closeOnce sync.Once
}

// NewConnectionWrapper wraps socket with a write queue of the given size.
func NewConnectionWrapper(socket *websocket.Conn, id string, bufferSize int) *ConnectionWrapper {
	return &ConnectionWrapper{
		Socket:       socket,
		WriteChannel: make(chan Message, bufferSize),
		ID:           id,
		done:         make(chan struct{}),
	}
}

// ReadMessage reads the next frame. Transport failures are returned as they
// are; a frame that is not a JSON Message gives an error wrapping
// ErrUndecodable.
func (c *ConnectionWrapper) ReadMessage() (Message, error) {
	_, data, err := c.Socket.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	return DecodeFrame(data)
}

// DecodeFrame parses one websocket frame into a Message.
func DecodeFrame(data []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	return message, nil
}

// Send queues a message without blocking. It returns false when the
// connection is closed or its queue is full.
func (c *ConnectionWrapper) Send(message Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.WriteChannel <- message:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Done is closed once the connection has been closed.
func (c *ConnectionWrapper) Done() <-chan struct{} {
	return c.done
}

// WritePump drains WriteChannel onto the socket and pings the peer every
// pingPeriod. It returns when the connection is closed or a write fails.
func (c *ConnectionWrapper) WritePump(pingPeriod, writeWait time.Duration) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.WriteChannel:
			c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Socket.WriteJSON(message); err != nil {
				return err
			}
		case <-ticker.C:
			c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-c.done:
			c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
			c.Socket.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ErrConnectionClosed
		}
	}
}

// Close closes the connection. Safe to call more than once.
func (c *ConnectionWrapper) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.Socket.Close()
	})
}
