package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/comms"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/room"
	"go.uber.org/zap"
)

// ErrDisconnected is noticed when the transport drops while in a room.
var ErrDisconnected = errors.New("disconnected from server")

// Transport is the connection to the room server. comms.SocketTransport is
// the websocket implementation.
type Transport interface {
	// Open connects unless already connected.
	Open(ctx context.Context) error
	Send(ctx context.Context, message comms.Message) error
	// Subscribe registers a handler for every received message and returns
	// an idempotent unsubscribe function.
	Subscribe(handler func(comms.Message)) (unsubscribe func())
	Close() error
}

// Notifier shows one-off notices to the user, such as a denied location
// permission.
type Notifier interface {
	Notice(err error)
}

// NoticeFunc adapts a function to the Notifier interface.
type NoticeFunc func(err error)

func (f NoticeFunc) Notice(err error) { f(err) }

// Client keeps one user's view of the room they are in and reports their
// position to it.
//
// Roster handlers run on the transport's receive goroutine, one broadcast at
// a time, in the order the server sent them.
type Client struct {
	log        *zap.Logger
	transport  Transport
	geolocator Geolocator
	notifier   Notifier

	mu            sync.Mutex
	locateOptions LocateOptions
	selfID        string
	roomID        string
	joinSeq       uint64
	joinAcked     bool
	instance      string
	version       uint64
	roster        Roster
	unsubscribe   func()
	cancelLocate  context.CancelFunc
	handlers      map[int]func(Roster)
	nextHandler   int
}

// NewClient creates a presence client. geolocator may be nil when the
// device has none; notifier may be nil to drop notices.
func NewClient(log *zap.Logger, transport Transport, geolocator Geolocator, notifier Notifier) *Client {
	return &Client{
		log:           log,
		transport:     transport,
		geolocator:    geolocator,
		notifier:      notifier,
		locateOptions: DefaultLocateOptions,
		handlers:      make(map[int]func(Roster)),
	}
}

// SetLocateOptions changes the options used by later joins.
func (c *Client) SetLocateOptions(opts LocateOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locateOptions = opts
}

// JoinRoom connects if needed, starts listening for rosters and asks the
// server to move this connection into roomID. The server takes the
// connection out of any room it was in before. A location reading is then
// acquired in the background and reported once.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	if err := room.ValidateRoomID(roomID); err != nil {
		return err
	}

	// Subscribe before opening so the session event is not missed.
	c.mu.Lock()
	if c.unsubscribe == nil {
		c.unsubscribe = c.transport.Subscribe(c.handleMessage)
	}
	c.mu.Unlock()

	if err := c.transport.Open(ctx); err != nil {
		return fmt.Errorf("unable to connect: %w", err)
	}

	c.mu.Lock()
	c.stopLocatingLocked()
	c.joinSeq++
	seq := c.joinSeq
	c.roomID = roomID
	c.joinAcked = false
	c.instance = ""
	c.version = 0
	c.roster = nil
	locateCtx, cancel := context.WithCancel(context.Background())
	c.cancelLocate = cancel
	opts := c.locateOptions
	c.mu.Unlock()

	if err := c.transport.Send(ctx, comms.ToMessage(comms.JoinRequest{RoomID: roomID, Seq: seq})); err != nil {
		c.mu.Lock()
		if c.joinSeq == seq {
			c.roomID = ""
			c.stopLocatingLocked()
		}
		c.mu.Unlock()
		return fmt.Errorf("unable to join room %s: %w", roomID, err)
	}
	c.log.Info("Joining room", zap.String("room", roomID))

	go c.acquireLocation(locateCtx, seq, opts)
	return nil
}

// ReportLocation sends a position update. It is silently dropped when the
// client is not in a room.
func (c *Client) ReportLocation(ctx context.Context, lat, lng float64) error {
	c.mu.Lock()
	joined := c.roomID != ""
	c.mu.Unlock()
	if !joined {
		c.log.Debug("Location dropped outside a room")
		return nil
	}
	return c.transport.Send(ctx, comms.ToMessage(comms.LocationUpdate{Lat: lat, Lng: lng}))
}

// OnRosterUpdate registers handler for every accepted roster. Each call gets
// the complete member list. The returned function unregisters the handler.
func (c *Client) OnRosterUpdate(handler func(Roster)) func() {
	c.mu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// Leave stops listening for rosters and closes the connection, which takes
// this member out of its room. It may be called at any time, any number of
// times.
func (c *Client) Leave() error {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.resetLocked()
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	return c.transport.Close()
}

// Close is Leave.
func (c *Client) Close() error {
	return c.Leave()
}

// SelfID is this connection's member id, or empty before the server has
// sent it.
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// RoomID is the room currently joined, or empty.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Roster returns the last accepted roster.
func (c *Client) Roster() Roster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.WithSelf(c.selfID)
}

func (c *Client) handleMessage(message comms.Message) {
	switch message.Type {
	case comms.TypeSession:
		var session comms.SessionEvent
		if err := message.Decode(&session); err != nil {
			c.log.Warn("Unable to parse session", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.selfID = session.UserID
		c.mu.Unlock()

	case comms.TypeJoined:
		var joined comms.Joined
		if err := message.Decode(&joined); err != nil {
			c.log.Warn("Unable to parse join ack", zap.Error(err))
			return
		}
		c.mu.Lock()
		if joined.Seq == c.joinSeq && joined.RoomID == c.roomID {
			c.joinAcked = true
			c.instance = ""
			c.version = 0
		}
		c.mu.Unlock()

	case comms.TypeRosterUpdate:
		var update comms.RosterUpdate
		if err := message.Decode(&update); err != nil {
			c.log.Warn("Unable to parse roster", zap.Error(err))
			return
		}
		c.applyRoster(update)

	case comms.TypeError:
		var response comms.ErrorResponse
		if err := message.Decode(&response); err != nil {
			c.log.Warn("Unable to parse error response", zap.Error(err))
			return
		}
		c.log.Warn("Server rejected a message", zap.String("reason", response.Reason))

	case comms.TypeDisconnected:
		c.mu.Lock()
		wasJoined := c.roomID != ""
		c.resetLocked()
		handlers := c.handlersLocked()
		c.mu.Unlock()
		if !wasJoined {
			return
		}
		c.log.Warn("Disconnected from room server")
		for _, h := range handlers {
			h(nil)
		}
		c.notice(ErrDisconnected)
	}
}

// applyRoster replaces the roster when update is newer than the one held.
// Rosters for other rooms, rosters arriving before the current join is
// acknowledged, and repeats of ones already seen are dropped.
func (c *Client) applyRoster(update comms.RosterUpdate) {
	c.mu.Lock()
	if update.RoomID != c.roomID || !c.joinAcked {
		c.mu.Unlock()
		c.log.Debug("Roster dropped", zap.String("room", update.RoomID))
		return
	}
	if update.Instance == c.instance && update.Version <= c.version {
		c.mu.Unlock()
		return
	}
	c.instance = update.Instance
	c.version = update.Version
	c.roster = rosterFromUpdate(update)
	roster := c.roster.WithSelf(c.selfID)
	handlers := c.handlersLocked()
	c.mu.Unlock()

	for _, h := range handlers {
		h(roster)
	}
}

func (c *Client) acquireLocation(ctx context.Context, seq uint64, opts LocateOptions) {
	if c.geolocator == nil {
		c.notice(ErrGeolocationUnsupported)
		return
	}

	locateCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	pos, err := c.geolocator.Locate(locateCtx, opts)
	if ctx.Err() != nil {
		// Left or joined elsewhere meanwhile.
		return
	}
	if err == nil && locateCtx.Err() != nil {
		err = locateCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = ErrLocationTimeout
	}
	if err != nil {
		c.log.Warn("Unable to acquire location", zap.Error(err))
		c.notice(err)
		return
	}

	c.mu.Lock()
	current := c.joinSeq == seq && c.roomID != ""
	c.mu.Unlock()
	if !current {
		return
	}
	if err := c.ReportLocation(ctx, pos.Lat, pos.Lng); err != nil {
		c.log.Warn("Unable to report location", zap.Error(err))
	}
}

func (c *Client) notice(err error) {
	if c.notifier != nil {
		c.notifier.Notice(err)
	}
}

func (c *Client) resetLocked() {
	c.stopLocatingLocked()
	c.selfID = ""
	c.roomID = ""
	c.joinAcked = false
	c.instance = ""
	c.version = 0
	c.roster = nil
}

func (c *Client) stopLocatingLocked() {
	if c.cancelLocate != nil {
		c.cancelLocate()
		c.cancelLocate = nil
	}
}

func (c *Client) handlersLocked() []func(Roster) {
	handlers := make([]func(Roster), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}
