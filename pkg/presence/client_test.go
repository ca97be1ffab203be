package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/comms"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/room"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// fakeTransport records what the client sends and lets the test play the
// server's side by delivering messages.
type fakeTransport struct {
	mu       sync.Mutex
	opened   int
	closed   int
	handlers map[int]func(comms.Message)
	next     int
	sent     chan comms.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[int]func(comms.Message)),
		sent:     make(chan comms.Message, 16),
	}
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, message comms.Message) error {
	f.sent <- message
	return nil
}

func (f *fakeTransport) Subscribe(handler func(comms.Message)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.handlers[id] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// deliver hands contents to the subscribers as if it came over the socket.
func (f *fakeTransport) deliver(t *testing.T, contents interface{}) {
	t.Helper()
	message, ok := contents.(comms.Message)
	if !ok {
		message = comms.ToMessage(contents)
	}
	data, err := json.Marshal(message)
	require.NoError(t, err)
	var received comms.Message
	require.NoError(t, json.Unmarshal(data, &received))

	f.mu.Lock()
	handlers := make([]func(comms.Message), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(received)
	}
}

func (f *fakeTransport) nextSent(t *testing.T) comms.Message {
	t.Helper()
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("nothing was sent")
		return comms.Message{}
	}
}

func (f *fakeTransport) assertNothingSent(t *testing.T) {
	t.Helper()
	select {
	case msg := <-f.sent:
		t.Fatalf("unexpected %s sent", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

// joinSent returns the next join request the client sent.
func (f *fakeTransport) joinSent(t *testing.T) comms.JoinRequest {
	t.Helper()
	msg := f.nextSent(t)
	require.Equal(t, comms.TypeJoin, msg.Type)
	join, ok := msg.Contents.(comms.JoinRequest)
	require.True(t, ok)
	return join
}

// ackJoin answers the next join request the way the server does.
func (f *fakeTransport) ackJoin(t *testing.T) {
	t.Helper()
	join := f.joinSent(t)
	f.deliver(t, comms.Joined{RoomID: join.RoomID, Seq: join.Seq})
}

// notices collects notices on a channel.
type notices chan error

func (n notices) Notice(err error) { n <- err }

func (n notices) next(t *testing.T) error {
	t.Helper()
	select {
	case err := <-n:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no notice")
		return nil
	}
}

func roster(roomID, instance string, version uint64, ids ...string) comms.RosterUpdate {
	members := make([]comms.MemberView, len(ids))
	for i, id := range ids {
		members[i] = comms.MemberView{UserID: id}
	}
	return comms.RosterUpdate{RoomID: roomID, Instance: instance, Version: version, Members: members}
}

func ids(r Roster) []string {
	out := make([]string, len(r))
	for i, m := range r {
		out[i] = m.ID
	}
	return out
}

func TestDefaultLocateOptions(t *testing.T) {
	assert.True(t, DefaultLocateOptions.HighAccuracy)
	assert.Equal(t, 5*time.Second, DefaultLocateOptions.Timeout)
	assert.Zero(t, DefaultLocateOptions.MaximumAge)
}

func TestJoinRoomSendsJoinThenLocation(t *testing.T) {
	transport := newFakeTransport()
	geolocator := StaticGeolocator{Position: Position{Lat: 10, Lng: 10}}
	c := NewClient(zaptest.NewLogger(t), transport, geolocator, nil)

	require.NoError(t, c.JoinRoom(context.Background(), "abc"))
	assert.Equal(t, "abc", c.RoomID())

	join := transport.nextSent(t)
	assert.Equal(t, comms.TypeJoin, join.Type)
	assert.Equal(t, comms.JoinRequest{RoomID: "abc", Seq: 1}, join.Contents)

	update := transport.nextSent(t)
	assert.Equal(t, comms.TypeLocationUpdate, update.Type)
	assert.Equal(t, comms.LocationUpdate{Lat: 10, Lng: 10}, update.Contents)

	// Geolocation runs once per join.
	transport.assertNothingSent(t)
}

func TestJoinRoomRejectsBlankID(t *testing.T) {
	transport := newFakeTransport()
	c := NewClient(zaptest.NewLogger(t), transport, nil, nil)

	assert.ErrorIs(t, c.JoinRoom(context.Background(), " \t"), room.ErrInvalidRoomID)
	assert.Zero(t, transport.opened)
	transport.assertNothingSent(t)
}

func TestReportLocationOutsideRoomIsDropped(t *testing.T) {
	transport := newFakeTransport()
	c := NewClient(zaptest.NewLogger(t), transport, nil, nil)

	require.NoError(t, c.ReportLocation(context.Background(), 1, 2))
	transport.assertNothingSent(t)
}

func TestRosterUpdatesReplace(t *testing.T) {
	transport := newFakeTransport()
	c := NewClient(zaptest.NewLogger(t), transport, nil, nil)

	var received []Roster
	c.OnRosterUpdate(func(r Roster) { received = append(received, r) })

	require.NoError(t, c.JoinRoom(context.Background(), "abc"))
	transport.ackJoin(t)
	transport.deliver(t, comms.SessionEvent{UserID: "me"})
	transport.deliver(t, roster("abc", "i1", 1, "me", "other"))
	transport.deliver(t, roster("abc", "i1", 2, "me"))

	require.Len(t, received, 2)
	assert.Equal(t, []string{"me", "other"}, ids(received[0]))
	assert.Equal(t, []string{"me"}, ids(received[1]))

	self, ok := received[1].Self()
	require.True(t, ok)
	assert.Equal(t, "me", self.ID)
	assert.Equal(t, "me", c.SelfID())
	assert.Equal(t, received[1], c.Roster())
}

func TestStaleAndForeignRostersAreDropped(t *testing.T) {
	transport := newFakeTransport()
	c := NewClient(zaptest.NewLogger(t), transport, nil, nil)

	var received []Roster
	c.OnRosterUpdate(func(r Roster) { received = append(received, r) })
	require.NoError(t, c.JoinRoom(context.Background(), "abc"))
	transport.ackJoin(t)

	transport.deliver(t, roster("abc", "i1", 3, "a", "b"))
	transport.deliver(t, roster("abc", "i1", 2, "a"))      // older
	transport.deliver(t, roster("abc", "i1", 3, "a", "b")) // duplicate
	transport.deliver(t, roster("other", "i9", 9, "x"))    // another room
	require.Len(t, received, 1)

	// A recreated room starts its versions again.
	transport.deliver(t, roster("abc", "i2", 1, "c"))
	require.Len(t, received, 2)
	assert.Equal(t, []string{"c"}, ids(received[1]))
}

func TestJoiningAnotherRoomIgnoresOldRosters(t *testing.T) {
	transport := newFakeTransport()
	c := NewClient(zaptest.NewLogger(t), transport, nil, nil)

	var received []Roster
	c.OnRosterUpdate(func(r Roster) { received = append(received, r) })

	ctx := context.Background()
	require.NoError(t, c.JoinRoom(ctx, "abc"))
	transport.ackJoin(t)
	transport.deliver(t, roster("abc", "i1", 1, "me"))
	require.NoError(t, c.JoinRoom(ctx, "xyz"))
	transport.ackJoin(t)
	transport.deliver(t, roster("abc", "i1", 2, "me", "late"))
	transport.deliver(t, roster("xyz", "i5", 4, "me", "z"))

	require.Len(t, received, 2)
	assert.Equal(t, []string{"me", "z"}, ids(received[1]))
	assert.Equal(t, 1, transport.subscribers(), "rejoining must not subscribe twice")
}

func TestRostersBeforeJoinAckAreDropped(t *testing.T) {
	transport := newFakeTransport()
	c := NewClient(zaptest.NewLogger(t), transport, nil, nil)

	var received []Roster
	c.OnRosterUpdate(func(r Roster) { received = append(received, r) })

	require.NoError(t, c.JoinRoom(context.Background(), "abc"))
	join := transport.joinSent(t)
	transport.deliver(t, roster("abc", "i1", 1, "me"))
	assert.Empty(t, received)

	// An ack for another room or join changes nothing.
	transport.deliver(t, comms.Joined{RoomID: "xyz", Seq: join.Seq})
	transport.deliver(t, comms.Joined{RoomID: "abc", Seq: join.Seq + 1})
	transport.deliver(t, roster("abc", "i1", 1, "me"))
	assert.Empty(t, received)

	transport.deliver(t, comms.Joined{RoomID: join.RoomID, Seq: join.Seq})
	transport.deliver(t, roster("abc", "i1", 1, "me"))
	require.Len(t, received, 1)
	assert.Equal(t, []string{"me"}, ids(received[0]))
}

func TestRejoiningSameRoomAcceptsResentSnapshot(t *testing.T) {
	transport := newFakeTransport()
	c := NewClient(zaptest.NewLogger(t), transport, nil, nil)

	var received []Roster
	c.OnRosterUpdate(func(r Roster) { received = append(received, r) })

	ctx := context.Background()
	require.NoError(t, c.JoinRoom(ctx, "abc"))
	transport.ackJoin(t)
	transport.deliver(t, roster("abc", "i1", 2, "me", "b"))

	// The server answers a repeat join with the snapshot it already sent.
	require.NoError(t, c.JoinRoom(ctx, "abc"))
	transport.ackJoin(t)
	transport.deliver(t, roster("abc", "i1", 2, "me", "b"))

	require.Len(t, received, 2)
	assert.Equal(t, received[0], received[1])
}

func TestReturningToRoomIgnoresRostersFromEarlierVisit(t *testing.T) {
	transport := newFakeTransport()
	c := NewClient(zaptest.NewLogger(t), transport, nil, nil)

	var received []Roster
	c.OnRosterUpdate(func(r Roster) { received = append(received, r) })

	ctx := context.Background()
	require.NoError(t, c.JoinRoom(ctx, "abc"))
	first := transport.joinSent(t)
	transport.deliver(t, comms.Joined{RoomID: first.RoomID, Seq: first.Seq})
	transport.deliver(t, roster("abc", "i1", 1, "me", "b"))

	require.NoError(t, c.JoinRoom(ctx, "xyz"))
	moved := transport.joinSent(t)
	require.NoError(t, c.JoinRoom(ctx, "abc"))
	back := transport.joinSent(t)
	assert.Equal(t, "abc", back.RoomID)
	assert.Greater(t, back.Seq, first.Seq)

	// Still in flight from the first visit.
	transport.deliver(t, roster("abc", "i1", 2, "me", "b", "gone"))
	transport.deliver(t, comms.Joined{RoomID: moved.RoomID, Seq: moved.Seq})
	transport.deliver(t, roster("xyz", "i5", 1, "me"))
	transport.deliver(t, comms.Joined{RoomID: first.RoomID, Seq: first.Seq})
	transport.deliver(t, roster("abc", "i1", 3, "me", "b", "gone"))
	require.Len(t, received, 1)

	transport.deliver(t, comms.Joined{RoomID: back.RoomID, Seq: back.Seq})
	transport.deliver(t, roster("abc", "i1", 5, "me", "b"))
	require.Len(t, received, 2)
	assert.Equal(t, []string{"me", "b"}, ids(received[1]))
	assert.Equal(t, received[1], c.Roster())
}

func TestGeolocationTimeout(t *testing.T) {
	transport := newFakeTransport()
	calls := 0
	var mu sync.Mutex
	geolocator := GeolocatorFunc(func(ctx context.Context, opts LocateOptions) (Position, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-ctx.Done()
		return Position{}, ctx.Err()
	})
	n := make(notices, 4)
	c := NewClient(zaptest.NewLogger(t), transport, geolocator, n)
	c.SetLocateOptions(LocateOptions{HighAccuracy: true, Timeout: 50 * time.Millisecond})

	var received []Roster
	var rmu sync.Mutex
	c.OnRosterUpdate(func(r Roster) {
		rmu.Lock()
		received = append(received, r)
		rmu.Unlock()
	})

	require.NoError(t, c.JoinRoom(context.Background(), "x"))
	transport.ackJoin(t)

	assert.ErrorIs(t, n.next(t), ErrLocationTimeout)
	transport.assertNothingSent(t)

	// Still joined and listening.
	transport.deliver(t, roster("x", "i1", 1, "me"))
	rmu.Lock()
	assert.Len(t, received, 1)
	rmu.Unlock()
	assert.Equal(t, "x", c.RoomID())

	mu.Lock()
	assert.Equal(t, 1, calls, "no automatic retry")
	mu.Unlock()
}

func TestGeolocationPermissionDenied(t *testing.T) {
	transport := newFakeTransport()
	geolocator := GeolocatorFunc(func(ctx context.Context, opts LocateOptions) (Position, error) {
		assert.Zero(t, opts.MaximumAge)
		return Position{}, ErrPermissionDenied
	})
	n := make(notices, 4)
	c := NewClient(zaptest.NewLogger(t), transport, geolocator, n)

	require.NoError(t, c.JoinRoom(context.Background(), "x"))
	transport.nextSent(t)
	assert.ErrorIs(t, n.next(t), ErrPermissionDenied)
	transport.assertNothingSent(t)
}

func TestNoGeolocator(t *testing.T) {
	transport := newFakeTransport()
	n := make(notices, 4)
	c := NewClient(zaptest.NewLogger(t), transport, nil, n)

	require.NoError(t, c.JoinRoom(context.Background(), "x"))
	assert.ErrorIs(t, n.next(t), ErrGeolocationUnsupported)
}

func TestLeaveStopsListening(t *testing.T) {
	transport := newFakeTransport()
	c := NewClient(zaptest.NewLogger(t), transport, nil, nil)

	// Leaving before ever joining is fine.
	require.NoError(t, c.Leave())

	var received []Roster
	c.OnRosterUpdate(func(r Roster) { received = append(received, r) })
	require.NoError(t, c.JoinRoom(context.Background(), "abc"))
	require.Equal(t, 1, transport.subscribers())

	require.NoError(t, c.Leave())
	require.NoError(t, c.Close())
	assert.Zero(t, transport.subscribers())
	assert.Equal(t, 3, transport.closed)
	assert.Empty(t, c.RoomID())

	transport.deliver(t, roster("abc", "i1", 1, "me"))
	assert.Empty(t, received)
}

func TestDisconnectLeavesRoom(t *testing.T) {
	transport := newFakeTransport()
	n := make(notices, 4)
	c := NewClient(zaptest.NewLogger(t), transport, nil, n)

	var received []Roster
	c.OnRosterUpdate(func(r Roster) { received = append(received, r) })
	require.NoError(t, c.JoinRoom(context.Background(), "abc"))
	assert.ErrorIs(t, n.next(t), ErrGeolocationUnsupported)
	transport.ackJoin(t)

	transport.deliver(t, comms.SessionEvent{UserID: "me"})
	transport.deliver(t, roster("abc", "i1", 1, "me"))
	transport.deliver(t, comms.Message{Type: comms.TypeDisconnected})

	require.Len(t, received, 2)
	assert.Nil(t, received[1])
	assert.True(t, errors.Is(n.next(t), ErrDisconnected))
	assert.Empty(t, c.RoomID())
	assert.Empty(t, c.SelfID())

	require.NoError(t, c.ReportLocation(context.Background(), 1, 1))
	transport.assertNothingSent(t)
}

func TestMalformedErrorResponseIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	transport := newFakeTransport()
	c := NewClient(zap.New(core), transport, nil, nil)
	require.NoError(t, c.JoinRoom(context.Background(), "abc"))

	transport.deliver(t, comms.Message{Type: comms.TypeError, Contents: "not an object"})
	require.Equal(t, 1, logs.FilterMessage("Unable to parse error response").Len())
	assert.Zero(t, logs.FilterMessage("Server rejected a message").Len())

	transport.deliver(t, comms.ErrorResponse{Reason: "Unable to join room"})
	rejected := logs.FilterMessage("Server rejected a message").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, "Unable to join room", rejected[0].ContextMap()["reason"])
}
