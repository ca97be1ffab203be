package room

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/metrics"
	"go.uber.org/zap"
)

var (
	ErrMemberNotFound    = errors.New("member is not in a room")
	ErrInvalidMemberID   = errors.New("invalid member id")
	ErrInvalidCoordinate = errors.New("invalid coordinate")
)

// Notifier delivers a snapshot to one member. Notify is called while the
// room's lock is held, so it must not block and must not call back into the
// Registry.
type Notifier interface {
	Notify(memberID string, snapshot Snapshot)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(memberID string, snapshot Snapshot)

func (f NotifierFunc) Notify(memberID string, snapshot Snapshot) { f(memberID, snapshot) }

// Registry tracks which members are in which room and fans every change out
// to the members of the affected room.
//
// Joins and leaves are serialized by the registry lock. Each room has its own
// lock guarding its member set, so location updates in different rooms do not
// contend. Snapshots of a room are produced and handed to the Notifier under
// that room's lock, which keeps each member's stream of snapshots in version
// order.
type Registry struct {
	log      *zap.Logger
	notifier Notifier
	now      func() time.Time

	mu          sync.Mutex
	rooms       map[string]*Room
	memberships map[string]*Room // member ID -> current room
}

func NewRegistry(log *zap.Logger, notifier Notifier) *Registry {
	return &Registry{
		log:         log,
		notifier:    notifier,
		now:         time.Now,
		rooms:       make(map[string]*Room),
		memberships: make(map[string]*Room),
	}
}

// Join adds memberID to roomID, creating the room if needed. A member already
// in another room leaves it first. Joining the room the member is already in
// changes nothing; the current snapshot is re-sent to that member alone.
func (r *Registry) Join(roomID, memberID string) (Snapshot, error) {
	if err := ValidateRoomID(roomID); err != nil {
		return Snapshot{}, err
	}
	if memberID == "" {
		return Snapshot{}, ErrInvalidMemberID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.memberships[memberID]; ok {
		if prev.ID == roomID {
			// The version is unchanged. Clients only take it because they
			// reset version tracking on the Joined ack of a new join.
			prev.mu.Lock()
			defer prev.mu.Unlock()
			snapshot := prev.snapshotLocked()
			r.notifier.Notify(memberID, snapshot)
			r.log.Debug("Duplicate join ignored",
				zap.String("room", roomID), zap.String("member", memberID))
			return snapshot, nil
		}
		r.removeLocked(memberID, prev)
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = newRoom(roomID)
		r.rooms[roomID] = room
		r.log.Info("Room created",
			zap.String("room", roomID), zap.String("instance", room.Instance))
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	room.members[memberID] = &Member{ID: memberID}
	r.memberships[memberID] = room
	room.version++
	snapshot := room.snapshotLocked()
	r.broadcastLocked(snapshot)
	r.recordStatsLocked()

	r.log.Info("Member joined",
		zap.String("room", roomID),
		zap.String("member", memberID),
		zap.Int("members", len(room.members)))
	return snapshot, nil
}

// UpdateLocation stores a new position for memberID and broadcasts the
// room's snapshot. It returns ErrMemberNotFound when the member is in no
// room.
func (r *Registry) UpdateLocation(memberID string, lat, lng float64) (Snapshot, error) {
	if !validCoordinate(lat, lng) {
		metrics.RecordLocationUpdate(metrics.LocationInvalid)
		return Snapshot{}, ErrInvalidCoordinate
	}

	r.mu.Lock()
	room, ok := r.memberships[memberID]
	r.mu.Unlock()
	if !ok {
		metrics.RecordLocationUpdate(metrics.LocationIgnored)
		return Snapshot{}, ErrMemberNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	// The member may have left or moved since the lookup.
	member, ok := room.members[memberID]
	if !ok {
		metrics.RecordLocationUpdate(metrics.LocationIgnored)
		return Snapshot{}, ErrMemberNotFound
	}
	member.Lat = lat
	member.Lng = lng
	member.Located = true
	member.LastUpdated = r.now()
	room.version++
	snapshot := room.snapshotLocked()
	r.broadcastLocked(snapshot)
	metrics.RecordLocationUpdate(metrics.LocationAccepted)
	return snapshot, nil
}

// Leave removes memberID from its room. It returns the remaining snapshot,
// or false when the member was unknown or the room is now empty and has been
// deleted.
func (r *Registry) Leave(memberID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.memberships[memberID]
	if !ok {
		r.log.Debug("Leave for unknown member ignored", zap.String("member", memberID))
		return Snapshot{}, false
	}
	return r.removeLocked(memberID, room)
}

// Snapshot returns the current snapshot of roomID.
func (r *Registry) Snapshot(roomID string) (Snapshot, bool) {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.members) == 0 {
		return Snapshot{}, false
	}
	return room.snapshotLocked(), true
}

// RoomOf returns the id of the room memberID is in.
func (r *Registry) RoomOf(memberID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.memberships[memberID]
	if !ok {
		return "", false
	}
	return room.ID, true
}

// Stats returns the number of live rooms and joined members.
func (r *Registry) Stats() (rooms, members int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms), len(r.memberships)
}

// removeLocked takes memberID out of room. The caller holds r.mu.
func (r *Registry) removeLocked(memberID string, room *Room) (Snapshot, bool) {
	room.mu.Lock()
	defer room.mu.Unlock()

	delete(room.members, memberID)
	delete(r.memberships, memberID)
	defer r.recordStatsLocked()

	if len(room.members) == 0 {
		delete(r.rooms, room.ID)
		r.log.Info("Room closed",
			zap.String("room", room.ID), zap.String("member", memberID))
		return Snapshot{}, false
	}

	room.version++
	snapshot := room.snapshotLocked()
	r.broadcastLocked(snapshot)
	r.log.Info("Member left",
		zap.String("room", room.ID),
		zap.String("member", memberID),
		zap.Int("members", len(room.members)))
	return snapshot, true
}

// broadcastLocked hands snapshot to every member in it. The caller holds the
// room's lock.
func (r *Registry) broadcastLocked(snapshot Snapshot) {
	for _, m := range snapshot.Members {
		r.notifier.Notify(m.ID, snapshot)
	}
	metrics.RecordRosterDeliveries(len(snapshot.Members))
}

func (r *Registry) recordStatsLocked() {
	metrics.SetRoomStats(len(r.rooms), len(r.memberships))
}

func validCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
