package server

import (
	"sync"

	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/comms"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/metrics"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/room"
	"go.uber.org/zap"
)

// ConnectionStore maps member IDs to their live connections. It is the
// room.Notifier of the server: snapshots for a member are queued on that
// member's connection.
type ConnectionStore struct {
	log *zap.Logger

	mu    sync.RWMutex
	conns map[string]*comms.ConnectionWrapper
}

func NewConnectionStore(log *zap.Logger) *ConnectionStore {
	return &ConnectionStore{
		log:   log,
		conns: make(map[string]*comms.ConnectionWrapper),
	}
}

// Connect stores a new client connection.
func (s *ConnectionStore) Connect(conn *comms.ConnectionWrapper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ID] = conn
}

// Disconnect removes a client connection from the store.
func (s *ConnectionStore) Disconnect(conn *comms.ConnectionWrapper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[conn.ID] == conn {
		delete(s.conns, conn.ID)
	}
}

func (s *ConnectionStore) Get(id string) (*comms.ConnectionWrapper, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[id]
	return conn, ok
}

func (s *ConnectionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Notify queues a roster update for memberID. A connection that cannot take
// it is closed, which removes the member from its room.
func (s *ConnectionStore) Notify(memberID string, snapshot room.Snapshot) {
	conn, ok := s.Get(memberID)
	if !ok {
		return
	}
	if conn.Send(comms.ToMessage(toRosterUpdate(snapshot))) {
		return
	}

	select {
	case <-conn.Done():
		return
	default:
	}
	s.log.Warn("Dropping slow consumer",
		zap.String("member", memberID), zap.String("room", snapshot.RoomID))
	metrics.RecordSlowConsumer()
	conn.Close()
}

func toRosterUpdate(snapshot room.Snapshot) comms.RosterUpdate {
	members := make([]comms.MemberView, len(snapshot.Members))
	for i, m := range snapshot.Members {
		members[i] = comms.MemberView{
			UserID:      m.ID,
			Lat:         m.Lat,
			Lng:         m.Lng,
			Located:     m.Located,
			LastUpdated: m.LastUpdated,
		}
	}
	return comms.RosterUpdate{
		RoomID:   snapshot.RoomID,
		Instance: snapshot.Instance,
		Version:  snapshot.Version,
		Members:  members,
	}
}
