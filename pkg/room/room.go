package room

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// Member is a connection joined to a room, with its last reported position.
type Member struct {
	ID          string
	Lat         float64
	Lng         float64
	Located     bool // false until the first location update
	LastUpdated time.Time
}

// Snapshot is the full member set of a room at one version. Members are
// sorted by ID.
type Snapshot struct {
	RoomID   string
	Instance string
	Version  uint64
	Members  []Member
}

// Member returns the member with the given id, if present.
func (s Snapshot) Member(id string) (Member, bool) {
	i, ok := slices.BinarySearchFunc(s.Members, id, func(m Member, id string) int {
		return strings.Compare(m.ID, id)
	})
	if !ok {
		return Member{}, false
	}
	return s.Members[i], true
}

// MemberIDs lists the ids of all members in the snapshot.
func (s Snapshot) MemberIDs() []string {
	ids := make([]string, len(s.Members))
	for i, m := range s.Members {
		ids[i] = m.ID
	}
	return ids
}

// Room holds the members of one room for the lifetime of a single instance.
// A room removed from the registry is never reused; joining the same id
// again creates a new instance.
type Room struct {
	ID       string
	Instance string

	mu      sync.Mutex
	version uint64
	members map[string]*Member
}

func newRoom(id string) *Room {
	return &Room{
		ID:       id,
		Instance: uuid.NewString(),
		members:  make(map[string]*Member),
	}
}

// snapshotLocked copies the current member set. The caller holds r.mu.
func (r *Room) snapshotLocked() Snapshot {
	members := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, *m)
	}
	slices.SortFunc(members, func(a, b Member) int {
		return strings.Compare(a.ID, b.ID)
	})
	return Snapshot{
		RoomID:   r.ID,
		Instance: r.Instance,
		Version:  r.version,
		Members:  members,
	}
}
