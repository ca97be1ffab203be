package presence

import (
	"time"

	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/comms"
)

// Member is the client's read-only copy of a room member.
type Member struct {
	ID          string
	Lat         float64
	Lng         float64
	Located     bool
	LastUpdated time.Time
	IsMe        bool
}

// Roster is the full member list of the joined room, as last broadcast.
type Roster []Member

// Find returns the member with the given id.
func (r Roster) Find(id string) (Member, bool) {
	for _, m := range r {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Self returns the member marked IsMe.
func (r Roster) Self() (Member, bool) {
	for _, m := range r {
		if m.IsMe {
			return m, true
		}
	}
	return Member{}, false
}

// WithSelf returns a copy of the roster with IsMe set on selfID only.
func (r Roster) WithSelf(selfID string) Roster {
	if r == nil {
		return nil
	}
	out := make(Roster, len(r))
	for i, m := range r {
		m.IsMe = selfID != "" && m.ID == selfID
		out[i] = m
	}
	return out
}

func rosterFromUpdate(update comms.RosterUpdate) Roster {
	roster := make(Roster, len(update.Members))
	for i, m := range update.Members {
		roster[i] = Member{
			ID:          m.UserID,
			Lat:         m.Lat,
			Lng:         m.Lng,
			Located:     m.Located,
			LastUpdated: m.LastUpdated,
		}
	}
	return roster
}
