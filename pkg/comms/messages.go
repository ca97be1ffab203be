package comms

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// ErrMissingContents is returned when decoding a message that has no
// contents.
var ErrMissingContents = errors.New("message has no contents")

// Message is the envelope sent in both directions across a socket.
type Message struct {
	Type     string      `json:"type"`
	Contents interface{} `json:"contents"`
}

// Typed is implemented by message contents whose wire type differs from
// their Go type name.
type Typed interface {
	MessageType() string
}

// ToMessage wraps contents into a Message, naming it after its type.
func ToMessage(contents interface{}) Message {
	if t, ok := contents.(Typed); ok {
		return Message{Type: t.MessageType(), Contents: contents}
	}
	name := reflect.TypeOf(contents).Name()
	return Message{
		Type:     strings.ToLower(name[:1]) + name[1:],
		Contents: contents,
	}
}

// Decode decodes the Contents of a received message into out, which must be
// a pointer to one of the message structs.
// Every field of out must be present in the contents.
func (m Message) Decode(out interface{}) error {
	if m.Contents == nil {
		return ErrMissingContents
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnset:       true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(m.Contents)
}

// Message types carried by the envelope.
const (
	TypeJoin           = "join"
	TypeJoined         = "joined"
	TypeLocationUpdate = "locationUpdate"
	TypeRosterUpdate   = "rosterUpdate"
	TypeSession        = "session"
	TypeError          = "error"
)

// JoinRequest asks the server to move the connection into a room. Seq is
// chosen by the client and echoed back in Joined.
type JoinRequest struct {
	RoomID string `json:"roomId"`
	Seq    uint64 `json:"seq"`
}

func (JoinRequest) MessageType() string { return TypeJoin }

// Joined acknowledges a JoinRequest. It is queued before any roster of the
// new membership, so rosters for RoomID that arrive after it belong to the
// join with the same Seq.
type Joined struct {
	RoomID string `json:"roomId"`
	Seq    uint64 `json:"seq"`
}

func (Joined) MessageType() string { return TypeJoined }

// LocationUpdate reports the sender's current position.
type LocationUpdate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (LocationUpdate) MessageType() string { return TypeLocationUpdate }

// SessionEvent tells a freshly connected client its own member id.
type SessionEvent struct {
	UserID string `json:"userId"`
}

func (SessionEvent) MessageType() string { return TypeSession }

// ErrorResponse is returned to a client that sent something the server
// could not handle.
type ErrorResponse struct {
	Reason string `json:"reason"`
}

func (ErrorResponse) MessageType() string { return TypeError }

// MemberView is a room member as seen by clients.
type MemberView struct {
	UserID      string    `json:"userId"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Located     bool      `json:"located"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// RosterUpdate carries the full member list of a room. It replaces, never
// merges with, whatever the client held before.
type RosterUpdate struct {
	RoomID   string       `json:"roomId"`
	Instance string       `json:"instance"`
	Version  uint64       `json:"version"`
	Members  []MemberView `json:"members"`
}

func (RosterUpdate) MessageType() string { return TypeRosterUpdate }
