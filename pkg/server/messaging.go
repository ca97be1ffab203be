package server

import (
	"errors"
	"fmt"

	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/comms"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/room"
	"go.uber.org/zap"
)

// handleRequest applies one message from a client to the registry.
// Membership errors are logged and swallowed; malformed requests get an
// error reply.
func (s *Server) handleRequest(req comms.Request) {
	conn := req.Conn

	switch req.Message.Type {
	case comms.TypeJoin:
		var contents comms.JoinRequest
		if err := req.Message.Decode(&contents); err != nil {
			s.replyError(conn, "Unable to parse join", err)
			return
		}
		if err := room.ValidateRoomID(contents.RoomID); err != nil {
			s.replyError(conn, "Unable to join room", err)
			return
		}
		// The ack is queued before Join queues any roster of the new
		// membership, so rosters of this room that follow it are current.
		conn.Send(comms.ToMessage(comms.Joined{RoomID: contents.RoomID, Seq: contents.Seq}))
		if _, err := s.registry.Join(contents.RoomID, conn.ID); err != nil {
			s.replyError(conn, "Unable to join room", err)
		}

	case comms.TypeLocationUpdate:
		var contents comms.LocationUpdate
		if err := req.Message.Decode(&contents); err != nil {
			s.replyError(conn, "Unable to parse locationUpdate", err)
			return
		}
		_, err := s.registry.UpdateLocation(conn.ID, contents.Lat, contents.Lng)
		switch {
		case errors.Is(err, room.ErrMemberNotFound):
			s.log.Debug("Location update outside a room ignored", zap.String("member", conn.ID))
		case err != nil:
			s.replyError(conn, "Invalid location", err)
		}

	default:
		s.replyError(conn, fmt.Sprintf("%s is an invalid message type", req.Message.Type), nil)
	}
}

func (s *Server) replyError(conn *comms.ConnectionWrapper, reason string, err error) {
	if err != nil {
		reason = fmt.Sprintf("%s: %s", reason, err)
	}
	s.log.Debug("Rejected client message", zap.String("member", conn.ID), zap.String("reason", reason))
	conn.Send(comms.ToMessage(comms.ErrorResponse{Reason: reason}))
}
