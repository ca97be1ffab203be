package room

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var ErrInvalidRoomID = errors.New("invalid room id")

var roomPathPattern = regexp.MustCompile(`room/([^/]+)`)

// RoomIDFromPath extracts the room id from a path such as "/room/abc". The
// segment is URL-decoded; case and inner whitespace are kept as they are.
func RoomIDFromPath(path string) (string, error) {
	match := roomPathPattern.FindStringSubmatch(path)
	if match == nil {
		return "", ErrInvalidRoomID
	}
	id, err := url.PathUnescape(match[1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoomID, err)
	}
	if err := ValidateRoomID(id); err != nil {
		return "", err
	}
	return id, nil
}

// ValidateRoomID rejects empty and whitespace-only ids.
func ValidateRoomID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidRoomID
	}
	return nil
}

// ShareURL builds the link other members open to join roomID.
func ShareURL(origin, roomID string) string {
	return strings.TrimRight(origin, "/") + "/room/" + url.PathEscape(roomID)
}
