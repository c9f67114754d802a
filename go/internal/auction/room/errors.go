package room

import (
	"errors"
	"fmt"
)

// ErrRoomClosed is returned when a command reaches a room whose goroutine has exited.
var ErrRoomClosed = errors.New("auction room is not running")

// JoinCode identifies why a join was refused.
type JoinCode string

const (
	JoinNotStarted   JoinCode = "NotStarted"
	JoinAlreadyEnded JoinCode = "AlreadyEnded"
	JoinNotFound     JoinCode = "NotFound"
	JoinRoomFull     JoinCode = "RoomFull"
)

// JoinError is returned to the joining connection only.
type JoinError struct {
	Code JoinCode
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join refused: %s", e.Code)
}

// NewJoinError is a convenience for callers outside the room (registry lookups).
func NewJoinError(code JoinCode) error {
	return &JoinError{Code: code}
}
