package model

import (
	"errors"
	"fmt"
)

// ErrorCode identifies an error kind on the wire.
type ErrorCode string

const (
	CodeRoomNotFound        ErrorCode = "room_not_found"
	CodeRoomExists          ErrorCode = "room_exists"
	CodeNoBroadcaster       ErrorCode = "no_broadcaster"
	CodePeerNotFound        ErrorCode = "peer_not_found"
	CodeAlreadyMember       ErrorCode = "already_member"
	CodeInvalidRoom         ErrorCode = "invalid_room"
	CodeInvalidSignal       ErrorCode = "invalid_signal"
	CodePayloadTooLarge     ErrorCode = "payload_too_large"
	CodeDescriptionRejected ErrorCode = "description_rejected"
	CodeConnectivityFailed  ErrorCode = "connectivity_failed"
	CodePermissionDenied    ErrorCode = "permission_denied"
	CodeTimeout             ErrorCode = "timeout"
	CodeUnknown             ErrorCode = "unknown"
)

// RemoteError is an error reported by the other end of the signaling channel.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches remote errors by code, so errors.Is(err, &RemoteError{Code: CodeRoomExists})
// works regardless of the message.
func (e *RemoteError) Is(target error) bool {
	var re *RemoteError
	if !errors.As(target, &re) {
		return false
	}
	return re.Code == e.Code
}

func ErrFromCode(code ErrorCode, msg string) error {
	if code == "" {
		code = CodeUnknown
	}
	return &RemoteError{Code: code, Message: msg}
}
