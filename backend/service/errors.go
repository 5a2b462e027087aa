package service

import (
	"errors"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/adwski/webrtc-broadcast/backend/storage/memory"
	_switch "github.com/adwski/webrtc-broadcast/backend/switch"
)

var errUnknownType = errors.New("unknown announcement type")

func errorCode(err error) model.ErrorCode {
	switch {
	case errors.Is(err, memory.ErrRoomNotFound):
		return model.CodeRoomNotFound
	case errors.Is(err, memory.ErrRoomExists), errors.Is(err, memory.ErrCodeExhausted):
		return model.CodeRoomExists
	case errors.Is(err, memory.ErrNoBroadcaster):
		return model.CodeNoBroadcaster
	case errors.Is(err, memory.ErrAlreadyMember):
		return model.CodeAlreadyMember
	case errors.Is(err, memory.ErrInvalidRoom):
		return model.CodeInvalidRoom
	case errors.Is(err, _switch.ErrPeerNotFound), errors.Is(err, _switch.ErrSenderNotMember):
		return model.CodePeerNotFound
	case errors.Is(err, _switch.ErrUnknownSignal), errors.Is(err, _switch.ErrNotRelayable), errors.Is(err, errUnknownType):
		return model.CodeInvalidSignal
	case errors.Is(err, _switch.ErrPayloadTooLarge):
		return model.CodePayloadTooLarge
	}
	return model.CodeUnknown
}
