package negotiation

import (
	"errors"

	"github.com/adwski/webrtc-broadcast/backend/model"
)

var codeErrors = map[model.ErrorCode]error{
	model.CodeDescriptionRejected: ErrDescriptionRejected,
	model.CodeConnectivityFailed:  ErrConnectivityFailed,
	model.CodeTimeout:             ErrTimeout,
}

// ErrorCode maps a session failure to its wire code.
func ErrorCode(err error) model.ErrorCode {
	for code, target := range codeErrors {
		if errors.Is(err, target) {
			return code
		}
	}
	return model.CodeUnknown
}

// ErrorFromCode maps a remote failure notice back to the local sentinel
// so errors.Is works on both sides of the channel.
func ErrorFromCode(code model.ErrorCode, msg string) error {
	remote := model.ErrFromCode(code, msg)
	if target, ok := codeErrors[code]; ok {
		return errors.Join(target, remote)
	}
	return remote
}
