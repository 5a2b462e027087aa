package _switch

import (
	"context"
	"errors"
	"fmt"

	"github.com/adwski/webrtc-broadcast/backend/model"
)

var (
	ErrUnknownSignal   = errors.New("unknown signal type")
	ErrPayloadTooLarge = errors.New("signal payload is too large")
	ErrPeerNotFound    = errors.New("peer is not found in room")
	ErrNotRelayable    = errors.New("announcement type cannot be relayed")
	ErrSenderNotMember = errors.New("sender is not a member of the room")
)

func validSignal(kind string) bool {
	switch kind {
	case model.SignalOffer, model.SignalAnswer, model.SignalICECandidate:
		return true
	}
	return false
}

// Relay routes a participant's envelope within its room. Addressed envelopes go only to
// a current member of the room; unaddressed ones go to the room's broadcaster.
// Delivery is at-most-once.
func (sw *Switch) Relay(ctx context.Context, ann model.Announcement) error {
	switch ann.Type {
	case model.AnnouncementTypeSignal:
		if !validSignal(ann.Signal) {
			return fmt.Errorf("%w: %q", ErrUnknownSignal, ann.Signal)
		}
	case model.AnnouncementTypeSessionFailed:
		if ann.DST == "" {
			return ErrPeerNotFound
		}
	default:
		return ErrNotRelayable
	}
	if len(ann.Payload) > sw.maxPayload {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(ann.Payload), sw.maxPayload)
	}
	if !sw.registry.IsMember(ann.Room, ann.SRC) {
		return ErrSenderNotMember
	}

	if ann.DST == "" {
		dst, err := sw.registry.LookupBroadcaster(ann.Room)
		if err != nil {
			return err
		}
		ann.DST = dst
	} else if !sw.registry.IsMember(ann.Room, ann.DST) {
		return ErrPeerNotFound
	}
	if ann.DST == ann.SRC {
		return ErrPeerNotFound
	}

	if err := sw.Deliver(ctx, ann); err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			return errors.Join(ErrPeerNotFound, err)
		}
		return err
	}
	return nil
}
