package service

import (
	"context"
	"errors"

	"github.com/adwski/webrtc-broadcast/backend/model"
	"github.com/adwski/webrtc-broadcast/backend/storage/memory"
	_switch "github.com/adwski/webrtc-broadcast/backend/switch"
	"github.com/rs/zerolog"
)

var (
	ErrGet        = errors.New("unable to get room")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	RoomStore interface {
		CreateRoom(roomID string, p model.Participant) (*model.Room, error)
		Register(roomID string, p model.Participant) (*memory.RegisterResult, error)
		Deregister(participantID string) (*memory.DeregisterResult, error)
		LookupBroadcaster(roomID string) (string, error)
		GetRoom(roomID string) (*model.Room, error)
		RoomOf(participantID string) (string, bool)
		Stats() memory.Stats
	}

	Switch interface {
		Connect(ctx context.Context, endpoint string, wire model.Wire, handler _switch.Handler) error
		Disconnect(endpoint string) error
		Deliver(ctx context.Context, ann model.Announcement) error
		Broadcast(ctx context.Context, ann model.Announcement, endpoints []string) int
		Relay(ctx context.Context, ann model.Announcement) error
	}

	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}
}

// CreateSignalingSession attaches a freshly connected participant.
func (svc *Service) CreateSignalingSession(ctx context.Context, userID string, wire model.Wire) error {
	err := svc.sw.Connect(ctx, userID, wire, svc.handle)
	if err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Msg("signaling session connected")
	return nil
}

// DeleteSignalingSession removes the participant from its room and detaches its wire.
func (svc *Service) DeleteSignalingSession(ctx context.Context, userID string) error {
	svc.leave(ctx, userID)

	err := svc.sw.Disconnect(userID)
	if err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Msg("signaling session deleted")
	return nil
}

func (svc *Service) GetRoom(roomID string) (*model.Room, error) {
	room, err := svc.store.GetRoom(roomID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return room, nil
}

func (svc *Service) Stats() memory.Stats {
	return svc.store.Stats()
}

func (svc *Service) handle(ctx context.Context, ann model.Announcement) {
	logger := svc.logger.With().
		Str("type", ann.Type).
		Str("userID", ann.SRC).
		Str("roomID", ann.Room).
		Logger()

	var err error
	switch ann.Type {
	case model.AnnouncementTypeCreateRoom:
		err = svc.createRoom(ctx, ann)
	case model.AnnouncementTypeJoin:
		err = svc.join(ctx, ann, model.RoleViewer)
	case model.AnnouncementTypeStartBroadcast:
		err = svc.join(ctx, ann, model.RoleBroadcaster)
	case model.AnnouncementTypeLeave:
		svc.leave(ctx, ann.SRC)
	case model.AnnouncementTypeGetBroadcaster:
		err = svc.getBroadcaster(ctx, ann)
	case model.AnnouncementTypeSignal, model.AnnouncementTypeSessionFailed:
		if ann.Room == "" {
			ann.Room, _ = svc.store.RoomOf(ann.SRC)
		}
		err = svc.sw.Relay(ctx, ann)
	default:
		logger.Warn().Msg("unknown announcement type")
		err = errUnknownType
	}
	if err != nil {
		logger.Debug().Err(err).Msg("announcement failed")
		svc.replyError(ctx, ann, err)
	}
}

func (svc *Service) createRoom(ctx context.Context, ann model.Announcement) error {
	room, err := svc.store.CreateRoom(ann.Room, model.Participant{
		ID:   ann.SRC,
		Name: ann.Username,
		Role: model.RoleBroadcaster,
	})
	if err != nil {
		return err
	}
	svc.logger.Debug().
		Str("userID", ann.SRC).
		Str("roomID", room.ID).
		Msg("room created")
	return svc.sw.Deliver(ctx, model.Announcement{
		Type:          model.AnnouncementTypeRoomCreated,
		DST:           ann.SRC,
		Room:          room.ID,
		BroadcasterID: ann.SRC,
	})
}

func (svc *Service) join(ctx context.Context, ann model.Announcement, role model.Role) error {
	res, err := svc.store.Register(ann.Room, model.Participant{
		ID:   ann.SRC,
		Name: ann.Username,
		Role: role,
	})
	if err != nil {
		return err
	}
	roomID := res.Room.ID
	svc.logger.Debug().
		Str("userID", ann.SRC).
		Str("roomID", roomID).
		Str("role", string(role)).
		Msg("user joined room")

	if err = svc.sw.Deliver(ctx, model.Announcement{
		Type:          model.AnnouncementTypeRoomJoined,
		DST:           ann.SRC,
		Room:          roomID,
		BroadcasterID: res.Room.Broadcaster,
	}); err != nil {
		return err
	}

	svc.sw.Broadcast(ctx, model.Announcement{
		Type:     model.AnnouncementTypeJoined,
		SRC:      ann.SRC,
		Room:     roomID,
		Username: ann.Username,
	}, participantIDs(&res.Room))

	switch {
	case res.Replaced != "":
		svc.logger.Info().
			Str("roomID", roomID).
			Str("previous", res.Replaced).
			Str("broadcaster", ann.SRC).
			Msg("broadcaster replaced")
		notice := model.Announcement{
			Type:          model.AnnouncementTypeBroadcasterReplaced,
			Room:          roomID,
			BroadcasterID: ann.SRC,
		}
		svc.sw.Broadcast(ctx, notice, append(res.Viewers, res.Replaced))
	case res.Claimed:
		svc.sw.Broadcast(ctx, model.Announcement{
			Type:          model.AnnouncementTypeBroadcasterReady,
			Room:          roomID,
			BroadcasterID: ann.SRC,
		}, res.Viewers)
	case res.SteppedDown:
		svc.sw.Broadcast(ctx, model.Announcement{
			Type: model.AnnouncementTypeBroadcasterLeft,
			Room: roomID,
		}, res.Viewers)
	}
	return nil
}

func (svc *Service) leave(ctx context.Context, userID string) {
	res, err := svc.store.Deregister(userID)
	if err != nil {
		return
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", res.RoomID).
		Bool("destroyed", res.Destroyed).
		Msg("user left room")
	if res.Destroyed {
		return
	}

	svc.sw.Broadcast(ctx, model.Announcement{
		Type: model.AnnouncementTypeLeft,
		SRC:  userID,
		Room: res.RoomID,
	}, res.Remaining)
	if res.WasBroadcaster {
		svc.sw.Broadcast(ctx, model.Announcement{
			Type: model.AnnouncementTypeBroadcasterLeft,
			Room: res.RoomID,
		}, res.Remaining)
	}
}

func (svc *Service) getBroadcaster(ctx context.Context, ann model.Announcement) error {
	id, err := svc.store.LookupBroadcaster(ann.Room)
	if err != nil {
		return err
	}
	return svc.sw.Deliver(ctx, model.Announcement{
		Type:          model.AnnouncementTypeBroadcasterID,
		DST:           ann.SRC,
		Room:          model.NormalizeRoomCode(ann.Room),
		BroadcasterID: id,
	})
}

func (svc *Service) replyError(ctx context.Context, ann model.Announcement, err error) {
	reply := model.Announcement{
		Type:   model.AnnouncementTypeError,
		DST:    ann.SRC,
		Room:   ann.Room,
		Signal: ann.Signal,
		Code:   errorCode(err),
		Error:  err.Error(),
	}
	if dErr := svc.sw.Deliver(ctx, reply); dErr != nil {
		svc.logger.Debug().Err(dErr).Str("userID", ann.SRC).Msg("cannot report error")
	}
}

func participantIDs(room *model.Room) []string {
	ids := make([]string, 0, len(room.Participants))
	for id := range room.Participants {
		ids = append(ids, id)
	}
	return ids
}
