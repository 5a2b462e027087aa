package model

import "encoding/json"

type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleViewer      Role = "viewer"
)

type Room struct {
	ID           string                 `json:"room_id"`
	Broadcaster  string                 `json:"broadcaster,omitempty"`
	Participants map[string]Participant `json:"participants"`
}

type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Inbound announcement types sent by participants.
const (
	AnnouncementTypeCreateRoom     = "create_room"
	AnnouncementTypeJoin           = "join"
	AnnouncementTypeLeave          = "leave"
	AnnouncementTypeGetBroadcaster = "get_broadcaster"
	AnnouncementTypeStartBroadcast = "start_broadcast"
	AnnouncementTypeSignal         = "signal"
	AnnouncementTypeSessionFailed  = "session_failed"
)

// Announcement types that sent by server.
const (
	AnnouncementTypeWelcome             = "welcome"
	AnnouncementTypeRoomCreated         = "room_created"
	AnnouncementTypeRoomJoined          = "room_joined"
	AnnouncementTypeJoined              = "joined"
	AnnouncementTypeLeft                = "left"
	AnnouncementTypeBroadcasterID       = "broadcaster_id"
	AnnouncementTypeBroadcasterReplaced = "broadcaster_replaced"
	AnnouncementTypeBroadcasterLeft     = "broadcaster_left"
	AnnouncementTypeBroadcasterReady    = "broadcaster_ready"
	AnnouncementTypeError               = "error"
)

// Signal kinds carried by AnnouncementTypeSignal.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

type Announcement struct {
	DST           string          `json:"dst,omitempty"`
	SRC           string          `json:"src,omitempty"` // for inbound messages server re-assigns this based on websocket session
	Type          string          `json:"type"`
	Room          string          `json:"room,omitempty"`
	Username      string          `json:"username,omitempty"`
	Signal        string          `json:"signal,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	BroadcasterID string          `json:"broadcasterId,omitempty"`
	Code          ErrorCode       `json:"code,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Err resolves the error carried by an error or session_failed announcement.
func (a Announcement) Err() error {
	if a.Code == "" && a.Error == "" {
		return nil
	}
	return ErrFromCode(a.Code, a.Error)
}

type Wire struct {
	RX chan Announcement
	TX chan Announcement
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Announcement),
		TX: make(chan Announcement),
	}
}
