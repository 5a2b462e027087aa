package memory

import (
	"errors"
	"sync"

	"github.com/adwski/webrtc-broadcast/backend/model"
)

const (
	defaultCodeAttempts = 16
)

var (
	ErrRoomNotFound     = errors.New("room is not found")
	ErrRoomExists       = errors.New("room already exists")
	ErrNoBroadcaster    = errors.New("room has no broadcaster")
	ErrAlreadyMember    = errors.New("participant is a member of another room")
	ErrNotAMember       = errors.New("participant is not a member of any room")
	ErrInvalidRoom      = errors.New("invalid room id")
	ErrCodeExhausted    = errors.New("unable to generate unique room id")
	ErrEmptyParticipant = errors.New("participant id is empty")
)

type (
	// RegisterResult describes the side effects of a registration
	// that the caller must announce.
	RegisterResult struct {
		Room model.Room

		// Replaced is the previous broadcaster demoted by this registration.
		Replaced string
		// Claimed is true when the registration took a previously empty broadcaster slot.
		Claimed bool
		// SteppedDown is true when the broadcaster re-registered as a viewer.
		SteppedDown bool
		// Viewers are the room viewers affected by a broadcaster change.
		Viewers []string
	}

	DeregisterResult struct {
		RoomID         string
		WasBroadcaster bool
		Remaining      []string
		Destroyed      bool
	}

	Stats struct {
		Rooms        int `json:"rooms"`
		Participants int `json:"participants"`
		Broadcasting int `json:"broadcasting"`
	}

	// MemStore is the rendezvous registry. A single mutex covers rooms and
	// memberships so room teardown is atomic with respect to joins.
	MemStore struct {
		mx      *sync.Mutex
		db      map[string]*model.Room
		members map[string]string // participant -> room

		genCode func() (string, error)
	}
)

func NewMemStore() *MemStore {
	return &MemStore{
		mx:      &sync.Mutex{},
		db:      make(map[string]*model.Room),
		members: make(map[string]string),
		genCode: model.GenerateRoomCode,
	}
}

// CreateRoom registers p as the broadcaster of a new room. If roomID is empty
// a fresh code is generated, regenerating on collision.
func (ms *MemStore) CreateRoom(roomID string, p model.Participant) (*model.Room, error) {
	if p.ID == "" {
		return nil, ErrEmptyParticipant
	}
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if _, ok := ms.members[p.ID]; ok {
		return nil, ErrAlreadyMember
	}
	if roomID != "" {
		roomID = model.NormalizeRoomCode(roomID)
		if !model.ValidRoomCode(roomID) {
			return nil, ErrInvalidRoom
		}
		if _, ok := ms.db[roomID]; ok {
			return nil, ErrRoomExists
		}
	} else {
		var err error
		if roomID, err = ms.freeCode(); err != nil {
			return nil, err
		}
	}
	p.Role = model.RoleBroadcaster
	room := &model.Room{
		ID:           roomID,
		Broadcaster:  p.ID,
		Participants: map[string]model.Participant{p.ID: p},
	}
	ms.db[roomID] = room
	ms.members[p.ID] = roomID
	return copyRoom(room), nil
}

func (ms *MemStore) freeCode() (string, error) {
	for range defaultCodeAttempts {
		code, err := ms.genCode()
		if err != nil {
			return "", err
		}
		if _, ok := ms.db[code]; !ok {
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}

// Register adds p to the room, creating the room on first join.
func (ms *MemStore) Register(roomID string, p model.Participant) (*RegisterResult, error) {
	if p.ID == "" {
		return nil, ErrEmptyParticipant
	}
	roomID = model.NormalizeRoomCode(roomID)
	if !model.ValidRoomCode(roomID) {
		return nil, ErrInvalidRoom
	}
	if p.Role == "" {
		p.Role = model.RoleViewer
	}

	ms.mx.Lock()
	defer ms.mx.Unlock()

	if current, ok := ms.members[p.ID]; ok && current != roomID {
		return nil, ErrAlreadyMember
	}

	room, ok := ms.db[roomID]
	if !ok {
		room = &model.Room{
			ID:           roomID,
			Participants: make(map[string]model.Participant),
		}
		ms.db[roomID] = room
	}

	res := &RegisterResult{}
	switch {
	case p.Role == model.RoleBroadcaster && room.Broadcaster != p.ID:
		if prev := room.Broadcaster; prev != "" {
			demoted := room.Participants[prev]
			demoted.Role = model.RoleViewer
			room.Participants[prev] = demoted
			res.Replaced = prev
		} else {
			res.Claimed = true
		}
		room.Broadcaster = p.ID
	case p.Role == model.RoleViewer && room.Broadcaster == p.ID:
		room.Broadcaster = ""
		res.SteppedDown = true
	}

	room.Participants[p.ID] = p
	ms.members[p.ID] = roomID

	if res.Replaced != "" || res.Claimed || res.SteppedDown {
		for id := range room.Participants {
			if id != room.Broadcaster && id != res.Replaced && id != p.ID {
				res.Viewers = append(res.Viewers, id)
			}
		}
	}
	res.Room = *copyRoom(room)
	return res, nil
}

func (ms *MemStore) LookupBroadcaster(roomID string) (string, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[model.NormalizeRoomCode(roomID)]
	if !ok {
		return "", ErrRoomNotFound
	}
	if room.Broadcaster == "" {
		return "", ErrNoBroadcaster
	}
	return room.Broadcaster, nil
}

// Deregister removes the participant from its room and destroys the room once empty.
func (ms *MemStore) Deregister(participantID string) (*DeregisterResult, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok := ms.members[participantID]
	if !ok {
		return nil, ErrNotAMember
	}
	return ms.deregister(participantID, roomID)
}

func (ms *MemStore) deregister(participantID, roomID string) (*DeregisterResult, error) {
	delete(ms.members, participantID)
	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	delete(room.Participants, participantID)

	res := &DeregisterResult{RoomID: roomID}
	if room.Broadcaster == participantID {
		room.Broadcaster = ""
		res.WasBroadcaster = true
	}
	for id := range room.Participants {
		res.Remaining = append(res.Remaining, id)
	}
	if len(room.Participants) == 0 {
		delete(ms.db, roomID)
		res.Destroyed = true
	}
	return res, nil
}

func (ms *MemStore) IsMember(roomID, participantID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return ms.members[participantID] == model.NormalizeRoomCode(roomID)
}

// RoomOf returns the room the participant is a member of.
func (ms *MemStore) RoomOf(participantID string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID, ok := ms.members[participantID]
	return roomID, ok
}

func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[model.NormalizeRoomCode(roomID)]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return copyRoom(room), nil
}

func (ms *MemStore) Stats() Stats {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	st := Stats{Rooms: len(ms.db), Participants: len(ms.members)}
	for _, room := range ms.db {
		if room.Broadcaster != "" {
			st.Broadcasting++
		}
	}
	return st
}

func copyRoom(room *model.Room) *model.Room {
	cp := &model.Room{
		ID:           room.ID,
		Broadcaster:  room.Broadcaster,
		Participants: make(map[string]model.Participant, len(room.Participants)),
	}
	for id, p := range room.Participants {
		cp.Participants[id] = p
	}
	return cp
}
