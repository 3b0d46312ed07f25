package broker

import (
	"errors"
	"time"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

var (
	ErrSameMember    = errors.New("room members must be distinct")
	ErrAlreadyRoomed = errors.New("identity already belongs to a room")
)

// Room binds exactly two identities for one chat/call session.
type Room struct {
	ID        string
	Members   [2]string
	Mode      models.Mode
	CreatedAt time.Time
}

// Partner returns the other member, or "" when identity is not a member.
func (r *Room) Partner(identity string) string {
	switch identity {
	case r.Members[0]:
		return r.Members[1]
	case r.Members[1]:
		return r.Members[0]
	}
	return ""
}

func (r *Room) Metadata() models.RoomMetadata {
	return models.RoomMetadata{ID: r.ID, TextOnly: r.Mode.TextOnly(), CreatedAt: r.CreatedAt}
}

// Registry maps rooms to members and members back to their room. Both maps
// change together. Not safe for concurrent use.
type Registry struct {
	rooms    map[string]*Room
	byMember map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		byMember: make(map[string]string),
	}
}

func (r *Registry) Create(roomID, a, b string, mode models.Mode, now time.Time) (*Room, error) {
	if a == b {
		return nil, ErrSameMember
	}
	if _, ok := r.byMember[a]; ok {
		return nil, ErrAlreadyRoomed
	}
	if _, ok := r.byMember[b]; ok {
		return nil, ErrAlreadyRoomed
	}
	room := &Room{ID: roomID, Members: [2]string{a, b}, Mode: mode, CreatedAt: now}
	r.rooms[roomID] = room
	r.byMember[a] = roomID
	r.byMember[b] = roomID
	return room, nil
}

// RoomOf returns the room identity belongs to.
func (r *Registry) RoomOf(identity string) (*Room, bool) {
	roomID, ok := r.byMember[identity]
	if !ok {
		return nil, false
	}
	room, ok := r.rooms[roomID]
	return room, ok
}

func (r *Registry) Get(roomID string) (*Room, bool) {
	room, ok := r.rooms[roomID]
	return room, ok
}

// Remove deletes the room and both member references.
func (r *Registry) Remove(roomID string) (*Room, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	delete(r.rooms, roomID)
	for _, m := range room.Members {
		if r.byMember[m] == roomID {
			delete(r.byMember, m)
		}
	}
	return room, true
}

func (r *Registry) Len() int { return len(r.rooms) }
