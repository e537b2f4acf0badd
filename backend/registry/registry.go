// Package registry holds the authoritative room membership table.
// Rooms are created on first join and deleted as soon as the last
// member leaves; nothing survives a server restart.
package registry

import (
	"sync"

	"github.com/adwski/webrtc-rendezvous/backend/model"
)

type room struct {
	id        string
	publisher string
	receivers map[string]struct{}
}

func (r *room) empty() bool {
	return r.publisher == "" && len(r.receivers) == 0
}

// RoomInfo is a read-only snapshot of a room's membership.
type RoomInfo struct {
	ID        string   `json:"room_id"`
	Publisher string   `json:"publisher,omitempty"`
	Receivers []string `json:"receivers,omitempty"`
}

// JoinResult describes the outcome of a join.
type JoinResult struct {
	HasPublisher bool   // a publisher exists for the room after this join
	Changed      bool   // room composition actually changed
	Displaced    string // previous publisher endpoint, if this join took over the role
}

// LeaveResult describes the outcome of a leave.
type LeaveResult struct {
	RoomID      string
	Role        string
	Left        bool // endpoint was actually a member somewhere
	RoomDeleted bool
}

type membership struct {
	roomID string
	role   string
}

// Registry maps room IDs to membership. Mutations come only from the
// rendezvous service loop; the mutex exists for the read-only snapshot
// path used by the inspection API.
type Registry struct {
	mx      *sync.Mutex
	rooms   map[string]*room
	members map[string]membership
}

func New() *Registry {
	return &Registry{
		mx:      &sync.Mutex{},
		rooms:   make(map[string]*room),
		members: make(map[string]membership),
	}
}

// Join registers the endpoint in the room under the given role.
// A publisher join is last-writer-wins: a previous publisher reference is
// replaced without any eviction notice to its holder. The room/role pair is
// fixed for the lifetime of the connection: a rejoin with the same pair is a
// no-op on the set, a join naming a different room or role is rejected and
// changes nothing.
func (reg *Registry) Join(endpointID, roomID, role string) JoinResult {
	reg.mx.Lock()
	defer reg.mx.Unlock()

	if m, ok := reg.members[endpointID]; ok {
		rm := reg.rooms[m.roomID]
		return JoinResult{HasPublisher: rm.publisher != ""}
	}

	rm, ok := reg.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, receivers: make(map[string]struct{})}
		reg.rooms[roomID] = rm
	}

	var res JoinResult
	switch role {
	case model.RolePublisher:
		res.Displaced = rm.publisher
		rm.publisher = endpointID
	default:
		rm.receivers[endpointID] = struct{}{}
	}
	res.Changed = true
	res.HasPublisher = rm.publisher != ""

	if res.Displaced != "" {
		delete(reg.members, res.Displaced)
	}
	reg.members[endpointID] = membership{roomID: roomID, role: role}
	return res
}

// Leave removes the endpoint from whichever room and role it held and
// deletes the room if it is now empty. No-op for unknown endpoints.
func (reg *Registry) Leave(endpointID string) LeaveResult {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	return reg.leaveLocked(endpointID)
}

func (reg *Registry) leaveLocked(endpointID string) LeaveResult {
	m, ok := reg.members[endpointID]
	if !ok {
		return LeaveResult{}
	}
	delete(reg.members, endpointID)

	res := LeaveResult{RoomID: m.roomID, Role: m.role, Left: true}
	rm, ok := reg.rooms[m.roomID]
	if !ok {
		return res
	}
	if m.role == model.RolePublisher {
		if rm.publisher == endpointID {
			rm.publisher = ""
		}
	} else {
		delete(rm.receivers, endpointID)
	}
	if rm.empty() {
		delete(reg.rooms, m.roomID)
		res.RoomDeleted = true
	}
	return res
}

// HasPublisher reports whether the room currently has a publisher.
func (reg *Registry) HasPublisher(roomID string) bool {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	rm, ok := reg.rooms[roomID]
	return ok && rm.publisher != ""
}

// Room returns a membership snapshot, or false if the room does not exist.
func (reg *Registry) Room(roomID string) (RoomInfo, bool) {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	rm, ok := reg.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	info := RoomInfo{ID: rm.id, Publisher: rm.publisher}
	for id := range rm.receivers {
		info.Receivers = append(info.Receivers, id)
	}
	return info, true
}

// Rooms returns the IDs of all live rooms.
func (reg *Registry) Rooms() []string {
	reg.mx.Lock()
	defer reg.mx.Unlock()
	ids := make([]string, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	return ids
}
