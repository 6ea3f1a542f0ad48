package memory

import (
	"maps"
	"sync"

	"github.com/adwski/syncparty/backend/model"
)

type room struct {
	model.Room

	// order keeps client ids in insertion order, members holds the same ids.
	order   []string
	members map[string]model.Participant

	// bcast serializes broadcast passes over this room.
	bcast sync.Mutex
}

type binding struct {
	roomID   string
	clientID string
}

// MemStore is the single owner of live rooms and of the connection index.
// Every mutation of a room's membership and of the index happens under one lock,
// so the index is always the exact inverse of all rooms' members.
type MemStore struct {
	mx    *sync.RWMutex
	db    map[string]*room
	conns map[string]binding
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:    &sync.RWMutex{},
		db:    make(map[string]*room),
		conns: make(map[string]binding),
	}
}

// CreateRoom registers a new room with a paused state at startPos.
// An existing room with the same id is replaced; its participants are
// unbound and returned so the caller can notify them.
func (ms *MemStore) CreateRoom(
	roomID, hostID, mediaURL string,
	options map[string]any,
	startPos float64,
) (model.Room, []model.Participant) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, orphaned := ms.createRoom(roomID, hostID, mediaURL, options, startPos)
	return r.view(), orphaned
}

// CreateRoomWithHost creates the room like CreateRoom and binds host to it as
// hostID in the same step. The returned snapshot is taken before anyone else
// can replace the room or join it.
func (ms *MemStore) CreateRoomWithHost(
	roomID, hostID, hostName, mediaURL string,
	options map[string]any,
	startPos float64,
	host model.Conn,
) (model.RoomStatePayload, []model.Participant) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.unbind(host.ID())
	r, orphaned := ms.createRoom(roomID, hostID, mediaURL, options, startPos)
	ms.addParticipant(r, hostID, hostName, host)
	return model.RoomStatePayload{
		Room:                r.view(),
		ParticipantsPayload: r.participants(),
	}, orphaned
}

// RemoveRoom deletes the room and unbinds its participants. It is a no-op for unknown rooms.
func (ms *MemStore) RemoveRoom(roomID string) []model.Participant {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return nil
	}
	delete(ms.db, roomID)
	return ms.unbindAll(r)
}

// RemoveRoomIfEmpty deletes the room only if it has no participants.
func (ms *MemStore) RemoveRoomIfEmpty(roomID string) bool {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok || len(r.members) > 0 {
		return false
	}
	delete(ms.db, roomID)
	return true
}

func (ms *MemStore) GetRoom(roomID string) (model.Room, error) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	r, ok := ms.db[roomID]
	if !ok {
		return model.Room{}, model.ErrRoomNotFound
	}
	return r.view(), nil
}

// AddParticipant binds conn to roomID under clientID.
// If conn was bound elsewhere it is unbound first. If another connection held clientID
// in this room, that participant is unbound and returned as displaced.
func (ms *MemStore) AddParticipant(
	roomID, clientID, name string,
	conn model.Conn,
) (*model.Participant, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return nil, model.ErrRoomNotFound
	}
	ms.unbind(conn.ID())
	return ms.addParticipant(r, clientID, name, conn), nil
}

// RemoveParticipant unbinds the connection. The returned room reflects the state
// after removal. ok is false if the connection is not bound to any room.
func (ms *MemStore) RemoveParticipant(connID string) (model.Room, model.Participant, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	b, ok := ms.conns[connID]
	if !ok {
		return model.Room{}, model.Participant{}, false
	}
	r, ok := ms.db[b.roomID]
	if !ok {
		delete(ms.conns, connID)
		return model.Room{}, model.Participant{}, false
	}
	p := r.members[b.clientID]
	ms.unbind(connID)
	return r.view(), p, true
}

// Binding returns the room and participant the connection is bound to.
func (ms *MemStore) Binding(connID string) (model.Room, model.Participant, bool) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	b, ok := ms.conns[connID]
	if !ok {
		return model.Room{}, model.Participant{}, false
	}
	r, ok := ms.db[b.roomID]
	if !ok {
		return model.Room{}, model.Participant{}, false
	}
	return r.view(), r.members[b.clientID], true
}

func (ms *MemStore) UpdateState(roomID string, state model.PlaybackState) (model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	r, ok := ms.db[roomID]
	if !ok {
		return model.Room{}, model.ErrRoomNotFound
	}
	r.State = state
	return r.view(), nil
}

func (ms *MemStore) SnapshotRoomState(roomID string) (model.RoomStatePayload, error) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	r, ok := ms.db[roomID]
	if !ok {
		return model.RoomStatePayload{}, model.ErrRoomNotFound
	}
	return model.RoomStatePayload{
		Room:                r.view(),
		ParticipantsPayload: r.participants(),
	}, nil
}

func (ms *MemStore) SnapshotParticipants(roomID string) (model.ParticipantsPayload, error) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	r, ok := ms.db[roomID]
	if !ok {
		return model.ParticipantsPayload{}, model.ErrRoomNotFound
	}
	return r.participants(), nil
}

// WithMembers runs fn over a snapshot of the room's participants in insertion order,
// skipping exclude. Passes over the same room never overlap. Membership changes made
// while fn runs are not visible to it.
func (ms *MemStore) WithMembers(roomID, exclude string, fn func([]model.Participant)) error {
	ms.mx.RLock()
	r, ok := ms.db[roomID]
	ms.mx.RUnlock()
	if !ok {
		return model.ErrRoomNotFound
	}

	r.bcast.Lock()
	defer r.bcast.Unlock()

	ms.mx.RLock()
	members := make([]model.Participant, 0, len(r.order))
	for _, clientID := range r.order {
		if clientID == exclude {
			continue
		}
		members = append(members, r.members[clientID])
	}
	ms.mx.RUnlock()

	fn(members)
	return nil
}

// Stats returns the number of live rooms and bound connections.
func (ms *MemStore) Stats() (rooms, conns int) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()
	return len(ms.db), len(ms.conns)
}

func (ms *MemStore) createRoom(
	roomID, hostID, mediaURL string,
	options map[string]any,
	startPos float64,
) (*room, []model.Participant) {
	var orphaned []model.Participant
	if prev, ok := ms.db[roomID]; ok {
		orphaned = ms.unbindAll(prev)
	}

	if options == nil {
		options = make(map[string]any)
	}
	r := &room{
		Room: model.Room{
			ID:       roomID,
			HostID:   hostID,
			MediaURL: mediaURL,
			Options:  options,
			State: model.PlaybackState{
				Position:  startPos,
				PlayState: model.PlayStatePaused,
			},
		},
		members: make(map[string]model.Participant),
	}
	ms.db[roomID] = r
	return r, orphaned
}

// addParticipant puts conn into r under clientID. Caller holds the write lock
// and has already unbound conn.
func (ms *MemStore) addParticipant(r *room, clientID, name string, conn model.Conn) (displaced *model.Participant) {
	if prev, ok := r.members[clientID]; ok {
		delete(ms.conns, prev.Conn.ID())
		displaced = &prev
	} else {
		r.order = append(r.order, clientID)
	}
	r.members[clientID] = model.Participant{
		ClientID: clientID,
		Name:     name,
		Conn:     conn,
	}
	ms.conns[conn.ID()] = binding{roomID: r.ID, clientID: clientID}
	return displaced
}

// unbind removes connID from the index and from its room. Caller holds the write lock.
func (ms *MemStore) unbind(connID string) {
	b, ok := ms.conns[connID]
	if !ok {
		return
	}
	delete(ms.conns, connID)
	r, ok := ms.db[b.roomID]
	if !ok {
		return
	}
	if p, ok := r.members[b.clientID]; !ok || p.Conn.ID() != connID {
		return
	}
	delete(r.members, b.clientID)
	for i, id := range r.order {
		if id == b.clientID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (ms *MemStore) unbindAll(r *room) []model.Participant {
	out := make([]model.Participant, 0, len(r.order))
	for _, clientID := range r.order {
		p := r.members[clientID]
		delete(ms.conns, p.Conn.ID())
		out = append(out, p)
	}
	r.order = nil
	r.members = make(map[string]model.Participant)
	return out
}

func (r *room) view() model.Room {
	v := r.Room
	v.Options = maps.Clone(r.Options)
	return v
}

func (r *room) participants() model.ParticipantsPayload {
	views := make([]model.ParticipantView, 0, len(r.order))
	for _, clientID := range r.order {
		p := r.members[clientID]
		views = append(views, model.ParticipantView{
			ClientID: p.ClientID,
			Name:     p.Name,
			IsHost:   r.IsHost(p.ClientID),
		})
	}
	return model.ParticipantsPayload{
		Participants: views,
		Count:        len(views),
	}
}
