package service

import (
	"context"
	"errors"
	"time"

	"github.com/adwski/syncparty/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrJoin         = errors.New("unable to join room")
	ErrCreateInvite = errors.New("unable to create invite")
	ErrPlayback     = errors.New("unable to update playback")
)

type (
	RoomStore interface {
		CreateRoomWithHost(
			roomID, hostID, hostName, mediaURL string,
			options map[string]any,
			startPos float64,
			host model.Conn,
		) (model.RoomStatePayload, []model.Participant)
		RemoveRoomIfEmpty(roomID string) bool
		GetRoom(roomID string) (model.Room, error)
		AddParticipant(roomID, clientID, name string, conn model.Conn) (*model.Participant, error)
		RemoveParticipant(connID string) (model.Room, model.Participant, bool)
		Binding(connID string) (model.Room, model.Participant, bool)
		UpdateState(roomID string, state model.PlaybackState) (model.Room, error)
		SnapshotRoomState(roomID string) (model.RoomStatePayload, error)
		SnapshotParticipants(roomID string) (model.ParticipantsPayload, error)
		Stats() (rooms, conns int)
	}

	Switch interface {
		Broadcast(ctx context.Context, roomID string, msg model.Outbound, exclude string) model.PublishResult
	}

	Authorizer interface {
		Enabled() bool
		Authenticate(token string) (*model.Identity, error)
		AuthorizeCreateRoom(token string) (*model.Identity, error)
		AuthorizeCreateInvite(token string) (*model.Identity, error)
		AuthorizeJoin(roomID, authToken, inviteToken string) (*model.Identity, error)
		IssueInvite(roomID string, ttl time.Duration) (model.Invite, error)
	}

	Service struct {
		store  RoomStore
		sw     Switch
		auth   Authorizer
		now    func() time.Time
		logger zerolog.Logger

		removeEmptyRooms bool
	}

	Config struct {
		RoomStore  RoomStore
		Switch     Switch
		Authorizer Authorizer
		Logger     *zerolog.Logger
		Now        func() time.Time

		// RemoveEmptyRooms deletes a room when its last participant leaves.
		RemoveEmptyRooms bool
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		store:            cfg.RoomStore,
		sw:               cfg.Switch,
		auth:             cfg.Authorizer,
		now:              cfg.Now,
		logger:           cfg.Logger.With().Str("component", "service").Logger(),
		removeEmptyRooms: cfg.RemoveEmptyRooms,
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc
}

// Serve dispatches frames from the wire until ctx is done or RX is closed,
// then releases the connection's participant slot.
func (svc *Service) Serve(ctx context.Context, wire *model.Wire, sessionToken string) {
	logger := svc.logger.With().Str("connID", wire.ID()).Logger()
	logger.Debug().Msg("session started")

	defer func() {
		svc.Disconnect(ctx, wire)
		logger.Debug().Msg("session ended")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-wire.RX:
			if !ok {
				return
			}
			svc.Dispatch(ctx, wire, sessionToken, frame)
		}
	}
}

// Dispatch handles one inbound frame. Failures are reported to conn as an
// error envelope and never change the connection's state.
func (svc *Service) Dispatch(ctx context.Context, conn model.Conn, sessionToken string, frame []byte) {
	logger := svc.logger.With().Str("connID", conn.ID()).Logger()

	env, err := decodeEnvelope(frame)
	if err != nil {
		logger.Debug().Err(err).Msg("rejected frame")
		svc.replyError(ctx, conn, "", err)
		return
	}
	if e := logger.Trace(); e.Enabled() {
		e.Str("envelope", spew.Sdump(env)).Msg("inbound")
	}

	var handle func(context.Context, model.Conn, string, model.Envelope) error
	switch env.Type {
	case model.TypeCreateRoom:
		handle = svc.createRoom
	case model.TypeJoinRoom:
		handle = svc.joinRoom
	case model.TypeCreateInvite:
		handle = svc.createInvite
	case model.TypePlaybackUpdate:
		handle = svc.playbackUpdate
	case model.TypePlayerEvent:
		handle = svc.playerEvent
	case model.TypePing:
		handle = svc.ping
	default:
		svc.replyError(ctx, conn, env.Room, model.NewError(model.CodeUnknownType, "unknown message type '"+env.Type+"'"))
		return
	}

	if err = handle(ctx, conn, sessionToken, env); err != nil {
		logger.Debug().Err(err).
			Str("type", env.Type).
			Str("roomID", env.Room).
			Str("clientID", env.Client).
			Msg("request failed")
		svc.replyError(ctx, conn, env.Room, err)
	}
}

// Disconnect releases the participant slot held by conn, if any.
func (svc *Service) Disconnect(ctx context.Context, conn model.Conn) {
	svc.leave(context.WithoutCancel(ctx), conn)
}

// CreateInvite issues an invite for an existing room on behalf of the token holder.
func (svc *Service) CreateInvite(roomID, token string, ttl time.Duration) (model.Invite, error) {
	if _, err := svc.auth.AuthorizeCreateInvite(token); err != nil {
		return model.Invite{}, err
	}
	if _, err := svc.store.GetRoom(roomID); err != nil {
		return model.Invite{}, err
	}
	invite, err := svc.auth.IssueInvite(roomID, ttl)
	if err != nil {
		return model.Invite{}, errors.Join(ErrCreateInvite, err)
	}
	svc.logger.Debug().Str("roomID", roomID).Msg("invite issued")
	return invite, nil
}

func (svc *Service) Stats() model.Stats {
	rooms, conns := svc.store.Stats()
	return model.Stats{
		AuthEnabled: svc.auth.Enabled(),
		Rooms:       rooms,
		Connections: conns,
	}
}

func (svc *Service) createRoom(ctx context.Context, conn model.Conn, sessionToken string, env model.Envelope) error {
	var p createRoomPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if err := requireAddress(env); err != nil {
		return err
	}
	id, err := svc.auth.AuthorizeCreateRoom(tokenOr(p.AuthToken, sessionToken))
	if err != nil {
		return err
	}
	if p.Name == "" {
		p.Name = id.Username
	}

	svc.leave(ctx, conn)

	snap, orphaned := svc.store.CreateRoomWithHost(env.Room, env.Client, p.Name, p.MediaURL, p.Options, p.StartPos, conn)
	for _, o := range orphaned {
		svc.replyError(ctx, o.Conn, snap.ID, model.ErrRoomReplaced)
	}
	svc.logger.Debug().
		Str("roomID", snap.ID).
		Str("clientID", env.Client).
		Str("userID", id.UserID).
		Int("orphaned", len(orphaned)).
		Msg("room created")

	svc.reply(ctx, conn, model.Outbound{
		Type:    model.TypeRoomState,
		Room:    snap.ID,
		Payload: snap,
	})
	return nil
}

func (svc *Service) joinRoom(ctx context.Context, conn model.Conn, sessionToken string, env model.Envelope) error {
	var p joinRoomPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	if err := requireAddress(env); err != nil {
		return err
	}
	id, err := svc.auth.AuthorizeJoin(env.Room, tokenOr(p.AuthToken, sessionToken), p.InviteToken)
	if err != nil {
		return err
	}
	if _, err = svc.store.GetRoom(env.Room); err != nil {
		return err
	}
	if p.Name == "" {
		p.Name = id.Username
	}

	if cur, _, ok := svc.store.Binding(conn.ID()); ok && cur.ID != env.Room {
		svc.leave(ctx, conn)
	}

	displaced, err := svc.store.AddParticipant(env.Room, env.Client, p.Name, conn)
	if err != nil {
		return errors.Join(ErrJoin, err)
	}
	if displaced != nil && displaced.Conn.ID() != conn.ID() {
		svc.replyError(ctx, displaced.Conn, env.Room, model.ErrSessionReplaced)
	}
	svc.logger.Debug().
		Str("roomID", env.Room).
		Str("clientID", env.Client).
		Str("userID", id.UserID).
		Msg("participant joined")

	if err = svc.replyRoomState(ctx, conn, env.Room); err != nil {
		return err
	}
	svc.broadcastParticipants(ctx, env.Room, env.Client)
	return nil
}

func (svc *Service) createInvite(ctx context.Context, conn model.Conn, sessionToken string, env model.Envelope) error {
	var p createInvitePayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if _, err := svc.auth.AuthorizeCreateInvite(tokenOr(p.AuthToken, sessionToken)); err != nil {
		return err
	}
	room, _, ok := svc.store.Binding(conn.ID())
	if !ok {
		return model.ErrNotInRoom
	}
	invite, err := svc.auth.IssueInvite(room.ID, p.ttl())
	if err != nil {
		return errors.Join(ErrCreateInvite, err)
	}
	svc.reply(ctx, conn, model.Outbound{
		Type:    model.TypeInviteCreated,
		Room:    room.ID,
		Payload: invite,
	})
	return nil
}

func (svc *Service) playbackUpdate(ctx context.Context, conn model.Conn, sessionToken string, env model.Envelope) error {
	var p playbackUpdatePayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	room, err := svc.authorizeHost(conn, tokenOr(p.AuthToken, sessionToken))
	if err != nil {
		return err
	}
	room, err = svc.store.UpdateState(room.ID, model.PlaybackState{
		Position:  *p.Position,
		PlayState: p.PlayState,
	})
	if err != nil {
		return errors.Join(ErrPlayback, err)
	}
	svc.broadcast(ctx, room.ID, model.Outbound{
		Type:   model.TypePlaybackUpdate,
		Room:   room.ID,
		Client: room.HostID,
		Payload: model.PlaybackPayload{
			PlaybackState: room.State,
			TS:            tsOr(p.TS, env.TS),
		},
	}, room.HostID)
	return nil
}

func (svc *Service) playerEvent(ctx context.Context, conn model.Conn, sessionToken string, env model.Envelope) error {
	var p playerEventPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	room, err := svc.authorizeHost(conn, tokenOr(p.AuthToken, sessionToken))
	if err != nil {
		return err
	}
	room, err = svc.store.UpdateState(room.ID, p.apply(room.State))
	if err != nil {
		return errors.Join(ErrPlayback, err)
	}
	svc.broadcast(ctx, room.ID, model.Outbound{
		Type:   model.TypePlayerEvent,
		Room:   room.ID,
		Client: room.HostID,
		Payload: model.PlayerEventPayload{
			Action:   p.Action,
			Position: room.State.Position,
			TS:       tsOr(p.TS, env.TS),
		},
	}, room.HostID)
	return nil
}

func (svc *Service) ping(ctx context.Context, conn model.Conn, _ string, env model.Envelope) error {
	var p pingPayload
	if err := decodePayload(env.Payload, &p); err != nil {
		return err
	}
	svc.reply(ctx, conn, model.Outbound{
		Type: model.TypePong,
		Room: env.Room,
		Payload: model.PongPayload{
			ClientTS: tsOr(p.ClientTS, env.TS),
			ServerTS: svc.now().UnixMilli(),
		},
	})
	return nil
}

// authorizeHost returns the room conn is bound to if conn holds its host slot.
// An attached identity token must still be valid.
func (svc *Service) authorizeHost(conn model.Conn, token string) (model.Room, error) {
	room, p, ok := svc.store.Binding(conn.ID())
	if !ok {
		return model.Room{}, model.ErrNotInRoom
	}
	if !room.IsHost(p.ClientID) {
		return model.Room{}, model.NewError(model.CodeForbidden, "only the host can control playback")
	}
	if token != "" && svc.auth.Enabled() {
		if _, err := svc.auth.Authenticate(token); err != nil {
			return model.Room{}, err
		}
	}
	return room, nil
}

// leave unbinds conn from its room and tells the rest of the room.
func (svc *Service) leave(ctx context.Context, conn model.Conn) {
	room, p, ok := svc.store.RemoveParticipant(conn.ID())
	if !ok {
		return
	}
	svc.logger.Debug().
		Str("roomID", room.ID).
		Str("clientID", p.ClientID).
		Msg("participant left")
	svc.membershipChanged(ctx, room.ID)
}

func (svc *Service) membershipChanged(ctx context.Context, roomID string) {
	if svc.removeEmptyRooms && svc.store.RemoveRoomIfEmpty(roomID) {
		svc.logger.Debug().Str("roomID", roomID).Msg("empty room removed")
		return
	}
	svc.broadcastParticipants(ctx, roomID, "")
}

func (svc *Service) broadcastParticipants(ctx context.Context, roomID, exclude string) {
	snap, err := svc.store.SnapshotParticipants(roomID)
	if err != nil {
		return
	}
	svc.broadcast(ctx, roomID, model.Outbound{
		Type:    model.TypeParticipants,
		Room:    roomID,
		Payload: snap,
	}, exclude)
}

// broadcast stamps msg and fans it out. Participants pruned by the pass
// cause a follow-up membership broadcast.
// Delivery does not depend on the originating connection staying open.
func (svc *Service) broadcast(ctx context.Context, roomID string, msg model.Outbound, exclude string) {
	ctx = context.WithoutCancel(ctx)
	msg.ServerTS = svc.now().UnixMilli()
	res := svc.sw.Broadcast(ctx, roomID, msg, exclude)
	if len(res.Pruned) > 0 {
		svc.membershipChanged(ctx, roomID)
	}
}

func (svc *Service) replyRoomState(ctx context.Context, conn model.Conn, roomID string) error {
	snap, err := svc.store.SnapshotRoomState(roomID)
	if err != nil {
		return err
	}
	svc.reply(ctx, conn, model.Outbound{
		Type:    model.TypeRoomState,
		Room:    roomID,
		Payload: snap,
	})
	return nil
}

// reply sends msg to conn only. A failed reply is left to the transport,
// which sees the same dead connection and disconnects it.
func (svc *Service) reply(ctx context.Context, conn model.Conn, msg model.Outbound) {
	msg.ServerTS = svc.now().UnixMilli()
	if err := conn.Send(ctx, msg); err != nil {
		svc.logger.Debug().Err(err).Str("connID", conn.ID()).Str("type", msg.Type).Msg("reply not delivered")
	}
}

func (svc *Service) replyError(ctx context.Context, conn model.Conn, roomID string, err error) {
	svc.reply(ctx, conn, model.Outbound{
		Type:    model.TypeError,
		Room:    roomID,
		Payload: model.PayloadOf(err),
	})
}

func tokenOr(token, fallback string) string {
	if token != "" {
		return token
	}
	return fallback
}

func tsOr(ts, fallback int64) int64 {
	if ts != 0 {
		return ts
	}
	return fallback
}
