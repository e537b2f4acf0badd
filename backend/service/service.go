// Package service implements the rendezvous orchestration: one event
// loop owns the room registry and the relay forwarding table, so all
// membership mutation and message forwarding is strictly sequential.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/registry"
	"github.com/adwski/webrtc-rendezvous/backend/relay"
	"github.com/rs/zerolog"
)

var (
	ErrNotRunning = errors.New("rendezvous loop is not running")
)

const defaultEventBuffer = 64

type eventKind int

const (
	evConnect eventKind = iota
	evMessage
	evDisconnect
)

type event struct {
	kind       eventKind
	endpointID string
	wire       model.Wire
	msg        model.Message
}

type session struct {
	wire   model.Wire
	roomID string
	role   string
	joined bool
}

type (
	Service struct {
		reg      *registry.Registry
		relay    *relay.Relay
		logger   zerolog.Logger
		events   chan event
		sessions map[string]*session // owned by Run loop
	}

	Config struct {
		Registry *registry.Registry
		Relay    *relay.Relay
		Logger   *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		reg:      cfg.Registry,
		relay:    cfg.Relay,
		logger:   cfg.Logger.With().Str("component", "rendezvous").Logger(),
		events:   make(chan event, defaultEventBuffer),
		sessions: make(map[string]*session),
	}
}

// Registry exposes the membership table for the read-only inspection API.
func (svc *Service) Registry() *registry.Registry {
	return svc.reg
}

// CreateSignalingSession registers a freshly connected endpoint and
// starts pumping its inbound messages into the rendezvous loop. The
// endpoint is not in any room until its join message arrives.
func (svc *Service) CreateSignalingSession(ctx context.Context, endpointID string, wire model.Wire) error {
	if err := svc.push(ctx, event{kind: evConnect, endpointID: endpointID, wire: wire}); err != nil {
		return err
	}
	svc.logger.Debug().
		Str("endpointID", endpointID).
		Msg("signaling session connected")

	go svc.pump(ctx, endpointID, wire.RX)
	return nil
}

// DeleteSignalingSession removes the endpoint from its room and
// notifies remaining members.
func (svc *Service) DeleteSignalingSession(ctx context.Context, endpointID string) error {
	return svc.push(ctx, event{kind: evDisconnect, endpointID: endpointID})
}

func (svc *Service) push(ctx context.Context, ev event) error {
	select {
	case svc.events <- ev:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrNotRunning, ctx.Err())
	}
}

func (svc *Service) pump(ctx context.Context, endpointID string, rx <-chan model.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-rx:
			if err := svc.push(ctx, event{kind: evMessage, endpointID: endpointID, msg: msg}); err != nil {
				return
			}
		}
	}
}

// Run processes rendezvous events until the context is canceled.
func (svc *Service) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		svc.logger.Debug().Msg("rendezvous loop stopped")
		wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-svc.events:
			switch ev.kind {
			case evConnect:
				svc.sessions[ev.endpointID] = &session{wire: ev.wire}
			case evMessage:
				svc.handleMessage(ctx, ev.endpointID, ev.msg)
			case evDisconnect:
				svc.handleDisconnect(ctx, ev.endpointID)
			}
		}
	}
}

func (svc *Service) handleMessage(ctx context.Context, endpointID string, msg model.Message) {
	msg.SRC = endpointID

	sess, ok := svc.sessions[endpointID]
	if !ok {
		svc.logger.Debug().
			Str("endpointID", endpointID).
			Str("type", msg.Type).
			Msg("message from unknown session, dropped")
		return
	}

	switch {
	case msg.Type == model.TypeJoin:
		svc.handleJoin(ctx, endpointID, sess, msg)

	case msg.IsNegotiation():
		if !sess.joined {
			// no room to relay into, not a fatal condition
			svc.logger.Debug().
				Str("endpointID", endpointID).
				Str("type", msg.Type).
				Msg("negotiation message from roomless endpoint, dropped")
			return
		}
		msg.RoomID = sess.roomID
		if msg.DST != "" {
			svc.relay.SendTo(ctx, msg, sess.roomID, msg.DST)
		} else {
			svc.relay.Broadcast(ctx, msg, sess.roomID)
		}

	default:
		svc.logger.Debug().
			Str("endpointID", endpointID).
			Str("type", msg.Type).
			Msg("unexpected message type, dropped")
	}
}

func (svc *Service) handleJoin(ctx context.Context, endpointID string, sess *session, msg model.Message) {
	roomID := msg.RoomID
	if roomID == "" {
		roomID = model.DefaultRoomID
	}
	role := msg.Role
	if role != model.RolePublisher && role != model.RoleReceiver {
		svc.logger.Warn().
			Str("endpointID", endpointID).
			Str("role", role).
			Msg("join with unknown role, dropped")
		return
	}
	if sess.joined && (sess.roomID != roomID || sess.role != role) {
		// the room/role pair is fixed per connection, switching requires
		// a fresh connection
		svc.logger.Warn().
			Str("endpointID", endpointID).
			Str("roomID", roomID).
			Str("role", role).
			Str("currentRoomID", sess.roomID).
			Str("currentRole", sess.role).
			Msg("join for a different room or role, dropped")
		return
	}

	res := svc.reg.Join(endpointID, roomID, role)
	if !res.Changed {
		// rejoin, nothing to announce
		return
	}
	sess.roomID = roomID
	sess.role = role
	sess.joined = true
	svc.relay.Attach(roomID, endpointID, sess.wire)

	logger := svc.logger.With().
		Str("endpointID", endpointID).
		Str("roomID", roomID).
		Str("role", role).Logger()
	logger.Debug().Msg("endpoint joined room")

	switch role {
	case model.RoleReceiver:
		// ask the current publisher, and only the publisher, to negotiate
		if res.HasPublisher {
			info, ok := svc.reg.Room(roomID)
			if ok && info.Publisher != "" {
				svc.relay.SendTo(ctx, model.Message{
					Type:       model.TypeRequestOffer,
					RoomID:     roomID,
					ReceiverID: endpointID,
				}, roomID, info.Publisher)
			}
		}
	case model.RolePublisher:
		if res.Displaced != "" {
			// last-writer-wins, the displaced holder is not notified
			logger.Warn().
				Str("displaced", res.Displaced).
				Msg("publisher role taken over")
		}
		svc.relay.Broadcast(ctx, model.Message{
			Type:   model.TypePublisherJoined,
			SRC:    endpointID,
			RoomID: roomID,
		}, roomID)
	}
}

func (svc *Service) handleDisconnect(ctx context.Context, endpointID string) {
	sess, ok := svc.sessions[endpointID]
	if !ok {
		return
	}
	delete(svc.sessions, endpointID)

	if sess.joined {
		svc.relay.Detach(sess.roomID, endpointID)
	}

	res := svc.reg.Leave(endpointID)
	if !res.Left {
		return
	}

	svc.logger.Debug().
		Str("endpointID", endpointID).
		Str("roomID", res.RoomID).
		Str("role", res.Role).
		Msg("endpoint left room")

	switch res.Role {
	case model.RolePublisher:
		svc.relay.Broadcast(ctx, model.Message{
			Type:   model.TypePublisherLeft,
			SRC:    endpointID,
			RoomID: res.RoomID,
		}, res.RoomID)
	case model.RoleReceiver:
		svc.relay.Broadcast(ctx, model.Message{
			Type:       model.TypeReceiverLeft,
			SRC:        endpointID,
			RoomID:     res.RoomID,
			ReceiverID: endpointID,
		}, res.RoomID)
	}
}
