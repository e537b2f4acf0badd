// Package relay is the blind forwarding layer: it keeps a wire per
// connected endpoint, grouped by room, and pushes messages to them
// without ever looking inside negotiation payloads.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

type Relay struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func New(logger *zerolog.Logger) *Relay {
	return &Relay{
		logger: logger.With().Str("component", "relay").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

// Attach adds an endpoint's wire to a room's forwarding table.
func (rl *Relay) Attach(roomID, endpointID string, wire model.Wire) {
	rl.mx.Lock()
	defer func() {
		rl.mx.Unlock()
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("endpointID", endpointID).
			Msg("endpoint attached")
	}()

	rm, ok := rl.fwd[roomID]
	if !ok {
		rm = make(map[string]model.Wire)
	}
	rm[endpointID] = wire
	rl.fwd[roomID] = rm
}

// Detach removes the endpoint's wire. The wire channels are left open,
// their owner (the websocket session) closes them.
func (rl *Relay) Detach(roomID, endpointID string) {
	rl.mx.Lock()
	defer func() {
		rl.mx.Unlock()
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("endpointID", endpointID).
			Msg("endpoint detached")
	}()

	rm, ok := rl.fwd[roomID]
	if ok {
		delete(rm, endpointID)
		if len(rm) == 0 {
			delete(rl.fwd, roomID)
		}
	}
}

// Broadcast forwards the message to every endpoint in the room except
// the sender. Messages from a single sender are forwarded in call
// order, nothing is guaranteed across senders.
func (rl *Relay) Broadcast(ctx context.Context, msg model.Message, roomID string) {
	msg.DST = "" // clear dst just in case
	if !rl.forward(ctx, msg, roomID) {
		rl.logger.Debug().
			Str("roomID", roomID).
			Str("type", msg.Type).
			Str("src", msg.SRC).
			Msg("broadcast did not reach anyone")
	}
}

// SendTo forwards the message to a single endpoint in the room.
func (rl *Relay) SendTo(ctx context.Context, msg model.Message, roomID, dst string) bool {
	msg.DST = dst
	return rl.forward(ctx, msg, roomID)
}

func (rl *Relay) forward(ctx context.Context, msg model.Message, roomID string) bool {
	var (
		sent   bool
		logger = rl.logger.With().
			Str("roomID", roomID).
			Str("type", msg.Type).
			Str("src", msg.SRC).Logger()
	)

	rl.mx.RLock()
	rm := rl.fwd[roomID]
	rl.mx.RUnlock()

	if msg.DST == "" {
		// room broadcast, sender excluded

		for dst, wire := range rm {
			if dst != msg.SRC {
				msgSent, canceled := send(ctx, msg, wire.TX, &logger)
				if canceled {
					break
				}
				if msgSent {
					sent = true
				}
			}
		}

	} else {
		// send to a particular endpoint

		wire, ok := rm[msg.DST]
		if !ok {
			logger.Debug().Str("dst", msg.DST).Msg("cannot forward, dst not found")
		} else {
			sent, _ = send(ctx, msg, wire.TX, &logger)
		}
	}
	return sent
}

func send(ctx context.Context, msg model.Message, tx chan<- model.Message, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", msg.DST).Msg("dead endpoint")
	case tx <- msg:
		logger.Debug().Str("dst", msg.DST).Msg("message is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
