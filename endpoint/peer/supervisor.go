package peer

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/endpoint/media"
	"github.com/davecgh/go-spew/spew"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const defaultSessionEventBuffer = 16

// negotiator is what the supervisor drives; *Session is the real one.
type negotiator interface {
	Generation() uint64
	State() State
	StartNegotiation(ctx context.Context) error
	HandleOffer(ctx context.Context, sdp string) error
	HandleAnswer(ctx context.Context, sdp string) error
	AddRemoteCandidate(raw json.RawMessage) error
	MarkConnected()
	Close()
}

type SignalingClient interface {
	Sender
	Incoming() <-chan model.Message
	Connected() <-chan struct{}
}

// Connectivity is the process-wide online/offline signal gating
// recovery attempts.
type Connectivity interface {
	Online() bool
	Updates() <-chan bool
}

type SupervisorConfig struct {
	Role        string
	RoomID      string
	Client      SignalingClient
	Net         Connectivity
	Source      media.Source   // publisher role
	Renderer    media.Renderer // receiver role
	STUNServers []string
	Logger      *zerolog.Logger
}

// Supervisor is the endpoint's single event loop. It joins the room
// whenever the relay (re)connects, routes relayed messages into the
// current session, and replaces failed sessions with fresh ones once
// connectivity allows, at most one recovery attempt in flight.
type Supervisor struct {
	role     string
	roomID   string
	client   SignalingClient
	net      Connectivity
	renderer media.Renderer
	logger   zerolog.Logger

	gen             uint64
	sess            negotiator
	pendingRecovery bool
	sessEvents      chan Event

	newSession func(gen uint64) (negotiator, error)
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		role:     cfg.Role,
		roomID:   cfg.RoomID,
		client:   cfg.Client,
		net:      cfg.Net,
		renderer: cfg.Renderer,
		logger: cfg.Logger.With().
			Str("component", "supervisor").
			Str("role", cfg.Role).
			Str("roomID", cfg.RoomID).Logger(),
		sessEvents: make(chan Event, defaultSessionEventBuffer),
	}
	s.newSession = func(gen uint64) (negotiator, error) {
		return NewSession(SessionConfig{
			Generation:  gen,
			Role:        cfg.Role,
			RoomID:      cfg.RoomID,
			Sender:      cfg.Client,
			Source:      cfg.Source,
			Events:      s.sessEvents,
			STUNServers: cfg.STUNServers,
			Logger:      cfg.Logger,
		})
	}
	return s
}

// Generation returns the tag of the current negotiation attempt.
func (s *Supervisor) Generation() uint64 { return s.gen }

// SessionState reports the current session's state, StateIdle if none.
func (s *Supervisor) SessionState() State {
	if s.sess == nil {
		return StateIdle
	}
	return s.sess.State()
}

// Run drives the endpoint until the context is canceled. Returns a
// non-nil error only for capability failures that negotiation cannot
// recover from (e.g. the local environment cannot build a transport).
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		s.discardSession()
		s.logger.Debug().Msg("supervisor stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.client.Connected():
			// fresh relay connection is a fresh endpoint on the server side,
			// membership has to be re-established
			if err := s.client.Send(ctx, model.Message{
				Type:   model.TypeJoin,
				RoomID: s.roomID,
				Role:   s.role,
			}); err != nil {
				s.logger.Warn().Err(err).Msg("failed to send join")
			} else {
				s.logger.Info().Msg("joined room")
			}

		case online := <-s.net.Updates():
			if !online {
				s.logger.Warn().Msg("connectivity lost")
				continue
			}
			s.logger.Info().Msg("connectivity restored")
			if s.pendingRecovery {
				if err := s.startAttempt(ctx); err != nil {
					return err
				}
			}

		case msg := <-s.client.Incoming():
			if err := s.handleSignal(ctx, msg); err != nil {
				return err
			}

		case ev := <-s.sessEvents:
			if err := s.handleSessionEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) handleSignal(ctx context.Context, msg model.Message) error {
	s.logger.Trace().Msg(spew.Sdump(msg))

	switch msg.Type {
	case model.TypeRequestOffer:
		if s.role != model.RolePublisher {
			return nil
		}
		// a late joiner never saw earlier messages, so a fresh offer is
		// produced even while connected or awaiting an answer
		s.logger.Debug().Str("receiverID", msg.ReceiverID).Msg("offer requested")
		return s.startAttempt(ctx)

	case model.TypeOffer:
		if s.role != model.RoleReceiver {
			return nil
		}
		return s.handleOffer(ctx, msg.SDP)

	case model.TypeAnswer:
		if s.role != model.RolePublisher || s.sess == nil {
			return nil
		}
		if err := s.sess.HandleAnswer(ctx, msg.SDP); err != nil {
			if errors.Is(err, ErrInvalidState) {
				// answer for a superseded attempt
				s.logger.Debug().Msg("stale answer discarded")
				return nil
			}
			s.logger.Error().Err(err).Msg("failed to apply answer")
			s.recover(ctx)
		}

	case model.TypeICECandidate:
		if s.sess == nil {
			s.logger.Debug().Msg("remote candidate with no session, discarded")
			return nil
		}
		if err := s.sess.AddRemoteCandidate(msg.Candidate); err != nil {
			s.logger.Error().Err(err).Msg("failed to apply remote candidate")
			s.recover(ctx)
		}

	case model.TypePublisherJoined:
		// informational only, an offer still has to arrive explicitly
		s.logger.Debug().Msg("publisher present in room")

	case model.TypePublisherLeft:
		if s.role != model.RoleReceiver {
			return nil
		}
		s.logger.Info().Msg("publisher left, discarding session")
		s.discardSession()

	case model.TypeReceiverLeft:
		s.logger.Debug().Str("receiverID", msg.ReceiverID).Msg("receiver left room")

	default:
		s.logger.Debug().Str("type", msg.Type).Msg("unexpected message type, dropped")
	}
	return nil
}

// handleOffer answers an incoming offer on a fresh session. An offer
// arriving while a session is live is a renegotiation request: the old
// transport is discarded, never renegotiated in place.
func (s *Supervisor) handleOffer(ctx context.Context, sdp string) error {
	if s.sess == nil || s.sess.State() != StateIdle {
		if err := s.startAttempt(ctx); err != nil {
			return err
		}
	}
	if err := s.sess.HandleOffer(ctx, sdp); err != nil {
		s.logger.Error().Err(err).Msg("failed to answer offer")
		s.recover(ctx)
	}
	return nil
}

func (s *Supervisor) handleSessionEvent(ctx context.Context, ev Event) error {
	if ev.Gen != s.gen {
		s.logger.Trace().
			Uint64("eventGen", ev.Gen).
			Uint64("gen", s.gen).
			Msg("event from superseded session, discarded")
		return nil
	}

	switch ev.Kind {
	case EventRemoteTrack:
		if s.renderer != nil {
			// handed over once, rendering owns the track from here
			s.renderer.Render(ev.Track, ev.Receiver)
		}

	case EventTransport:
		s.logger.Debug().Str("transport", ev.TransportState.String()).Msg("transport state changed")
		switch ev.TransportState {
		case webrtc.PeerConnectionStateConnected:
			if s.sess != nil {
				s.sess.MarkConnected()
				s.logger.Info().Uint64("gen", s.gen).Msg("transport connected")
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			s.recover(ctx)
		}
	}
	return nil
}

// recover discards the broken session and starts a replacement once
// online. The pending flag keeps recovery single-flight: repeat
// failure signals are ignored until the new session forms.
func (s *Supervisor) recover(ctx context.Context) {
	if s.pendingRecovery {
		return
	}
	s.pendingRecovery = true
	s.discardSession()

	if !s.net.Online() {
		s.logger.Warn().Msg("recovery deferred until connectivity returns")
		return
	}
	if err := s.startAttempt(ctx); err != nil {
		s.logger.Error().Err(err).Msg("recovery attempt failed")
	}
}

// startAttempt replaces the current session with a fresh one under the
// next generation. The publisher negotiates immediately, the receiver
// waits for an offer.
func (s *Supervisor) startAttempt(ctx context.Context) error {
	s.discardSession()
	s.gen++
	s.pendingRecovery = false

	sess, err := s.newSession(s.gen)
	if err != nil {
		return err
	}
	s.sess = sess
	s.logger.Debug().Uint64("gen", s.gen).Msg("new session started")

	if s.role == model.RolePublisher {
		if err = s.sess.StartNegotiation(ctx); err != nil {
			// no tight retry loop here: the next connectivity change or
			// request-offer re-triggers an attempt
			s.logger.Error().Err(err).Msg("negotiation failed to start")
			s.discardSession()
			s.pendingRecovery = true
		}
	}
	return nil
}

func (s *Supervisor) discardSession() {
	if s.sess == nil {
		return
	}
	s.sess.Close()
	s.sess = nil
}
