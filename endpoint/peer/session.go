// Package peer owns the negotiation side of an endpoint: generation
// tagged peer sessions over pion/webrtc and the supervisor loop that
// creates, feeds and replaces them.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/endpoint/media"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidState = errors.New("not valid in current negotiation state")
	ErrTransport    = errors.New("transport failure")
)

const candidateSendTimeout = time.Second

// State of a single negotiation attempt.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingAnswer
	StateAnsweringOffer
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnsweringOffer:
		return "answering-offer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type EventKind int

const (
	EventTransport EventKind = iota
	EventRemoteTrack
)

// Event is emitted by pion callbacks into the supervisor loop. Gen
// carries the generation of the session it belongs to, the loop
// discards events from superseded sessions.
type Event struct {
	Gen            uint64
	Kind           EventKind
	TransportState webrtc.PeerConnectionState
	Track          *webrtc.TrackRemote
	Receiver       *webrtc.RTPReceiver
}

// Sender pushes messages onto the relay channel.
type Sender interface {
	Send(ctx context.Context, msg model.Message) error
}

type SessionConfig struct {
	Generation    uint64
	Role          string
	RoomID        string
	Sender        Sender
	Source        media.Source // publisher only
	Events        chan<- Event
	STUNServers   []string
	Logger        *zerolog.Logger
	LoggerFactory logging.LoggerFactory
}

// Session owns exactly one peer connection and one negotiation
// attempt. It is never renegotiated in place: the supervisor closes it
// and builds a replacement with a higher generation. All methods are
// called from the supervisor loop only; pion callbacks communicate
// back through the event channel.
type Session struct {
	gen    uint64
	role   string
	roomID string
	pc     *webrtc.PeerConnection
	sender Sender
	source media.Source
	logger zerolog.Logger

	state         State
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit // candidates that arrived before the remote description
}

func NewSession(cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger.With().
		Str("component", "peer-session").
		Uint64("gen", cfg.Generation).
		Logger()

	se := webrtc.SettingEngine{}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	} else {
		se.LoggerFactory = NewLoggerFactory(&logger)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	var iceServers []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, errors.Join(ErrTransport, err)
	}

	s := &Session{
		gen:    cfg.Generation,
		role:   cfg.Role,
		roomID: cfg.RoomID,
		pc:     pc,
		sender: cfg.Sender,
		source: cfg.Source,
		logger: logger,
		state:  StateIdle,
	}

	gen, events := cfg.Generation, cfg.Events

	// trickle: every discovered candidate is relayed right away; the send
	// is bounded so a down relay cannot block pion's gathering goroutine,
	// a candidate dropped here is re-gathered with the next session anyway
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		b, mErr := json.Marshal(c.ToJSON())
		if mErr != nil {
			s.logger.Error().Err(mErr).Msg("failed to marshall local candidate")
			return
		}
		sendCtx, cancel := context.WithTimeout(context.Background(), candidateSendTimeout)
		defer cancel()
		if sErr := s.sender.Send(sendCtx, model.Message{
			Type:      model.TypeICECandidate,
			RoomID:    s.roomID,
			Candidate: b,
		}); sErr != nil {
			s.logger.Warn().Err(sErr).Msg("failed to relay local candidate")
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		events <- Event{Gen: gen, Kind: EventTransport, TransportState: st}
	})

	if cfg.Role == model.RoleReceiver {
		pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			events <- Event{Gen: gen, Kind: EventRemoteTrack, Track: track, Receiver: receiver}
		})
	}

	return s, nil
}

func (s *Session) Generation() uint64 { return s.gen }

func (s *Session) State() State { return s.state }

// StartNegotiation attaches the local source's tracks to the fresh
// transport, produces an offer and relays it to the room. Publisher
// role only, valid once per session.
func (s *Session) StartNegotiation(ctx context.Context) error {
	if s.state != StateIdle {
		return ErrInvalidState
	}
	s.state = StateOffering

	tracks, err := s.source.Tracks(ctx)
	if err != nil {
		return err
	}
	for _, track := range tracks {
		if _, err = s.pc.AddTrack(track); err != nil {
			return errors.Join(ErrTransport, err)
		}
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return errors.Join(ErrTransport, err)
	}
	if err = s.pc.SetLocalDescription(offer); err != nil {
		return errors.Join(ErrTransport, err)
	}

	if err = s.sender.Send(ctx, model.Message{
		Type:   model.TypeOffer,
		RoomID: s.roomID,
		SDP:    offer.SDP,
	}); err != nil {
		return err
	}
	s.state = StateAwaitingAnswer
	s.logger.Debug().Msg("offer sent, awaiting answer")
	return nil
}

// HandleAnswer applies the remote answer. Only valid while awaiting
// one; anything else means the answer belongs to a superseded attempt
// and the caller should discard it.
func (s *Session) HandleAnswer(ctx context.Context, sdp string) error {
	if s.state != StateAwaitingAnswer || s.remoteSet {
		return ErrInvalidState
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return errors.Join(ErrTransport, err)
	}
	s.remoteSet = true
	s.flushPendingCandidates()
	s.logger.Debug().Msg("answer applied")
	return nil
}

// HandleOffer applies the remote offer, synthesizes an answer and
// relays it back. Receiver role only, valid once per session.
func (s *Session) HandleOffer(ctx context.Context, sdp string) error {
	if s.state != StateIdle {
		return ErrInvalidState
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return errors.Join(ErrTransport, err)
	}
	s.remoteSet = true
	s.flushPendingCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return errors.Join(ErrTransport, err)
	}
	if err = s.pc.SetLocalDescription(answer); err != nil {
		return errors.Join(ErrTransport, err)
	}

	if err = s.sender.Send(ctx, model.Message{
		Type:   model.TypeAnswer,
		RoomID: s.roomID,
		SDP:    answer.SDP,
	}); err != nil {
		return err
	}
	s.state = StateAnsweringOffer
	s.logger.Debug().Msg("answer sent")
	return nil
}

// AddRemoteCandidate applies the candidate immediately if the remote
// description is already set, otherwise buffers it until it is.
func (s *Session) AddRemoteCandidate(raw json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		return errors.Join(ErrTransport, err)
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, cand)
		s.logger.Trace().Msg("remote candidate buffered")
		return nil
	}
	if err := s.pc.AddICECandidate(cand); err != nil {
		return errors.Join(ErrTransport, err)
	}
	return nil
}

func (s *Session) flushPendingCandidates() {
	for _, cand := range s.pendingRemote {
		if err := s.pc.AddICECandidate(cand); err != nil {
			s.logger.Warn().Err(err).Msg("failed to apply buffered candidate")
		}
	}
	s.pendingRemote = nil
}

// MarkConnected is called by the supervisor once the transport reports
// connected.
func (s *Session) MarkConnected() {
	if s.state != StateClosed {
		s.state = StateConnected
	}
}

// Close tears the transport down. The session is not reusable after.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	if err := s.pc.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close peer connection")
	}
}
