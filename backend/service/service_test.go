package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/adwski/webrtc-rendezvous/backend/registry"
	"github.com/adwski/webrtc-rendezvous/backend/relay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	svc    *Service
	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	logger := zerolog.Nop()
	svc := NewService(Config{
		Registry: registry.New(),
		Relay:    relay.New(&logger),
		Logger:   &logger,
	})
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go svc.Run(ctx, wg)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return &testRig{svc: svc, ctx: ctx, cancel: cancel, wg: wg}
}

func (r *testRig) connect(t *testing.T, endpointID string) model.Wire {
	t.Helper()
	wire := model.NewWire()
	require.NoError(t, r.svc.CreateSignalingSession(r.ctx, endpointID, wire))
	return wire
}

func (r *testRig) send(t *testing.T, wire model.Wire, msg model.Message) {
	t.Helper()
	select {
	case wire.RX <- msg:
	case <-time.After(time.Second):
		t.Fatal("send into rendezvous loop timed out")
	}
}

func (r *testRig) join(t *testing.T, wire model.Wire, roomID, role string) {
	t.Helper()
	r.send(t, wire, model.Message{Type: model.TypeJoin, RoomID: roomID, Role: role})
}

func recvMsg(t *testing.T, wire model.Wire) model.Message {
	t.Helper()
	select {
	case msg := <-wire.TX:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return model.Message{}
}

func assertNoMsg(t *testing.T, wire model.Wire) {
	t.Helper()
	select {
	case msg := <-wire.TX:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceiverJoinTriggersRequestOffer(t *testing.T) {
	rig := newRig(t)

	pub := rig.connect(t, "pub")
	rig.join(t, pub, "demo", model.RolePublisher)
	require.Eventually(t, func() bool {
		return rig.svc.Registry().HasPublisher("demo")
	}, time.Second, 10*time.Millisecond)

	rcv := rig.connect(t, "rcv")
	rig.join(t, rcv, "demo", model.RoleReceiver)

	msg := recvMsg(t, pub)
	assert.Equal(t, model.TypeRequestOffer, msg.Type)
	assert.Equal(t, "demo", msg.RoomID)
	assert.Equal(t, "rcv", msg.ReceiverID)

	// directed at the publisher only, and exactly once per join
	assertNoMsg(t, pub)
	assertNoMsg(t, rcv)
}

func TestNoRequestOfferWithoutPublisher(t *testing.T) {
	rig := newRig(t)

	rcv := rig.connect(t, "rcv")
	rig.join(t, rcv, "demo", model.RoleReceiver)
	require.Eventually(t, func() bool {
		_, ok := rig.svc.Registry().Room("demo")
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.False(t, rig.svc.Registry().HasPublisher("demo"))

	// publisher arrival is announced, but no offer is implied
	pub := rig.connect(t, "pub")
	rig.join(t, pub, "demo", model.RolePublisher)

	msg := recvMsg(t, rcv)
	assert.Equal(t, model.TypePublisherJoined, msg.Type)
	assertNoMsg(t, rcv)
	assertNoMsg(t, pub)
}

func TestNegotiationRelayedVerbatim(t *testing.T) {
	rig := newRig(t)

	pub := rig.connect(t, "pub")
	rig.join(t, pub, "demo", model.RolePublisher)
	rcv := rig.connect(t, "rcv")
	rig.join(t, rcv, "demo", model.RoleReceiver)
	recvMsg(t, pub) // request-offer

	rig.send(t, pub, model.Message{Type: model.TypeOffer, SDP: "offer-sdp"})
	msg := recvMsg(t, rcv)
	assert.Equal(t, model.TypeOffer, msg.Type)
	assert.Equal(t, "offer-sdp", msg.SDP)
	assert.Equal(t, "pub", msg.SRC)

	rig.send(t, rcv, model.Message{Type: model.TypeAnswer, SDP: "answer-sdp"})
	msg = recvMsg(t, pub)
	assert.Equal(t, model.TypeAnswer, msg.Type)
	assert.Equal(t, "answer-sdp", msg.SDP)

	rig.send(t, pub, model.Message{Type: model.TypeICECandidate, Candidate: []byte(`{"candidate":"c"}`)})
	msg = recvMsg(t, rcv)
	assert.Equal(t, model.TypeICECandidate, msg.Type)
	assert.JSONEq(t, `{"candidate":"c"}`, string(msg.Candidate))
}

func TestRoomlessNegotiationDropped(t *testing.T) {
	rig := newRig(t)

	pub := rig.connect(t, "pub")
	rig.join(t, pub, "demo", model.RolePublisher)

	stray := rig.connect(t, "stray")
	rig.send(t, stray, model.Message{Type: model.TypeOffer, SDP: "sdp"})

	assertNoMsg(t, pub)
}

func TestDisconnectBroadcasts(t *testing.T) {
	rig := newRig(t)

	pub := rig.connect(t, "pub")
	rig.join(t, pub, "demo", model.RolePublisher)
	rcv := rig.connect(t, "rcv")
	rig.join(t, rcv, "demo", model.RoleReceiver)
	recvMsg(t, pub) // request-offer

	require.NoError(t, rig.svc.DeleteSignalingSession(rig.ctx, "rcv"))
	msg := recvMsg(t, pub)
	assert.Equal(t, model.TypeReceiverLeft, msg.Type)
	assert.Equal(t, "rcv", msg.ReceiverID)

	rcv2 := rig.connect(t, "rcv2")
	rig.join(t, rcv2, "demo", model.RoleReceiver)
	recvMsg(t, pub) // request-offer for rcv2

	require.NoError(t, rig.svc.DeleteSignalingSession(rig.ctx, "pub"))
	msg = recvMsg(t, rcv2)
	assert.Equal(t, model.TypePublisherLeft, msg.Type)

	require.Eventually(t, func() bool {
		return !rig.svc.Registry().HasPublisher("demo")
	}, time.Second, 10*time.Millisecond)
}

func TestJoinForDifferentRoomDropped(t *testing.T) {
	rig := newRig(t)

	pubA := rig.connect(t, "pubA")
	rig.join(t, pubA, "roomA", model.RolePublisher)
	pubB := rig.connect(t, "pubB")
	rig.join(t, pubB, "roomB", model.RolePublisher)

	rcv := rig.connect(t, "rcv")
	rig.join(t, rcv, "roomA", model.RoleReceiver)
	recvMsg(t, pubA) // request-offer

	// the room/role pair is fixed per connection: a join naming another
	// room changes neither registry nor forwarding
	rig.join(t, rcv, "roomB", model.RoleReceiver)

	// still wired into roomA and only roomA
	rig.send(t, pubA, model.Message{Type: model.TypeOffer, SDP: "from-a"})
	assert.Equal(t, "from-a", recvMsg(t, rcv).SDP)
	rig.send(t, pubB, model.Message{Type: model.TypeOffer, SDP: "from-b"})
	assertNoMsg(t, rcv)

	infoA, ok := rig.svc.Registry().Room("roomA")
	require.True(t, ok)
	assert.Equal(t, []string{"rcv"}, infoA.Receivers)
	infoB, ok := rig.svc.Registry().Room("roomB")
	require.True(t, ok)
	assert.Empty(t, infoB.Receivers)

	// departure is announced in the room it actually occupied, and the
	// forwarding entry goes with it
	require.NoError(t, rig.svc.DeleteSignalingSession(rig.ctx, "rcv"))
	msg := recvMsg(t, pubA)
	assert.Equal(t, model.TypeReceiverLeft, msg.Type)
	assert.Equal(t, "rcv", msg.ReceiverID)
	assertNoMsg(t, pubB)
}

func TestDefaultRoomAssigned(t *testing.T) {
	rig := newRig(t)

	pub := rig.connect(t, "pub")
	rig.send(t, pub, model.Message{Type: model.TypeJoin, Role: model.RolePublisher})

	require.Eventually(t, func() bool {
		return rig.svc.Registry().HasPublisher(model.DefaultRoomID)
	}, time.Second, 10*time.Millisecond)
}
