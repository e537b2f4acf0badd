package relay

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay() *Relay {
	logger := zerolog.Nop()
	return New(&logger)
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

func TestBroadcastExcludesSender(t *testing.T) {
	rl := newTestRelay()
	ctx := context.Background()

	sender, rcv1, rcv2 := model.NewWire(), model.NewWire(), model.NewWire()
	rl.Attach("demo", "sender", sender)
	rl.Attach("demo", "rcv1", rcv1)
	rl.Attach("demo", "rcv2", rcv2)

	rl.Broadcast(ctx, model.Message{Type: model.TypeOffer, SRC: "sender", SDP: "sdp"}, "demo")

	for _, wire := range []model.Wire{rcv1, rcv2} {
		msg := recvMsg(t, wire)
		assert.Equal(t, model.TypeOffer, msg.Type)
		assert.Equal(t, "sender", msg.SRC)
	}
	assertNoMsg(t, sender)
}

func TestBroadcastStaysInRoom(t *testing.T) {
	rl := newTestRelay()
	ctx := context.Background()

	inRoom, otherRoom := model.NewWire(), model.NewWire()
	rl.Attach("demo", "in", inRoom)
	rl.Attach("other", "out", otherRoom)

	rl.Broadcast(ctx, model.Message{Type: model.TypeOffer, SRC: "someone"}, "demo")

	recvMsg(t, inRoom)
	assertNoMsg(t, otherRoom)
}

func TestSendToDirected(t *testing.T) {
	rl := newTestRelay()
	ctx := context.Background()

	pub, rcv := model.NewWire(), model.NewWire()
	rl.Attach("demo", "pub", pub)
	rl.Attach("demo", "rcv", rcv)

	ok := rl.SendTo(ctx, model.Message{Type: model.TypeRequestOffer, ReceiverID: "rcv"}, "demo", "pub")
	require.True(t, ok)

	msg := recvMsg(t, pub)
	assert.Equal(t, model.TypeRequestOffer, msg.Type)
	assert.Equal(t, "pub", msg.DST)
	assertNoMsg(t, rcv)
}

func TestSendToUnknownDst(t *testing.T) {
	rl := newTestRelay()
	ok := rl.SendTo(context.Background(), model.Message{Type: model.TypeRequestOffer}, "demo", "nobody")
	assert.False(t, ok)
}

func TestDetachStopsDelivery(t *testing.T) {
	rl := newTestRelay()
	ctx := context.Background()

	sender, rcv := model.NewWire(), model.NewWire()
	rl.Attach("demo", "sender", sender)
	rl.Attach("demo", "rcv", rcv)
	rl.Detach("demo", "rcv")

	rl.Broadcast(ctx, model.Message{Type: model.TypeOffer, SRC: "sender"}, "demo")
	assertNoMsg(t, rcv)
}

func TestSenderOrderPreserved(t *testing.T) {
	rl := newTestRelay()
	ctx := context.Background()

	sender, rcv := model.NewWire(), model.NewWire()
	rl.Attach("demo", "sender", sender)
	rl.Attach("demo", "rcv", rcv)

	rl.Broadcast(ctx, model.Message{Type: model.TypeOffer, SRC: "sender", SDP: "one"}, "demo")
	rl.Broadcast(ctx, model.Message{Type: model.TypeICECandidate, SRC: "sender", SDP: "two"}, "demo")

	assert.Equal(t, "one", recvMsg(t, rcv).SDP)
	assert.Equal(t, "two", recvMsg(t, rcv).SDP)
}
