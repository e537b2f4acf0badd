package registry

import (
	"testing"

	"github.com/adwski/webrtc-rendezvous/backend/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinLeavePublisher(t *testing.T) {
	reg := New()

	res := reg.Join("pub1", "demo", model.RolePublisher)
	require.True(t, res.Changed)
	assert.True(t, res.HasPublisher)
	assert.Empty(t, res.Displaced)
	assert.True(t, reg.HasPublisher("demo"))

	left := reg.Leave("pub1")
	require.True(t, left.Left)
	assert.Equal(t, "demo", left.RoomID)
	assert.Equal(t, model.RolePublisher, left.Role)
	assert.True(t, left.RoomDeleted)
	assert.False(t, reg.HasPublisher("demo"))

	_, ok := reg.Room("demo")
	assert.False(t, ok, "empty room must be deleted")
}

func TestPublisherLastWriterWins(t *testing.T) {
	reg := New()

	reg.Join("pub1", "demo", model.RolePublisher)
	res := reg.Join("pub2", "demo", model.RolePublisher)
	require.True(t, res.Changed)
	assert.Equal(t, "pub1", res.Displaced)

	info, ok := reg.Room("demo")
	require.True(t, ok)
	assert.Equal(t, "pub2", info.Publisher)

	// the displaced holder is orphaned, its leave is a no-op
	left := reg.Leave("pub1")
	assert.False(t, left.Left)
	assert.True(t, reg.HasPublisher("demo"))
}

func TestReceiverRejoinIsNoOp(t *testing.T) {
	reg := New()

	res := reg.Join("recv1", "demo", model.RoleReceiver)
	require.True(t, res.Changed)
	assert.False(t, res.HasPublisher)

	res = reg.Join("recv1", "demo", model.RoleReceiver)
	assert.False(t, res.Changed, "rejoin must not report a membership change")

	info, ok := reg.Room("demo")
	require.True(t, ok)
	assert.Len(t, info.Receivers, 1)
}

func TestRoomRolePairFixedPerConnection(t *testing.T) {
	reg := New()

	reg.Join("p", "roomA", model.RolePublisher)
	res := reg.Join("rcv", "roomA", model.RoleReceiver)
	require.True(t, res.Changed)

	// naming another room changes nothing anywhere
	res = reg.Join("rcv", "roomB", model.RoleReceiver)
	assert.False(t, res.Changed)
	_, ok := reg.Room("roomB")
	assert.False(t, ok, "rejected join must not create a room")

	// same goes for a role switch
	res = reg.Join("rcv", "roomA", model.RolePublisher)
	assert.False(t, res.Changed)

	info, ok := reg.Room("roomA")
	require.True(t, ok)
	assert.Equal(t, "p", info.Publisher)
	assert.Equal(t, []string{"rcv"}, info.Receivers)

	// the original membership is still the one that leaves
	left := reg.Leave("rcv")
	require.True(t, left.Left)
	assert.Equal(t, "roomA", left.RoomID)
	assert.Equal(t, model.RoleReceiver, left.Role)
}

func TestRoomExistsIffNonEmpty(t *testing.T) {
	type step struct {
		join       bool
		endpointID string
		role       string
	}
	tests := []struct {
		name       string
		steps      []step
		wantRooms  int
		wantPub    bool
		wantRecvrs int
	}{
		{
			name: "publisher and two receivers",
			steps: []step{
				{join: true, endpointID: "p", role: model.RolePublisher},
				{join: true, endpointID: "r1", role: model.RoleReceiver},
				{join: true, endpointID: "r2", role: model.RoleReceiver},
			},
			wantRooms:  1,
			wantPub:    true,
			wantRecvrs: 2,
		},
		{
			name: "everyone leaves",
			steps: []step{
				{join: true, endpointID: "p", role: model.RolePublisher},
				{join: true, endpointID: "r1", role: model.RoleReceiver},
				{join: false, endpointID: "p"},
				{join: false, endpointID: "r1"},
			},
			wantRooms: 0,
		},
		{
			name: "publisher leaves, receiver keeps room alive",
			steps: []step{
				{join: true, endpointID: "p", role: model.RolePublisher},
				{join: true, endpointID: "r1", role: model.RoleReceiver},
				{join: false, endpointID: "p"},
			},
			wantRooms:  1,
			wantPub:    false,
			wantRecvrs: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New()
			for _, st := range tt.steps {
				if st.join {
					reg.Join(st.endpointID, "demo", st.role)
				} else {
					reg.Leave(st.endpointID)
				}
			}
			assert.Len(t, reg.Rooms(), tt.wantRooms)
			if tt.wantRooms > 0 {
				info, ok := reg.Room("demo")
				require.True(t, ok)
				assert.Equal(t, tt.wantPub, info.Publisher != "")
				assert.Len(t, info.Receivers, tt.wantRecvrs)
			}
		})
	}
}

func TestLeaveUnknownEndpoint(t *testing.T) {
	reg := New()
	left := reg.Leave("ghost")
	assert.False(t, left.Left)
	assert.False(t, left.RoomDeleted)
}

func TestHasPublisherTracksLatestJoin(t *testing.T) {
	reg := New()
	assert.False(t, reg.HasPublisher("demo"))

	reg.Join("r1", "demo", model.RoleReceiver)
	assert.False(t, reg.HasPublisher("demo"))

	reg.Join("p1", "demo", model.RolePublisher)
	assert.True(t, reg.HasPublisher("demo"))

	reg.Leave("p1")
	assert.False(t, reg.HasPublisher("demo"))
}
