package netio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dedis/dissent/crypto"
	"github.com/dedis/dissent/localnet"
	"github.com/dedis/dissent/netio"
	"github.com/dedis/dissent/roster"
	"github.com/dedis/dissent/wire"
)

func buildTestRoster(port *crypto.Port, n int) (*roster.Roster, []*roster.Identity) {
	ros := &roster.Roster{}
	var identities []*roster.Identity
	for i := 0; i < n; i++ {
		id := roster.NodeID(i + 1)
		ssk, spk, _ := port.GenKeypair(1024)
		dsk, dpk, _ := port.GenKeypair(1024)
		node := roster.Node{ID: id, SigningPK: spk, DHPK: dpk}
		ros.Nodes = append(ros.Nodes, node)
		identities = append(identities, &roster.Identity{
			Node: node, SigningSK: ssk, DHSK: dsk,
		})
	}
	ros.Topology = roster.BuildRing([]roster.NodeID{1})
	ros.Leader = 1
	return ros, identities
}

func wireNetworks(t *testing.T, port *crypto.Port, ros *roster.Roster, identities []*roster.Identity) []*netio.Network {
	t.Helper()
	fab := localnet.NewFabric()
	nets := make([]*netio.Network, len(identities))
	for i, id := range identities {
		ep := fab.Endpoint(id.Node.ID)
		n := netio.New(id.Node.ID, id, port, ros, ep)
		ep.Register(n.Deliver)
		n.ResetSession(42)
		n.StartIncoming("test")
		nets[i] = n
	}
	return nets
}

func TestSendRecvRoundTrip(t *testing.T) {
	port := crypto.NewPort()
	ros, identities := buildTestRoster(port, 3)
	nets := wireNetworks(t, port, ros, identities)

	require.NoError(t, nets[0].Send(2, []byte("hello")))
	got, err := nets[1].Recv(1)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestBroadcastReachesAllButSelf(t *testing.T) {
	port := crypto.NewPort()
	ros, identities := buildTestRoster(port, 3)
	nets := wireNetworks(t, port, ros, identities)

	require.NoError(t, nets[0].Broadcast([]byte("hi all")))
	for _, idx := range []int{1, 2} {
		got, err := nets[idx].Recv(1)
		require.NoError(t, err)
		require.Equal(t, "hi all", string(got))
	}
}

func TestFIFOPerLink(t *testing.T) {
	port := crypto.NewPort()
	ros, identities := buildTestRoster(port, 2)
	nets := wireNetworks(t, port, ros, identities)

	for i := 0; i < 5; i++ {
		require.NoError(t, nets[0].Send(2, []byte{byte(i)}))
	}
	for i := 0; i < 5; i++ {
		got, err := nets[1].Recv(1)
		require.NoError(t, err)
		require.Equal(t, byte(i), got[0], "out of order")
	}
}

func TestBadSignatureDropped(t *testing.T) {
	port := crypto.NewPort()
	ros, identities := buildTestRoster(port, 2)
	nets := wireNetworks(t, port, ros, identities)

	require.NoError(t, nets[0].Send(2, []byte("ok")))

	// Tamper directly: craft a bogus packet claiming to be from node 1,
	// carrying a signature that does not verify under node 1's key.
	forged := []byte("forged")
	hdr := wire.Header{Nonce: 42, From: 1, To: 2, Len: uint32(len(forged))}
	bogus := append(wire.Envelope{Header: hdr, Body: forged}.Bytes(), make([]byte, port.SignatureLen())...)
	_ = nets[1].Deliver(bogus)

	got, err := nets[1].Recv(1)
	require.NoError(t, err)
	require.Equal(t, "ok", string(got))
}

func TestStopIncomingBuffers(t *testing.T) {
	port := crypto.NewPort()
	ros, identities := buildTestRoster(port, 2)
	nets := wireNetworks(t, port, ros, identities)

	nets[1].StopIncoming()
	require.NoError(t, nets[0].Send(2, []byte("buffered")))
	_, err := nets[1].Recv(1)
	require.ErrorIs(t, err, netio.ErrNotReady)
	nets[1].StartIncoming("resume")
	got, err := nets[1].Recv(1)
	require.NoError(t, err)
	require.Equal(t, "buffered", string(got))
}

func TestLogViewMonotonic(t *testing.T) {
	port := crypto.NewPort()
	ros, identities := buildTestRoster(port, 2)
	nets := wireNetworks(t, port, ros, identities)

	before := len(nets[0].LogView())
	require.NoError(t, nets[0].Send(2, []byte("a")))
	require.NoError(t, nets[0].Send(2, []byte("b")))
	after := len(nets[0].LogView())
	require.Greater(t, after, before, "log must grow monotonically")
}
