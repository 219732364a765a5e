package server

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bankd/bankd/bank"
	"github.com/bankd/bankd/wire"
)

// startTestServer runs a real server on a loopback socket and returns
// its address.
func startTestServer(t *testing.T, sim *Simulator) (*Server, *Dispatcher, netip.AddrPort) {
	t.Helper()
	svc := bank.NewService(bank.NewStore())
	disp := NewDispatcher(svc, NewCache(DefaultCacheTTL, nil), NewRegistry(nil))

	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	srv := NewServer(c, disp, sim)
	srv.Start()
	t.Cleanup(srv.Stop)
	return srv, disp, c.LocalAddr().(*net.UDPAddr).AddrPort()
}

// testPeer is a bare UDP endpoint used to exchange raw datagrams with
// the server.
type testPeer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &testPeer{t: t, conn: c}
}

func (p *testPeer) send(data []byte, to netip.AddrPort) {
	_, err := p.conn.WriteToUDPAddrPort(data, to)
	require.NoError(p.t, err)
}

func (p *testPeer) recv(timeout time.Duration) (*wire.Message, bool) {
	buf := make([]byte, maxDatagram)
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(timeout)))
	n, _, err := p.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, false
	}
	msg, err := wire.Decode(buf[:n])
	require.NoError(p.t, err)
	return msg, true
}

func noLoss(t *testing.T) *Simulator {
	t.Helper()
	sim, err := NewSimulator(0, 0)
	require.NoError(t, err)
	return sim
}

func encode(t *testing.T, msg *wire.Message) []byte {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	return data
}

func openAccount(t *testing.T, p *testPeer, srvAddr netip.AddrPort, clientID uint32, user string, initial int64) string {
	t.Helper()
	req := wire.NewRequest(wire.OpOpenAccount, clientID, 1, wire.AtMostOnce)
	req.Payload.SetString(wire.FieldUsername, user).
		SetString(wire.FieldPassword, "pw").
		SetUint8(wire.FieldCurrency, uint8(wire.SGD))
	if initial > 0 {
		req.Payload.SetInt64(wire.FieldAmountCents, initial)
	}
	p.send(encode(t, req), srvAddr)
	rep, ok := p.recv(time.Second)
	require.True(t, ok)
	require.Equal(t, wire.StatusOK, rep.Header.Status)
	accountNo, ok := rep.Payload.AccountNo()
	require.True(t, ok)
	return accountNo
}

func TestServerRequestReply(t *testing.T) {
	_, _, srvAddr := startTestServer(t, noLoss(t))
	peer := newTestPeer(t)

	accountNo := openAccount(t, peer, srvAddr, 1, "alice", 10000)

	req := wire.NewRequest(wire.OpQueryBalance, 1, 2, wire.AtMostOnce)
	req.Payload.SetString(wire.FieldUsername, "alice").
		SetString(wire.FieldPassword, "pw").
		SetString(wire.FieldAccountNo, accountNo)
	peer.send(encode(t, req), srvAddr)

	rep, ok := peer.recv(time.Second)
	require.True(t, ok)
	assert.Equal(t, wire.StatusOK, rep.Header.Status)
	assert.Equal(t, req.Header.RequestID, rep.Header.RequestID)
	balance, _ := rep.Payload.AmountCents()
	assert.Equal(t, int64(10000), balance)
	currency, _ := rep.Payload.Currency()
	assert.Equal(t, wire.SGD, currency)
}

// A duplicated AMO datagram is answered from the reply cache: the second
// reply is byte-identical and the deposit runs once.
func TestServerAMODuplicateSuppressed(t *testing.T) {
	_, _, srvAddr := startTestServer(t, noLoss(t))
	peer := newTestPeer(t)
	accountNo := openAccount(t, peer, srvAddr, 1, "alice", 10000)

	req := wire.NewRequest(wire.OpDeposit, 1, 2, wire.AtMostOnce)
	req.Payload.SetString(wire.FieldUsername, "alice").
		SetString(wire.FieldPassword, "pw").
		SetString(wire.FieldAccountNo, accountNo).
		SetInt64(wire.FieldAmountCents, 100)
	data := encode(t, req)

	peer.send(data, srvAddr)
	first, ok := peer.recv(time.Second)
	require.True(t, ok)
	balance, _ := first.Payload.AmountCents()
	assert.Equal(t, int64(10100), balance)

	peer.send(data, srvAddr)
	second, ok := peer.recv(time.Second)
	require.True(t, ok)
	balance, _ = second.Payload.AmountCents()
	assert.Equal(t, int64(10100), balance, "duplicate did not re-execute")
	assert.Equal(t, first.Header, second.Header)
}

// The same duplication under ALO executes twice.
func TestServerALODuplicateReexecutes(t *testing.T) {
	_, _, srvAddr := startTestServer(t, noLoss(t))
	peer := newTestPeer(t)
	accountNo := openAccount(t, peer, srvAddr, 1, "alice", 10000)

	req := wire.NewRequest(wire.OpDeposit, 1, 2, wire.AtLeastOnce)
	req.Payload.SetString(wire.FieldUsername, "alice").
		SetString(wire.FieldPassword, "pw").
		SetString(wire.FieldAccountNo, accountNo).
		SetInt64(wire.FieldAmountCents, 100)
	data := encode(t, req)

	peer.send(data, srvAddr)
	_, ok := peer.recv(time.Second)
	require.True(t, ok)
	peer.send(data, srvAddr)
	rep, ok := peer.recv(time.Second)
	require.True(t, ok)
	balance, _ := rep.Payload.AmountCents()
	assert.Equal(t, int64(10200), balance, "ALO duplicate executed again")
}

func TestServerDuplicateUsernameRejected(t *testing.T) {
	_, _, srvAddr := startTestServer(t, noLoss(t))
	peer := newTestPeer(t)
	openAccount(t, peer, srvAddr, 1, "alice", 0)

	req := wire.NewRequest(wire.OpOpenAccount, 2, 1, wire.AtMostOnce)
	req.Payload.SetString(wire.FieldUsername, "alice").
		SetString(wire.FieldPassword, "other").
		SetUint8(wire.FieldCurrency, uint8(wire.USD))
	peer.send(encode(t, req), srvAddr)
	rep, ok := peer.recv(time.Second)
	require.True(t, ok)
	assert.Equal(t, wire.StatusAlreadyExists, rep.Header.Status)
	assert.True(t, rep.Header.HasError())
}

// Simulated reply loss: the first reply is dropped, the retransmitted
// request is served from the cache and the client sees a consistent
// result with exactly one execution.
func TestServerReplyLossThenRetry(t *testing.T) {
	sim, err := NewSimulator(0, 0.5)
	require.NoError(t, err)
	// First reply draw drops, everything after delivers.
	sim.setDraw(scriptDraws(0.0, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0, 1.0))

	_, _, srvAddr := startTestServer(t, sim)
	peer := newTestPeer(t)

	req := wire.NewRequest(wire.OpOpenAccount, 1, 1, wire.AtMostOnce)
	req.Payload.SetString(wire.FieldUsername, "alice").
		SetString(wire.FieldPassword, "pw").
		SetUint8(wire.FieldCurrency, uint8(wire.SGD)).
		SetInt64(wire.FieldAmountCents, 10000)
	data := encode(t, req)

	peer.send(data, srvAddr)
	_, ok := peer.recv(200 * time.Millisecond)
	assert.False(t, ok, "first reply dropped")

	peer.send(data, srvAddr)
	rep, ok := peer.recv(time.Second)
	require.True(t, ok)
	assert.Equal(t, wire.StatusOK, rep.Header.Status)

	stats := sim.Stats()
	assert.Equal(t, uint64(1), stats.RepliesDropped)
}

// Total request loss: the client never hears back and the server never
// executes.
func TestServerTotalRequestLoss(t *testing.T) {
	sim, err := NewSimulator(1, 0)
	require.NoError(t, err)
	_, disp, srvAddr := startTestServer(t, sim)
	peer := newTestPeer(t)

	req := wire.NewRequest(wire.OpOpenAccount, 1, 1, wire.AtMostOnce)
	req.Payload.SetString(wire.FieldUsername, "alice").
		SetString(wire.FieldPassword, "pw").
		SetUint8(wire.FieldCurrency, uint8(wire.SGD))
	data := encode(t, req)

	for i := 0; i < 3; i++ {
		peer.send(data, srvAddr)
		_, ok := peer.recv(100 * time.Millisecond)
		assert.False(t, ok)
	}
	assert.Eventually(t, func() bool {
		return sim.Stats().RequestsDropped == 3
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, disp.Cache().Len(), "nothing executed, nothing cached")
}

// Unparsable framing is dropped silently; a valid header with a broken
// payload earns a BAD_REQUEST reply.
func TestServerMalformedDatagrams(t *testing.T) {
	_, _, srvAddr := startTestServer(t, noLoss(t))
	peer := newTestPeer(t)

	peer.send([]byte{0xDE, 0xAD, 0xBE, 0xEF}, srvAddr)
	_, ok := peer.recv(150 * time.Millisecond)
	assert.False(t, ok, "garbage gets no reply")

	req := wire.NewRequest(wire.OpUnregisterCallback, 1, 1, wire.AtMostOnce)
	data := encode(t, req)
	// Declare one payload byte that is not there.
	data[31] = 1
	peer.send(data, srvAddr)
	rep, ok := peer.recv(time.Second)
	require.True(t, ok)
	assert.Equal(t, wire.StatusBadRequest, rep.Header.Status)
	assert.Equal(t, req.Header.RequestID, rep.Header.RequestID)
}

// A registered monitor receives an ACCOUNT_UPDATE when another client
// changes a balance.
func TestServerCallbackDelivery(t *testing.T) {
	_, _, srvAddr := startTestServer(t, noLoss(t))
	actor := newTestPeer(t)
	monitor := newTestPeer(t)

	accountNo := openAccount(t, actor, srvAddr, 1, "alice", 10000)

	reg := wire.NewRequest(wire.OpRegisterCallback, 7, 1, wire.AtMostOnce)
	reg.Payload.SetUint32(wire.FieldTTLSeconds, 60)
	monitor.send(encode(t, reg), srvAddr)
	rep, ok := monitor.recv(time.Second)
	require.True(t, ok)
	require.Equal(t, wire.StatusOK, rep.Header.Status)

	dep := wire.NewRequest(wire.OpDeposit, 1, 2, wire.AtMostOnce)
	dep.Payload.SetString(wire.FieldUsername, "alice").
		SetString(wire.FieldPassword, "pw").
		SetString(wire.FieldAccountNo, accountNo).
		SetInt64(wire.FieldAmountCents, 2500)
	actor.send(encode(t, dep), srvAddr)
	_, ok = actor.recv(time.Second)
	require.True(t, ok)

	cbk, ok := monitor.recv(time.Second)
	require.True(t, ok, "monitor receives the update")
	assert.Equal(t, wire.MsgCallback, cbk.Header.Type)
	assert.Equal(t, wire.OpAccountUpdate, cbk.Header.Op)
	no, _ := cbk.Payload.AccountNo()
	balance, _ := cbk.Payload.AmountCents()
	assert.Equal(t, accountNo, no)
	assert.Equal(t, int64(12500), balance)
}

// Checksummed requests round-trip; a corrupted one is answered with
// BAD_REQUEST since the header still parses.
func TestServerChecksummedRequest(t *testing.T) {
	_, _, srvAddr := startTestServer(t, noLoss(t))
	peer := newTestPeer(t)

	req := wire.NewRequest(wire.OpOpenAccount, 1, 1, wire.AtMostOnce)
	req.Header.Flags |= wire.FlagChecksum
	req.Payload.SetString(wire.FieldUsername, "alice").
		SetString(wire.FieldPassword, "pw").
		SetUint8(wire.FieldCurrency, uint8(wire.SGD))
	data := encode(t, req)

	corrupted := make([]byte, len(data))
	copy(corrupted, data)
	corrupted[len(corrupted)-1] ^= 0xFF
	peer.send(corrupted, srvAddr)
	rep, ok := peer.recv(time.Second)
	require.True(t, ok)
	assert.Equal(t, wire.StatusBadRequest, rep.Header.Status)

	peer.send(data, srvAddr)
	rep, ok = peer.recv(time.Second)
	require.True(t, ok)
	assert.Equal(t, wire.StatusOK, rep.Header.Status)
}
