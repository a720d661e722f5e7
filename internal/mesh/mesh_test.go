package mesh

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wavenet-mesh/wavenet/internal/protocol"
	"github.com/wavenet-mesh/wavenet/internal/transport"
)

const settle = 50 * time.Millisecond

func testConfig(t *testing.T, name string, timeout time.Duration) Config {
	return Config{
		Protocols:  []transport.Protocol{transport.NewMemory(t.Name() + "/" + name)},
		Timeout:    timeout,
		JoinSettle: settle,
		Logger:     zaptest.NewLogger(t),
	}
}

func startHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	h, err := NewHub(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Listen())
	t.Cleanup(func() { h.Kill() })
	return h
}

func startNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	n, err := NewNode(cfg)
	require.NoError(t, err)
	require.NoError(t, n.Listen())
	t.Cleanup(func() { n.Kill() })
	return n
}

// connectHub links n to h and waits for h to learn the reverse link.
func connectHub(t *testing.T, n *Node, h *Hub) {
	t.Helper()
	tr := n.cfg.Protocols[0]
	hubTr := h.cfg.Protocols[0]
	dest, err := hubTr.Public()
	require.NoError(t, err)
	require.NoError(t, n.Connect(protocol.HubID, tr, dest))

	self, err := tr.Public()
	require.NoError(t, err)
	back := transport.Link{Dest: self, Protocol: hubTr}
	require.Eventually(t, func() bool { return h.Engine().Info().HasNeighbor(back) },
		time.Second, 5*time.Millisecond)
}

// star starts a hub with len(ids) joined nodes around it.
func star(t *testing.T, timeout time.Duration, ids ...int64) (*Hub, []*Node) {
	t.Helper()
	h := startHub(t, testConfig(t, "hub", timeout))
	nodes := make([]*Node, len(ids))
	for i, id := range ids {
		cfg := testConfig(t, "node-"+string(rune('a'+i)), timeout)
		cfg.ID = id
		nodes[i] = startNode(t, cfg)
		connectHub(t, nodes[i], h)
		require.NoError(t, nodes[i].Join())
	}
	return h, nodes
}

func TestJoinFetchesHubKey(t *testing.T) {
	h, nodes := star(t, 2*time.Second, 11)
	a := nodes[0]

	key, ok := a.HubKey()
	require.True(t, ok)
	assert.Equal(t, h.PublicKey(), key)
	assert.True(t, h.Registered(11))

	got, err := h.Directory().Lookup(11)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), got)

	key, err = a.Request(protocol.HubID)
	require.NoError(t, err)
	assert.Equal(t, h.PublicKey(), key)
}

func TestHubMembers(t *testing.T) {
	h, _ := star(t, 2*time.Second, 30, 4, 17)
	ids, err := h.Members()
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 17, 30}, ids)
}

func TestDuplicateJoinTimesOut(t *testing.T) {
	h, nodes := star(t, 2*time.Second, 42)
	a := nodes[0]

	cfg := testConfig(t, "impostor", 300*time.Millisecond)
	cfg.ID = 42
	b := startNode(t, cfg)
	connectHub(t, b, h)

	err := b.Join()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, b.Joined())

	got, err := h.Directory().Lookup(42)
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), got, "first registration stands")
}

func TestRequestUnknownTimesOut(t *testing.T) {
	_, nodes := star(t, 300*time.Millisecond, 5)
	_, err := nodes[0].Request(777)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPing(t *testing.T) {
	h, nodes := star(t, time.Second, 1, 2)
	a, b := nodes[0], nodes[1]

	assert.True(t, a.Ping(b.ID()))
	assert.True(t, b.Ping(a.ID()))
	assert.True(t, a.Ping(protocol.HubID))
	assert.True(t, h.Ping(a.ID()))
	assert.False(t, a.Ping(9999999))
}

func TestPingBeforeJoin(t *testing.T) {
	h := startHub(t, testConfig(t, "hub", time.Second))
	n := startNode(t, testConfig(t, "node", time.Second))
	connectHub(t, n, h)

	require.False(t, n.Joined())
	assert.True(t, n.Ping(protocol.HubID))
}

func TestSendBeforeJoin(t *testing.T) {
	n := startNode(t, testConfig(t, "node", time.Second))
	assert.ErrorIs(t, n.SendData(3, "early"), ErrNotJoined)
}

func TestRandomID(t *testing.T) {
	n, err := NewNode(testConfig(t, "node", time.Second))
	require.NoError(t, err)
	defer n.Kill()
	assert.Positive(t, n.ID())
	for i := 0; i < 100; i++ {
		assert.Positive(t, RandomID())
	}
}

func TestDataListen(t *testing.T) {
	_, nodes := star(t, 2*time.Second, 1, 2)
	a, b := nodes[0], nodes[1]

	type result struct {
		src  int64
		body string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		src, body, err := b.RecvData(0)
		done <- result{src, body, err}
	}()
	require.Eventually(t, func() bool { return b.waiters.pending(keyAny(protocol.TypeData)) == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, a.SendData(b.ID(), "hello"))
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, a.ID(), r.src)
	assert.Equal(t, "hello", r.body)
}

func TestDataRecvFrom(t *testing.T) {
	_, nodes := star(t, 2*time.Second, 1, 2, 3)
	a, b, other := nodes[0], nodes[1], nodes[2]

	fromA := make(chan string, 1)
	fromOther := make(chan error, 1)
	go func() {
		_, body, err := b.RecvDataFrom(a.ID(), 0)
		if err != nil {
			body = err.Error()
		}
		fromA <- body
	}()
	go func() {
		_, _, err := b.RecvDataFrom(other.ID(), 500*time.Millisecond)
		fromOther <- err
	}()
	require.Eventually(t, func() bool {
		return b.waiters.pending(keyFrom(a.ID(), protocol.TypeData)) == 1 &&
			b.waiters.pending(keyFrom(other.ID(), protocol.TypeData)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.SendData(b.ID(), "for b"))
	assert.Equal(t, "for b", <-fromA)
	assert.ErrorIs(t, <-fromOther, ErrTimeout)
}

func TestDataPrefersSpecificWaiter(t *testing.T) {
	_, nodes := star(t, 2*time.Second, 1, 2)
	a, b := nodes[0], nodes[1]

	anyone := b.waiters.register(keyAny(protocol.TypeData))
	specific := b.waiters.register(keyFrom(a.ID(), protocol.TypeData))

	require.NoError(t, a.SendData(b.ID(), "first"))
	p := specific.Recv(0)
	require.False(t, p.IsNull())
	assert.Equal(t, "first", p.Body)

	require.NoError(t, a.SendData(b.ID(), "second"))
	p = anyone.Recv(0)
	require.False(t, p.IsNull())
	assert.Equal(t, "second", p.Body)
}

func TestDataNotDeliveredToOthers(t *testing.T) {
	_, nodes := star(t, 2*time.Second, 1, 2, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]

	mine := b.waiters.register(keyAny(protocol.TypeData))
	eavesdrop := c.waiters.register(keyAny(protocol.TypeData))

	require.NoError(t, a.SendData(b.ID(), "secret"))
	assert.Equal(t, "secret", mine.Recv(0).Body)
	assert.True(t, eavesdrop.Recv(200*time.Millisecond).IsNull())
}

func TestPlaintextMode(t *testing.T) {
	hcfg := testConfig(t, "hub", 2*time.Second)
	hcfg.Plaintext = true
	h := startHub(t, hcfg)

	var nodes []*Node
	for i, name := range []string{"a", "b"} {
		cfg := testConfig(t, name, 2*time.Second)
		cfg.ID = int64(i + 1)
		cfg.Plaintext = true
		n := startNode(t, cfg)
		connectHub(t, n, h)
		require.NoError(t, n.Join())
		nodes = append(nodes, n)
	}
	a, b := nodes[0], nodes[1]

	done := make(chan string, 1)
	go func() {
		_, body, _ := b.RecvDataFrom(a.ID(), 0)
		done <- body
	}()
	require.Eventually(t, func() bool { return b.waiters.pending(keyFrom(a.ID(), protocol.TypeData)) == 1 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, a.SendData(b.ID(), "in the clear"))
	assert.Equal(t, "in the clear", <-done)
	assert.True(t, a.Ping(b.ID()))
}

func TestPlaintextNeedsNoJoin(t *testing.T) {
	hcfg := testConfig(t, "hub", 2*time.Second)
	hcfg.Plaintext = true
	h := startHub(t, hcfg)

	var nodes []*Node
	for i, name := range []string{"a", "b"} {
		cfg := testConfig(t, name, 2*time.Second)
		cfg.ID = int64(i + 5)
		cfg.Plaintext = true
		n := startNode(t, cfg)
		connectHub(t, n, h)
		nodes = append(nodes, n)
	}
	a, b := nodes[0], nodes[1]
	require.False(t, a.Joined())
	require.False(t, b.Joined())

	assert.True(t, h.Ping(a.ID()), "unjoined node must answer with a pong")
	assert.True(t, a.Ping(b.ID()))

	inbox := b.waiters.register(keyFrom(a.ID(), protocol.TypeData))
	require.NoError(t, a.SendData(b.ID(), "no hub needed"))
	assert.Equal(t, "no hub needed", inbox.Recv(0).Body)
	require.NoError(t, a.SendData(protocol.HubID, "x"))

	require.NoError(t, a.Join())
	assert.True(t, a.Joined())
	_, ok := a.HubKey()
	assert.False(t, ok, "plaintext join skips the key request")
}

func TestKillWakesReceivers(t *testing.T) {
	n, err := NewNode(testConfig(t, "node", time.Hour))
	require.NoError(t, err)
	require.NoError(t, n.Listen())

	done := make(chan error, 1)
	go func() {
		_, _, err := n.RecvData(0)
		done <- err
	}()
	require.Eventually(t, func() bool { return n.waiters.pending(keyAny(protocol.TypeData)) == 1 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, n.Kill())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("RecvData still blocked after Kill")
	}
}

func TestMalformedControlIgnored(t *testing.T) {
	h := startHub(t, testConfig(t, "hub", time.Second))

	h.Engine().Recv(protocol.NewPacket(7, protocol.HubID, protocol.TypeJoin, "not json"))
	h.Engine().Recv(protocol.NewPacket(7, protocol.HubID, protocol.TypeJoin, `{"id":7}`))
	h.Engine().Recv(protocol.NewPacket(7, protocol.HubID, protocol.TypeJoin, `{"id":7,"pem":"nope"}`))
	h.Engine().Recv(protocol.NewPacket(7, protocol.HubID, protocol.TypeConnect, `{"protocol":"CARRIER-PIGEON","dest":"x"}`))
	h.Engine().Recv(protocol.NewPacket(7, protocol.HubID, protocol.TypeConnect, `{"protocol":"SOUND","dest":"aa:bb"}`))

	assert.False(t, h.Registered(7))
	assert.Empty(t, h.Engine().Info().Neighbors())
	assert.Equal(t, 1, h.Directory().Len())
}

func TestConnectUsesOwnTransport(t *testing.T) {
	h := startHub(t, testConfig(t, "hub", time.Second))
	n := startNode(t, testConfig(t, "node", time.Second))
	connectHub(t, n, h)

	links := h.Engine().Info().Neighbors()
	require.Len(t, links, 1)
	assert.Same(t, h.cfg.Protocols[0], links[0].Protocol)
}

func TestMeshOverLocalSockets(t *testing.T) {
	hcfg := testConfig(t, "hub", 2*time.Second)
	hcfg.Protocols = []transport.Protocol{transport.NewLocal(0)}
	h := startHub(t, hcfg)

	var nodes []*Node
	for i := 1; i <= 2; i++ {
		cfg := testConfig(t, "", 2*time.Second)
		cfg.ID = int64(i)
		cfg.Protocols = []transport.Protocol{transport.NewLocal(0)}
		n := startNode(t, cfg)
		connectHub(t, n, h)
		require.NoError(t, n.Join())
		nodes = append(nodes, n)
	}

	links := h.Engine().Info().Neighbors()
	require.Len(t, links, 2)
	for _, l := range links {
		assert.Equal(t, transport.Local, l.Protocol.Type())
	}
	assert.True(t, nodes[0].Ping(nodes[1].ID()))
}
