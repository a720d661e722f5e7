package adaptor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wavenet-mesh/wavenet/internal/mesh"
	"github.com/wavenet-mesh/wavenet/internal/protocol"
	"github.com/wavenet-mesh/wavenet/internal/transport"
)

func config(t *testing.T, name string, id int64) mesh.Config {
	return mesh.Config{
		ID:         id,
		Protocols:  []transport.Protocol{transport.NewMemory(t.Name() + "/" + name)},
		Timeout:    2 * time.Second,
		JoinSettle: 50 * time.Millisecond,
		Logger:     zaptest.NewLogger(t),
	}
}

func TestRequiresProtocols(t *testing.T) {
	_, err := NewBasicHub(mesh.Config{})
	assert.ErrorIs(t, err, ErrNoProtocols)
	_, err = NewBasicNode(mesh.Config{})
	assert.ErrorIs(t, err, ErrNoProtocols)
}

func TestLifecycle(t *testing.T) {
	n, err := NewBasicNode(config(t, "node", 3))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n.MyID())

	assert.ErrorIs(t, n.Join(), ErrNotRunning)
	assert.ErrorIs(t, n.Send(1, "x"), ErrNotRunning)
	_, _, err = n.Listen(0)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, _, err = n.Recv(1, 0)
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = n.Ping(1)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, n.Connect(0, transport.NewMemory(""), "x"), ErrNotRunning)
	assert.ErrorIs(t, n.Kill(), ErrNotRunning)

	require.NoError(t, n.Run())
	assert.ErrorIs(t, n.Run(), ErrAlreadyRunning)
	require.NoError(t, n.Kill())
	assert.ErrorIs(t, n.Kill(), ErrNotRunning)
	assert.ErrorIs(t, n.Run(), ErrKilled)
	assert.ErrorIs(t, n.Send(1, "x"), ErrNotRunning)
}

func TestHubLifecycle(t *testing.T) {
	h, err := NewBasicHub(config(t, "hub", 0))
	require.NoError(t, err)
	_, err = h.Ping(1)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, h.Run())
	assert.ErrorIs(t, h.Run(), ErrAlreadyRunning)
	require.NoError(t, h.Kill())
}

func TestBasicMesh(t *testing.T) {
	hubCfg := config(t, "hub", 0)
	h, err := NewBasicHub(hubCfg)
	require.NoError(t, err)
	require.NoError(t, h.Run())
	t.Cleanup(func() { h.Kill() })
	hubDest, err := hubCfg.Protocols[0].Public()
	require.NoError(t, err)

	nodes := make([]*BasicNode, 2)
	for i := range nodes {
		cfg := config(t, string(rune('a'+i)), int64(i+1))
		n, err := NewBasicNode(cfg)
		require.NoError(t, err)
		require.NoError(t, n.Run())
		t.Cleanup(func() { n.Kill() })

		require.NoError(t, n.Connect(protocol.HubID, cfg.Protocols[0], hubDest))
		require.Eventually(t, func() bool { return len(h.Hub().Engine().Info().Neighbors()) == i+1 },
			time.Second, 5*time.Millisecond)
		require.NoError(t, n.Join())
		nodes[i] = n
	}
	a, b := nodes[0], nodes[1]

	ok, err := a.Ping(b.MyID())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.Ping(b.MyID())
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = b.Listen(100 * time.Millisecond)
	assert.ErrorIs(t, err, mesh.ErrTimeout)

	got := make(chan string, 1)
	go func() {
		_, msg, err := b.Recv(a.MyID(), 0)
		if err != nil {
			msg = err.Error()
		}
		got <- msg
	}()
	// Recv registers asynchronously; retry the send until it lands.
	require.Eventually(t, func() bool {
		assert.NoError(t, a.Send(b.MyID(), "hello"))
		select {
		case msg := <-got:
			assert.Equal(t, "hello", msg)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, time.Millisecond)
}
