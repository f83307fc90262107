package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wangshuile/ioredis/redisx"
)

func newTestPool(t *testing.T) (*connectionPool, *[]string) {
	t.Helper()
	events := &[]string{}
	p := newConnectionPool(redisx.Config{}, zap.NewNop())
	p.onNodeAdded = func(n *Node) { *events = append(*events, "+"+n.Key()) }
	p.onNodeRemoved = func(n *Node) { *events = append(*events, "-"+n.Key()) }
	p.onDrain = func() { *events = append(*events, "drain") }
	t.Cleanup(func() { p.reset(nil) })
	return p, events
}

func TestNodeSpecKeyCanonicalization(t *testing.T) {
	spec := NodeSpec{Host: "127.0.0.1", Port: 7000}
	assert.Equal(t, "127.0.0.1:7000", spec.Key())

	// The key form round-trips, so a key parsed out of a redirection and fed
	// back through findOrCreate lands on the same pool entry.
	parsed, ok := parseNodeKey(spec.Key())
	require.True(t, ok)
	assert.Equal(t, spec.Key(), parsed.Key())

	_, ok = parseNodeKey("no-port")
	assert.False(t, ok)
}

func TestFindOrCreateIdempotent(t *testing.T) {
	p, events := newTestPool(t)

	spec := NodeSpec{Host: "127.0.0.1", Port: 7000}
	n1 := p.findOrCreate(spec)
	n2 := p.findOrCreate(spec)
	n3 := p.findOrCreate(NodeSpec{Host: "127.0.0.1", Port: 7000, ReadOnly: true})

	assert.Same(t, n1, n2)
	assert.Same(t, n1, n3)
	assert.Len(t, p.nodes, 1)
	assert.Equal(t, []string{"+127.0.0.1:7000"}, *events)
}

func TestResetSymmetricDifference(t *testing.T) {
	p, events := newTestPool(t)

	p.reset([]NodeSpec{
		{Host: "127.0.0.1", Port: 7000},
		{Host: "127.0.0.1", Port: 7001, ReadOnly: true},
	})
	require.Len(t, p.nodes, 2)
	assert.Len(t, p.getNodes(ScaleReadsMaster), 1)
	assert.Len(t, p.getNodes(ScaleReadsSlave), 1)

	*events = nil
	// 7001 is promoted, 7000 drops out, 7002 appears.
	p.reset([]NodeSpec{
		{Host: "127.0.0.1", Port: 7001},
		{Host: "127.0.0.1", Port: 7002, ReadOnly: true},
	})
	require.Len(t, p.nodes, 2)
	assert.False(t, p.get("127.0.0.1:7001").ReadOnly(), "surviving node must be promoted")
	assert.Nil(t, p.get("127.0.0.1:7000"))
	assert.Contains(t, *events, "-127.0.0.1:7000")
	assert.Contains(t, *events, "+127.0.0.1:7002")
	assert.NotContains(t, *events, "drain")
}

func TestResetDrain(t *testing.T) {
	p, events := newTestPool(t)

	// Emptying an already empty pool does not drain.
	p.reset(nil)
	assert.NotContains(t, *events, "drain")

	p.reset([]NodeSpec{{Host: "127.0.0.1", Port: 7000}})
	p.reset(nil)
	assert.Contains(t, *events, "drain")
}

func TestGetNodesRoles(t *testing.T) {
	p, _ := newTestPool(t)
	p.reset([]NodeSpec{
		{Host: "127.0.0.1", Port: 7000},
		{Host: "127.0.0.1", Port: 7001, ReadOnly: true},
		{Host: "127.0.0.1", Port: 7002, ReadOnly: true},
	})

	assert.Len(t, p.getNodes(ScaleReadsAll), 3)
	assert.Len(t, p.getNodes(ScaleReadsMaster), 1)
	assert.Len(t, p.getNodes(ScaleReadsSlave), 2)
}

func TestShutdownNodeFailsQueuedDispatches(t *testing.T) {
	p, _ := newTestPool(t)
	n := p.findOrCreate(NodeSpec{Host: "127.0.0.1", Port: 7000})

	p.reset(nil)

	cmd := NewCommand("GET", "foo")
	got := make(chan error, 1)
	n.send(&dispatch{cmd: cmd, done: func(_ interface{}, err error) { got <- err }})
	assert.ErrorIs(t, <-got, ErrConnectionClosed)
}
