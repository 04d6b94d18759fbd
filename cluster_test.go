package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clusterSlotsReply(t *testing.T, entries ...string) Value {
	t.Helper()
	var p Parser
	for _, e := range entries {
		p.Feed([]byte(e))
	}
	v, ok, err := p.TryNext()
	require.NoError(t, err)
	require.True(t, ok)
	return v
}

func TestParseClusterSlotsSingleMasterNoReplicas(t *testing.T) {
	v := clusterSlotsReply(t,
		"*1\r\n",
		"*3\r\n",
		":0\r\n",
		":16383\r\n",
		"*2\r\n$9\r\n127.0.0.1\r\n:7000\r\n",
	)
	nodes, err := parseClusterSlots(v)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "127.0.0.1:7000", nodes[0].Address)
	assert.Equal(t, "master", nodes[0].Role)
	assert.Equal(t, [][2]int{{0, 16383}}, nodes[0].SlotRanges)
}

func TestParseClusterSlotsMasterAndReplica(t *testing.T) {
	v := clusterSlotsReply(t,
		"*1\r\n",
		"*4\r\n",
		":0\r\n",
		":8191\r\n",
		"*2\r\n$9\r\n127.0.0.1\r\n:7000\r\n",
		"*2\r\n$9\r\n127.0.0.1\r\n:7001\r\n",
	)
	nodes, err := parseClusterSlots(v)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "master", nodes[0].Role)
	assert.Equal(t, "replica", nodes[1].Role)
}

func TestParseClusterSlotsMergesRangesForSameNode(t *testing.T) {
	v := clusterSlotsReply(t,
		"*2\r\n",
		"*3\r\n:0\r\n:100\r\n*2\r\n$9\r\n127.0.0.1\r\n:7000\r\n",
		"*3\r\n:200\r\n:300\r\n*2\r\n$9\r\n127.0.0.1\r\n:7000\r\n",
	)
	nodes, err := parseClusterSlots(v)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, [][2]int{{0, 100}, {200, 300}}, nodes[0].SlotRanges)
}

func TestParseClusterSlotsRejectsNonArrayReply(t *testing.T) {
	_, err := parseClusterSlots(Value{Kind: SimpleString, Str: "OK"})
	assert.Error(t, err)
}

func TestRoutingKeyForSingleKeyCommand(t *testing.T) {
	cmd, err := NewCommand("GET", "foo")
	require.NoError(t, err)
	key, anyMaster, err := routingKeyFor(cmd)
	require.NoError(t, err)
	assert.False(t, anyMaster)
	assert.Equal(t, []byte("foo"), key)
}

func TestRoutingKeyForKeylessCommand(t *testing.T) {
	cmd, err := NewCommand("PING")
	require.NoError(t, err)
	_, anyMaster, err := routingKeyFor(cmd)
	require.NoError(t, err)
	assert.True(t, anyMaster)
}

func TestRoutingKeyForMultiKeySameSlot(t *testing.T) {
	cmd, err := NewCommand("MGET", "{tag}a", "{tag}b")
	require.NoError(t, err)
	key, anyMaster, err := routingKeyFor(cmd)
	require.NoError(t, err)
	assert.False(t, anyMaster)
	assert.Equal(t, []byte("{tag}a"), key)
}

func TestRoutingKeyForMultiKeyCrossSlotRejected(t *testing.T) {
	cmd, err := NewCommand("MGET", "{1}a", "{2}a")
	require.NoError(t, err)
	_, _, err = routingKeyFor(cmd)
	require.Error(t, err)
	var ce *RedisClusterError
	require.ErrorAs(t, err, &ce)
}

func TestParseRedirect(t *testing.T) {
	addr, err := parseRedirect("MOVED 3999 127.0.0.1:7002")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7002", addr)

	_, err = parseRedirect("MOVED garbage")
	assert.Error(t, err)
}

func TestEvalRejectsCrossSlotKeys(t *testing.T) {
	c := &Cluster{nodes: make(map[string]*nodePool)}
	_, err := c.Eval(nil, "return 1", []string{"{1}a", "{2}a"}, nil)
	require.Error(t, err)
	var ce *RedisClusterError
	require.ErrorAs(t, err, &ce)
}

func TestClusterScriptCommandsAreUnsupported(t *testing.T) {
	c := &Cluster{nodes: make(map[string]*nodePool)}
	_, err := c.ScriptLoad(nil, "return 1")
	require.Error(t, err)
	_, err = c.ScriptExists(nil, "deadbeef")
	require.Error(t, err)
	err = c.ScriptFlush(nil)
	require.Error(t, err)
	err = c.ScriptKill(nil)
	require.Error(t, err)
}
