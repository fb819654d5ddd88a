package arbor

import (
	"strconv"
	"testing"

	"github.com/arbor-net/arbor/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initiate builds the graph
//
//	root
//	├── n2
//	│   ├── n4
//	│   └── n5
//	└── n3
func initiate(t *testing.T) (*NetworkGraph, []network.Address) {
	addrs := []network.Address{
		mustAddress(t, "192.168.1.1", "2005"),
		mustAddress(t, "192.168.1.2", "125"),
		mustAddress(t, "192.168.1.3", "125"),
		mustAddress(t, "192.168.1.4", "125"),
		mustAddress(t, "192.168.1.5", "125"),
	}
	g := NewNetworkGraph(addrs[0])
	require.NoError(t, g.AddNode(addrs[1], addrs[0]))
	require.NoError(t, g.AddNode(addrs[2], addrs[0]))
	require.NoError(t, g.AddNode(addrs[3], addrs[1]))
	require.NoError(t, g.AddNode(addrs[4], addrs[1]))
	return g, addrs
}

func TestFindLiveNodeNewSender(t *testing.T) {
	g, addrs := initiate(t)
	// root and n2 are full, n3 is the shallowest open slot
	neighbour, ok := g.FindLiveNode(mustAddress(t, "192.168.1.6", "125"))
	require.True(t, ok)
	assert.Equal(t, addrs[2], neighbour)
}

func TestFindLiveNodeSkipsSender(t *testing.T) {
	g, addrs := initiate(t)
	// n3 would be the answer but is the sender itself
	neighbour, ok := g.FindLiveNode(addrs[2])
	require.True(t, ok)
	assert.Equal(t, addrs[3], neighbour)
}

func TestFindLiveNodeExcludesSubtree(t *testing.T) {
	g, addrs := initiate(t)
	// n2's descendants n4/n5 must never be enqueued; n3 wins
	neighbour, ok := g.FindLiveNode(addrs[1])
	require.True(t, ok)
	assert.Equal(t, addrs[2], neighbour)
}

func TestFindLiveNodeSkipsDead(t *testing.T) {
	g, addrs := initiate(t)
	g.TurnOff(addrs[2], false)
	neighbour, ok := g.FindLiveNode(mustAddress(t, "192.168.1.6", "125"))
	require.True(t, ok)
	assert.Equal(t, addrs[3], neighbour)
}

func TestFindLiveNodeNoCandidate(t *testing.T) {
	g := NewNetworkGraph(mustAddress(t, "10.0.0.1", "2000"))
	// only the root exists and it is the sender
	_, ok := g.FindLiveNode(mustAddress(t, "10.0.0.1", "2000"))
	assert.False(t, ok)
}

func TestFanOutBound(t *testing.T) {
	root := mustAddress(t, "10.0.0.0", "2000")
	g := NewNetworkGraph(root)
	var addrs []network.Address
	for i := 1; i <= 20; i++ {
		addrs = append(addrs, mustAddress(t, "10.0.1.1", strconv.Itoa(2000+i)))
	}
	for _, addr := range addrs {
		neighbour, ok := g.FindLiveNode(addr)
		require.True(t, ok)
		require.NoError(t, g.AddNode(addr, neighbour))
	}
	// every node placed through FindLiveNode respects the bound
	assert.True(t, len(g.Children(root)) <= 2)
	for _, addr := range addrs {
		assert.True(t, len(g.Children(addr)) <= 2)
	}
	// 20 nodes in a binary tree fit within the protocol's depth bound
	for _, addr := range addrs {
		depth, ok := g.Depth(addr)
		require.True(t, ok)
		assert.True(t, depth <= MaxDepth)
	}
}

func TestShallowestFirstPlacement(t *testing.T) {
	g, addrs := initiate(t)
	// n3 (depth 1) must win over n4/n5 (depth 2)
	sender := mustAddress(t, "192.168.1.7", "125")
	neighbour, ok := g.FindLiveNode(sender)
	require.True(t, ok)
	d3, _ := g.Depth(addrs[2])
	dn, _ := g.Depth(neighbour)
	assert.Equal(t, d3, dn)
	assert.Equal(t, addrs[2], neighbour)
}

func TestAddNodeErrors(t *testing.T) {
	g, addrs := initiate(t)
	// unknown parent
	err := g.AddNode(mustAddress(t, "192.168.1.8", "125"), mustAddress(t, "192.168.1.9", "125"))
	assert.Error(t, err)
	// duplicate child
	err = g.AddNode(addrs[1], addrs[0])
	assert.Error(t, err)
}

func TestRemoveNode(t *testing.T) {
	g, addrs := initiate(t)
	g.RemoveNode(addrs[1])

	// detached and dead, together with its subtree
	assert.False(t, g.Alive(addrs[1]))
	assert.False(t, g.Alive(addrs[3]))
	assert.False(t, g.Alive(addrs[4]))
	_, attached := g.Parent(addrs[1])
	assert.False(t, attached)
	assert.Equal(t, []network.Address{addrs[2]}, g.Children(addrs[0]))

	// but still known, ready for a re-Advertise
	assert.True(t, g.Contains(addrs[1]))
	assert.True(t, g.Contains(addrs[4]))

	// the dead subtree is ineligible for placement: the slot it freed on
	// the root is the shallowest one left
	neighbour, ok := g.FindLiveNode(mustAddress(t, "192.168.1.6", "125"))
	require.True(t, ok)
	assert.Equal(t, addrs[0], neighbour)

	// the root is immortal
	g.RemoveNode(addrs[0])
	assert.True(t, g.Alive(addrs[0]))
	g.TurnOff(addrs[0], false)
	assert.True(t, g.Alive(addrs[0]))
}

func TestReparent(t *testing.T) {
	g, addrs := initiate(t)
	g.RemoveNode(addrs[1])

	// the returning subtree is revived and hung under n3
	g.TurnOn(addrs[1], true)
	require.NoError(t, g.Reparent(addrs[1], addrs[2]))

	parent, ok := g.Parent(addrs[1])
	require.True(t, ok)
	assert.Equal(t, addrs[2], parent)
	assert.Equal(t, []network.Address{addrs[1]}, g.Children(addrs[2]))
	assert.True(t, g.Alive(addrs[4]))

	// depths follow the new position
	d1, _ := g.Depth(addrs[1])
	d4, _ := g.Depth(addrs[4])
	assert.Equal(t, 2, d1)
	assert.Equal(t, 3, d4)

	assert.Error(t, g.Reparent(addrs[0], addrs[2]))
	assert.Error(t, g.Reparent(mustAddress(t, "192.168.1.9", "125"), addrs[2]))
}

func TestSnapshot(t *testing.T) {
	g, addrs := initiate(t)
	entries := g.Snapshot()
	require.Len(t, entries, 5)
	assert.Equal(t, addrs[0], entries[0].Address)
	assert.Equal(t, 0, entries[0].Depth)
	assert.True(t, entries[0].Alive)
	// breadth first: the two depth-1 children come next
	assert.Equal(t, addrs[1], entries[1].Address)
	assert.Equal(t, addrs[2], entries[2].Address)
	assert.Equal(t, addrs[0], entries[1].Parent)

	// a removed subtree disappears from the snapshot but not the arena
	g.RemoveNode(addrs[1])
	assert.Len(t, g.Snapshot(), 2)
}
