package arbor

import (
	"sync"

	"github.com/arbor-net/arbor/log"
	"github.com/arbor-net/arbor/network"
	"golang.org/x/xerrors"
)

// nodeID indexes the graph's arena. Parent and children references are
// indices instead of pointers so the tree carries no ownership cycles.
type nodeID int

const noNode nodeID = -1

// GraphNode is one peer in the root's view of the tree.
type GraphNode struct {
	Address  network.Address
	parent   nodeID
	children []nodeID
	alive    bool
	depth    int
}

// NetworkGraph is the root's live tree of known peers. Nodes are kept in
// an arena and never freed: an evicted subtree stays reachable through the
// address index so a re-advertising descendant can be attached again.
//
// It is mutated from the main loop and the Reunion daemon, so every public
// method takes the graph lock.
type NetworkGraph struct {
	sync.Mutex
	nodes []GraphNode
	index map[network.Address]nodeID
}

// NewNetworkGraph creates a graph holding only the root node. The root is
// immortal: it can neither be removed nor turned off.
func NewNetworkGraph(root network.Address) *NetworkGraph {
	g := &NetworkGraph{
		index: map[network.Address]nodeID{root: 0},
	}
	g.nodes = append(g.nodes, GraphNode{
		Address: root,
		parent:  noNode,
		alive:   true,
	})
	return g
}

func (g *NetworkGraph) find(addr network.Address) nodeID {
	if id, ok := g.index[addr]; ok {
		return id
	}
	return noNode
}

// AddNode attaches a new node as the last child of the node at parentAddr.
// It fails when the parent is unknown or the address already exists.
func (g *NetworkGraph) AddNode(addr, parentAddr network.Address) error {
	g.Lock()
	defer g.Unlock()
	parent := g.find(parentAddr)
	if parent == noNode {
		return xerrors.Errorf("there is no node with parent address %v", parentAddr)
	}
	if g.find(addr) != noNode {
		return xerrors.Errorf("node %v already exists", addr)
	}
	id := nodeID(len(g.nodes))
	g.nodes = append(g.nodes, GraphNode{
		Address: addr,
		parent:  parent,
		alive:   true,
		depth:   g.nodes[parent].depth + 1,
	})
	g.nodes[parent].children = append(g.nodes[parent].children, id)
	g.index[addr] = id
	return nil
}

// FindLiveNode does a breadth-first search from the root and returns the
// first node that is alive, has less than two children and is neither the
// sender nor inside the sender's subtree. The sender's node is skipped on
// visit, so its descendants are never enqueued; a dead node is skipped the
// same way, so nothing below it is eligible either. BFS preserves the
// insertion order of children: the left-most shallow slot wins.
// The second return value is false when no candidate exists.
func (g *NetworkGraph) FindLiveNode(sender network.Address) (network.Address, bool) {
	g.Lock()
	defer g.Unlock()
	toVisit := []nodeID{0}
	for len(toVisit) > 0 {
		id := toVisit[0]
		toVisit = toVisit[1:]
		node := &g.nodes[id]
		if node.Address == sender || !node.alive {
			continue
		}
		if node.alive && len(node.children) < 2 {
			return node.Address, true
		}
		toVisit = append(toVisit, node.children...)
	}
	return network.Address{}, false
}

// TurnOn marks the node, and with subtree all of its descendants, alive.
func (g *NetworkGraph) TurnOn(addr network.Address, subtree bool) {
	g.Lock()
	defer g.Unlock()
	g.setAlive(addr, true, subtree)
}

// TurnOff marks the node, and with subtree all of its descendants, dead.
// A dead node does not propagate placement: FindLiveNode neither returns it
// nor searches below it.
func (g *NetworkGraph) TurnOff(addr network.Address, subtree bool) {
	g.Lock()
	defer g.Unlock()
	g.setAlive(addr, false, subtree)
}

func (g *NetworkGraph) setAlive(addr network.Address, alive, subtree bool) {
	id := g.find(addr)
	if id == noNode {
		log.Warn("No node with address", addr, "in the graph")
		return
	}
	if id == 0 && !alive {
		log.Warn("Refusing to turn off the root")
		return
	}
	g.nodes[id].alive = alive
	if subtree {
		g.eachDescendant(id, func(child nodeID) {
			g.nodes[child].alive = alive
		})
	}
}

func (g *NetworkGraph) eachDescendant(id nodeID, fn func(nodeID)) {
	for _, child := range g.nodes[id].children {
		fn(child)
		g.eachDescendant(child, fn)
	}
}

// RemoveNode detaches the node from its parent's child list and turns the
// whole subtree off. The GraphNode values stay in the arena so that a
// re-advertising descendant can be re-attached when it returns.
func (g *NetworkGraph) RemoveNode(addr network.Address) {
	g.Lock()
	defer g.Unlock()
	id := g.find(addr)
	if id == noNode {
		log.Warn("No node with address", addr, "in the graph")
		return
	}
	if id == 0 {
		log.Warn("Refusing to remove the root")
		return
	}
	g.detach(id)
	g.nodes[id].alive = false
	g.eachDescendant(id, func(child nodeID) {
		g.nodes[child].alive = false
	})
}

func (g *NetworkGraph) detach(id nodeID) {
	parent := g.nodes[id].parent
	if parent == noNode {
		return
	}
	siblings := g.nodes[parent].children
	for i, child := range siblings {
		if child == id {
			g.nodes[parent].children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	g.nodes[id].parent = noNode
}

// Reparent detaches the node from its current parent (if any) and attaches
// it as the last child of the node at parentAddr, recomputing the depth of
// the whole subtree. Used when a re-advertising client brings its old
// subtree back under a new neighbour.
func (g *NetworkGraph) Reparent(addr, parentAddr network.Address) error {
	g.Lock()
	defer g.Unlock()
	id := g.find(addr)
	if id == noNode {
		return xerrors.Errorf("there is no node with address %v", addr)
	}
	parent := g.find(parentAddr)
	if parent == noNode {
		return xerrors.Errorf("there is no node with parent address %v", parentAddr)
	}
	if id == 0 {
		return xerrors.New("cannot reparent the root")
	}
	g.detach(id)
	g.nodes[id].parent = parent
	g.nodes[parent].children = append(g.nodes[parent].children, id)
	g.redepth(id, g.nodes[parent].depth+1)
	return nil
}

func (g *NetworkGraph) redepth(id nodeID, depth int) {
	g.nodes[id].depth = depth
	for _, child := range g.nodes[id].children {
		g.redepth(child, depth+1)
	}
}

// Contains returns whether the address is known to the graph, attached or
// not.
func (g *NetworkGraph) Contains(addr network.Address) bool {
	g.Lock()
	defer g.Unlock()
	return g.find(addr) != noNode
}

// Alive returns whether the node exists and is marked alive.
func (g *NetworkGraph) Alive(addr network.Address) bool {
	g.Lock()
	defer g.Unlock()
	id := g.find(addr)
	return id != noNode && g.nodes[id].alive
}

// Depth returns the edge-distance of the node to the root.
func (g *NetworkGraph) Depth(addr network.Address) (int, bool) {
	g.Lock()
	defer g.Unlock()
	id := g.find(addr)
	if id == noNode {
		return 0, false
	}
	return g.nodes[id].depth, true
}

// Parent returns the address of the node's parent, or false for the root
// and for detached nodes.
func (g *NetworkGraph) Parent(addr network.Address) (network.Address, bool) {
	g.Lock()
	defer g.Unlock()
	id := g.find(addr)
	if id == noNode || g.nodes[id].parent == noNode {
		return network.Address{}, false
	}
	return g.nodes[g.nodes[id].parent].Address, true
}

// Children returns the addresses of the node's children in insertion
// order.
func (g *NetworkGraph) Children(addr network.Address) []network.Address {
	g.Lock()
	defer g.Unlock()
	id := g.find(addr)
	if id == noNode {
		return nil
	}
	addrs := make([]network.Address, 0, len(g.nodes[id].children))
	for _, child := range g.nodes[id].children {
		addrs = append(addrs, g.nodes[child].Address)
	}
	return addrs
}

// TreeEntry is one node of a tree snapshot, in breadth-first order.
type TreeEntry struct {
	Address network.Address `json:"address"`
	Parent  network.Address `json:"parent,omitempty"`
	Depth   int             `json:"depth"`
	Alive   bool            `json:"alive"`
}

// Snapshot walks the attached tree in breadth-first order. Detached
// subtrees are not reported.
func (g *NetworkGraph) Snapshot() []TreeEntry {
	g.Lock()
	defer g.Unlock()
	var entries []TreeEntry
	toVisit := []nodeID{0}
	for len(toVisit) > 0 {
		id := toVisit[0]
		toVisit = toVisit[1:]
		node := &g.nodes[id]
		entry := TreeEntry{
			Address: node.Address,
			Depth:   node.depth,
			Alive:   node.alive,
		}
		if node.parent != noNode {
			entry.Parent = g.nodes[node.parent].Address
		}
		entries = append(entries, entry)
		toVisit = append(toVisit, node.children...)
	}
	return entries
}
