package network

import (
	"sync"

	"github.com/arbor-net/arbor/log"
)

// Stream owns a peer's inbound listener and all of its outbound links.
// Links live in two separate tables keyed by canonical address: 'nodes'
// holds the tree edges and 'registerNodes' the control edges to/from the
// root. The tables are separate so that flushing only the register links
// during Reunion failure is an iteration over one table instead of a
// conditional over every link: the register link is the lifeline a client
// uses to re-Advertise when tree traffic cannot reach it anymore.
//
// The listener runs on its own routine and appends every delivered frame
// to a single in-buffer; the transport answers ACK synchronously.
type Stream struct {
	addr     Address
	listener *TCPListener

	// covers the two tables and the in-buffer.
	sync.Mutex
	inBuf         [][]byte
	nodes         map[Address]*Node
	registerNodes map[Address]*Node
}

// NewStream binds a listener on the given canonical address and starts
// accepting inbound frames.
func NewStream(addr Address) (*Stream, error) {
	listener, err := NewTCPListener(addr)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		addr:          addr,
		listener:      listener,
		nodes:         make(map[Address]*Node),
		registerNodes: make(map[Address]*Node),
	}
	go func() {
		listener.Listen(func(frame []byte) {
			s.Lock()
			s.inBuf = append(s.inBuf, frame)
			s.Unlock()
		})
	}()
	return s, nil
}

// Address returns the canonical address the stream listens on.
func (s *Stream) Address() Address {
	return s.addr
}

func (s *Stream) table(register bool) map[Address]*Node {
	if register {
		return s.registerNodes
	}
	return s.nodes
}

// AddNode creates a link to the given address and stores it in the tree or
// register table. Adding an address that is already present is a no-op.
func (s *Stream) AddNode(addr Address, register bool) {
	s.Lock()
	if _, ok := s.table(register)[addr]; ok {
		s.Unlock()
		return
	}
	s.Unlock()

	// dial outside the table lock, it can take a while.
	node, err := NewNode(addr, register)
	if err != nil {
		log.Warn("Node was not added:", addr, err)
		return
	}

	s.Lock()
	defer s.Unlock()
	if _, ok := s.table(register)[addr]; ok {
		// lost the race against a concurrent add.
		node.Close()
		return
	}
	s.table(register)[addr] = node
}

// GetNode returns the link with the given address, or nil if there is
// none.
func (s *Stream) GetNode(addr Address, register bool) *Node {
	s.Lock()
	defer s.Unlock()
	return s.table(register)[addr]
}

// RemoveNode closes the link and drops it from its table.
func (s *Stream) RemoveNode(node *Node) {
	node.Close()
	s.Lock()
	defer s.Unlock()
	if _, ok := s.table(node.IsRegister())[node.Address()]; !ok {
		log.Warn("Wants to remove a non-existing node:", node.Address())
		return
	}
	delete(s.table(node.IsRegister()), node.Address())
}

// Enqueue appends the message to the out-buffer of the link with the given
// address. Unknown addresses are reported and the message is dropped.
func (s *Stream) Enqueue(addr Address, msg []byte, register bool) {
	node := s.GetNode(addr, register)
	if node == nil {
		log.Warnf("There is no node with address %v in stream %v", addr, s.addr)
		return
	}
	node.Enqueue(msg)
}

// Nodes returns the addresses of all current tree links.
func (s *Stream) Nodes() []Address {
	s.Lock()
	defer s.Unlock()
	addrs := make([]Address, 0, len(s.nodes))
	for addr := range s.nodes {
		addrs = append(addrs, addr)
	}
	return addrs
}

// FlushAll sends the buffered messages of every link. With onlyRegister it
// touches the register table alone; otherwise both tables are flushed. A
// link whose transport fails is evicted together with anything still
// buffered on it.
func (s *Stream) FlushAll(onlyRegister bool) {
	tables := [][]*Node{s.snapshot(true)}
	if !onlyRegister {
		tables = append(tables, s.snapshot(false))
	}
	for _, nodes := range tables {
		for _, node := range nodes {
			if err := node.Flush(); err != nil {
				log.Warnf("Could not send to %v, evicting the link: %v", node.Address(), err)
				s.RemoveNode(node)
			}
		}
	}
}

func (s *Stream) snapshot(register bool) []*Node {
	s.Lock()
	defer s.Unlock()
	nodes := make([]*Node, 0, len(s.table(register)))
	for _, node := range s.table(register) {
		nodes = append(nodes, node)
	}
	return nodes
}

// DrainInBuf returns the frames delivered since the last drain and clears
// the buffer in the same step, so a frame arriving concurrently is never
// lost between the two.
func (s *Stream) DrainInBuf() [][]byte {
	s.Lock()
	defer s.Unlock()
	bufs := s.inBuf
	s.inBuf = nil
	return bufs
}

// ReadInBuf returns a snapshot of the buffered inbound frames without
// consuming them.
func (s *Stream) ReadInBuf() [][]byte {
	s.Lock()
	defer s.Unlock()
	bufs := make([][]byte, len(s.inBuf))
	copy(bufs, s.inBuf)
	return bufs
}

// ClearInBuf discards all buffered inbound frames.
func (s *Stream) ClearInBuf() {
	s.Lock()
	defer s.Unlock()
	s.inBuf = nil
}

// Close stops the listener and closes every link.
func (s *Stream) Close() {
	if err := s.listener.Stop(); err != nil {
		log.Lvl3("Stopping listener:", err)
	}
	s.Lock()
	defer s.Unlock()
	for _, node := range s.nodes {
		node.Close()
	}
	for _, node := range s.registerNodes {
		node.Close()
	}
	s.nodes = make(map[Address]*Node)
	s.registerNodes = make(map[Address]*Node)
}
