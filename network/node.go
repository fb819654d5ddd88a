package network

import (
	"bytes"
	"sync"

	"github.com/arbor-net/arbor/log"
)

// Node is an outbound link to one peer: the canonical remote address, a
// FIFO of encoded packets waiting to go out, and the transport client that
// carries them. A node is either a tree link or a register link; the flag
// decides which Stream table it lives in.
type Node struct {
	addr     Address
	register bool

	// both the main loop and the Reunion daemon enqueue concurrently.
	sync.Mutex
	outBuf [][]byte

	client *TCPClient
}

// NewNode opens a link to the given address. When the dial fails the node
// is not created and the error is returned.
func NewNode(addr Address, register bool) (*Node, error) {
	client, err := NewTCPClient(addr)
	if err != nil {
		return nil, err
	}
	log.Lvl2("Node added with server address", addr)
	return &Node{
		addr:     addr,
		register: register,
		client:   client,
	}, nil
}

// Address returns the canonical remote address of the link.
func (n *Node) Address() Address {
	return n.addr
}

// IsRegister returns whether this is a register link.
func (n *Node) IsRegister() bool {
	return n.register
}

// Enqueue appends an encoded packet to the outbound FIFO. It is sent on
// the next Flush.
func (n *Node) Enqueue(msg []byte) {
	n.Lock()
	defer n.Unlock()
	n.outBuf = append(n.outBuf, msg)
}

// Flush drains the outbound FIFO in order, sending every message through
// the transport and verifying the synchronous reply equals ACK. A non-ACK
// reply is logged and the link stays up; a transport error is returned so
// the owning Stream can evict the link.
func (n *Node) Flush() error {
	n.Lock()
	pending := n.outBuf
	n.outBuf = nil
	n.Unlock()

	for i, msg := range pending {
		reply, err := n.client.Send(msg)
		if err != nil {
			// anything not yet sent dies with the link.
			log.Lvl3("Dropping", len(pending)-i, "messages for", n.addr)
			return err
		}
		if !bytes.Equal(reply, ackReply) {
			log.Warnf("Not received ACK for node %v: %q", n.addr, reply)
		}
		log.Lvl5("Sent message to", n.addr)
	}
	return nil
}

// Close releases the transport.
func (n *Node) Close() {
	if err := n.client.Close(); err != nil && err != ErrClosed {
		log.Lvl3("Closing link to", n.addr, ":", err)
	}
}
