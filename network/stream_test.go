package network

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freeAddress reserves a port on localhost and returns it in canonical
// form.
func freeAddress(t *testing.T) Address {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	addr, err := NewAddress("127.0.0.1", strconv.Itoa(port))
	require.NoError(t, err)
	return addr
}

func newTestStream(t *testing.T) *Stream {
	s, err := NewStream(freeAddress(t))
	require.NoError(t, err)
	return s
}

func waitInBuf(t *testing.T, s *Stream, n int) [][]byte {
	var bufs [][]byte
	require.Eventually(t, func() bool {
		bufs = s.ReadInBuf()
		return len(bufs) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return bufs
}

func TestStreamSendReceive(t *testing.T) {
	a := newTestStream(t)
	defer a.Close()
	b := newTestStream(t)
	defer b.Close()

	a.AddNode(b.Address(), false)
	require.NotNil(t, a.GetNode(b.Address(), false))

	a.Enqueue(b.Address(), []byte("one"), false)
	a.Enqueue(b.Address(), []byte("two"), false)
	a.FlushAll(false)

	bufs := waitInBuf(t, b, 2)
	assert.Equal(t, []byte("one"), bufs[0])
	assert.Equal(t, []byte("two"), bufs[1])

	b.ClearInBuf()
	assert.Len(t, b.ReadInBuf(), 0)
}

func TestStreamTables(t *testing.T) {
	a := newTestStream(t)
	defer a.Close()
	b := newTestStream(t)
	defer b.Close()
	c := newTestStream(t)
	defer c.Close()

	a.AddNode(b.Address(), true)
	a.AddNode(c.Address(), false)

	// the two tables are distinct
	assert.Nil(t, a.GetNode(b.Address(), false))
	assert.NotNil(t, a.GetNode(b.Address(), true))
	assert.Nil(t, a.GetNode(c.Address(), true))
	assert.NotNil(t, a.GetNode(c.Address(), false))
	assert.Equal(t, []Address{c.Address()}, a.Nodes())

	// a duplicate add is a no-op
	node := a.GetNode(b.Address(), true)
	a.AddNode(b.Address(), true)
	assert.Equal(t, node, a.GetNode(b.Address(), true))

	// flushing the register table does not touch tree links
	a.Enqueue(b.Address(), []byte("reg"), true)
	a.Enqueue(c.Address(), []byte("tree"), false)
	a.FlushAll(true)
	waitInBuf(t, b, 1)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.ReadInBuf(), 0)

	// a full flush delivers the rest
	a.FlushAll(false)
	waitInBuf(t, c, 1)
}

func TestStreamEnqueueUnknown(t *testing.T) {
	a := newTestStream(t)
	defer a.Close()
	// no panic, the message is dropped
	a.Enqueue(freeAddress(t), []byte("void"), false)
	a.FlushAll(false)
}

func TestStreamEvictsOnSendFailure(t *testing.T) {
	a := newTestStream(t)
	defer a.Close()
	b := newTestStream(t)

	a.AddNode(b.Address(), false)
	require.NotNil(t, a.GetNode(b.Address(), false))

	// kill the remote end, the next flush must evict the link
	b.Close()
	a.Enqueue(b.Address(), []byte("lost"), false)
	a.FlushAll(false)
	assert.Nil(t, a.GetNode(b.Address(), false))
}

func TestStreamAddNodeUnreachable(t *testing.T) {
	a := newTestStream(t)
	defer a.Close()
	// nobody listens there: the node must not appear in the table
	a.AddNode(freeAddress(t), false)
	assert.Len(t, a.Nodes(), 0)
}

func TestStreamDrainInBuf(t *testing.T) {
	a := newTestStream(t)
	defer a.Close()
	b := newTestStream(t)
	defer b.Close()

	a.AddNode(b.Address(), false)
	a.Enqueue(b.Address(), []byte("one"), false)
	a.FlushAll(false)
	waitInBuf(t, b, 1)

	// reading does not consume, draining does
	assert.Len(t, b.ReadInBuf(), 1)
	bufs := b.DrainInBuf()
	require.Len(t, bufs, 1)
	assert.Equal(t, []byte("one"), bufs[0])
	assert.Len(t, b.ReadInBuf(), 0)
}

func TestNodeFlushKeepsLinkOnBadAck(t *testing.T) {
	// a raw listener that answers with something that is not ACK
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			frame, err := receiveRaw(conn)
			if err != nil {
				return
			}
			_ = frame
			if _, err := conn.Write([]byte("NAK")); err != nil {
				return
			}
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	addr, err := NewAddress("127.0.0.1", strconv.Itoa(port))
	require.NoError(t, err)

	node, err := NewNode(addr, false)
	require.NoError(t, err)
	defer node.Close()
	node.Enqueue([]byte("msg"))
	// a non-ACK reply is only logged
	assert.NoError(t, node.Flush())
}
