package network

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arbor-net/arbor/log"
	"golang.org/x/xerrors"
)

// a read on a connection fails with ErrTimeout after this long if nothing
// has been received. sends time out using this value as well; connects use
// dialTimeout.
var timeout = 1 * time.Minute

// dialTimeout is the timeout for connecting to an end point.
var dialTimeout = 1 * time.Minute

// Global lock for 'timeout'.
var timeoutLock = sync.RWMutex{}

// MaxPacketSize limits the amount of memory that is allocated before a
// frame is checked and thrown away if it's not legit.
var MaxPacketSize = uint32(10 * 1024 * 1024)

// MaxRetryConnect defines how many times we should try to connect.
const MaxRetryConnect = 5

// WaitRetry is the wait between connection attempts.
const WaitRetry = 20 * time.Millisecond

// ackReply is the synchronous transport-level acknowledgment: the receiver
// answers every delivered frame with these three bytes.
var ackReply = []byte("ACK")

// ErrClosed is when a connection has been closed.
var ErrClosed = xerrors.New("connection closed")

// ErrEOF is when the connection sends an EOF signal (mostly because it has
// been shut down).
var ErrEOF = xerrors.New("EOF")

// ErrCanceled means something went wrong in the sending or receiving part.
var ErrCanceled = xerrors.New("operation canceled")

// ErrTimeout is raised if the timeout has been reached.
var ErrTimeout = xerrors.New("timeout error")

// ErrUnknown is an unknown error.
var ErrUnknown = xerrors.New("unknown error")

// SetDialTimeout sets the dialing timeout for TCP connections. The default
// is one minute. This function is not thread-safe.
func SetDialTimeout(dur time.Duration) {
	dialTimeout = dur
}

// TCPClient is the outbound half of a link: a plain TCP connection that
// writes length-prefixed frames and waits for the remote's synchronous
// ACK after each one.
type TCPClient struct {
	conn net.Conn

	closed    bool
	closedMut sync.Mutex
	// So we only handle one outgoing frame at a time.
	sendMutex sync.Mutex
}

// NewTCPClient opens a connection to the given address, retrying up to
// MaxRetryConnect times.
func NewTCPClient(addr Address) (client *TCPClient, err error) {
	netAddr := addr.NetworkAddress()
	for i := 1; i <= MaxRetryConnect; i++ {
		var c net.Conn
		c, err = net.DialTimeout("tcp", netAddr, dialTimeout)
		if err == nil {
			return &TCPClient{conn: c}, nil
		}
		if i < MaxRetryConnect {
			time.Sleep(WaitRetry)
		}
	}
	if err == nil {
		err = ErrTimeout
	}
	return nil, err
}

// Send writes one frame (4-byte big-endian size followed by the payload)
// and reads the remote's synchronous three-byte reply. The reply is
// returned so the caller can verify it equals ACK; any transport failure
// is returned as one of the sentinel errors.
func (c *TCPClient) Send(b []byte) ([]byte, error) {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	timeoutLock.RLock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	timeoutLock.RUnlock()

	frameSize := uint32(len(b))
	if err := binary.Write(c.conn, binary.BigEndian, frameSize); err != nil {
		return nil, handleError(err)
	}
	var sent uint32
	for sent < frameSize {
		n, err := c.conn.Write(b[sent:])
		if err != nil {
			return nil, handleError(err)
		}
		sent += uint32(n)
	}

	timeoutLock.RLock()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	timeoutLock.RUnlock()
	reply := make([]byte, len(ackReply))
	if _, err := io.ReadFull(c.conn, reply); err != nil {
		return nil, handleError(err)
	}
	return reply, nil
}

// Remote returns the address of the peer at the end point of the
// connection.
func (c *TCPClient) Remote() string {
	return c.conn.RemoteAddr().String()
}

// Close the connection.
// Returns an error if it was already closed.
func (c *TCPClient) Close() error {
	c.closedMut.Lock()
	defer c.closedMut.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	if err := c.conn.Close(); err != nil {
		return handleError(err)
	}
	return nil
}

// errClasses maps fragments of the net package's error strings to the
// sentinel errors of this package. The strings are the only stable
// surface those errors expose.
var errClasses = []struct {
	fragment string
	sentinel error
}{
	{"use of closed", ErrClosed},
	{"broken pipe", ErrClosed},
	{"canceled", ErrCanceled},
	{"EOF", ErrEOF},
}

// handleError translates a network-layer error into one of the package's
// sentinel errors.
func handleError(err error) error {
	if err == io.EOF {
		return ErrEOF
	}
	for _, class := range errClasses {
		if strings.Contains(err.Error(), class.fragment) {
			return class.sentinel
		}
	}
	var netErr net.Error
	if xerrors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	log.Lvl3("Unclassified network error:", err)
	return ErrUnknown
}

// TCPListener accepts inbound connections, reads length-prefixed frames
// from each, hands them to the receiver function and answers every frame
// with ACK.
type TCPListener struct {
	// the underlying golang/net listener.
	listener net.Listener
	// the close channel used to indicate to the listener we want to quit.
	quit chan bool
	// quitListener is a channel to indicate to the closing function that
	// the listener has actually really quit.
	quitListener  chan bool
	listeningLock sync.Mutex
	listening     bool

	// closed tells the listen routine to return immediately if a Stop()
	// has been called.
	closed bool

	// open connections, closed together with the listener.
	connsLock sync.Mutex
	conns     map[net.Conn]struct{}

	// actual listening addr which might differ from the initial address
	// in case of a ":0"-port.
	addr net.Addr
}

// NewTCPListener returns a TCPListener bound globally on the port of
// 'addr'. A subsequent call to Address() gives the actual listening
// address, which differs if you gave it a zero port.
func NewTCPListener(addr Address) (*TCPListener, error) {
	t := &TCPListener{
		quit:         make(chan bool),
		quitListener: make(chan bool),
		conns:        make(map[net.Conn]struct{}),
	}
	port, err := addr.PortNumber()
	if err != nil {
		return nil, err
	}
	listenOn := ":" + strconv.Itoa(int(port))
	for i := 0; i < MaxRetryConnect; i++ {
		ln, err := net.Listen("tcp", listenOn)
		if err == nil {
			t.listener = ln
			break
		} else if i == MaxRetryConnect-1 {
			return nil, xerrors.New("error opening listener: " + err.Error())
		}
		time.Sleep(WaitRetry)
	}
	t.addr = t.listener.Addr()
	return t, nil
}

// Listen starts to listen for incoming connections and calls fn for every
// frame it receives. Each connection gets its own routine; frames from a
// single connection are delivered in order.
// This is a blocking call that returns when the listener is stopped.
func (t *TCPListener) Listen(fn func([]byte)) error {
	t.listeningLock.Lock()
	if t.closed {
		t.listeningLock.Unlock()
		return nil
	}
	t.listening = true
	t.listeningLock.Unlock()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.quit:
				t.quitListener <- true
				return nil
			default:
			}
			continue
		}
		go t.handleConn(conn, fn)
	}
}

func (t *TCPListener) handleConn(conn net.Conn, fn func([]byte)) {
	t.connsLock.Lock()
	t.conns[conn] = struct{}{}
	t.connsLock.Unlock()
	defer func() {
		conn.Close()
		t.connsLock.Lock()
		delete(t.conns, conn)
		t.connsLock.Unlock()
	}()
	for {
		frame, err := receiveRaw(conn)
		if err != nil {
			if err != ErrEOF && err != ErrClosed {
				log.Lvl3("Reading from", conn.RemoteAddr(), "failed:", err)
			}
			return
		}
		fn(frame)
		timeoutLock.RLock()
		conn.SetWriteDeadline(time.Now().Add(timeout))
		timeoutLock.RUnlock()
		if _, err := conn.Write(ackReply); err != nil {
			log.Lvl3("Acknowledging to", conn.RemoteAddr(), "failed:", err)
			return
		}
	}
}

// receiveRaw reads the size of the frame, then the whole frame. It blocks
// until a full frame is available.
func receiveRaw(conn net.Conn) ([]byte, error) {
	timeoutLock.RLock()
	conn.SetReadDeadline(time.Now().Add(timeout))
	timeoutLock.RUnlock()
	var total uint32
	if err := binary.Read(conn, binary.BigEndian, &total); err != nil {
		return nil, handleError(err)
	}
	if total > MaxPacketSize {
		return nil, xerrors.Errorf("%v sends too big packet: %v>%v",
			conn.RemoteAddr().String(), total, MaxPacketSize)
	}

	b := make([]byte, total)
	var read uint32
	for read < total {
		timeoutLock.RLock()
		conn.SetReadDeadline(time.Now().Add(timeout))
		timeoutLock.RUnlock()
		n, err := conn.Read(b[read:])
		if err != nil {
			return nil, handleError(err)
		}
		read += uint32(n)
	}
	return b, nil
}

// Stop the listener. It closes all open connections and waits till the
// accept loop has returned. An error from closing the listener is returned
// unless it only says the listener was already closed.
func (t *TCPListener) Stop() error {
	t.listeningLock.Lock()
	defer t.listeningLock.Unlock()

	close(t.quit)

	t.connsLock.Lock()
	for conn := range t.conns {
		conn.Close()
	}
	t.connsLock.Unlock()

	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			if handleError(err) != ErrClosed {
				return err
			}
		}
	}
	var stop bool
	if t.listening {
		for !stop {
			select {
			case <-t.quitListener:
				stop = true
			case <-time.After(time.Millisecond * 50):
				continue
			}
		}
	}

	t.quit = make(chan bool)
	t.listening = false
	t.closed = true
	return nil
}

// Address returns the listening address.
func (t *TCPListener) Address() net.Addr {
	t.listeningLock.Lock()
	defer t.listeningLock.Unlock()
	return t.addr
}

// Listening returns whether it's already listening.
func (t *TCPListener) Listening() bool {
	t.listeningLock.Lock()
	defer t.listeningLock.Unlock()
	return t.listening
}
