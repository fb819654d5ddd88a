package arbor

import (
	"strings"
	"sync"
	"time"

	"github.com/arbor-net/arbor/log"
	"github.com/arbor-net/arbor/network"
)

// MainLoopInterval is the period of the peer's main dispatch loop.
const MainLoopInterval = 2 * time.Second

// ReunionInterval is the period of the Reunion daemon.
const ReunionInterval = 4 * time.Second

// MaxDepth is the tree depth the Reunion timeout budget is sized for.
// Placement does not check it: FindLiveNode places by depth order only.
const MaxDepth = 8

// RootHelloTimeout is how long the root waits for a client's hello before
// evicting its subtree. It is shorter than ReunionTimeout so a client
// whose parent died is gone from the tree before it can reappear through a
// stale parent link, without evicting healthy clients mid-round.
const RootHelloTimeout = 20 * time.Second

// ReunionTimeout is how long a client waits for the hello back before
// declaring the round failed: a hello round trip traverses up to MaxDepth
// hops each way at one main-loop interval per hop (32 s), plus one daemon
// interval of slack (4 s), and the remaining 8 s are extra margin.
const ReunionTimeout = 44 * time.Second

// rttWindowSize bounds the number of hello round-trip samples kept for the
// status endpoint.
const rttWindowSize = 100

// Role tells whether a peer owns the tree or hangs from it. It is
// immutable for a process lifetime.
type Role int

const (
	// RoleRoot is the unique peer that owns the NetworkGraph and answers
	// Register and Advertise requests.
	RoleRoot Role = iota
	// RoleClient is any other peer.
	RoleClient
)

func (r Role) String() string {
	if r == RoleRoot {
		return "root"
	}
	return "client"
}

type reunionPhase int

const (
	phaseAccept reunionPhase = iota
	phasePending
)

func (p reunionPhase) String() string {
	if p == phaseAccept {
		return "accept"
	}
	return "pending"
}

// RootState holds the root-only side of the peer: the live tree and the
// time each client was last heard from.
type RootState struct {
	graph *NetworkGraph

	sync.Mutex
	lastHello map[network.Address]time.Time
}

func (r *RootState) setLastHello(addr network.Address, t time.Time) {
	r.Lock()
	defer r.Unlock()
	r.lastHello[addr] = t
}

// expired removes and returns every client not heard from within the
// timeout.
func (r *RootState) expired(now time.Time) []network.Address {
	r.Lock()
	defer r.Unlock()
	var gone []network.Address
	for addr, t := range r.lastHello {
		if now.Sub(t) > RootHelloTimeout {
			gone = append(gone, addr)
			delete(r.lastHello, addr)
		}
	}
	return gone
}

// ClientState holds the client-only side of the peer: who the root and
// parent are and where the Reunion round stands.
type ClientState struct {
	rootAddress network.Address

	sync.Mutex
	parentAddress network.Address
	hasParent     bool
	phase         reunionPhase
	lastSent      time.Time
	failed        bool
	// firstResponse stays true until the first Advertise response of the
	// process's life has been handled; that response starts the daemon.
	firstResponse bool
	rtt           []float64
}

func (c *ClientState) parent() (network.Address, bool) {
	c.Lock()
	defer c.Unlock()
	return c.parentAddress, c.hasParent
}

func (c *ClientState) isFailed() bool {
	c.Lock()
	defer c.Unlock()
	return c.failed
}

// Peer is the protocol state machine of one overlay participant. The role
// decides which of the two state variants is in use; the other stays nil.
type Peer struct {
	stream   *network.Stream
	address  network.Address
	role     Role
	root     *RootState
	client   *ClientState
	commands *CommandQueue

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRootPeer creates the root of a new overlay, listening on addr.
func NewRootPeer(addr network.Address) (*Peer, error) {
	stream, err := network.NewStream(addr)
	if err != nil {
		return nil, err
	}
	return &Peer{
		stream:  stream,
		address: addr,
		role:    RoleRoot,
		root: &RootState{
			graph:     NewNetworkGraph(addr),
			lastHello: make(map[network.Address]time.Time),
		},
		commands: NewCommandQueue(),
		stop:     make(chan struct{}),
	}, nil
}

// NewClientPeer creates a client peer listening on addr that will register
// with the root at rootAddr.
func NewClientPeer(addr, rootAddr network.Address) (*Peer, error) {
	stream, err := network.NewStream(addr)
	if err != nil {
		return nil, err
	}
	return &Peer{
		stream:  stream,
		address: addr,
		role:    RoleClient,
		client: &ClientState{
			rootAddress:   rootAddr,
			phase:         phaseAccept,
			firstResponse: true,
		},
		commands: NewCommandQueue(),
		stop:     make(chan struct{}),
	}, nil
}

// Address returns the peer's own canonical address.
func (p *Peer) Address() network.Address {
	return p.address
}

// Role returns the peer's immutable role.
func (p *Peer) Role() Role {
	return p.role
}

// Commands returns the queue the UI should push command lines into.
func (p *Peer) Commands() *CommandQueue {
	return p.commands
}

// Graph returns the root's network graph, or nil on a client.
func (p *Peer) Graph() *NetworkGraph {
	if p.root == nil {
		return nil
	}
	return p.root.graph
}

// Run is the peer's main loop. It blocks until Stop is called. The root's
// Reunion daemon starts right away; a client's only after its first
// Advertise response.
func (p *Peer) Run() {
	log.Lvl1("Starting", p.role, "peer on", p.address)
	if p.role == RoleRoot {
		go p.runReunionDaemon()
	}
	for {
		p.tick()
		select {
		case <-p.stop:
			return
		case <-time.After(MainLoopInterval):
		}
	}
}

// Stop shuts the peer down: the main loop and the Reunion daemon return
// and the stream is closed.
func (p *Peer) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.stream.Close()
	})
}

// tick runs one main-loop iteration: drain inbound frames, dispatch them,
// handle user commands and flush the outbound queues. In Reunion-failure
// mode everything except Advertise responses is dropped and only the
// register links transmit, so recovery is isolated from tree traffic that
// would not reach us anyway.
func (p *Peer) tick() {
	if p.role == RoleClient && p.client.isFailed() {
		p.recoveryTick()
		return
	}
	for _, buf := range p.stream.DrainInBuf() {
		pck, err := network.Decode(buf)
		if err != nil {
			log.Warn("Received a buffer that is no packet:", err)
			continue
		}
		p.handlePacket(pck)
	}
	p.handleCommands()
	p.stream.FlushAll(false)
}

func (p *Peer) recoveryTick() {
	for _, buf := range p.stream.DrainInBuf() {
		pck, err := network.Decode(buf)
		if err != nil {
			continue
		}
		// everything that is not the awaited Advertise response is dropped
		if pck.Type == network.TypeAdvertise && pck.Subtype() == network.SubtypeResponse {
			p.handlePacket(pck)
		}
	}
	for _, cmd := range p.commands.drain() {
		if cmd == "Advertise" {
			p.sendAdvertiseRequest()
		}
	}
	p.stream.FlushAll(true)
}

// handleCommands consumes the user commands buffered since the last tick.
// The root has no command surface and discards its queue.
func (p *Peer) handleCommands() {
	cmds := p.commands.drain()
	if p.role == RoleRoot {
		return
	}
	for _, cmd := range cmds {
		switch {
		case cmd == "Register":
			p.sendRegisterRequest()
		case cmd == "Advertise":
			p.sendAdvertiseRequest()
		case strings.HasPrefix(cmd, "SendMessage "):
			p.Broadcast(strings.TrimPrefix(cmd, "SendMessage "))
		default:
			log.Warn("Incorrect command:", cmd)
		}
	}
}

func (p *Peer) sendRegisterRequest() {
	p.stream.AddNode(p.client.rootAddress, true)
	pck := network.NewRegisterRequest(p.address, p.address)
	p.enqueue(p.client.rootAddress, pck, true)
}

func (p *Peer) sendAdvertiseRequest() {
	pck := network.NewAdvertiseRequest(p.address)
	p.enqueue(p.client.rootAddress, pck, true)
}

// Broadcast sends the text as a Message packet over every tree link.
func (p *Peer) Broadcast(text string) {
	pck := network.NewMessage(p.address, text)
	for _, addr := range p.stream.Nodes() {
		p.enqueue(addr, pck, false)
	}
}

func (p *Peer) enqueue(addr network.Address, pck *network.Packet, register bool) {
	buf, err := pck.Encode()
	if err != nil {
		log.Error("Could not encode packet:", err)
		return
	}
	p.stream.Enqueue(addr, buf, register)
}

// handlePacket validates the advisory length field and dispatches by type.
func (p *Peer) handlePacket(pck *network.Packet) {
	if uint32(len(pck.Body)) != pck.Length {
		log.Warnf("Packet from %v has body of %d bytes but header says %d, dropping",
			pck.Source, len(pck.Body), pck.Length)
		return
	}
	switch pck.Type {
	case network.TypeRegister:
		p.handleRegister(pck)
	case network.TypeAdvertise:
		p.handleAdvertise(pck)
	case network.TypeJoin:
		p.handleJoin(pck)
	case network.TypeMessage:
		p.handleMessage(pck)
	case network.TypeReunion:
		p.handleReunion(pck)
	default:
		log.Warn("Dropping packet of unknown type", pck.Type)
	}
}

// isRegistered tells the root whether the address already has a register
// link.
func (p *Peer) isRegistered(addr network.Address) bool {
	return p.stream.GetNode(addr, true) != nil
}

func (p *Peer) handleRegister(pck *network.Packet) {
	if p.role == RoleRoot {
		if pck.Subtype() != network.SubtypeRequest {
			log.Warn("Register response arrived at the root")
			return
		}
		// the body carries the address the sender wants registered, which
		// is authoritative over the header source.
		addr, err := pck.BodyAddress()
		if err != nil {
			log.Warn("Register request with invalid body:", err)
			return
		}
		if p.isRegistered(addr) {
			log.Warn("An already registered node wants to register again:", addr)
			return
		}
		log.Lvl1("Register request received from", addr)
		p.stream.AddNode(addr, true)
		p.enqueue(addr, network.NewRegisterResponse(p.address), true)
		return
	}

	switch {
	case pck.Subtype() == network.SubtypeRequest:
		log.Warn("Register request arrived at a non-root peer")
	case pck.Subtype() == network.SubtypeResponse && pck.Body == "RESACK":
		log.Lvl1("Registered at the root", pck.Source)
	default:
		log.Warn("Incorrect register response received at", p.address)
	}
}

func (p *Peer) handleAdvertise(pck *network.Packet) {
	switch pck.Subtype() {
	case network.SubtypeRequest:
		p.handleAdvertiseRequest(pck)
	case network.SubtypeResponse:
		p.handleAdvertiseResponse(pck)
	default:
		log.Warn("Undefined advertise packet received")
	}
}

func (p *Peer) handleAdvertiseRequest(pck *network.Packet) {
	if p.role != RoleRoot {
		log.Warn("Received an advertise request on a non-root peer")
		return
	}
	src := pck.Source
	if !p.isRegistered(src) {
		log.Warn("Not registered node wants to advertise:", src)
		return
	}
	log.Lvl2("Advertise request received from", src)
	graph := p.root.graph
	neighbour, ok := graph.FindLiveNode(src)
	if !ok {
		log.Warn("There is no neighbour node for", src)
		return
	}
	if graph.Contains(src) {
		// a re-advertise after Reunion failure: revive the old subtree and
		// hang it under the chosen neighbour.
		graph.TurnOn(src, true)
		if err := graph.Reparent(src, neighbour); err != nil {
			log.Warn("Could not reparent", src, ":", err)
			return
		}
	} else if err := graph.AddNode(src, neighbour); err != nil {
		log.Warn("Could not add", src, "to the graph:", err)
		return
	}
	p.enqueue(src, network.NewAdvertiseResponse(p.address, neighbour), true)
	// seed the hello clock so the new child is not evicted before its
	// first round.
	p.root.setLastHello(src, time.Now())
}

func (p *Peer) handleAdvertiseResponse(pck *network.Packet) {
	if p.role == RoleRoot {
		log.Warn("Root received an advertise response")
		return
	}
	c := p.client
	if pck.Source != c.rootAddress {
		log.Warn("Received an advertise response from a non-root peer:", pck.Source)
		return
	}
	neighbour, err := pck.BodyAddress()
	if err != nil {
		log.Warn("Advertise response with invalid body:", err)
		return
	}
	log.Lvl1("Advertise response received, the parent is", neighbour)

	c.Lock()
	c.parentAddress = neighbour
	c.hasParent = true
	c.phase = phaseAccept
	c.failed = false
	first := c.firstResponse
	c.firstResponse = false
	c.Unlock()

	p.stream.AddNode(neighbour, false)
	p.enqueue(neighbour, network.NewJoin(p.address), false)

	if first {
		go p.runReunionDaemon()
	}
}

func (p *Peer) handleJoin(pck *network.Packet) {
	if p.stream.GetNode(pck.Source, false) != nil {
		log.Warn("An already joined peer wants to join again:", pck.Source)
		return
	}
	log.Lvl1("Join received from", pck.Source)
	p.stream.AddNode(pck.Source, false)
}

func (p *Peer) handleMessage(pck *network.Packet) {
	if p.stream.GetNode(pck.Source, false) == nil {
		log.Warn("Received a message from unknown source", pck.Source)
		return
	}
	log.Lvl1("Message", pck.Body, "received from", pck.Source)
	// rebroadcast with ourselves as the source, to every tree neighbour
	// except the link it arrived on. Loop freedom comes from the tree
	// topology, not from de-duplication.
	fresh := network.NewMessage(p.address, pck.Body)
	for _, addr := range p.stream.Nodes() {
		if addr != pck.Source {
			p.enqueue(addr, fresh, false)
		}
	}
}

func (p *Peer) handleReunion(pck *network.Packet) {
	path, err := pck.ReunionPath()
	if err != nil {
		log.Warn("Reunion packet has an invalid path:", err)
		return
	}
	if len(path) == 0 {
		log.Warn("Reunion packet with an empty path")
		return
	}
	switch pck.Subtype() {
	case network.SubtypeRequest:
		p.handleHello(path)
	case network.SubtypeResponse:
		p.handleHelloBack(path)
	default:
		log.Warn("Undefined reunion packet received")
	}
}

// handleHello processes the upstream liveness probe. The body carries the
// path taken so far, origin first.
func (p *Peer) handleHello(path []network.Address) {
	if p.role == RoleRoot {
		origin := path[0]
		p.root.setLastHello(origin, time.Now())
		p.root.graph.TurnOn(origin, false)
		// the reply walks the recorded path backwards, so no routing state
		// is needed at the intermediate hops.
		reverse(path)
		back, err := network.NewReunion(network.SubtypeResponse, p.address, path)
		if err != nil {
			log.Warn("Could not build hello back:", err)
			return
		}
		p.enqueue(path[0], back, false)
		return
	}

	parent, ok := p.client.parent()
	if !ok {
		log.Warn("Received a hello but have no parent to forward it to")
		return
	}
	path = append(path, p.address)
	fwd, err := network.NewReunion(network.SubtypeRequest, p.address, path)
	if err != nil {
		log.Warn("Could not extend hello:", err)
		return
	}
	p.enqueue(parent, fwd, false)
}

// handleHelloBack processes the downstream reply. The path is ordered so
// that the receiver is first and the origin of the hello is last.
func (p *Peer) handleHelloBack(path []network.Address) {
	if path[0] != p.address {
		log.Warn("Hello back arrived at", p.address, "but is headed to", path[0])
		return
	}
	if len(path) == 1 {
		if p.role == RoleRoot {
			log.Warn("Root received a terminal hello back")
			return
		}
		c := p.client
		c.Lock()
		c.phase = phaseAccept
		c.failed = false
		if !c.lastSent.IsZero() {
			c.rtt = append(c.rtt, time.Since(c.lastSent).Seconds())
			if len(c.rtt) > rttWindowSize {
				c.rtt = c.rtt[len(c.rtt)-rttWindowSize:]
			}
		}
		c.Unlock()
		log.Lvl3("Reunion round completed at", p.address)
		return
	}
	fwd, err := network.NewReunion(network.SubtypeResponse, p.address, path[1:])
	if err != nil {
		log.Warn("Could not strip hello back:", err)
		return
	}
	p.enqueue(path[1], fwd, false)
}

func reverse(path []network.Address) {
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
}
