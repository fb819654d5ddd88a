package arbor

import (
	"time"

	"github.com/arbor-net/arbor/log"
	"github.com/arbor-net/arbor/network"
)

// runReunionDaemon is the timed half of the liveness protocol. On the root
// it evicts clients that went quiet; on a client it alternates between
// sending a hello and watching for the round to time out. It shares the
// Stream and the graph with the main loop; the per-structure locks
// serialize the two.
func (p *Peer) runReunionDaemon() {
	log.Lvl2("Starting reunion daemon on", p.address)
	for {
		if p.role == RoleRoot {
			p.rootReunionTick()
		} else {
			p.clientReunionTick()
		}
		select {
		case <-p.stop:
			return
		case <-time.After(ReunionInterval):
		}
	}
}

// rootReunionTick removes every client whose hellos stopped arriving. The
// subtree is marked dead and detached, but its GraphNode entries stay
// reachable for a later re-Advertise. The evicted client's children are
// not notified; they discover the loss through their own Reunion timing.
func (p *Peer) rootReunionTick() {
	for _, addr := range p.root.expired(time.Now()) {
		log.Warn("Reunion failed from", addr, "- removing its subtree from the live tree")
		p.root.graph.RemoveNode(addr)
	}
}

// clientReunionTick drives the two-state hello machine. In accept it sends
// a fresh hello up the tree and starts waiting; in pending it checks the
// round against ReunionTimeout and, once the round is lost, asks the root
// for a new parent through the register link. The phase stays pending
// until the main loop processes an Advertise response.
func (p *Peer) clientReunionTick() {
	c := p.client
	c.Lock()
	phase := c.phase
	c.Unlock()

	switch phase {
	case phasePending:
		c.Lock()
		elapsed := time.Since(c.lastSent)
		timedOut := elapsed > ReunionTimeout
		if timedOut {
			c.failed = true
		}
		c.Unlock()
		if timedOut {
			log.Warn("Reunion hello back did not arrive within", ReunionTimeout, "- re-advertising")
			p.sendAdvertiseRequest()
		}

	case phaseAccept:
		parent, ok := c.parent()
		if !ok {
			log.Warn("No parent to send the hello to")
			return
		}
		hello, err := network.NewReunion(network.SubtypeRequest, p.address, []network.Address{p.address})
		if err != nil {
			log.Error("Could not build hello:", err)
			return
		}
		c.Lock()
		c.failed = false
		c.lastSent = time.Now()
		c.phase = phasePending
		c.Unlock()
		p.enqueue(parent, hello, false)
	}
}
