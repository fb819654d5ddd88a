package arbor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arbor-net/arbor/log"
	"github.com/gorilla/websocket"
	"github.com/montanaflynn/stats"
	"gopkg.in/tylerb/graceful.v1"
)

// Status is the read-only snapshot a peer serves on its status endpoint.
type Status struct {
	Role    string `json:"role"`
	Address string `json:"address"`
	// client only
	Parent        string        `json:"parent,omitempty"`
	ReunionPhase  string        `json:"reunionPhase,omitempty"`
	ReunionFailed bool          `json:"reunionFailed,omitempty"`
	Reunion       *ReunionStats `json:"reunion,omitempty"`
	// root only
	Tree []TreeEntry `json:"tree,omitempty"`
}

// ReunionStats aggregates the recorded hello round-trip times of a client.
type ReunionStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Status collects the current snapshot of the peer.
func (p *Peer) Status() Status {
	st := Status{
		Role:    p.role.String(),
		Address: p.address.String(),
	}
	if p.role == RoleRoot {
		st.Tree = p.root.graph.Snapshot()
		return st
	}
	c := p.client
	c.Lock()
	if c.hasParent {
		st.Parent = c.parentAddress.String()
	}
	st.ReunionPhase = c.phase.String()
	st.ReunionFailed = c.failed
	samples := make([]float64, len(c.rtt))
	copy(samples, c.rtt)
	c.Unlock()
	st.Reunion = reunionStats(samples)
	return st
}

func reunionStats(samples []float64) *ReunionStats {
	if len(samples) == 0 {
		return nil
	}
	mean, _ := stats.Mean(samples)
	stddev, _ := stats.StandardDeviation(samples)
	min, _ := stats.Min(samples)
	max, _ := stats.Max(samples)
	return &ReunionStats{
		Count:  len(samples),
		Mean:   mean,
		StdDev: stddev,
		Min:    min,
		Max:    max,
	}
}

// StatusServer answers websocket requests with a JSON snapshot of the
// peer. It is read-only: there is no control surface on this port.
type StatusServer struct {
	peer   *Peer
	server *graceful.Server
}

// NewStatusServer prepares a status endpoint on the given port. Call
// Start to begin serving.
func NewStatusServer(peer *Peer, port int) *StatusServer {
	s := &StatusServer{peer: peer}
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		log.Lvl4("ok?", r.RemoteAddr)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/status", s.handleStatus)
	s.server = &graceful.Server{
		Timeout: 100 * time.Millisecond,
		Server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}
	return s
}

// Start listens on the status port. This is a blocking call until Stop.
func (s *StatusServer) Start() error {
	log.Lvl2("Starting status endpoint on", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop shuts the endpoint down, waiting briefly for in-flight requests.
func (s *StatusServer) Stop() {
	s.server.Stop(100 * time.Millisecond)
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	u := websocket.Upgrader{
		// the snapshot is served to whatever monitoring page asks for it.
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	ws, err := u.Upgrade(w, r, http.Header{})
	if err != nil {
		log.Error(err)
		return
	}
	defer ws.Close()

	// every received message, whatever its content, is answered with a
	// fresh snapshot.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		buf, err := json.Marshal(s.peer.Status())
		if err != nil {
			log.Error("Could not marshal status:", err)
			return
		}
		if err := ws.WriteMessage(websocket.TextMessage, buf); err != nil {
			return
		}
	}
}
