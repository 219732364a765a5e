package server

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
)

// Simulator makes independent Bernoulli drop decisions for inbound
// requests and outbound replies. It only observes; correctness of the
// transport never depends on it. A draw >= p delivers, a draw < p drops.
type Simulator struct {
	pReq, pRep float64

	mu   sync.Mutex
	draw func() float64

	requestsSeen    atomic.Uint64
	requestsDropped atomic.Uint64
	repliesSeen     atomic.Uint64
	repliesDropped  atomic.Uint64
}

// SimulatorStats is a snapshot of the drop counters.
type SimulatorStats struct {
	RequestsSeen    uint64
	RequestsDropped uint64
	RepliesSeen     uint64
	RepliesDropped  uint64
}

// NewSimulator validates the probabilities and seeds a private RNG.
func NewSimulator(requestLoss, replyLoss float64) (*Simulator, error) {
	if requestLoss < 0 || requestLoss > 1 || replyLoss < 0 || replyLoss > 1 {
		return nil, fmt.Errorf("loss probability out of range: request=%v reply=%v", requestLoss, replyLoss)
	}
	rng := rand.New(rand.NewSource(rand.Int63()))
	return &Simulator{pReq: requestLoss, pRep: replyLoss, draw: rng.Float64}, nil
}

// setDraw replaces the Bernoulli source. Tests script it to force
// deterministic drop sequences.
func (s *Simulator) setDraw(draw func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draw = draw
}

func (s *Simulator) next() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draw()
}

// DropRequest decides the fate of one inbound request.
func (s *Simulator) DropRequest() bool {
	s.requestsSeen.Add(1)
	if s.pReq > 0 && s.next() < s.pReq {
		s.requestsDropped.Add(1)
		requestDropMeter.Mark(1)
		return true
	}
	return false
}

// DropReply decides the fate of one outbound reply.
func (s *Simulator) DropReply() bool {
	s.repliesSeen.Add(1)
	if s.pRep > 0 && s.next() < s.pRep {
		s.repliesDropped.Add(1)
		replyDropMeter.Mark(1)
		return true
	}
	return false
}

// Enabled reports whether any loss is configured.
func (s *Simulator) Enabled() bool { return s.pReq > 0 || s.pRep > 0 }

// Stats snapshots the counters.
func (s *Simulator) Stats() SimulatorStats {
	return SimulatorStats{
		RequestsSeen:    s.requestsSeen.Load(),
		RequestsDropped: s.requestsDropped.Load(),
		RepliesSeen:     s.repliesSeen.Load(),
		RepliesDropped:  s.repliesDropped.Load(),
	}
}

func (s *Simulator) String() string {
	st := s.Stats()
	return fmt.Sprintf("Simulator{reqLoss=%.0f%%, repLoss=%.0f%%, reqSeen=%d, reqDrop=%d, repSeen=%d, repDrop=%d}",
		s.pReq*100, s.pRep*100, st.RequestsSeen, st.RequestsDropped, st.RepliesSeen, st.RepliesDropped)
}
