package server

import (
	"net"
	"net/netip"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/netutil"

	"github.com/bankd/bankd/wire"
)

// maxDatagram is the read buffer size; a header plus MaxPayload plus the
// checksum trailer always fits.
const maxDatagram = 65535

// conn abstracts the UDP socket so tests can substitute a fake.
// *net.UDPConn satisfies it.
type conn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	Close() error
	LocalAddr() net.Addr
}

// Server owns one datagram endpoint and runs the receive loop: decode,
// dispatch, transmit. A single goroutine services all requests; the
// dispatcher call is synchronous.
type Server struct {
	conn conn
	disp *Dispatcher
	sim  *Simulator
	log  log.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer wires the transport and registers itself as the dispatcher's
// callback sender.
func NewServer(c conn, disp *Dispatcher, sim *Simulator) *Server {
	s := &Server{
		conn: c,
		disp: disp,
		sim:  sim,
		log:  log.New("component", "server"),
	}
	disp.SetSender(s)
	return s
}

// Listen opens a UDP socket on port and returns a server bound to it.
func Listen(port int, disp *Dispatcher, sim *Simulator) (*Server, error) {
	c, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return NewServer(c, disp, sim), nil
}

// Start launches the receive loop.
func (s *Server) Start() {
	s.log.Info("UDP listener up", "addr", s.conn.LocalAddr(), "lossSim", s.sim.Enabled())
	s.wg.Add(1)
	go s.readLoop()
}

// Stop closes the socket and waits for the receive loop to drain.
func (s *Server) Stop() {
	s.closeOnce.Do(func() { s.conn.Close() })
	s.wg.Wait()
}

// readLoop receives one datagram at a time and hands it to handlePacket.
// Temporary read errors are tolerated; a permanent error (socket closed)
// ends the loop.
func (s *Server) readLoop() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFromUDPAddrPort(buf)
		if netutil.IsTemporaryError(err) {
			s.log.Debug("Temporary read error", "err", err)
			continue
		} else if err != nil {
			s.log.Debug("Read loop terminating", "err", err)
			return
		}
		ingressTrafficMeter.Mark(int64(n))
		s.handlePacket(buf[:n], from)
	}
}

func (s *Server) handlePacket(buf []byte, from netip.AddrPort) {
	if s.sim.DropRequest() {
		// Peek the requestId for the log line; the datagram never reaches
		// the dispatcher.
		if h, err := wire.DecodeHeader(buf); err == nil {
			s.log.Info("Simulated request loss", "requestId", h.RequestID, "from", from)
		} else {
			s.log.Info("Simulated request loss", "from", from)
		}
		return
	}

	h, err := wire.DecodeHeader(buf)
	if err != nil {
		// Unparsable framing: no identity to reply to.
		badDatagramMeter.Mark(1)
		s.log.Debug("Bad datagram", "from", from, "err", err)
		return
	}
	if h.Type != wire.MsgRequest {
		s.log.Warn("Dropping non-request message", "type", h.Type, "from", from)
		return
	}

	req, err := wire.Decode(buf)
	if err != nil {
		// Header parsed but the payload is invalid: answer BAD_REQUEST.
		badDatagramMeter.Mark(1)
		s.log.Debug("Bad request payload", "from", from, "err", err)
		s.sendReply(s.disp.BadRequestReply(h), h.RequestID, from, false)
		return
	}

	s.log.Debug("Request", "op", req.Header.Op, "semantics", req.Header.Semantics,
		"requestId", req.Header.RequestID, "from", from)

	reply, cached := s.disp.Handle(req, from)
	if reply != nil {
		s.sendReply(reply, req.Header.RequestID, from, cached)
	}
}

// sendReply transmits an encoded reply, subject to simulated reply loss.
func (s *Server) sendReply(data []byte, requestID uint64, to netip.AddrPort, cached bool) {
	if s.sim.DropReply() {
		s.log.Info("Simulated reply loss", "requestId", requestID, "to", to)
		return
	}
	n, err := s.conn.WriteToUDPAddrPort(data, to)
	if err != nil {
		s.log.Error("Reply send failed", "to", to, "err", err)
		return
	}
	egressTrafficMeter.Mark(int64(n))
	s.log.Debug("Reply sent", "requestId", requestID, "to", to, "cached", cached)
}

// SendCallback transmits one callback datagram. Best-effort: no retry,
// no acknowledgement, and not subject to loss simulation.
func (s *Server) SendCallback(data []byte, to netip.AddrPort) {
	n, err := s.conn.WriteToUDPAddrPort(data, to)
	if err != nil {
		s.log.Debug("Callback send failed", "to", to, "err", err)
		return
	}
	egressTrafficMeter.Mark(int64(n))
	callbackSentMeter.Mark(1)
	s.log.Debug("Callback sent", "to", to)
}
