// Package client implements the requesting side of the banking protocol:
// a blocking send-wait-retry engine with bounded exponential backoff,
// callback demultiplexing, and typed request helpers.
package client

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/bankd/bankd/wire"
)

const maxDatagram = 65535

// ErrTimeout is returned when every attempt of a request went unanswered.
var ErrTimeout = errors.New("request timed out")

// RetryPolicy bounds the retransmission engine. The wait doubles after
// each unanswered attempt.
type RetryPolicy struct {
	InitialTimeout time.Duration
	MaxRetries     int
}

// DefaultRetryPolicy gives a worst case of about 16s before giving up
// (500ms, 1s, 2s, 4s, 8s, 16s).
var DefaultRetryPolicy = RetryPolicy{
	InitialTimeout: 500 * time.Millisecond,
	MaxRetries:     5,
}

// CallbackHandler receives ACCOUNT_UPDATE notifications demultiplexed
// out of the receive path.
type CallbackHandler func(*wire.Message)

// Config carries the per-client settings.
type Config struct {
	Retry     RetryPolicy
	Semantics wire.Semantics // default semantics for SendRequest
	Checksum  bool           // set the CRC32 flag on outgoing requests
	Handler   CallbackHandler
}

// conn abstracts the UDP socket so tests can substitute a fake.
// *net.UDPConn satisfies it.
type conn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// Client is one logical protocol client. A request blocks its caller
// until a matching reply arrives or the retry bound is exceeded. The
// socket is unconnected so server callbacks to our source address are
// received on the same port.
type Client struct {
	conn     conn
	server   netip.AddrPort
	clientID uint32
	seq      atomic.Uint32
	cfg      Config
	log      log.Logger
}

// Dial opens a socket on an ephemeral port and binds a client to the
// given server address ("host:port").
func Dial(server string, clientID uint32, cfg Config) (*Client, error) {
	addr, err := resolveAddrPort(server)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return NewClient(c, addr, clientID, cfg), nil
}

// NewClient binds a client to an existing socket.
func NewClient(c conn, server netip.AddrPort, clientID uint32, cfg Config) *Client {
	if cfg.Retry.InitialTimeout <= 0 {
		cfg.Retry.InitialTimeout = DefaultRetryPolicy.InitialTimeout
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = DefaultRetryPolicy.MaxRetries
	}
	return &Client{
		conn:     c,
		server:   server,
		clientID: clientID,
		cfg:      cfg,
		log:      log.New("component", "client", "clientId", clientID),
	}
}

// ClientID returns the client identifier stamped on requests.
func (c *Client) ClientID() uint32 { return c.clientID }

// LocalAddr returns the bound socket address (callbacks arrive here).
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close releases the socket. A closed client invalidates any callback
// registration made from its source port.
func (c *Client) Close() error { return c.conn.Close() }

// SendRequest sends one logical request with the client's default
// semantics and waits for the matching reply.
func (c *Client) SendRequest(op wire.OpCode, payload wire.Payload) (*wire.Message, error) {
	return c.SendRequestWith(op, payload, c.cfg.Semantics)
}

// SendRequestWith is SendRequest with explicit semantics. The message is
// encoded exactly once; every retransmission reuses the same bytes, so
// the requestId the server deduplicates on never changes.
func (c *Client) SendRequestWith(op wire.OpCode, payload wire.Payload, sem wire.Semantics) (*wire.Message, error) {
	seq := c.seq.Add(1)
	msg := wire.NewRequest(op, c.clientID, seq, sem)
	msg.Payload = payload
	if c.cfg.Checksum {
		msg.Header.Flags |= wire.FlagChecksum
	}
	data, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	timeout := c.cfg.Retry.InitialTimeout
	for attempt := 1; attempt <= c.cfg.Retry.MaxRetries+1; attempt++ {
		c.log.Debug("Sending request", "op", op, "requestId", msg.Header.RequestID,
			"semantics", sem, "attempt", attempt, "timeout", timeout)
		if _, err := c.conn.WriteToUDPAddrPort(data, c.server); err != nil {
			return nil, fmt.Errorf("send: %w", err)
		}
		reply, err := c.awaitReply(msg.Header.RequestID, time.Now().Add(timeout))
		if err == nil {
			return reply, nil
		}
		if !isTimeout(err) {
			return nil, err
		}
		c.log.Debug("Timeout", "requestId", msg.Header.RequestID, "attempt", attempt, "waited", timeout)
		timeout *= 2
	}
	return nil, ErrTimeout
}

// awaitReply reads datagrams until the deadline. Callbacks are handed to
// the handler without disturbing the wait; replies for other requestIds
// and undecodable datagrams are discarded.
func (c *Client) awaitReply(requestID uint64, deadline time.Time) (*wire.Message, error) {
	buf := make([]byte, maxDatagram)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, _, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return nil, err
		}
		msg, derr := wire.Decode(buf[:n])
		if derr != nil {
			c.log.Debug("Discarding undecodable datagram", "err", derr)
			continue
		}
		switch {
		case msg.Header.Type == wire.MsgCallback:
			c.deliver(msg)
		case msg.Header.Type == wire.MsgReply && msg.Header.RequestID == requestID:
			return msg, nil
		default:
			c.log.Debug("Ignoring message", "type", msg.Header.Type, "requestId", msg.Header.RequestID)
		}
	}
}

// Listen runs callback-only mode for the given duration: every CBK is
// delivered to the handler, everything else is ignored. Used by
// dedicated monitor peers.
func (c *Client) Listen(duration time.Duration, handler CallbackHandler) error {
	end := time.Now().Add(duration)
	buf := make([]byte, maxDatagram)
	for time.Now().Before(end) {
		if err := c.conn.SetReadDeadline(end); err != nil {
			return err
		}
		n, _, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return err
		}
		msg, derr := wire.Decode(buf[:n])
		if derr != nil {
			c.log.Debug("Discarding undecodable datagram", "err", derr)
			continue
		}
		if msg.Header.Type == wire.MsgCallback && handler != nil {
			handler(msg)
		}
	}
	return nil
}

func (c *Client) deliver(msg *wire.Message) {
	if c.cfg.Handler != nil {
		c.cfg.Handler(msg)
		return
	}
	c.log.Info("Callback received (no handler registered)", "op", msg.Header.Op)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func resolveAddrPort(server string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(server); err == nil {
		return ap, nil
	}
	ua, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("bad server address %q: %w", server, err)
	}
	return ua.AddrPort(), nil
}
