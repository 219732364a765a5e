package server

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"

	"github.com/bankd/bankd/wire"
)

// Banking is the external banking service contract the dispatcher calls
// into. All operations are synchronous and thread-safe; Transfer is
// atomic across both accounts.
type Banking interface {
	OpenAccount(username, password string, currency wire.Currency, initialCents int64) (accountNo string, balance int64, st wire.Status)
	CloseAccount(username, password, accountNo string) (finalBalance int64, st wire.Status)
	Deposit(username, password, accountNo string, currency wire.Currency, hasCurrency bool, amountCents int64) (newBalance int64, st wire.Status)
	Withdraw(username, password, accountNo string, currency wire.Currency, hasCurrency bool, amountCents int64) (newBalance int64, st wire.Status)
	QueryBalance(username, password, accountNo string) (balance int64, currency wire.Currency, st wire.Status)
	Transfer(username, password, fromNo, toNo string, amountCents int64) (srcBalance, dstBalance int64, st wire.Status)
}

// CallbackSender transmits an encoded callback datagram, best-effort.
type CallbackSender interface {
	SendCallback(data []byte, to netip.AddrPort)
}

// Dispatcher validates requests, enforces the selected invocation
// semantics, invokes the banking service and fans out notifications.
type Dispatcher struct {
	bank     Banking
	cache    *Cache
	registry *Registry
	sender   CallbackSender
	group    singleflight.Group
	log      log.Logger
}

// NewDispatcher wires the dispatcher to its collaborators. The callback
// sender is attached later by the transport.
func NewDispatcher(bank Banking, cache *Cache, registry *Registry) *Dispatcher {
	return &Dispatcher{
		bank:     bank,
		cache:    cache,
		registry: registry,
		log:      log.New("component", "dispatcher"),
	}
}

// SetSender attaches the transport used for callback fan-out.
func (d *Dispatcher) SetSender(s CallbackSender) { d.sender = s }

// Registry exposes the callback registry (for shutdown reporting).
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Cache exposes the AMO reply cache (for shutdown reporting).
func (d *Dispatcher) Cache() *Cache { return d.cache }

// Handle processes one decoded request and returns the encoded reply to
// transmit. Under AMO the check-execute-store sequence for one
// (clientId, requestId) is collapsed into a single execution: concurrent
// duplicates wait on the first flight and share its bytes.
func (d *Dispatcher) Handle(req *wire.Message, from netip.AddrPort) (reply []byte, cached bool) {
	defer dispatchTimer.UpdateSince(time.Now())

	h := &req.Header
	if h.Semantics != wire.AtMostOnce {
		return d.execute(req, from), false
	}

	type outcome struct {
		reply []byte
		hit   bool
	}
	key := fmt.Sprintf("%d/%d", h.ClientID, h.RequestID)
	v, _, shared := d.group.Do(key, func() (interface{}, error) {
		if b, ok := d.cache.Lookup(h.ClientID, h.RequestID); ok {
			return outcome{reply: b, hit: true}, nil
		}
		b := d.execute(req, from)
		// Stored before the transport sends, so a concurrent retry that
		// misses the singleflight window still hits the cache.
		d.cache.Store(h.ClientID, h.RequestID, b)
		return outcome{reply: b, hit: false}, nil
	})
	out := v.(outcome)
	if out.hit {
		d.log.Info("AMO cache hit", "clientId", h.ClientID, "requestId", h.RequestID)
	}
	return out.reply, out.hit || shared
}

// BadRequestReply builds an encoded BAD_REQUEST reply from a header whose
// payload failed to decode.
func (d *Dispatcher) BadRequestReply(h wire.Header) []byte {
	msg := &wire.Message{Header: wire.Header{
		Type:      wire.MsgReply,
		Op:        h.Op,
		Semantics: h.Semantics,
		Status:    wire.StatusBadRequest,
		RequestID: h.RequestID,
		ClientID:  h.ClientID,
		SeqNo:     h.SeqNo,
	}}
	return mustEncode(msg)
}

type accountUpdate struct {
	accountNo string
	balance   int64
}

// execute runs the operation and returns the encoded reply. It never
// panics out: an uncaught failure becomes an INTERNAL_ERROR reply.
func (d *Dispatcher) execute(req *wire.Message, from netip.AddrPort) (encoded []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Dispatcher panic", "op", req.Header.Op, "err", r)
			encoded = mustEncode(wire.NewReply(req, wire.StatusInternalError))
		}
	}()

	if err := wire.ValidateRequired(req.Header.Op, &req.Payload); err != nil {
		d.log.Debug("Request missing fields", "op", req.Header.Op, "err", err)
		return mustEncode(wire.NewReply(req, wire.StatusBadRequest))
	}

	p := &req.Payload
	reply := wire.NewReply(req, wire.StatusOK)
	var updates []accountUpdate

	switch req.Header.Op {
	case wire.OpOpenAccount:
		username, _ := p.Username()
		password, _ := p.Password()
		currency, _ := p.Currency()
		initial, _ := p.AmountCents() // optional; zero when absent
		accountNo, balance, st := d.bank.OpenAccount(username, password, currency, initial)
		reply.Header.Status = st
		if st == wire.StatusOK {
			reply.Payload.SetString(wire.FieldAccountNo, accountNo)
			reply.Payload.SetInt64(wire.FieldAmountCents, balance)
			updates = append(updates, accountUpdate{accountNo, balance})
		}

	case wire.OpCloseAccount:
		username, _ := p.Username()
		password, _ := p.Password()
		accountNo, _ := p.AccountNo()
		final, st := d.bank.CloseAccount(username, password, accountNo)
		reply.Header.Status = st
		if st == wire.StatusOK {
			reply.Payload.SetInt64(wire.FieldAmountCents, final)
			updates = append(updates, accountUpdate{accountNo, final})
		}

	case wire.OpDeposit, wire.OpWithdraw:
		username, _ := p.Username()
		password, _ := p.Password()
		accountNo, _ := p.AccountNo()
		amount, _ := p.AmountCents()
		currency, hasCurrency := p.Currency()
		var balance int64
		var st wire.Status
		if req.Header.Op == wire.OpDeposit {
			balance, st = d.bank.Deposit(username, password, accountNo, currency, hasCurrency, amount)
		} else {
			balance, st = d.bank.Withdraw(username, password, accountNo, currency, hasCurrency, amount)
		}
		reply.Header.Status = st
		if st == wire.StatusOK {
			reply.Payload.SetInt64(wire.FieldAmountCents, balance)
			updates = append(updates, accountUpdate{accountNo, balance})
		}

	case wire.OpQueryBalance:
		username, _ := p.Username()
		password, _ := p.Password()
		accountNo, _ := p.AccountNo()
		balance, currency, st := d.bank.QueryBalance(username, password, accountNo)
		reply.Header.Status = st
		if st == wire.StatusOK {
			reply.Payload.SetInt64(wire.FieldAmountCents, balance)
			reply.Payload.SetUint8(wire.FieldCurrency, uint8(currency))
		}

	case wire.OpTransfer:
		username, _ := p.Username()
		password, _ := p.Password()
		fromNo, _ := p.AccountNo()
		toNo, _ := p.ToAccountNo()
		amount, _ := p.AmountCents()
		srcBalance, dstBalance, st := d.bank.Transfer(username, password, fromNo, toNo, amount)
		reply.Header.Status = st
		if st == wire.StatusOK {
			reply.Payload.SetInt64(wire.FieldAmountCents, srcBalance)
			updates = append(updates,
				accountUpdate{fromNo, srcBalance},
				accountUpdate{toNo, dstBalance})
		}

	case wire.OpRegisterCallback:
		ttl, _ := p.TTLSeconds()
		if ttl == 0 {
			reply.Header.Status = wire.StatusBadRequest
			break
		}
		// The monitor address is the source address of this datagram.
		d.registry.Register(req.Header.ClientID, from, ttl)
		d.log.Info("Callback registered", "clientId", req.Header.ClientID, "addr", from, "ttl", ttl)

	case wire.OpUnregisterCallback:
		was := d.registry.Unregister(req.Header.ClientID)
		d.log.Info("Callback unregistered", "clientId", req.Header.ClientID, "wasRegistered", was)

	default:
		// ACCOUNT_UPDATE is server->client only; receiving it is invalid.
		reply.Header.Status = wire.StatusBadRequest
	}

	for _, u := range updates {
		d.notify(u, req.Header.ClientID)
	}
	return mustEncode(reply)
}

// notify fans an ACCOUNT_UPDATE out to every registered monitor except
// the client whose request caused the change. Best-effort, unordered.
func (d *Dispatcher) notify(u accountUpdate, originator uint32) {
	if d.sender == nil {
		return
	}
	recipients := d.registry.Addresses(originator)
	if recipients.Cardinality() == 0 {
		return
	}
	cbk := wire.NewCallback(wire.OpAccountUpdate)
	cbk.Payload.SetString(wire.FieldAccountNo, u.accountNo)
	cbk.Payload.SetInt64(wire.FieldAmountCents, u.balance)
	data := mustEncode(cbk)
	recipients.Each(func(addr netip.AddrPort) bool {
		d.sender.SendCallback(data, addr)
		return false
	})
}

// mustEncode serialises a message built by this package. Such messages
// are always encodable; a failure is a programming error.
func mustEncode(m *wire.Message) []byte {
	b, err := m.Encode()
	if err != nil {
		panic(fmt.Sprintf("reply encode failed: %v", err))
	}
	return b
}
