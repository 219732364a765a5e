package server

import (
	"net/netip"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common/mclock"
)

type registration struct {
	addr      netip.AddrPort
	expiresAt mclock.AbsTime
}

// Registry tracks callback subscriptions: clientId to the monitor address
// and its expiry. Registration is idempotent; a repeat refreshes the
// address and TTL. Expired entries are pruned lazily.
type Registry struct {
	mu    sync.Mutex
	clock mclock.Clock
	regs  map[uint32]registration
}

// NewRegistry creates a registry on the given monotonic clock.
func NewRegistry(clock mclock.Clock) *Registry {
	if clock == nil {
		clock = mclock.System{}
	}
	return &Registry{clock: clock, regs: make(map[uint32]registration)}
}

// Register inserts or refreshes a subscription expiring ttlSeconds from now.
func (r *Registry) Register(clientID uint32, addr netip.AddrPort, ttlSeconds uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[clientID] = registration{
		addr:      addr,
		expiresAt: r.clock.Now().Add(time.Duration(ttlSeconds) * time.Second),
	}
	registrySizeGauge.Update(int64(len(r.regs)))
}

// Unregister removes the subscription and reports whether one existed.
func (r *Registry) Unregister(clientID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.regs[clientID]
	delete(r.regs, clientID)
	registrySizeGauge.Update(int64(len(r.regs)))
	return ok
}

// Addresses returns the addresses of all live registrants except the
// given client, pruning expired entries as it goes.
func (r *Registry) Addresses(exclude uint32) mapset.Set[netip.AddrPort] {
	now := r.clock.Now()
	out := mapset.NewThreadUnsafeSet[netip.AddrPort]()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, reg := range r.regs {
		if now >= reg.expiresAt {
			delete(r.regs, id)
			continue
		}
		if id != exclude {
			out.Add(reg.addr)
		}
	}
	registrySizeGauge.Update(int64(len(r.regs)))
	return out
}

// Len prunes expired entries and returns the live count.
func (r *Registry) Len() int {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, reg := range r.regs {
		if now >= reg.expiresAt {
			delete(r.regs, id)
		}
	}
	return len(r.regs)
}
