package server

import (
	"net/netip"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestRegistryRegisterUnregister(t *testing.T) {
	var clk mclock.Simulated
	r := NewRegistry(&clk)

	r.Register(1, addr("127.0.0.1:4001"), 60)
	r.Register(2, addr("127.0.0.1:4002"), 60)
	assert.Equal(t, 2, r.Len())

	assert.True(t, r.Unregister(1))
	assert.False(t, r.Unregister(1), "second unregister is a no-op")
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRefresh(t *testing.T) {
	var clk mclock.Simulated
	r := NewRegistry(&clk)

	r.Register(1, addr("127.0.0.1:4001"), 10)
	clk.Run(8 * time.Second)
	// Re-registration moves the address and restarts the TTL.
	r.Register(1, addr("127.0.0.1:5001"), 10)
	clk.Run(8 * time.Second)

	addrs := r.Addresses(0)
	require.Equal(t, 1, addrs.Cardinality())
	assert.True(t, addrs.Contains(addr("127.0.0.1:5001")))
}

func TestRegistryExcludesOriginator(t *testing.T) {
	var clk mclock.Simulated
	r := NewRegistry(&clk)
	r.Register(1, addr("127.0.0.1:4001"), 60)
	r.Register(2, addr("127.0.0.1:4002"), 60)
	r.Register(3, addr("127.0.0.1:4003"), 60)

	addrs := r.Addresses(2)
	assert.Equal(t, 2, addrs.Cardinality())
	assert.True(t, addrs.Contains(addr("127.0.0.1:4001")))
	assert.False(t, addrs.Contains(addr("127.0.0.1:4002")))
	assert.True(t, addrs.Contains(addr("127.0.0.1:4003")))

	// An unregistered originator excludes nothing.
	assert.Equal(t, 3, r.Addresses(99).Cardinality())
}

func TestRegistryExpiry(t *testing.T) {
	var clk mclock.Simulated
	r := NewRegistry(&clk)
	r.Register(1, addr("127.0.0.1:4001"), 10)
	r.Register(2, addr("127.0.0.1:4002"), 120)

	clk.Run(11 * time.Second)
	addrs := r.Addresses(0)
	assert.Equal(t, 1, addrs.Cardinality())
	assert.True(t, addrs.Contains(addr("127.0.0.1:4002")))
	assert.Equal(t, 1, r.Len(), "expired entry pruned")
}
