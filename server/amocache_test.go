package server

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheStoreLookup(t *testing.T) {
	var clk mclock.Simulated
	c := NewCache(time.Minute, &clk)

	_, ok := c.Lookup(1, 100)
	assert.False(t, ok)

	c.Store(1, 100, []byte("reply-a"))
	got, ok := c.Lookup(1, 100)
	require.True(t, ok)
	assert.Equal(t, []byte("reply-a"), got)

	// Distinct clients never share entries, even for equal requestIds.
	_, ok = c.Lookup(2, 100)
	assert.False(t, ok)

	// Overwrite replaces the reply.
	c.Store(1, 100, []byte("reply-b"))
	got, _ = c.Lookup(1, 100)
	assert.Equal(t, []byte("reply-b"), got)
	assert.Equal(t, 1, c.Len())
}

func TestCacheExpiry(t *testing.T) {
	var clk mclock.Simulated
	c := NewCache(time.Minute, &clk)
	c.Store(1, 100, []byte("reply"))

	clk.Run(time.Minute - time.Second)
	_, ok := c.Lookup(1, 100)
	assert.True(t, ok, "entry alive before TTL")

	clk.Run(2 * time.Second)
	_, ok = c.Lookup(1, 100)
	assert.False(t, ok, "entry expired after TTL")
	assert.Zero(t, c.Len(), "expired entry evicted on lookup")
}

func TestCacheSweep(t *testing.T) {
	var clk mclock.Simulated
	c := NewCache(time.Minute, &clk)
	c.Store(1, 1, []byte("old"))
	clk.Run(30 * time.Second)
	c.Store(1, 2, []byte("young"))
	clk.Run(45 * time.Second)

	require.Equal(t, 2, c.Len())
	c.Sweep()
	assert.Equal(t, 1, c.Len())

	_, ok := c.Lookup(1, 1)
	assert.False(t, ok)
	_, ok = c.Lookup(1, 2)
	assert.True(t, ok)
}
