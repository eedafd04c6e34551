// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cailiang831/libvirt/pkg/hostdev/config"
)

type item struct {
	addr config.PciAddress
	tag  string
}

func (i item) Address() config.PciAddress { return i.addr }

func mustAddr(t *testing.T, s string) config.PciAddress {
	t.Helper()
	addr, err := config.ParsePciAddress(s)
	require.NoError(t, err)
	return addr
}

func TestAddFindDelete(t *testing.T) {
	assert := assert.New(t)
	r := New[item]()
	addr := mustAddr(t, "0000:01:00.0")

	require.NoError(t, r.Add(item{addr: addr, tag: "first"}))
	assert.True(r.Contains(addr))

	v, ok := r.Find(addr)
	if assert.True(ok) {
		assert.Equal("first", v.tag)
	}

	err := r.Add(item{addr: addr, tag: "second"})
	assert.Error(err, "re-adding an existing address must fail")

	r.Delete(addr)
	assert.False(r.Contains(addr))
}

func TestSteal(t *testing.T) {
	assert := assert.New(t)
	r := New[item]()
	addr := mustAddr(t, "0000:01:00.0")
	require.NoError(t, r.Add(item{addr: addr, tag: "mine"}))

	v, ok := r.Steal(addr)
	assert.True(ok)
	assert.Equal("mine", v.tag)
	assert.False(r.Contains(addr))

	_, ok = r.Steal(addr)
	assert.False(ok)
}

func TestUpdate(t *testing.T) {
	assert := assert.New(t)
	r := New[item]()
	addr := mustAddr(t, "0000:01:00.0")
	require.NoError(t, r.Add(item{addr: addr, tag: "old"}))

	r.Update(addr, item{addr: addr, tag: "new"})
	v, ok := r.Find(addr)
	if assert.True(ok) {
		assert.Equal("new", v.tag)
	}

	// Update on an absent address is a no-op.
	other := mustAddr(t, "0000:02:00.0")
	r.Update(other, item{addr: other, tag: "ghost"})
	assert.False(r.Contains(other))
}

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	assert := assert.New(t)
	r := New[item]()
	addrs := []config.PciAddress{
		mustAddr(t, "0000:01:00.0"),
		mustAddr(t, "0000:02:00.0"),
		mustAddr(t, "0000:03:00.0"),
	}
	for i, a := range addrs {
		require.NoError(t, r.Add(item{addr: a, tag: string(rune('a' + i))}))
	}
	r.Delete(addrs[1])

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(addrs[0], snap[0].addr)
	assert.Equal(addrs[2], snap[1].addr)
}

func TestLockUnlockGuardsLockedMethods(t *testing.T) {
	assert := assert.New(t)
	r := New[item]()
	addr := mustAddr(t, "0000:01:00.0")

	r.Lock()
	require.NoError(t, r.AddLocked(item{addr: addr, tag: "held"}))
	_, ok := r.FindLocked(addr)
	assert.True(ok)
	r.Unlock()

	assert.True(r.Contains(addr))
}
