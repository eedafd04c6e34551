// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cailiang831/libvirt/pkg/hostdev/config"
	"github.com/cailiang831/libvirt/pkg/hostdev/drivers"
)

func mustAddr(t *testing.T, s string) config.PciAddress {
	t.Helper()
	addr, err := config.ParsePciAddress(s)
	require.NoError(t, err)
	return addr
}

func newTestManager(t *testing.T, pci *fakePCIOps, net *fakeNetdevOps) *Manager {
	t.Helper()
	m, err := New(DefaultConfig(t.TempDir()), pci, net)
	require.NoError(t, err)
	return m
}

func TestPreparePCISuccess(t *testing.T) {
	assert := assert.New(t)
	addr := mustAddr(t, "0000:03:00.0")

	pci := newFakePCIOps()
	net := newFakeNetdevOps()
	m := newTestManager(t, pci, net)

	hostdevs := []*config.HostdevDescriptor{
		{Mode: config.ModeSubsys, SubsysType: config.SubsysPCI, PCIAddress: addr, Managed: true, Backend: config.VfioPci},
	}

	err := m.PreparePCI(context.Background(), "vfio", "guest1", "uuid-1", hostdevs, 0)
	assert.NoError(err)

	dev, ok := m.ActivePCI().Find(addr)
	if assert.True(ok) {
		assert.Equal("vfio", dev.UsedBy.DriverName)
		assert.Equal("guest1", dev.UsedBy.DomainName)
	}
	assert.False(m.InactivePCI().Contains(addr))
	assert.Equal([]config.PciAddress{addr}, pci.detached)
	assert.True(hostdevs[0].OrigStates.Reprobe)
}

func TestPreparePCIDuplicateHostdev(t *testing.T) {
	addr := mustAddr(t, "0000:03:00.0")
	pci := newFakePCIOps()
	net := newFakeNetdevOps()
	m := newTestManager(t, pci, net)

	hostdevs := []*config.HostdevDescriptor{
		{Mode: config.ModeSubsys, SubsysType: config.SubsysPCI, PCIAddress: addr, Managed: true, Backend: config.VfioPci},
		{Mode: config.ModeSubsys, SubsysType: config.SubsysPCI, PCIAddress: addr, Managed: true, Backend: config.VfioPci},
	}

	err := m.PreparePCI(context.Background(), "vfio", "guest1", "uuid-1", hostdevs, 0)
	assert.ErrorIs(t, err, config.ErrDuplicateHostdev)
	assert.Equal(t, 0, m.ActivePCI().Len())
}

func TestPreparePCIAlreadyInUse(t *testing.T) {
	addr := mustAddr(t, "0000:03:00.0")
	pci := newFakePCIOps()
	net := newFakeNetdevOps()
	m := newTestManager(t, pci, net)

	owned := drivers.NewPciDevice(addr, true, config.VfioPci)
	owned.UsedBy = &config.Attribution{DriverName: "other", DomainName: "guest0"}
	require.NoError(t, m.ActivePCI().Add(owned))

	hostdevs := []*config.HostdevDescriptor{
		{Mode: config.ModeSubsys, SubsysType: config.SubsysPCI, PCIAddress: addr, Managed: true, Backend: config.VfioPci},
	}

	err := m.PreparePCI(context.Background(), "vfio", "guest1", "uuid-1", hostdevs, 0)
	assert.ErrorIs(t, err, config.ErrOperationInvalid)
	assert.Equal(t, 1, m.ActivePCI().Len())
}

func TestPreparePCIRollsBackOnDetachFailure(t *testing.T) {
	assert := assert.New(t)
	addr1 := mustAddr(t, "0000:03:00.0")
	addr2 := mustAddr(t, "0000:03:00.1")

	pci := newFakePCIOps()
	pci.detachErr[addr2] = errors.New("unbind failed")
	net := newFakeNetdevOps()
	m := newTestManager(t, pci, net)

	hostdevs := []*config.HostdevDescriptor{
		{Mode: config.ModeSubsys, SubsysType: config.SubsysPCI, PCIAddress: addr1, Managed: true, Backend: config.VfioPci},
		{Mode: config.ModeSubsys, SubsysType: config.SubsysPCI, PCIAddress: addr2, Managed: true, Backend: config.VfioPci},
	}

	err := m.PreparePCI(context.Background(), "vfio", "guest1", "uuid-1", hostdevs, 0)
	assert.Error(err)
	assert.Equal(0, m.ActivePCI().Len())
	// both devices are rolled back, including the one that never
	// successfully detached: reattach is unconditional best-effort.
	assert.ElementsMatch([]config.PciAddress{addr1, addr2}, pci.reattached)
}

func TestPreparePCIRestoresVFNetUpToLastDoneOnFailure(t *testing.T) {
	assert := assert.New(t)
	addr1 := mustAddr(t, "0000:03:00.0")
	addr2 := mustAddr(t, "0000:03:00.1")

	pci := newFakePCIOps()
	pci.vfPF[addr1] = "eth0"
	pci.vfIndex[addr1] = 0
	pci.vfPF[addr2] = "eth0"
	pci.vfIndex[addr2] = 1

	net := newFakeNetdevOps()
	net.failOnApplyCall = 2

	m := newTestManager(t, pci, net)

	hostdevs := []*config.HostdevDescriptor{
		{Mode: config.ModeSubsys, SubsysType: config.SubsysPCI, PCIAddress: addr1, Managed: false, Backend: config.VfioPci,
			Parent: &config.NetParent{MAC: "aa:bb:cc:dd:ee:01"}},
		{Mode: config.ModeSubsys, SubsysType: config.SubsysPCI, PCIAddress: addr2, Managed: false, Backend: config.VfioPci,
			Parent: &config.NetParent{MAC: "aa:bb:cc:dd:ee:02"}},
	}

	err := m.PreparePCI(context.Background(), "vfio", "guest1", "uuid-1", hostdevs, 0)
	assert.Error(err)
	assert.Equal(0, m.ActivePCI().Len())
	// only the first VF's config was restored: the second's apply never
	// completed, so there is nothing of the request's doing to undo on it.
	assert.Len(net.saved, 1)
	assert.Equal(0, net.saved[0].vf)
}
