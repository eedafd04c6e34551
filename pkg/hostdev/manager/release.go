// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

package manager

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cailiang831/libvirt/pkg/hostdev/config"
	"github.com/cailiang831/libvirt/pkg/hostdev/drivers"
)

// staleAssignmentAttr is the sysfs attribute WaitForCleanup polls for during
// release of a PciStub-backed device: its disappearance marks that an
// asynchronous teardown the kernel performs on driver unbind has finished.
const staleAssignmentAttr = "kvm_assigned_device"

// ReleasePCI returns hostdevs owned by (driverName, domainName) to the host.
// Unlike PreparePCI, release is best-effort per device: a device this caller
// doesn't actually own, or that has already been released, is skipped with a
// warning rather than failing the whole call, and every per-device teardown
// error is logged and suppressed rather than propagated (spec.md §4.4/§7 —
// there is no meaningful rollback of "give the host its device back").
func (m *Manager) ReleasePCI(ctx context.Context, driverName, domainName string, hostdevs []*config.HostdevDescriptor) error {
	m.activePCI.Lock()
	defer m.activePCI.Unlock()
	m.inactivePCI.Lock()
	defer m.inactivePCI.Unlock()

	working := m.releaseWorkingSet(driverName, domainName, hostdevs)
	if len(working) == 0 {
		return nil
	}

	// Mirror virhostdev.c:754-769's ordering: pull every owned device out
	// of the active registry, restore net config, reset every device,
	// and only then drain/reattach — a device must not be handed back to
	// the host before a bus-reset sibling still owned by this release has
	// been reset.
	for _, e := range working {
		m.activePCI.StealLocked(e.device.Addr)
	}

	for _, e := range working {
		m.restoreDeviceNet(ctx, e.device, e.desc)
	}

	for _, e := range working {
		if err := m.pci.Reset(ctx, e.device.Addr); err != nil {
			managerLogger().WithError(err).WithField("device", e.device.Addr).Warn("failed to reset device during release")
		}
	}

	for _, e := range working {
		m.settleAfterRelease(ctx, e.device)
	}

	managerLogger().WithFields(logrus.Fields{
		"driver": driverName,
		"domain": domainName,
		"count":  len(working),
	}).Info("released PCI hostdevs from guest")

	return nil
}

// releaseEntry pairs an active-registry device with the descriptor release
// was requested against, carrying the net-parent/virtualport configuration
// restoreDeviceNet needs.
type releaseEntry struct {
	device *drivers.PciDevice
	desc   *config.HostdevDescriptor
}

// releaseWorkingSet collects the active-registry entries matching hostdevs'
// PCI SUBSYS addresses and attributed to (driverName, domainName). Entries
// that are absent or attributed elsewhere are logged and skipped.
func (m *Manager) releaseWorkingSet(driverName, domainName string, hostdevs []*config.HostdevDescriptor) []*releaseEntry {
	working := make([]*releaseEntry, 0, len(hostdevs))

	for _, hd := range hostdevs {
		if hd.Mode != config.ModeSubsys || hd.SubsysType != config.SubsysPCI {
			continue
		}

		d, ok := m.activePCI.FindLocked(hd.PCIAddress)
		if !ok {
			managerLogger().WithField("device", hd.PCIAddress).Warn("release requested for device not in active registry")
			continue
		}
		if d.UsedBy == nil || d.UsedBy.DriverName != driverName || d.UsedBy.DomainName != domainName {
			managerLogger().WithField("device", hd.PCIAddress).Warn("release requested by non-owning driver/domain, ignoring")
			continue
		}
		working = append(working, &releaseEntry{device: d, desc: hd})
	}

	return working
}

// restoreDeviceNet undoes a released device's net-parent configuration, if
// any: a hostdev with no Net parent is a NOP (mirroring
// virHostdevNetConfigRestore's parent.type != NET check). A VF associated
// with an 802.1Qbh virtualport is disassociated from it instead of having
// its MAC/VLAN restored — the switch port profile, not the VF's own
// MAC/VLAN, is what carries the guest's identity in that mode. Otherwise
// the VF's saved MAC/VLAN is restored, falling back to the legacy state
// directory when the primary one has no record (spec.md §4.6).
func (m *Manager) restoreDeviceNet(ctx context.Context, d *drivers.PciDevice, desc *config.HostdevDescriptor) {
	if desc == nil || desc.Parent == nil {
		return
	}

	isVF, err := m.pci.IsVirtualFunction(d.Addr)
	if err != nil || !isVF {
		return
	}

	pfName, vfIndex, err := m.pci.GetVFInfo(d.Addr)
	if err != nil {
		managerLogger().WithError(err).WithField("device", d.Addr).Warn("failed to resolve VF info during release")
		return
	}

	if desc.Parent.VirtualPort != nil {
		if err := m.net.DisassociatePort(ctx, pfName, vfIndex, *desc.Parent.VirtualPort); err != nil {
			managerLogger().WithError(err).WithField("device", d.Addr).Warn("failed to disassociate virtualport during release")
		}
		if err := m.netcfg.Discard(pfName, vfIndex); err != nil {
			managerLogger().WithError(err).WithField("device", d.Addr).Warn("failed to discard stale VF net config during release")
		}
		return
	}

	if err := m.netcfg.Restore(ctx, pfName, vfIndex, m.cfg.LegacyNetStateDir); err != nil {
		managerLogger().WithError(err).WithField("device", d.Addr).Warn("failed to restore VF net config during release")
	}
}

// settleAfterRelease moves a device already stolen from the active registry
// to its post-release home (spec.md §4.5): unmanaged devices go straight to
// inactive, dropped silently if the insert fails; managed devices are
// reattached to the host, polling for stale-assignment cleanup first when
// the stub was pci-stub (vfio-pci requires no such wait).
func (m *Manager) settleAfterRelease(ctx context.Context, d *drivers.PciDevice) {
	if !d.Managed {
		if err := m.inactivePCI.AddLocked(d); err != nil {
			managerLogger().WithError(err).WithField("device", d.Addr).Warn("failed to move unmanaged device to inactive registry")
		}
		return
	}

	if d.StubDriver == config.PciStub {
		m.pci.WaitForCleanup(ctx, d.Addr, staleAssignmentAttr, int(m.cfg.ReattachPollInterval.Milliseconds()), m.cfg.ReattachPollAttempts)
	}

	if err := m.pci.Reattach(ctx, d.Addr, d.OrigStates); err != nil {
		managerLogger().WithError(err).WithField("device", d.Addr).Warn("failed to reattach device to host during release")
	}
}
