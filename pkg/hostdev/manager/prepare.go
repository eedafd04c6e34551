// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

package manager

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/cailiang831/libvirt/pkg/hostdev/config"
	"github.com/cailiang831/libvirt/pkg/hostdev/drivers"
	"github.com/cailiang831/libvirt/pkg/hostdev/netconfig"
)

// netHostdev pairs a materialized PciDevice with the original descriptor
// carrying its net-parent configuration. A netHostdev's position in the
// netHostdevs slice is what the last-VF-done rollback bookkeeping of
// spec.md §4.3 phase 4 counts.
type netHostdev struct {
	device *drivers.PciDevice
	desc   *config.HostdevDescriptor
}

// PreparePCI attaches hostdevs to a guest with all-or-nothing semantics,
// per spec.md §4.3's nine-phase pipeline. On success every PCI SUBSYS entry
// of hostdevs is inserted into the active registry, attributed to
// (driverName, domainName), and has its OrigStates written back. On
// failure the active/inactive registries are restored to their pre-call
// state (modulo the opaque host-driver side effects of best-effort
// reattach) and a single error is returned.
func (m *Manager) PreparePCI(ctx context.Context, driverName, domainName, domainUUID string, hostdevs []*config.HostdevDescriptor, flags Flags) error {
	strictACS := flags&StrictACSCheck != 0

	working, netHostdevs, err := m.materialize(hostdevs)
	if err != nil {
		return err
	}
	if len(working) == 0 {
		return nil
	}

	m.activePCI.Lock()
	defer m.activePCI.Unlock()
	m.inactivePCI.Lock()
	defer m.inactivePCI.Unlock()

	// Phase 1: assignability + in-use checks. No state is mutated in
	// this phase, so a failure here requires no rollback at all.
	for _, d := range working {
		assignable, err := m.pci.IsAssignable(ctx, d.device.Addr, strictACS)
		if err != nil {
			return fmt.Errorf("%w: checking assignability of %s: %v", config.ErrOperationInvalid, d.device.Addr, err)
		}
		if !assignable {
			return fmt.Errorf("%w: %s is not assignable to a guest", config.ErrOperationInvalid, d.device.Addr)
		}

		if existing, ok := m.activePCI.FindLocked(d.device.Addr); ok {
			owner := "unknown"
			if existing.UsedBy != nil {
				owner = fmt.Sprintf("%s/%s", existing.UsedBy.DriverName, existing.UsedBy.DomainName)
			}
			return fmt.Errorf("%w: %s is already in use by %s", config.ErrOperationInvalid, d.device.Addr, owner)
		}
	}

	// Phase 2: detach managed devices from the host driver, binding
	// them to their stub. A failure here requires only the reattach
	// rollback: nothing has been reset or added to any registry yet.
	for _, d := range working {
		if !d.device.Managed {
			continue
		}
		orig, err := m.pci.Detach(ctx, d.device.Addr, d.device.StubDriver)
		if err != nil {
			m.reattachRollback(ctx, working)
			return fmt.Errorf("%w: detaching %s: %v", config.ErrOperationInvalid, d.device.Addr, err)
		}
		d.device.OrigStates = orig
	}

	// Phase 3: reset every device in the batch. Several reset paths
	// affect every function on a shared bus (secondary-bus reset), so
	// all assigned devices on a bus must be detached (phase 2) before
	// any of them is reset, and reset must precede any declaration of
	// ownership (phases 5-7) — this is why the pipeline is batched by
	// kind rather than by device.
	for _, d := range working {
		if err := m.pci.Reset(ctx, d.device.Addr); err != nil {
			m.reattachRollback(ctx, working)
			return fmt.Errorf("%w: resetting %s: %v", config.ErrOperationInvalid, d.device.Addr, err)
		}
	}

	// Phase 4: save + apply VF net config for hostdevs with a network
	// parent, tracking the highest index whose VF config has been replaced
	// so a failure can restore exactly the VFs it touched.
	lastVFDone := -1
	for _, nh := range netHostdevs {
		isVF, err := m.pci.IsVirtualFunction(nh.device.Addr)
		if err != nil {
			m.restoreVFNet(ctx, netHostdevs, lastVFDone)
			m.reattachRollback(ctx, working)
			return fmt.Errorf("%w: checking VF status of %s: %v", config.ErrOperationInvalid, nh.device.Addr, err)
		}

		if err := netconfig.ValidateNetParent(nh.desc.Parent, isVF); err != nil {
			m.restoreVFNet(ctx, netHostdevs, lastVFDone)
			m.reattachRollback(ctx, working)
			return err
		}

		pfName, vfIndex, err := m.pci.GetVFInfo(nh.device.Addr)
		if err != nil {
			m.restoreVFNet(ctx, netHostdevs, lastVFDone)
			m.reattachRollback(ctx, working)
			return fmt.Errorf("%w: resolving VF info for %s: %v", config.ErrOperationInvalid, nh.device.Addr, err)
		}

		vlan := netconfig.ResolveVLAN(nh.desc.Parent)
		mac := ""
		if nh.desc.Parent != nil {
			mac = nh.desc.Parent.MAC
		}

		if err := m.netcfg.SaveAndReplace(ctx, pfName, vfIndex, mac, vlan); err != nil {
			m.restoreVFNet(ctx, netHostdevs, lastVFDone)
			m.reattachRollback(ctx, working)
			return err
		}
		lastVFDone++

		if nh.desc.Parent != nil && nh.desc.Parent.VirtualPort != nil {
			if err := m.net.AssociatePort(ctx, pfName, vfIndex, *nh.desc.Parent.VirtualPort); err != nil {
				m.restoreVFNet(ctx, netHostdevs, lastVFDone)
				m.reattachRollback(ctx, working)
				return err
			}
		}
	}

	// Phase 5: insert every device into the active registry, ownership
	// transferring in.
	inserted := make([]*drivers.PciDevice, 0, len(working))
	for _, d := range working {
		if err := m.activePCI.AddLocked(d.device); err != nil {
			m.inactiveRollback(inserted)
			m.reattachRollback(ctx, working)
			return err
		}
		inserted = append(inserted, d.device)
	}

	// Phase 6: remove from inactive (no-op if absent).
	for _, d := range working {
		m.inactivePCI.DeleteLocked(d.device.Addr)
	}

	// Phase 7: attribute every active entry to the requesting guest. Each
	// device is cloned before mutation so the update doesn't alias the
	// working list's own reference to the same device.
	attribution := &config.Attribution{DriverName: driverName, DomainName: domainName}
	for _, d := range working {
		updated := d.device.Clone()
		updated.UsedBy = attribution
		m.activePCI.UpdateLocked(updated.Addr, updated)
		d.device = updated
	}

	// Phase 8: copy orig-states back onto the caller's descriptors.
	for _, d := range working {
		if active, ok := m.activePCI.FindLocked(d.device.Addr); ok {
			hostdevs[d.descIndex].OrigStates = active.OrigStates
		}
	}

	// Phase 9: the active registry now owns every device; the working
	// list itself was never a registry, so there is nothing left to
	// transfer. Letting working go out of scope is the "drop W" step.

	managerLogger().WithFields(logrus.Fields{
		"driver": driverName,
		"domain": domainName,
		"uuid":   domainUUID,
		"count":  len(working),
	}).Info("prepared PCI hostdevs for guest")

	return nil
}

// workingDevice pairs a materialized PciDevice with the index of the
// hostdev descriptor it was built from, for origstates write-back.
type workingDevice struct {
	device    *drivers.PciDevice
	descIndex int
}

// materialize builds the working list from the PCI SUBSYS entries of
// hostdevs, deduping by address up front (spec.md §9's resolved open
// question: a duplicate in the batch is reported clearly here rather than
// failing opaquely in phase 5).
func (m *Manager) materialize(hostdevs []*config.HostdevDescriptor) ([]*workingDevice, []*netHostdev, error) {
	seen := make(map[config.PciAddress]bool)
	working := make([]*workingDevice, 0, len(hostdevs))
	var netHostdevs []*netHostdev

	for i, d := range hostdevs {
		if d.Mode != config.ModeSubsys || d.SubsysType != config.SubsysPCI {
			continue
		}
		if seen[d.PCIAddress] {
			return nil, nil, fmt.Errorf("%w: %s", config.ErrDuplicateHostdev, d.PCIAddress)
		}
		seen[d.PCIAddress] = true

		dev := drivers.NewPciDevice(d.PCIAddress, d.Managed, d.Backend)
		wd := &workingDevice{device: dev, descIndex: i}
		working = append(working, wd)

		if d.Parent != nil {
			netHostdevs = append(netHostdevs, &netHostdev{device: dev, desc: d})
		}
	}

	return working, netHostdevs, nil
}

// restoreVFNet restores every net hostdev's saved VF config up to and
// including index lastVFDone (spec.md §9: the original "i <
// last_processed_hostdev_vf" is off by one; this module restores "i <=
// lastVFDone", covering the VF whose config phase 4 most recently replaced,
// including one whose virtualport association then failed; a VF whose own
// config replacement failed is not restored).
func (m *Manager) restoreVFNet(ctx context.Context, netHostdevs []*netHostdev, lastVFDone int) {
	var errs *multierror.Error
	for i, nh := range netHostdevs {
		if i > lastVFDone {
			break
		}
		pfName, vfIndex, err := m.pci.GetVFInfo(nh.device.Addr)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("resolving VF info for %s: %w", nh.device.Addr, err))
			continue
		}
		if err := m.netcfg.Restore(ctx, pfName, vfIndex, ""); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() != nil {
		managerLogger().WithError(errs).Warn("errors restoring VF net config during prepare rollback")
	}
}

// inactiveRollback steals back every device this request has already
// inserted into the active registry and drops it, undoing phase 5 (spec.md
// §4.3 phase 5 rollback). The inactive registry is left as it was.
func (m *Manager) inactiveRollback(inserted []*drivers.PciDevice) {
	for _, d := range inserted {
		m.activePCI.StealLocked(d.Addr)
	}
}

// reattachRollback attempts to reattach every managed device in the
// working list, including ones whose detach failed or never ran,
// best-effort: errors are logged and ignored, matching spec.md §4.3's
// reattach rollback target and §7's propagation policy. Unmanaged devices
// were never detached from the host, so there is nothing to reattach.
func (m *Manager) reattachRollback(ctx context.Context, working []*workingDevice) {
	var errs *multierror.Error
	for _, d := range working {
		if !d.device.Managed {
			continue
		}
		if err := m.pci.Reattach(ctx, d.device.Addr, d.device.OrigStates); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("reattaching %s: %w", d.device.Addr, err))
		}
	}
	if errs.ErrorOrNil() != nil {
		managerLogger().WithError(errs).Warn("errors reattaching devices during prepare rollback")
	}
}
