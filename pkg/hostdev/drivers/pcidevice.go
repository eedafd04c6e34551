// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package drivers holds the PciDevice handle type and the concrete
// adapters (SysfsPCIOps, NetlinkNetdevOps) implementing the api.PCIOps and
// api.NetdevOps collaborator interfaces against a real host.
package drivers

import (
	"github.com/cailiang831/libvirt/pkg/hostdev/config"
)

// PciDevice is an owned handle to a specific PCI function. It belongs to at
// most one of {active registry, inactive registry, a caller's transient
// working list} at any time (spec.md §3); it carries no lock of its own —
// its fields are only ever mutated while the owning registry's mutex is
// held, or while it is transiently owned by a caller's working list.
type PciDevice struct {
	Addr       config.PciAddress
	Managed    bool
	StubDriver config.StubDriver
	OrigStates config.OrigStates
	UsedBy     *config.Attribution
}

// NewPciDevice creates a transient PciDevice from a hostdev descriptor's
// PCI fields. It is not yet owned by any registry.
func NewPciDevice(addr config.PciAddress, managed bool, stub config.StubDriver) *PciDevice {
	return &PciDevice{
		Addr:       addr,
		Managed:    managed,
		StubDriver: stub,
	}
}

// Address implements registry.Addressable.
func (d *PciDevice) Address() config.PciAddress {
	return d.Addr
}

// Clone returns a shallow copy, used when the pipeline needs to update
// fields on a registry entry without taking a reference into the registry's
// innards (Registry.Update replaces the stored value wholesale).
func (d *PciDevice) Clone() *PciDevice {
	cp := *d
	if d.UsedBy != nil {
		attr := *d.UsedBy
		cp.UsedBy = &attr
	}
	return &cp
}
