// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config defines the descriptor and value types consumed by the
// host-device assignment manager: PCI addressing, stub-driver selection,
// the hostdev descriptor the (out-of-scope) domain-XML layer hands to the
// pipeline, and the error taxonomy the pipeline reports through.
package config

// StubDriver is the host driver a managed PCI device is bound to while it
// is assigned to a guest.
type StubDriver string

const (
	// VfioPci binds the device to vfio-pci.
	VfioPci StubDriver = "vfio-pci"
	// PciStub binds the device to pci-stub.
	PciStub StubDriver = "pci-stub"
)

// OrigStates captures the host-driver binding state a detach primitive
// observed before rebinding the device to its stub driver. A successful
// prepare copies it into the hostdev descriptor for the reverse operation.
type OrigStates struct {
	UnbindFromStub bool
	RemoveSlot     bool
	Reprobe        bool
}

// Attribution identifies the guest that owns an active PciDevice.
type Attribution struct {
	DriverName string
	DomainName string
}

// SubsysType is the hostdev descriptor's subsystem discriminant. Only PCI
// is processed by this module's pipelines; USB and SCSI are recognized so
// callers can route them to their own peer managers.
type SubsysType string

const (
	SubsysPCI  SubsysType = "pci"
	SubsysUSB  SubsysType = "usb"
	SubsysSCSI SubsysType = "scsi"
)

// Mode is the hostdev descriptor's mode discriminant. Only SUBSYS entries
// are processed; other modes (e.g. capabilities-based hostdev) are not in
// scope and are skipped by the pipeline.
type Mode string

const (
	ModeSubsys Mode = "subsys"
)

// VirtualPortType is the 802.1Qb{g,h} association type requested for a VF's
// switch port.
type VirtualPortType string

const (
	VirtualPortNone        VirtualPortType = "none"
	VirtualPort8021Qbg     VirtualPortType = "802.1Qbg"
	VirtualPort8021Qbh     VirtualPortType = "802.1Qbh"
	VirtualPortOpenvswitch VirtualPortType = "openvswitch"
)

// VirtualPort is the virtualport-profile association parameter set applied
// to a VF's switch port.
type VirtualPort struct {
	Type      VirtualPortType
	ProfileID string
}

// NetParent is present on a PCI hostdev descriptor whose parent device is a
// network device: a VF being handed to the guest with a specific MAC/VLAN
// (and optionally a virtualport profile) applied before assignment.
type NetParent struct {
	MAC         string
	VLAN        int
	Trunk       []int
	VirtualPort *VirtualPort
}

// HasVLAN reports whether a single VLAN tag (not a trunk) was requested.
func (p *NetParent) HasVLAN() bool {
	return p != nil && p.VLAN > 0
}

// HostdevDescriptor is the subset of fields this module's pipeline reads
// from and writes back to the hostdev descriptor the domain-XML layer
// (out of scope here) hands to the driver-specific caller.
type HostdevDescriptor struct {
	Mode       Mode
	SubsysType SubsysType

	// PCIAddress is only meaningful when SubsysType == SubsysPCI.
	PCIAddress PciAddress
	Managed    bool
	Backend    StubDriver

	// Parent is set when this PCI hostdev's parent device is a network
	// device (SR-IOV VF net configuration applies).
	Parent *NetParent

	// OrigStates is populated by PreparePCI on success so a later
	// release can reconstruct the original binding.
	OrigStates OrigStates
}
