// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package api declares the external collaborators the host-device manager
// consumes: the sysfs PCI driver-binding primitives and the netdev-layer
// MAC/VLAN/virtualport operations. Both are implemented by drivers in
// pkg/hostdev/drivers, and both are small enough to fake in tests without a
// real kernel.
package api

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/cailiang831/libvirt/pkg/hostdev/config"
)

var apiLogger = logrus.WithField("subsystem", "hostdev")

// SetLogger sets the logger used by this package and its sibling packages
// that call Logger().
func SetLogger(logger *logrus.Entry) {
	fields := apiLogger.Data
	apiLogger = logger.WithFields(fields)
}

// Logger returns the package-level logger for host-device management.
func Logger() *logrus.Entry {
	return apiLogger
}

// PCIOps is the sysfs driver-binding primitive set a PCI prepare/release
// pipeline is built on. It is intentionally narrow: everything about *which*
// devices to touch and in what order lives in pkg/hostdev/manager; this
// interface only performs the single-device kernel interactions.
type PCIOps interface {
	// IsAssignable reports whether addr may be assigned to a guest.
	// strictACS requests the stricter ACS (Access Control Services)
	// isolation check.
	IsAssignable(ctx context.Context, addr config.PciAddress, strictACS bool) (bool, error)

	// Detach unbinds addr from its current host driver and binds it to
	// stub, recording the original binding state for later reversal.
	Detach(ctx context.Context, addr config.PciAddress, stub config.StubDriver) (config.OrigStates, error)

	// Reset issues a function or secondary-bus reset for addr. Callers
	// must have already detached every device that shares addr's bus.
	Reset(ctx context.Context, addr config.PciAddress) error

	// Reattach unbinds addr from its stub driver and probes it back onto
	// the host driver stack. It does NOT rebind the device to its
	// original specific driver — that is a collaborator obligation of
	// whatever primitive recorded OrigStates, outside this module's
	// scope (spec.md §9).
	Reattach(ctx context.Context, addr config.PciAddress, orig config.OrigStates) error

	// WaitForCleanup polls for the disappearance of a sysfs attribute
	// (e.g. a stale kvm_assigned_device marker) left behind by an
	// asynchronous teardown, returning true once it is gone and false if
	// it is still present when the poll budget is exhausted.
	WaitForCleanup(ctx context.Context, addr config.PciAddress, attr string, interval, attempts int) bool

	// SysfsPath returns the sysfs device directory for addr.
	SysfsPath(addr config.PciAddress) string

	// IsVirtualFunction reports whether addr is an SR-IOV virtual
	// function.
	IsVirtualFunction(addr config.PciAddress) (bool, error)

	// GetVFInfo returns the owning physical function's netdev name and
	// this VF's index within it.
	GetVFInfo(addr config.PciAddress) (pfName string, vfIndex int, err error)

	// GetNetName returns the netdev name bound to addr, if any.
	GetNetName(addr config.PciAddress) (string, error)
}

// NetdevOps is the netdev-layer MAC/VLAN/virtualport primitive set a VF's
// network configuration is applied through. Out of scope per spec.md §1;
// declared here so the pipeline can depend on an interface rather than a
// concrete kernel-touching implementation.
type NetdevOps interface {
	// CurrentConfig returns pf's vf-th virtual function's MAC and VLAN
	// as currently configured, for NetConfigStore to save before
	// applying the guest's requested configuration.
	CurrentConfig(ctx context.Context, pf string, vf int) (mac string, vlan int, err error)

	// ReplaceConfig applies mac/vlan to pf's vf-th virtual function.
	ReplaceConfig(ctx context.Context, pf string, vf int, mac string, vlan int) error

	// RestoreConfig re-applies a previously saved mac/vlan to pf's
	// vf-th virtual function.
	RestoreConfig(ctx context.Context, pf string, vf int, mac string, vlan int) error

	// AssociatePort associates pf's vf-th virtual function with a
	// virtualport profile.
	AssociatePort(ctx context.Context, pf string, vf int, port config.VirtualPort) error

	// DisassociatePort tears down a prior AssociatePort.
	DisassociatePort(ctx context.Context, pf string, vf int, port config.VirtualPort) error
}
