// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package manager implements the process-wide HostdevManager singleton and
// the PCI prepare/release pipelines built on top of the registries, the
// netconfig store, and the api.PCIOps/api.NetdevOps collaborators.
package manager

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cailiang831/libvirt/pkg/hostdev/api"
	"github.com/cailiang831/libvirt/pkg/hostdev/config"
	"github.com/cailiang831/libvirt/pkg/hostdev/drivers"
	"github.com/cailiang831/libvirt/pkg/hostdev/netconfig"
	"github.com/cailiang831/libvirt/pkg/hostdev/registry"
)

func managerLogger() *logrus.Entry {
	return api.Logger().WithField("subsystem", "hostdev-manager")
}

// Flags is a bitmask passed to PreparePCI.
type Flags uint

const (
	// StrictACSCheck requests the stricter ACS isolation check during
	// assignability validation (spec.md §4.3 phase 1).
	StrictACSCheck Flags = 1 << iota
)

// Handle is the minimal addressable value the USB/SCSI peer registries
// hold. Those subsystems' assignment logic is out of this module's scope
// (spec.md §1); they exist here only so Manager can own all four
// registries under one construction and lock-acquisition discipline.
type Handle struct {
	Addr config.PciAddress
}

// Address implements registry.Addressable.
func (h Handle) Address() config.PciAddress { return h.Addr }

// Config tunes the manager's non-semantic behavior: the reattach poll
// bound (spec.md §9 "Polling in reattach" calls for this to be
// configurable so tests can shorten it) and where PCI state lives.
type Config struct {
	StateDir             string
	LegacyNetStateDir    string
	ReattachPollInterval time.Duration
	ReattachPollAttempts int
}

// DefaultConfig returns the production poll bound: 100 attempts at 100ms,
// i.e. the 10s worst case spec.md §5 documents.
func DefaultConfig(stateDir string) Config {
	return Config{
		StateDir:             stateDir,
		ReattachPollInterval: 100 * time.Millisecond,
		ReattachPollAttempts: 100,
	}
}

// Manager is the process-wide host-device assignment manager: the four
// device registries, the state directory, and the collaborators the
// pipeline drives.
type Manager struct {
	cfg Config

	activePCI   *registry.Registry[*drivers.PciDevice]
	inactivePCI *registry.Registry[*drivers.PciDevice]
	activeUSB   *registry.Registry[Handle]
	activeSCSI  *registry.Registry[Handle]

	pci    api.PCIOps
	net    api.NetdevOps
	netcfg *netconfig.Store
}

var (
	defaultOnce sync.Once
	defaultMgr  *Manager
	defaultErr  error
)

// GetDefault returns the process-wide Manager, initializing it exactly
// once. Subsequent calls ignore their arguments and return the instance
// (and error, if any) from the first call — spec.md §4.1: "there is no
// destruction path".
func GetDefault(cfg Config, pci api.PCIOps, net api.NetdevOps) (*Manager, error) {
	defaultOnce.Do(func() {
		defaultMgr, defaultErr = newManager(cfg, pci, net)
	})
	return defaultMgr, defaultErr
}

// New constructs an independent Manager, bypassing the process-wide
// singleton. Production callers should use GetDefault; tests that need
// isolated state use New directly, mirroring how pkg/device/manager's own
// tests construct a bare deviceManager{} rather than going through a
// package-level singleton.
func New(cfg Config, pci api.PCIOps, net api.NetdevOps) (*Manager, error) {
	return newManager(cfg, pci, net)
}

func newManager(cfg Config, pci api.PCIOps, net api.NetdevOps) (*Manager, error) {
	if cfg.ReattachPollAttempts == 0 {
		def := DefaultConfig(cfg.StateDir)
		cfg.ReattachPollInterval = def.ReattachPollInterval
		cfg.ReattachPollAttempts = def.ReattachPollAttempts
	}

	if err := os.MkdirAll(cfg.StateDir, 0750); err != nil {
		return nil, fmt.Errorf("%w: creating state directory %s: %v", config.ErrOperationFailed, cfg.StateDir, err)
	}

	m := &Manager{
		cfg:         cfg,
		activePCI:   registry.New[*drivers.PciDevice](),
		inactivePCI: registry.New[*drivers.PciDevice](),
		activeUSB:   registry.New[Handle](),
		activeSCSI:  registry.New[Handle](),
		pci:         pci,
		net:         net,
		netcfg:      netconfig.New(cfg.StateDir, net),
	}

	managerLogger().WithField("state-dir", cfg.StateDir).Info("host-device manager initialized")
	return m, nil
}

// ActivePCI exposes the active-PCI registry for read-only inspection
// (tests, diagnostics). The pipeline itself holds the lock directly rather
// than going through this accessor.
func (m *Manager) ActivePCI() *registry.Registry[*drivers.PciDevice] { return m.activePCI }

// InactivePCI exposes the inactive-PCI registry for read-only inspection.
func (m *Manager) InactivePCI() *registry.Registry[*drivers.PciDevice] { return m.inactivePCI }
