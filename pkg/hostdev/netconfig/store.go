// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package netconfig implements the filesystem-backed save/restore of an
// SR-IOV physical function's VF network state, keyed by (PF name, VF
// index), plus the virtualport/VLAN validation rules applied when a PCI
// hostdev's parent is a network device.
package netconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/cailiang831/libvirt/pkg/hostdev/api"
	"github.com/cailiang831/libvirt/pkg/hostdev/config"
)

func storeLogger() *logrus.Entry {
	return api.Logger().WithField("subsystem", "netconfig")
}

// savedState is the on-disk record for one (PF, VF) pair: the VF's MAC and
// VLAN immediately before the guest's requested configuration was applied.
// Persisted as JSON, following the teacher's own per-entity persistence
// layer (virtcontainers/persist/fs), which is itself a plain
// encoding/json-over-os.WriteFile scheme; the format is opaque to the core
// per spec.md §6, so no richer serialization is warranted here.
type savedState struct {
	MAC  string `json:"mac"`
	VLAN int    `json:"vlan"`
}

// Store is the SR-IOV VF network-state save/restore component (spec.md
// §4.6), rooted at a state directory.
type Store struct {
	stateDir string
	netdev   api.NetdevOps
}

// New returns a Store rooted at stateDir, applying configuration through
// netdev.
func New(stateDir string, netdev api.NetdevOps) *Store {
	return &Store{stateDir: stateDir, netdev: netdev}
}

func (s *Store) path(dir, pf string, vf int) string {
	return filepath.Join(dir, "net", fmt.Sprintf("%s_vf%d.json", pf, vf))
}

// SaveAndReplace captures pf's vf-th VF's current MAC/VLAN to disk, then
// applies the guest-requested mac/vlan (spec.md §4.6).
func (s *Store) SaveAndReplace(ctx context.Context, pf string, vf int, mac string, vlan int) error {
	curMac, curVlan, err := s.netdev.CurrentConfig(ctx, pf, vf)
	if err != nil {
		return fmt.Errorf("%w: reading current config for %s vf%d: %v", config.ErrOperationFailed, pf, vf, err)
	}

	if err := s.save(s.stateDir, pf, vf, curMac, curVlan); err != nil {
		return err
	}

	return s.netdev.ReplaceConfig(ctx, pf, vf, mac, vlan)
}

func (s *Store) save(dir, pf string, vf int, mac string, vlan int) error {
	savePath := s.path(dir, pf, vf)
	if err := os.MkdirAll(filepath.Dir(savePath), 0750); err != nil {
		return fmt.Errorf("%w: creating netconfig state dir: %v", config.ErrOperationFailed, err)
	}

	data, err := json.Marshal(savedState{MAC: mac, VLAN: vlan})
	if err != nil {
		return fmt.Errorf("%w: encoding netconfig state: %v", config.ErrOperationFailed, err)
	}
	if err := os.WriteFile(savePath, data, 0640); err != nil {
		return fmt.Errorf("%w: writing netconfig state %s: %v", config.ErrOperationFailed, savePath, err)
	}

	storeLogger().WithFields(logrus.Fields{"pf": pf, "vf": vf}).Info("saved VF net config before applying guest request")
	return nil
}

// Restore re-applies the saved MAC/VLAN for pf's vf-th VF. If the state
// directory has no record and legacyDir is non-empty, the read is retried
// there (in-place upgrade from a prior installation that stored files
// elsewhere); legacyDir == "" disables the fallback, as prepare's
// rollback-path restore call requires (spec.md §4.3 restoreVFNet).
func (s *Store) Restore(ctx context.Context, pf string, vf int, legacyDir string) error {
	data, err := os.ReadFile(s.path(s.stateDir, pf, vf))
	if err != nil {
		if !os.IsNotExist(err) || legacyDir == "" {
			return fmt.Errorf("%w: reading netconfig state for %s vf%d: %v", config.ErrOperationFailed, pf, vf, err)
		}
		data, err = os.ReadFile(s.path(legacyDir, pf, vf))
		if err != nil {
			return fmt.Errorf("%w: reading legacy netconfig state for %s vf%d: %v", config.ErrOperationFailed, pf, vf, err)
		}
		storeLogger().WithFields(logrus.Fields{"pf": pf, "vf": vf}).Info("restored VF net config from legacy state directory")
	}

	var st savedState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("%w: decoding netconfig state for %s vf%d: %v", config.ErrOperationFailed, pf, vf, err)
	}

	if err := s.netdev.RestoreConfig(ctx, pf, vf, st.MAC, st.VLAN); err != nil {
		return err
	}

	_ = os.Remove(s.path(s.stateDir, pf, vf))
	return nil
}

// Discard drops pf's vf-th VF's saved net config without restoring it, for
// release of a VF whose identity was carried by an associated virtualport
// profile rather than its own MAC/VLAN: the pre-assignment MAC/VLAN this
// state file holds was never meant to be reapplied in that mode, but the
// file must not linger as stale state for the VF's next assignment. A
// missing file is not an error.
func (s *Store) Discard(pf string, vf int) error {
	if err := os.Remove(s.path(s.stateDir, pf, vf)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: discarding netconfig state for %s vf%d: %v", config.ErrOperationFailed, pf, vf, err)
	}
	return nil
}

// ValidateNetParent applies the virtualport/VLAN validation rules of
// spec.md §4.6 to a PCI hostdev with a network parent. isVF reports whether
// the underlying PCI device is an SR-IOV VF at all.
func ValidateNetParent(parent *config.NetParent, isVF bool) error {
	if parent == nil {
		return nil
	}

	if parent.VirtualPort != nil {
		if parent.VirtualPort.Type != config.VirtualPort8021Qbh {
			return fmt.Errorf("%w: virtualport type %s not supported for hostdev (only 802.1Qbh)", config.ErrConfigUnsupported, parent.VirtualPort.Type)
		}
		if parent.HasVLAN() || len(parent.Trunk) > 0 {
			return fmt.Errorf("%w: VLAN configuration is carried by the virtualport profile, not set directly", config.ErrConfigUnsupported)
		}
		return nil
	}

	if len(parent.Trunk) > 0 {
		return fmt.Errorf("%w: VLAN trunking is not supported, only a single tag", config.ErrConfigUnsupported)
	}

	if !isVF {
		if parent.HasVLAN() {
			return fmt.Errorf("%w: VLAN configuration requires an SR-IOV VF", config.ErrConfigUnsupported)
		}
		return fmt.Errorf("%w: network hostdev configuration requires an SR-IOV VF", config.ErrConfigUnsupported)
	}

	return nil
}

// ResolveVLAN returns the VLAN to apply for a net-parent hostdev: the
// requested tag, or 0 to clear any stale tag when the guest didn't request
// one (spec.md §4.6: "if a VF is detected and no VLAN is requested, the
// stored VLAN is reset to 0").
func ResolveVLAN(parent *config.NetParent) int {
	if parent == nil || !parent.HasVLAN() {
		return 0
	}
	return parent.VLAN
}
