// Copyright (c) 2024 the project authors
// Copyright (c) 2017-2018 Intel Corporation
// Copyright (c) 2018-2019 Huawei Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package drivers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cailiang831/libvirt/pkg/hostdev/api"
	"github.com/cailiang831/libvirt/pkg/hostdev/config"
)

// sysfs paths used to drive SR-IOV/VFIO bring-up and teardown, adapted from
// the teacher's pkg/device/drivers/vfio.go constants.
const (
	pciDevicesPath        = "/sys/bus/pci/devices/%s"
	pciDriverPath         = "/sys/bus/pci/devices/%s/driver"
	pciDriverUnbindPath   = "/sys/bus/pci/devices/%s/driver/unbind"
	pciDriverOverridePath = "/sys/bus/pci/devices/%s/driver_override"
	driversProbePath      = "/sys/bus/pci/drivers_probe"
	iommuGroupPath        = "/sys/bus/pci/devices/%s/iommu_group"
	pciResetPath          = "/sys/bus/pci/devices/%s/reset"
	physfnPath            = "/sys/bus/pci/devices/%s/physfn"
	netPath               = "/sys/bus/pci/devices/%s/net"

	pciConfigSpaceSize = 256
)

func sysfsLogger() *logrus.Entry {
	return api.Logger().WithField("driver", "sysfs-pci")
}

// SysfsPCIOps implements api.PCIOps against /sys/bus/pci, adapted from the
// teacher's BindDevicetoVFIO/BindDevicetoHost (pkg/device/drivers/vfio.go)
// and its sysfs introspection helpers (pkg/device/drivers/utils.go).
type SysfsPCIOps struct{}

// NewSysfsPCIOps returns the real sysfs-backed PCIOps implementation.
func NewSysfsPCIOps() *SysfsPCIOps {
	return &SysfsPCIOps{}
}

func (s *SysfsPCIOps) SysfsPath(addr config.PciAddress) string {
	return fmt.Sprintf(pciDevicesPath, addr.String())
}

// IsAssignable reports whether addr can be assigned to a guest: it must
// exist in sysfs and, when strictACS is requested, sit in a single-device
// IOMMU group (ACS isolation) — approximated here by checking the group has
// exactly one member, which is the same test libvirt's
// virpci.c:virPCIDeviceIsAssignable performs for its ACS check.
func (s *SysfsPCIOps) IsAssignable(ctx context.Context, addr config.PciAddress, strictACS bool) (bool, error) {
	if _, err := os.Stat(s.SysfsPath(addr)); err != nil {
		return false, fmt.Errorf("pci device %s not present: %w", addr, err)
	}

	sysfsLogger().WithFields(logrus.Fields{
		"device-bdf": addr,
		"pcie":       IsPCIeDevice(addr),
	}).Debug("checking device assignability")

	if !strictACS {
		return true, nil
	}

	groupPath := fmt.Sprintf(iommuGroupPath, addr)
	devicesDir := filepath.Join(groupPath, "devices")
	entries, err := os.ReadDir(devicesDir)
	if err != nil {
		// No IOMMU support enabled is a hard no for strict ACS.
		return false, nil
	}
	return len(entries) == 1, nil
}

// Detach unbinds addr from its current driver and binds it to stub,
// recording the original binding state. Adapted from BindDevicetoVFIO.
func (s *SysfsPCIOps) Detach(ctx context.Context, addr config.PciAddress, stub config.StubDriver) (config.OrigStates, error) {
	bdf := addr.String()
	var orig config.OrigStates

	driverLink := fmt.Sprintf(pciDriverPath, bdf)
	if target, err := os.Readlink(driverLink); err == nil {
		orig.UnbindFromStub = filepath.Base(target) == string(stub)
	}
	orig.Reprobe = true

	overridePath := fmt.Sprintf(pciDriverOverridePath, bdf)
	sysfsLogger().WithFields(logrus.Fields{
		"device-bdf":           bdf,
		"driver-override-path": overridePath,
		"stub":                 stub,
	}).Info("writing stub driver to driver_override")
	if err := writeSysfs(overridePath, string(stub)); err != nil {
		return orig, fmt.Errorf("%w: binding %s to %s: %v", config.ErrOperationFailed, bdf, stub, err)
	}

	unbindPath := fmt.Sprintf(pciDriverUnbindPath, bdf)
	// the current driver may not exist; ignore the error exactly as the
	// teacher's BindDevicetoVFIO does.
	_ = writeSysfs(unbindPath, bdf)

	sysfsLogger().WithField("device-bdf", bdf).Info("probing stub driver")
	if err := writeSysfs(driversProbePath, bdf); err != nil {
		return orig, fmt.Errorf("%w: probing %s onto %s: %v", config.ErrOperationFailed, bdf, stub, err)
	}

	return orig, nil
}

// Reset issues a function-level reset for addr via its sysfs "reset" file.
// Observing the active/inactive registries so that shared-bus siblings are
// respected is the manager's job (spec.md §4.3 phase 3); this primitive
// only performs the reset itself.
func (s *SysfsPCIOps) Reset(ctx context.Context, addr config.PciAddress) error {
	resetPath := fmt.Sprintf(pciResetPath, addr)
	if err := writeSysfs(resetPath, "1"); err != nil {
		return fmt.Errorf("%w: resetting %s: %v", config.ErrOperationFailed, addr, err)
	}
	return nil
}

// Reattach removes the stub binding and probes the device back onto the
// host driver stack. It does not rebind the device's specific original
// driver: that is left to the kernel's driver-probe matching, or to a
// collaborator that tracks the original driver name out of band (spec.md
// §9's "reattach semantics" note).
func (s *SysfsPCIOps) Reattach(ctx context.Context, addr config.PciAddress, orig config.OrigStates) error {
	bdf := addr.String()

	overridePath := fmt.Sprintf(pciDriverOverridePath, bdf)
	if err := writeSysfs(overridePath, ""); err != nil {
		sysfsLogger().WithError(err).WithField("device-bdf", bdf).Warn("failed to clear driver_override")
	}

	unbindPath := fmt.Sprintf(pciDriverUnbindPath, bdf)
	_ = writeSysfs(unbindPath, bdf)

	if orig.Reprobe {
		if err := writeSysfs(driversProbePath, bdf); err != nil {
			return fmt.Errorf("%w: reattaching %s: %v", config.ErrOperationFailed, bdf, err)
		}
	}
	return nil
}

// WaitForCleanup polls for the disappearance of a sysfs attribute left by
// an asynchronous device-assignment teardown, per spec.md §4.5.
func (s *SysfsPCIOps) WaitForCleanup(ctx context.Context, addr config.PciAddress, attr string, interval, attempts int) bool {
	attrPath := filepath.Join(s.SysfsPath(addr), attr)
	for i := 0; i < attempts; i++ {
		if _, err := os.Stat(attrPath); os.IsNotExist(err) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(interval) * time.Millisecond):
		}
	}
	return false
}

// IsVirtualFunction reports whether addr has a "physfn" symlink, the sysfs
// marker of an SR-IOV virtual function.
func (s *SysfsPCIOps) IsVirtualFunction(addr config.PciAddress) (bool, error) {
	_, err := os.Lstat(fmt.Sprintf(physfnPath, addr))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetVFInfo resolves addr's owning physical function netdev name and this
// VF's index within it, adapted from the teacher's GetAllVFIODevicesFromIOMMUGroup
// sibling-enumeration logic in pkg/device/drivers/utils.go.
func (s *SysfsPCIOps) GetVFInfo(addr config.PciAddress) (string, int, error) {
	physfnLink := fmt.Sprintf(physfnPath, addr)
	physfnTarget, err := os.Readlink(physfnLink)
	if err != nil {
		return "", 0, fmt.Errorf("%s is not an SR-IOV VF: %w", addr, err)
	}
	pfBDF := filepath.Base(physfnTarget)

	pfNetName, err := s.GetNetName(mustParsePCI(pfBDF))
	if err != nil {
		return "", 0, err
	}

	vfBase := fmt.Sprintf(pciDevicesPath, pfBDF) + "/"
	entries, err := os.ReadDir(fmt.Sprintf(pciDevicesPath, pfBDF))
	if err != nil {
		return "", 0, err
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "virtfn") {
			continue
		}
		target, err := os.Readlink(vfBase + e.Name())
		if err != nil {
			continue
		}
		if filepath.Base(target) == addr.String() {
			idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "virtfn"))
			if err != nil {
				return "", 0, err
			}
			return pfNetName, idx, nil
		}
	}
	return "", 0, fmt.Errorf("could not find virtfn index for %s under %s", addr, pfBDF)
}

// GetNetName returns the netdev name bound to addr, if any.
func (s *SysfsPCIOps) GetNetName(addr config.PciAddress) (string, error) {
	entries, err := os.ReadDir(fmt.Sprintf(netPath, addr))
	if err != nil {
		return "", fmt.Errorf("%s has no bound netdev: %w", addr, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("%s has no bound netdev", addr)
	}
	return entries[0].Name(), nil
}

// IsPCIeDevice identifies a PCIe device by the size of its PCI config
// space: plain PCI devices expose 256 bytes, PCIe devices expose 4K. Ported
// from the teacher's pkg/device/drivers/utils.go:IsPCIeDevice.
func IsPCIeDevice(addr config.PciAddress) bool {
	configPath := filepath.Join(fmt.Sprintf(pciDevicesPath, addr), "config")
	fi, err := os.Stat(configPath)
	if err != nil {
		sysfsLogger().WithField("dev-bdf", addr).WithError(err).Warn("couldn't stat configuration space file")
		return false
	}
	return fi.Size() > pciConfigSpaceSize
}

func writeSysfs(path, data string) error {
	return os.WriteFile(path, []byte(data), 0200)
}

func mustParsePCI(bdf string) config.PciAddress {
	addr, err := config.ParsePciAddress(bdf)
	if err != nil {
		// bdf came from a sysfs directory name we just read; a parse
		// failure here means sysfs itself is malformed.
		return config.PciAddress{}
	}
	return addr
}
