// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

package manager

import (
	"context"
	"fmt"

	"github.com/cailiang831/libvirt/pkg/hostdev/config"
)

// fakePCIOps is a table-driven stand-in for api.PCIOps, letting the
// prepare/release pipeline tests drive specific failure points without a
// real kernel, mirroring the teacher's own bare-struct fakes in
// pkg/device/manager's tests.
type fakePCIOps struct {
	unassignable map[config.PciAddress]bool
	detachErr    map[config.PciAddress]error
	resetErr     map[config.PciAddress]error
	vfPF         map[config.PciAddress]string
	vfIndex      map[config.PciAddress]int

	detached   []config.PciAddress
	reattached []config.PciAddress
}

func newFakePCIOps() *fakePCIOps {
	return &fakePCIOps{
		unassignable: map[config.PciAddress]bool{},
		detachErr:    map[config.PciAddress]error{},
		resetErr:     map[config.PciAddress]error{},
		vfPF:         map[config.PciAddress]string{},
		vfIndex:      map[config.PciAddress]int{},
	}
}

func (f *fakePCIOps) IsAssignable(ctx context.Context, addr config.PciAddress, strictACS bool) (bool, error) {
	return !f.unassignable[addr], nil
}

func (f *fakePCIOps) Detach(ctx context.Context, addr config.PciAddress, stub config.StubDriver) (config.OrigStates, error) {
	if err := f.detachErr[addr]; err != nil {
		return config.OrigStates{}, err
	}
	f.detached = append(f.detached, addr)
	return config.OrigStates{Reprobe: true}, nil
}

func (f *fakePCIOps) Reset(ctx context.Context, addr config.PciAddress) error {
	return f.resetErr[addr]
}

func (f *fakePCIOps) Reattach(ctx context.Context, addr config.PciAddress, orig config.OrigStates) error {
	f.reattached = append(f.reattached, addr)
	return nil
}

func (f *fakePCIOps) WaitForCleanup(ctx context.Context, addr config.PciAddress, attr string, interval, attempts int) bool {
	return true
}

func (f *fakePCIOps) SysfsPath(addr config.PciAddress) string {
	return "/sys/bus/pci/devices/" + addr.String()
}

func (f *fakePCIOps) IsVirtualFunction(addr config.PciAddress) (bool, error) {
	_, ok := f.vfPF[addr]
	return ok, nil
}

func (f *fakePCIOps) GetVFInfo(addr config.PciAddress) (string, int, error) {
	pf, ok := f.vfPF[addr]
	if !ok {
		return "", 0, fmt.Errorf("%s is not a VF", addr)
	}
	return pf, f.vfIndex[addr], nil
}

func (f *fakePCIOps) GetNetName(addr config.PciAddress) (string, error) {
	return "", fmt.Errorf("no netdev bound to %s", addr)
}

// fakeNetdevOps is a table-driven stand-in for api.NetdevOps.
type fakeNetdevOps struct {
	current map[string]savedPair

	// failOnApplyCall, if non-zero, makes the Nth call to ReplaceConfig
	// (1-indexed) fail, to exercise prepare's partial-batch VF-net
	// rollback.
	failOnApplyCall int
	applyCalls      int

	saved         []savedPair
	applied       []savedPair
	associated    []portCall
	disassociated []portCall
}

type portCall struct {
	pf   string
	vf   int
	port config.VirtualPort
}

type savedPair struct {
	pf   string
	vf   int
	mac  string
	vlan int
}

func newFakeNetdevOps() *fakeNetdevOps {
	return &fakeNetdevOps{current: map[string]savedPair{}}
}

func key(pf string, vf int) string { return fmt.Sprintf("%s/%d", pf, vf) }

func (f *fakeNetdevOps) CurrentConfig(ctx context.Context, pf string, vf int) (string, int, error) {
	if cur, ok := f.current[key(pf, vf)]; ok {
		return cur.mac, cur.vlan, nil
	}
	return "", 0, nil
}

func (f *fakeNetdevOps) ReplaceConfig(ctx context.Context, pf string, vf int, mac string, vlan int) error {
	f.applyCalls++
	if f.failOnApplyCall != 0 && f.applyCalls == f.failOnApplyCall {
		return fmt.Errorf("simulated apply failure on call %d", f.applyCalls)
	}
	f.applied = append(f.applied, savedPair{pf, vf, mac, vlan})
	f.current[key(pf, vf)] = savedPair{pf, vf, mac, vlan}
	return nil
}

func (f *fakeNetdevOps) RestoreConfig(ctx context.Context, pf string, vf int, mac string, vlan int) error {
	f.saved = append(f.saved, savedPair{pf, vf, mac, vlan})
	f.current[key(pf, vf)] = savedPair{pf, vf, mac, vlan}
	return nil
}

func (f *fakeNetdevOps) AssociatePort(ctx context.Context, pf string, vf int, port config.VirtualPort) error {
	f.associated = append(f.associated, portCall{pf, vf, port})
	return nil
}

func (f *fakeNetdevOps) DisassociatePort(ctx context.Context, pf string, vf int, port config.VirtualPort) error {
	f.disassociated = append(f.disassociated, portCall{pf, vf, port})
	return nil
}
