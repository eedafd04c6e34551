// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// The PCI spec reserves 5 bits for slot (device) number and 3 bits
	// for function number.
	pciSlotBits = 5
	maxPCISlot  = (1 << pciSlotBits) - 1

	pciFunctionBits = 3
	maxPCIFunction  = (1 << pciFunctionBits) - 1
)

// PciAddress is the (domain, bus, slot, function) identity of a PCI
// function. It is the key every registry looks devices up by, and it
// compares structurally: two PciAddress values with the same fields are
// the same device.
type PciAddress struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// NewPciAddress validates slot and function against the PCI spec's bit
// widths before constructing the address.
func NewPciAddress(domain uint16, bus uint8, slot uint8, function uint8) (PciAddress, error) {
	if slot > maxPCISlot {
		return PciAddress{}, fmt.Errorf("pci slot 0x%x out of range [0..0x%x]", slot, maxPCISlot)
	}
	if function > maxPCIFunction {
		return PciAddress{}, fmt.Errorf("pci function 0x%x out of range [0..0x%x]", function, maxPCIFunction)
	}
	return PciAddress{Domain: domain, Bus: bus, Slot: slot, Function: function}, nil
}

// ParsePciAddress parses the canonical sysfs BDF form "dddd:bb:ss.f".
func ParsePciAddress(s string) (PciAddress, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return PciAddress{}, fmt.Errorf("malformed pci address %q", s)
	}

	domain, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return PciAddress{}, fmt.Errorf("malformed pci domain in %q: %w", s, err)
	}

	bus, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return PciAddress{}, fmt.Errorf("malformed pci bus in %q: %w", s, err)
	}

	slotFn := strings.SplitN(parts[2], ".", 2)
	if len(slotFn) != 2 {
		return PciAddress{}, fmt.Errorf("malformed pci slot.function in %q", s)
	}

	slot, err := strconv.ParseUint(slotFn[0], 16, pciSlotBits)
	if err != nil {
		return PciAddress{}, fmt.Errorf("malformed pci slot in %q: %w", s, err)
	}

	function, err := strconv.ParseUint(slotFn[1], 16, pciFunctionBits)
	if err != nil {
		return PciAddress{}, fmt.Errorf("malformed pci function in %q: %w", s, err)
	}

	return PciAddress{
		Domain:   uint16(domain),
		Bus:      uint8(bus),
		Slot:     uint8(slot),
		Function: uint8(function),
	}, nil
}

// String renders the canonical sysfs BDF form, e.g. "0000:03:00.0".
func (a PciAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}
