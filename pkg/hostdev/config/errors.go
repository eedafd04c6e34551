// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

package config

import "errors"

// Error taxonomy. Callers should compare with errors.Is; the pipeline wraps
// these with context via fmt.Errorf("...: %w", ...).
var (
	// ErrConfigUnsupported covers virtualport/VLAN combinations rejected
	// by the netconfig store: unsupported virtualport type, VLAN
	// alongside a virtualport profile, trunked VLAN, or VLAN on a
	// non-VF device.
	ErrConfigUnsupported = errors.New("hostdev config unsupported")

	// ErrOperationInvalid covers a device that isn't assignable, or is
	// already in use by another guest.
	ErrOperationInvalid = errors.New("hostdev operation invalid")

	// ErrOperationFailed covers state-directory creation failures and
	// registry insert failures.
	ErrOperationFailed = errors.New("hostdev operation failed")

	// ErrDuplicateHostdev is returned when two hostdev entries in the
	// same prepare request share a PciAddress (spec.md §9's resolved
	// open question: dedupe before phase 1 rather than fail opaquely in
	// phase 5).
	ErrDuplicateHostdev = errors.New("duplicate hostdev address in request")
)
