// Copyright (c) 2024 the project authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package registry implements the mutex-protected device sets the manager
// holds: active/inactive PCI, and the USB/SCSI peer registries. Each
// instance has its own lock; it never reaches into a stored value's
// internal state, it only owns the value for as long as it sits in the set.
package registry

import (
	"fmt"
	"sync"

	"github.com/cailiang831/libvirt/pkg/hostdev/config"
)

// Addressable is implemented by anything a Registry can key on.
type Addressable interface {
	Address() config.PciAddress
}

// Registry is a mutex-protected set of T, keyed by PciAddress, preserving
// insertion order for deterministic iteration (tests rely on this; nothing
// else does).
//
// Every operation has a self-locking form (Add, Find, ...) for standalone
// callers, and a "Locked" form (AddLocked, FindLocked, ...) that assumes the
// caller already holds the mutex via Lock/Unlock. The manager's prepare and
// release pipelines use the Locked forms: spec.md §5 requires the
// active-PCI and inactive-PCI registry locks to be held together for the
// entire duration of a pipeline call, not just for each individual
// operation within it.
type Registry[T Addressable] struct {
	mu      sync.Mutex
	order   []config.PciAddress
	entries map[config.PciAddress]T
}

// New creates an empty registry.
func New[T Addressable]() *Registry[T] {
	return &Registry[T]{entries: make(map[config.PciAddress]T)}
}

// Lock acquires the registry's mutex for the duration of a multi-operation
// critical section. Must be paired with Unlock.
func (r *Registry[T]) Lock() {
	r.mu.Lock()
}

// Unlock releases the mutex acquired by Lock.
func (r *Registry[T]) Unlock() {
	r.mu.Unlock()
}

// Add inserts value, transferring ownership into the registry. A duplicate
// address is a caller bug (spec.md §3): it is rejected rather than silently
// replacing the existing owner.
func (r *Registry[T]) Add(value T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.AddLocked(value)
}

// AddLocked is Add without its own locking; the caller must hold the lock.
func (r *Registry[T]) AddLocked(value T) error {
	addr := value.Address()
	if _, ok := r.entries[addr]; ok {
		return fmt.Errorf("%w: address %s already present in registry", config.ErrOperationFailed, addr)
	}
	r.entries[addr] = value
	r.order = append(r.order, addr)
	return nil
}

// Find returns the entry at addr, if present.
func (r *Registry[T]) Find(addr config.PciAddress) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.FindLocked(addr)
}

// FindLocked is Find without its own locking.
func (r *Registry[T]) FindLocked(addr config.PciAddress) (T, bool) {
	v, ok := r.entries[addr]
	return v, ok
}

// Contains reports whether addr is present.
func (r *Registry[T]) Contains(addr config.PciAddress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ContainsLocked(addr)
}

// ContainsLocked is Contains without its own locking.
func (r *Registry[T]) ContainsLocked(addr config.PciAddress) bool {
	_, ok := r.entries[addr]
	return ok
}

// Steal removes addr and returns it, transferring ownership out to the
// caller. The second return is false if addr was not present.
func (r *Registry[T]) Steal(addr config.PciAddress) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.StealLocked(addr)
}

// StealLocked is Steal without its own locking.
func (r *Registry[T]) StealLocked(addr config.PciAddress) (T, bool) {
	v, ok := r.entries[addr]
	if !ok {
		var zero T
		return zero, false
	}
	r.remove(addr)
	return v, true
}

// Delete removes addr, dropping the entry. A no-op if addr is absent.
func (r *Registry[T]) Delete(addr config.PciAddress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.DeleteLocked(addr)
}

// DeleteLocked is Delete without its own locking.
func (r *Registry[T]) DeleteLocked(addr config.PciAddress) {
	r.remove(addr)
}

// Update replaces the stored value for addr in place, used by the pipeline
// to write back attribution/orig-states after insertion. No-op if addr is
// absent.
func (r *Registry[T]) Update(addr config.PciAddress, value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.UpdateLocked(addr, value)
}

// UpdateLocked is Update without its own locking.
func (r *Registry[T]) UpdateLocked(addr config.PciAddress, value T) {
	if _, ok := r.entries[addr]; !ok {
		return
	}
	r.entries[addr] = value
}

// Len returns the number of entries currently held.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns a copy of the entries in insertion order. For tests and
// diagnostics only; never used on a pipeline hot path.
func (r *Registry[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.entries[addr])
	}
	return out
}

func (r *Registry[T]) remove(addr config.PciAddress) {
	if _, ok := r.entries[addr]; !ok {
		return
	}
	delete(r.entries, addr)
	for i, a := range r.order {
		if a == addr {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
