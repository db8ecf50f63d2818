/*
Copyright 2026 The ConnBroker authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package device owns the one RDMA device handle shared by every
// worker for the life of the process (spec invariant 3). It is opened
// once, before any worker is spawned, and closed once, after every
// worker has joined.
package device

import (
	"fmt"

	"github.com/rdmaforge/connbroker/internal/rdma/verbs"
)

// Port is the port this broker always uses. RDMA devices are almost
// always single- or dual-port; port 1 is the conventional default
// and the one the spec names explicitly.
const Port = 1

// GIDIndex is the GID table entry queried for the device's identity.
const GIDIndex = 0

// Handle wraps an open device context and its queried port attributes.
// It is safe for concurrent read-only use by every worker.
type Handle struct {
	provider verbs.Provider
	dev      verbs.DeviceHandle
	attr     verbs.PortAttr
}

// Open enumerates devices through provider and opens the one at
// index, querying port 1's attributes. Fails with ErrNoDevice if
// enumeration is empty, wraps verbs.ErrOpenFailed on driver failure,
// and verbs.ErrQueryFailed on port-query failure.
func Open(provider verbs.Provider, index int) (*Handle, error) {
	names, err := provider.ListDevices()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, verbs.ErrNoDevice
	}

	if index < 0 || index >= len(names) {
		return nil, fmt.Errorf("device: index %d out of range [0,%d)", index, len(names))
	}

	dev, err := provider.OpenDevice(index)
	if err != nil {
		return nil, fmt.Errorf("device: opening %q: %w", names[index], err)
	}

	attr, err := dev.QueryPort(Port, GIDIndex)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("device: querying port %d of %q: %w", Port, names[index], err)
	}

	return &Handle{provider: provider, dev: dev, attr: attr}, nil
}

// LinkLayer reports whether the port runs InfiniBand or RoCE
// (Ethernet). Connection builders must key their RTR address-handle
// branch off this value, never off a compile-time choice.
func (h *Handle) LinkLayer() verbs.LinkLayer { return h.attr.LinkLayer }

// LID is the port's local identifier (classical InfiniBand fabrics;
// zero on Ethernet transports).
func (h *Handle) LID() uint16 { return h.attr.LID }

// GID is the port's global identifier (used on Ethernet transports).
func (h *Handle) GID() [16]byte { return h.attr.GID }

// MTU is the port's active path MTU in bytes.
func (h *Handle) MTU() uint32 { return h.attr.MTU }

// Verbs exposes the underlying open device context so the connection
// builder can allocate per-connection PDs/CQs against it. It is the
// only method on Handle that hands out a mutable-looking resource;
// callers must never call Close on the returned handle themselves.
func (h *Handle) Verbs() verbs.DeviceHandle { return h.dev }

// Close releases the device context. Must be called exactly once,
// during server teardown, after every worker thread has joined.
// Closing earlier violates spec invariant 3.
func (h *Handle) Close() error {
	return h.dev.Close()
}
