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

// Package verbs is the cgo boundary onto libibverbs. Everything above
// this package (device, conn, dataplane) talks to the Provider
// interface, never to cgo directly, so that those packages stay
// testable against internal/rdma/verbs/fake without a NIC.
//
// This mirrors the teacher's principle of keeping the one package that
// must touch an external resource (there: Syncthing's REST API behind
// the api.SyncthingConnection interface; here: libibverbs behind
// Provider) as thin, and as narrowly scoped, as possible.
package verbs

// Provider opens RDMA devices. RealProvider (cgo_provider.go) is the
// production implementation; internal/rdma/verbs/fake ships an
// in-memory one for unit tests.
type Provider interface {
	ListDevices() ([]string, error)
	OpenDevice(index int) (DeviceHandle, error)
}

// DeviceHandle is an open device context, shared read-only by every
// worker for the life of the process (spec invariant 3).
type DeviceHandle interface {
	Close() error
	QueryPort(port, gidIndex int) (PortAttr, error)
	AllocPD() (PDHandle, error)
	CreateCQ(depth int) (CQHandle, error)
}

// PDHandle is a protection domain: the scope within which a
// connection's QP and MRs are created. Never shared across
// connections (spec invariant 2).
type PDHandle interface {
	Dealloc() error
	CreateQP(attr QPInitAttr) (QPHandle, error)
	RegisterMR(buf []byte, flags AccessFlags) (MRHandle, error)
}

// CQHandle is a completion queue.
type CQHandle interface {
	Destroy() error
	Poll(out []WorkCompletion) (int, error)
}

// QPHandle is a queue pair, created in RESET and driven through
// INIT/RTR/RTS by the caller (internal/rdma/conn).
type QPHandle interface {
	Num() uint32
	Destroy() error
	ModifyToInit(InitAttr) error
	ModifyToRTR(RTRAttr) error
	ModifyToRTS(RTSAttr) error
	PostSend(op Opcode, mr MRHandle, buf []byte, n int, wrID uint64, remoteAddr uint64, rkey uint32) error
	PostRecv(mr MRHandle, buf []byte, wrID uint64) error
}

// MRHandle is a registered memory region.
type MRHandle interface {
	RKey() uint32
	LKey() uint32
	Addr() uint64
	Deregister() error
}
