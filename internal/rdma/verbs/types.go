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

package verbs

// LinkLayer identifies the fabric a port is attached to. The RTR
// address-handle attributes differ by link layer (spec section 4.D,
// step 8) and the branch must be keyed off this queried value, never
// off a compile-time choice.
type LinkLayer int

const (
	LinkLayerUnspecified LinkLayer = iota
	LinkLayerInfiniBand
	LinkLayerEthernet
)

func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniBand:
		return "InfiniBand"
	case LinkLayerEthernet:
		return "Ethernet"
	default:
		return "Unspecified"
	}
}

// PortAttr is the subset of ibv_port_attr the device registry needs.
type PortAttr struct {
	LinkLayer LinkLayer
	LID       uint16
	GID       [16]byte
	MTU       uint32 // active MTU in bytes
}

// QPCaps bounds the work-request and scatter-gather capacity of a
// queue pair (spec section 4.D, step 3).
type QPCaps struct {
	MaxSendWR  uint32
	MaxRecvWR  uint32
	MaxSendSGE uint32
	MaxRecvSGE uint32
}

// DefaultQPCaps is the small work-request budget the data path uses:
// on the order of 10 outstanding requests per direction, one SGE each.
var DefaultQPCaps = QPCaps{MaxSendWR: 16, MaxRecvWR: 16, MaxSendSGE: 1, MaxRecvSGE: 1}

// AccessFlags mirrors the ibv_access_flags bitmask used when
// registering a memory region or transitioning a QP to INIT.
type AccessFlags int

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// WRStatus is a send/receive work completion status, independent of
// libibverbs' exact enum values so callers above this package never
// need to cgo.
type WRStatus int

const (
	StatusSuccess WRStatus = iota
	StatusError
	StatusFlushed
)

func (s WRStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusFlushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// Opcode selects the work request verb.
type Opcode int

const (
	OpSend Opcode = iota
	OpRDMAWrite
)

// WorkCompletion is a reported completion (ibv_wc), simplified to
// what the data-path worker needs.
type WorkCompletion struct {
	Status WRStatus
	WRID   uint64
	Opcode Opcode
	Bytes  uint32
}

// QPInitAttr configures QP creation (spec section 4.D, step 3).
type QPInitAttr struct {
	SendCQ CQHandle
	RecvCQ CQHandle
	Caps   QPCaps
}

// InitAttr carries the attributes set in the RESET->INIT transition
// (spec section 4.D, step 7).
type InitAttr struct {
	Port        uint8
	PKeyIndex   uint16
	AccessFlags AccessFlags
}

// RTRAttr carries the attributes set in the INIT->RTR transition
// (spec section 4.D, step 8). The GID/LID fields that matter are
// selected by the caller based on the queried link layer.
type RTRAttr struct {
	PathMTU         uint32
	DestQPNum       uint32
	RQPSN           uint32 // peer's PSN from the control-channel exchange
	MaxDestReadAtom uint8
	MinRNRTimer     uint8

	IsEthernet   bool
	DestGID      [16]byte
	SGIDIndex    uint8
	HopLimit     uint8
	DestLID      uint16
	ServiceLevel uint8
}

// RTSAttr carries the attributes set in the RTR->RTS transition
// (spec section 4.D, step 9).
type RTSAttr struct {
	Timeout     uint8
	RetryCount  uint8
	RNRRetry    uint8
	SQPSN       uint32 // this side's local PSN
	MaxReadAtom uint8
}
