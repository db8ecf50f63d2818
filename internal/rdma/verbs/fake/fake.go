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

// Package fake is an in-memory stand-in for internal/rdma/verbs,
// letting the connection builder and data-path worker be exercised by
// tests on a machine with no RDMA hardware.
//
// It tracks the state-machine ordering and build/teardown symmetry
// that the real provider can't easily be asserted against in a unit
// test (spec section 8, properties 3 and 6), and loops sent buffers
// straight onto the matching queue pair's completion queue so the
// data-path worker's Send/WriteRemote/poll loop can be driven without
// a NIC.
package fake

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rdmaforge/connbroker/internal/rdma/verbs"
)

// Provider is a fake verbs.Provider. Devices is consulted by
// ListDevices/OpenDevice; tests populate it before use.
type Provider struct {
	Devices []string
}

var _ verbs.Provider = (*Provider)(nil)

func (p *Provider) ListDevices() ([]string, error) {
	if len(p.Devices) == 0 {
		return nil, verbs.ErrNoDevice
	}
	return append([]string(nil), p.Devices...), nil
}

func (p *Provider) OpenDevice(index int) (verbs.DeviceHandle, error) {
	if index < 0 || index >= len(p.Devices) {
		return nil, fmt.Errorf("fake verbs: device index %d out of range", index)
	}
	return &Device{Attr: verbs.PortAttr{
		LinkLayer: verbs.LinkLayerEthernet,
		LID:       0,
		GID:       [16]byte{0xfe, 0x80},
		MTU:       1024,
	}}, nil
}

// Device is a fake device handle. Attr is returned by QueryPort;
// tests mutate it to exercise the InfiniBand branch.
type Device struct {
	Attr   verbs.PortAttr
	mu     sync.Mutex
	closed bool
}

var _ verbs.DeviceHandle = (*Device)(nil)

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) QueryPort(port, gidIndex int) (verbs.PortAttr, error) {
	return d.Attr, nil
}

func (d *Device) AllocPD() (verbs.PDHandle, error) {
	return &PD{}, nil
}

func (d *Device) CreateCQ(depth int) (verbs.CQHandle, error) {
	return &CQ{depth: depth, completions: make(chan verbs.WorkCompletion, depth)}, nil
}

// PD is a fake protection domain.
type PD struct {
	deallocated bool
}

var _ verbs.PDHandle = (*PD)(nil)

func (p *PD) Dealloc() error {
	p.deallocated = true
	return nil
}

var qpSeq uint32

func (p *PD) CreateQP(attr verbs.QPInitAttr) (verbs.QPHandle, error) {
	n := atomic.AddUint32(&qpSeq, 1)
	recvCQ, _ := attr.RecvCQ.(*CQ)
	sendCQ, _ := attr.SendCQ.(*CQ)
	qp := &QP{num: n, state: StateReset, sendCQ: sendCQ, recvCQ: recvCQ, caps: attr.Caps}
	qpRegistryMu.Lock()
	qpRegistry[n] = qp
	qpRegistryMu.Unlock()
	return qp, nil
}

func (p *PD) RegisterMR(buf []byte, flags verbs.AccessFlags) (verbs.MRHandle, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("fake verbs: cannot register an empty buffer")
	}
	n := atomic.AddUint32(&mrSeq, 1)
	mr := &MR{buf: buf, rkey: n, lkey: n, addr: uint64(n) << 32, flags: flags}
	mrRegistryMu.Lock()
	mrRegistry[mr.addr] = mr
	mrRegistryMu.Unlock()
	return mr, nil
}

var (
	mrSeq        uint32
	mrRegistryMu sync.Mutex
	mrRegistry   = map[uint64]*MR{}

	qpRegistryMu sync.Mutex
	qpRegistry   = map[uint32]*QP{}
)

// MR is a fake memory region; it tracks the backing buffer so
// PostSend/PostRecv can move bytes without real hardware DMA.
type MR struct {
	buf          []byte
	rkey, lkey   uint32
	addr         uint64
	flags        verbs.AccessFlags
	deregistered bool
}

var _ verbs.MRHandle = (*MR)(nil)

func (m *MR) RKey() uint32 { return m.rkey }
func (m *MR) LKey() uint32 { return m.lkey }
func (m *MR) Addr() uint64 { return m.addr }
func (m *MR) Deregister() error {
	m.deregistered = true
	return nil
}

// CQ is a fake completion queue backed by a buffered channel.
type CQ struct {
	depth       int
	completions chan verbs.WorkCompletion
	destroyed   bool
}

var _ verbs.CQHandle = (*CQ)(nil)

func (c *CQ) Destroy() error {
	c.destroyed = true
	return nil
}

func (c *CQ) Poll(out []verbs.WorkCompletion) (int, error) {
	n := 0
	for n < len(out) {
		select {
		case wc := <-c.completions:
			out[n] = wc
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

// QPState mirrors the RESET/INIT/RTR/RTS progression so tests can
// assert the transition trace never skips or reorders a state (spec
// section 8, property 3).
type QPState int

const (
	StateReset QPState = iota
	StateInit
	StateRTR
	StateRTS
	StateError
)

// QP is a fake queue pair.
type QP struct {
	mu    sync.Mutex
	num   uint32
	state QPState
	// Trace records every modify-to call, in order, for assertions.
	Trace []QPState

	sendCQ *CQ
	recvCQ *CQ
	caps   verbs.QPCaps

	rqPSN, sqPSN uint32
	destroyed    bool

	peer        *QP
	pendingRecv *pendingRecv
}

// pendingRecv is the one posted-but-not-yet-consumed receive buffer.
// The fake models a single outstanding receive, matching the
// dataplane worker's pre-post-one/re-post-after-delivery pattern.
type pendingRecv struct {
	mr  *MR
	buf []byte
}

var _ verbs.QPHandle = (*QP)(nil)

func (q *QP) Num() uint32 { return q.num }

func (q *QP) Destroy() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.destroyed = true
	return nil
}

func (q *QP) State() QPState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *QP) ModifyToInit(a verbs.InitAttr) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateReset {
		return fmt.Errorf("fake verbs: INIT requires RESET, got %v", q.state)
	}
	q.state = StateInit
	q.Trace = append(q.Trace, StateInit)
	return nil
}

func (q *QP) ModifyToRTR(a verbs.RTRAttr) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateInit {
		return fmt.Errorf("fake verbs: RTR requires INIT, got %v", q.state)
	}
	q.state = StateRTR
	q.rqPSN = a.RQPSN
	q.Trace = append(q.Trace, StateRTR)

	qpRegistryMu.Lock()
	q.peer = qpRegistry[a.DestQPNum]
	qpRegistryMu.Unlock()

	return nil
}

func (q *QP) ModifyToRTS(a verbs.RTSAttr) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateRTR {
		return fmt.Errorf("fake verbs: RTS requires RTR, got %v", q.state)
	}
	q.state = StateRTS
	q.sqPSN = a.SQPSN
	q.Trace = append(q.Trace, StateRTS)
	return nil
}

// RQPSN and SQPSN expose the bound PSNs for invariant-6 assertions.
func (q *QP) RQPSN() uint32 { return q.rqPSN }
func (q *QP) SQPSN() uint32 { return q.sqPSN }

func (q *QP) PostSend(op verbs.Opcode, mr verbs.MRHandle, buf []byte, n int, wrID uint64, remoteAddr uint64, rkey uint32) error {
	q.mu.Lock()
	state := q.state
	cq := q.sendCQ
	peer := q.peer
	q.mu.Unlock()
	if state != StateRTS {
		return fmt.Errorf("fake verbs: send requires RTS, got %v", state)
	}
	if n <= 0 || n > len(buf) {
		return fmt.Errorf("fake verbs: invalid send length %d", n)
	}

	switch op {
	case verbs.OpRDMAWrite:
		// One-sided: bytes land directly in the target MR's buffer;
		// no completion is ever posted to the target's receive queue
		// (spec section 8 (vi) leaves peer-side notification
		// unspecified).
		mrRegistryMu.Lock()
		target := mrRegistry[remoteAddr]
		mrRegistryMu.Unlock()
		if target == nil {
			return fmt.Errorf("fake verbs: RDMA write: no registered MR at remote address %x", remoteAddr)
		}
		copy(target.buf, buf[:n])
	case verbs.OpSend:
		if peer == nil {
			return fmt.Errorf("fake verbs: send: QP %d has no connected peer (RTR not yet reached on both ends)", q.num)
		}
		peer.deliverSend(buf[:n])
	}

	if cq != nil {
		cq.completions <- verbs.WorkCompletion{Status: verbs.StatusSuccess, WRID: wrID, Opcode: op, Bytes: uint32(n)}
	}
	return nil
}

// deliverSend copies payload into the QP's currently posted receive
// buffer and posts a receive completion, mirroring a SEND work
// request's effect on the receiving side. Real hardware would answer
// a send that arrives with no posted receive with an RNR (receiver
// not ready) NAK and let the sender's QP retry count govern the
// retry; the fake approximates that by waiting briefly for a receive
// to be posted instead of dropping the message.
func (q *QP) deliverSend(payload []byte) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		q.mu.Lock()
		pending := q.pendingRecv
		cq := q.recvCQ
		if pending != nil {
			q.pendingRecv = nil
		}
		q.mu.Unlock()

		if pending != nil {
			if cq == nil {
				return
			}
			n := copy(pending.buf, payload)
			cq.completions <- verbs.WorkCompletion{Status: verbs.StatusSuccess, Opcode: verbs.OpSend, Bytes: uint32(n)}
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (q *QP) PostRecv(mr verbs.MRHandle, buf []byte, wrID uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateRTR && q.state != StateRTS {
		return fmt.Errorf("fake verbs: recv requires at least RTR, got %v", q.state)
	}
	concreteMR, _ := mr.(*MR)
	q.pendingRecv = &pendingRecv{mr: concreteMR, buf: buf}
	return nil
}
