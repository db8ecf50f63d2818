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

//go:build linux && cgo

package verbs

/*
#cgo LDFLAGS: -libverbs

#include <infiniband/verbs.h>
#include <stdlib.h>
#include <string.h>

static struct ibv_qp_attr *alloc_qp_attr(void) {
	return calloc(1, sizeof(struct ibv_qp_attr));
}

static void set_wr_rdma(struct ibv_send_wr *wr, uint64_t remote_addr, uint32_t rkey) {
	wr->wr.rdma.remote_addr = remote_addr;
	wr->wr.rdma.rkey = rkey;
}
*/
import "C"

import (
	"fmt"
	"unsafe"
)

func (f AccessFlags) toC() C.int {
	var v C.int
	if f&AccessLocalWrite != 0 {
		v |= C.IBV_ACCESS_LOCAL_WRITE
	}
	if f&AccessRemoteWrite != 0 {
		v |= C.IBV_ACCESS_REMOTE_WRITE
	}
	if f&AccessRemoteRead != 0 {
		v |= C.IBV_ACCESS_REMOTE_READ
	}
	return v
}

// RealProvider talks to the host's RDMA stack via libibverbs.
type RealProvider struct{}

var _ Provider = RealProvider{}

// ListDevices enumerates the devices visible to the provider.
func (RealProvider) ListDevices() ([]string, error) {
	var n C.int
	list := C.ibv_get_device_list(&n)
	if list == nil || n == 0 {
		return nil, ErrNoDevice
	}
	defer C.ibv_free_device_list(list)

	names := make([]string, 0, int(n))
	devs := unsafe.Slice(list, int(n))
	for _, d := range devs {
		names = append(names, C.GoString(C.ibv_get_device_name(d)))
	}
	return names, nil
}

// OpenDevice opens the device at the given enumeration index.
func (RealProvider) OpenDevice(index int) (DeviceHandle, error) {
	var n C.int
	list := C.ibv_get_device_list(&n)
	if list == nil || n == 0 {
		return nil, ErrNoDevice
	}
	defer C.ibv_free_device_list(list)

	if index < 0 || index >= int(n) {
		return nil, fmt.Errorf("verbs: device index %d out of range [0,%d)", index, int(n))
	}
	devs := unsafe.Slice(list, int(n))
	ctx := C.ibv_open_device(devs[index])
	if ctx == nil {
		return nil, ErrOpenFailed
	}
	return &cDevice{ctx: ctx}, nil
}

type cDevice struct {
	ctx *C.struct_ibv_context
}

var _ DeviceHandle = (*cDevice)(nil)

func (d *cDevice) Close() error {
	if d.ctx == nil {
		return nil
	}
	if rc := C.ibv_close_device(d.ctx); rc != 0 {
		return fmt.Errorf("verbs: ibv_close_device: rc=%d", int(rc))
	}
	d.ctx = nil
	return nil
}

func (d *cDevice) QueryPort(port, gidIndex int) (PortAttr, error) {
	var attr C.struct_ibv_port_attr
	if rc := C.ibv_query_port(d.ctx, C.uint8_t(port), &attr); rc != 0 {
		return PortAttr{}, fmt.Errorf("%w: ibv_query_port rc=%d", ErrQueryFailed, int(rc))
	}

	var gid C.union_ibv_gid
	if rc := C.ibv_query_gid(d.ctx, C.uint8_t(port), C.int(gidIndex), &gid); rc != 0 {
		return PortAttr{}, fmt.Errorf("%w: ibv_query_gid rc=%d", ErrQueryFailed, int(rc))
	}
	var gidBytes [16]byte
	copy(gidBytes[:], C.GoBytes(unsafe.Pointer(&gid), 16))

	ll := LinkLayerInfiniBand
	if attr.link_layer == C.IBV_LINK_LAYER_ETHERNET {
		ll = LinkLayerEthernet
	}

	return PortAttr{
		LinkLayer: ll,
		LID:       uint16(attr.lid),
		GID:       gidBytes,
		MTU:       mtuToBytes(attr.active_mtu),
	}, nil
}

func mtuToBytes(m C.enum_ibv_mtu) uint32 {
	switch m {
	case C.IBV_MTU_256:
		return 256
	case C.IBV_MTU_512:
		return 512
	case C.IBV_MTU_1024:
		return 1024
	case C.IBV_MTU_2048:
		return 2048
	case C.IBV_MTU_4096:
		return 4096
	default:
		return 1024
	}
}

func mtuFromBytes(b uint32) C.enum_ibv_mtu {
	switch b {
	case 256:
		return C.IBV_MTU_256
	case 512:
		return C.IBV_MTU_512
	case 1024:
		return C.IBV_MTU_1024
	case 2048:
		return C.IBV_MTU_2048
	case 4096:
		return C.IBV_MTU_4096
	default:
		return C.IBV_MTU_1024
	}
}

func (d *cDevice) AllocPD() (PDHandle, error) {
	pd := C.ibv_alloc_pd(d.ctx)
	if pd == nil {
		return nil, ErrPDAlloc
	}
	return &cPD{pd: pd}, nil
}

func (d *cDevice) CreateCQ(depth int) (CQHandle, error) {
	cq := C.ibv_create_cq(d.ctx, C.int(depth), nil, nil, 0)
	if cq == nil {
		return nil, ErrCQCreate
	}
	return &cCQ{cq: cq}, nil
}

type cPD struct {
	pd *C.struct_ibv_pd
}

var _ PDHandle = (*cPD)(nil)

func (p *cPD) Dealloc() error {
	if p.pd == nil {
		return nil
	}
	if rc := C.ibv_dealloc_pd(p.pd); rc != 0 {
		return fmt.Errorf("verbs: ibv_dealloc_pd: rc=%d", int(rc))
	}
	p.pd = nil
	return nil
}

func (p *cPD) CreateQP(attr QPInitAttr) (QPHandle, error) {
	sendCQ, ok := attr.SendCQ.(*cCQ)
	if !ok {
		return nil, fmt.Errorf("verbs: send CQ is not a libibverbs completion queue")
	}
	recvCQ, ok := attr.RecvCQ.(*cCQ)
	if !ok {
		return nil, fmt.Errorf("verbs: recv CQ is not a libibverbs completion queue")
	}

	var cAttr C.struct_ibv_qp_init_attr
	C.memset(unsafe.Pointer(&cAttr), 0, C.sizeof_struct_ibv_qp_init_attr)
	cAttr.qp_type = C.IBV_QPT_RC
	cAttr.send_cq = sendCQ.cq
	cAttr.recv_cq = recvCQ.cq
	cAttr.cap.max_send_wr = C.uint32_t(attr.Caps.MaxSendWR)
	cAttr.cap.max_recv_wr = C.uint32_t(attr.Caps.MaxRecvWR)
	cAttr.cap.max_send_sge = C.uint32_t(attr.Caps.MaxSendSGE)
	cAttr.cap.max_recv_sge = C.uint32_t(attr.Caps.MaxRecvSGE)

	qp := C.ibv_create_qp(p.pd, &cAttr)
	if qp == nil {
		return nil, ErrQPCreate
	}
	return &cQP{qp: qp}, nil
}

func (p *cPD) RegisterMR(buf []byte, flags AccessFlags) (MRHandle, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("verbs: cannot register an empty buffer")
	}
	mr := C.ibv_reg_mr(p.pd, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), flags.toC())
	if mr == nil {
		return nil, ErrMRReg
	}
	return &cMR{mr: mr}, nil
}

type cCQ struct {
	cq *C.struct_ibv_cq
}

var _ CQHandle = (*cCQ)(nil)

func (c *cCQ) Destroy() error {
	if c.cq == nil {
		return nil
	}
	if rc := C.ibv_destroy_cq(c.cq); rc != 0 {
		return fmt.Errorf("verbs: ibv_destroy_cq: rc=%d", int(rc))
	}
	c.cq = nil
	return nil
}

// Poll drains up to len(out) completions without blocking. Callers
// loop on this with a short sleep between empty polls (spec section 5
// suspension points) rather than blocking inside Poll itself.
func (c *cCQ) Poll(out []WorkCompletion) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	wcs := make([]C.struct_ibv_wc, len(out))
	n := C.ibv_poll_cq(c.cq, C.int(len(out)), &wcs[0])
	if n < 0 {
		return 0, fmt.Errorf("verbs: ibv_poll_cq: rc=%d", int(n))
	}
	for i := 0; i < int(n); i++ {
		st := StatusSuccess
		switch wcs[i].status {
		case C.IBV_WC_SUCCESS:
			st = StatusSuccess
		case C.IBV_WC_WR_FLUSH_ERR:
			st = StatusFlushed
		default:
			st = StatusError
		}
		out[i] = WorkCompletion{
			Status: st,
			WRID:   uint64(wcs[i].wr_id),
			Bytes:  uint32(wcs[i].byte_len),
		}
	}
	return int(n), nil
}

type cQP struct {
	qp *C.struct_ibv_qp
}

var _ QPHandle = (*cQP)(nil)

func (q *cQP) Num() uint32 { return uint32(q.qp.qp_num) }

func (q *cQP) Destroy() error {
	if q.qp == nil {
		return nil
	}
	if rc := C.ibv_destroy_qp(q.qp); rc != 0 {
		return fmt.Errorf("verbs: ibv_destroy_qp: rc=%d", int(rc))
	}
	q.qp = nil
	return nil
}

func (q *cQP) ModifyToInit(a InitAttr) error {
	attr := C.alloc_qp_attr()
	defer C.free(unsafe.Pointer(attr))
	attr.qp_state = C.IBV_QPS_INIT
	attr.port_num = C.uint8_t(a.Port)
	attr.pkey_index = C.uint16_t(a.PKeyIndex)
	attr.qp_access_flags = a.AccessFlags.toC()

	mask := C.IBV_QP_STATE | C.IBV_QP_PKEY_INDEX | C.IBV_QP_PORT | C.IBV_QP_ACCESS_FLAGS
	if rc := C.ibv_modify_qp(q.qp, attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("%w INIT: rc=%d", ErrModifyQP, int(rc))
	}
	return nil
}

func (q *cQP) ModifyToRTR(a RTRAttr) error {
	attr := C.alloc_qp_attr()
	defer C.free(unsafe.Pointer(attr))
	attr.qp_state = C.IBV_QPS_RTR
	attr.path_mtu = mtuFromBytes(a.PathMTU)
	attr.dest_qp_num = C.uint32_t(a.DestQPNum)
	attr.rq_psn = C.uint32_t(a.RQPSN)
	attr.max_dest_rd_atomic = C.uint8_t(a.MaxDestReadAtom)
	attr.min_rnr_timer = C.uint8_t(a.MinRNRTimer)

	if a.IsEthernet {
		attr.ah_attr.is_global = 1
		attr.ah_attr.grh.hop_limit = C.uint8_t(a.HopLimit)
		attr.ah_attr.grh.sgid_index = C.uint8_t(a.SGIDIndex)
		gidBytes := C.CBytes(a.DestGID[:])
		defer C.free(gidBytes)
		C.memcpy(unsafe.Pointer(&attr.ah_attr.grh.dgid), gidBytes, 16)
		attr.ah_attr.dlid = 0
	} else {
		attr.ah_attr.is_global = 0
		attr.ah_attr.dlid = C.uint16_t(a.DestLID)
		attr.ah_attr.sl = C.uint8_t(a.ServiceLevel)
	}
	attr.ah_attr.port_num = 1

	mask := C.IBV_QP_STATE | C.IBV_QP_AV | C.IBV_QP_PATH_MTU | C.IBV_QP_DEST_QPN |
		C.IBV_QP_RQ_PSN | C.IBV_QP_MAX_DEST_RD_ATOMIC | C.IBV_QP_MIN_RNR_TIMER
	if rc := C.ibv_modify_qp(q.qp, attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("%w RTR: rc=%d", ErrModifyQP, int(rc))
	}
	return nil
}

func (q *cQP) ModifyToRTS(a RTSAttr) error {
	attr := C.alloc_qp_attr()
	defer C.free(unsafe.Pointer(attr))
	attr.qp_state = C.IBV_QPS_RTS
	attr.timeout = C.uint8_t(a.Timeout)
	attr.retry_cnt = C.uint8_t(a.RetryCount)
	attr.rnr_retry = C.uint8_t(a.RNRRetry)
	attr.sq_psn = C.uint32_t(a.SQPSN)
	attr.max_rd_atomic = C.uint8_t(a.MaxReadAtom)

	mask := C.IBV_QP_STATE | C.IBV_QP_TIMEOUT | C.IBV_QP_RETRY_CNT | C.IBV_QP_RNR_RETRY |
		C.IBV_QP_SQ_PSN | C.IBV_QP_MAX_QP_RD_ATOMIC
	if rc := C.ibv_modify_qp(q.qp, attr, C.int(mask)); rc != 0 {
		return fmt.Errorf("%w RTS: rc=%d", ErrModifyQP, int(rc))
	}
	return nil
}

func (q *cQP) PostSend(op Opcode, mrh MRHandle, buf []byte, n int, wrID uint64, remoteAddr uint64, rkey uint32) error {
	mr, ok := mrh.(*cMR)
	if !ok {
		return fmt.Errorf("verbs: mr is not a libibverbs memory region")
	}
	if n <= 0 || n > len(buf) {
		return fmt.Errorf("verbs: invalid send length %d for buffer of %d bytes", n, len(buf))
	}
	var sge C.struct_ibv_sge
	sge.addr = C.uint64_t(uintptr(unsafe.Pointer(&buf[0])))
	sge.length = C.uint32_t(n)
	sge.lkey = C.uint32_t(mr.LKey())

	var wr C.struct_ibv_send_wr
	C.memset(unsafe.Pointer(&wr), 0, C.sizeof_struct_ibv_send_wr)
	wr.wr_id = C.uint64_t(wrID)
	wr.sg_list = &sge
	wr.num_sge = 1
	wr.send_flags = C.IBV_SEND_SIGNALED
	switch op {
	case OpSend:
		wr.opcode = C.IBV_WR_SEND
	case OpRDMAWrite:
		wr.opcode = C.IBV_WR_RDMA_WRITE
		C.set_wr_rdma(&wr, C.uint64_t(remoteAddr), C.uint32_t(rkey))
	}

	var bad *C.struct_ibv_send_wr
	if rc := C.ibv_post_send(q.qp, &wr, &bad); rc != 0 {
		return fmt.Errorf("verbs: ibv_post_send: rc=%d", int(rc))
	}
	return nil
}

func (q *cQP) PostRecv(mrh MRHandle, buf []byte, wrID uint64) error {
	mr, ok := mrh.(*cMR)
	if !ok {
		return fmt.Errorf("verbs: mr is not a libibverbs memory region")
	}
	var sge C.struct_ibv_sge
	sge.addr = C.uint64_t(uintptr(unsafe.Pointer(&buf[0])))
	sge.length = C.uint32_t(len(buf))
	sge.lkey = C.uint32_t(mr.LKey())

	var wr C.struct_ibv_recv_wr
	C.memset(unsafe.Pointer(&wr), 0, C.sizeof_struct_ibv_recv_wr)
	wr.wr_id = C.uint64_t(wrID)
	wr.sg_list = &sge
	wr.num_sge = 1

	var bad *C.struct_ibv_recv_wr
	if rc := C.ibv_post_recv(q.qp, &wr, &bad); rc != 0 {
		return fmt.Errorf("verbs: ibv_post_recv: rc=%d", int(rc))
	}
	return nil
}

type cMR struct {
	mr *C.struct_ibv_mr
}

var _ MRHandle = (*cMR)(nil)

func (m *cMR) RKey() uint32 { return uint32(m.mr.rkey) }
func (m *cMR) LKey() uint32 { return uint32(m.mr.lkey) }
func (m *cMR) Addr() uint64 { return uint64(uintptr(m.mr.addr)) }

func (m *cMR) Deregister() error {
	if m.mr == nil {
		return nil
	}
	if rc := C.ibv_dereg_mr(m.mr); rc != 0 {
		return fmt.Errorf("verbs: ibv_dereg_mr: rc=%d", int(rc))
	}
	m.mr = nil
	return nil
}
