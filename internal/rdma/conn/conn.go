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

// Package conn builds one RDMA reliable-connected queue pair end to
// end: allocate resources, exchange ConnectionParams over the control
// channel, then drive RESET->INIT->RTR->RTS (spec section 4.D). It
// follows the teacher's Synchronize pattern of a linear sequence of
// ensure* steps, each of which unwinds everything acquired so far on
// failure, rather than a generic state-machine/Run dispatcher: unlike
// the teacher's reconciler, a connection build runs once, to
// completion or failure, on a single goroutine, and is never resumed
// across process restarts.
package conn

import (
	"context"
	"fmt"

	"github.com/rdmaforge/connbroker/internal/control"
	"github.com/rdmaforge/connbroker/internal/psn"
	"github.com/rdmaforge/connbroker/internal/rdma/device"
	"github.com/rdmaforge/connbroker/internal/rdma/verbs"
)

// Role distinguishes which end of the control-channel handshake a
// connection is building. The params exchange order is a fixed
// protocol contract, not a free choice: the server sends first and
// then receives, the client receives first and then sends (spec
// section 4.D, step 6). Getting this backwards on both ends
// deadlocks the TLS channel.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// BufferSize is the size of each of a connection's send and receive
// buffers. The spec's data-plane operations move short framed
// messages, so a single page-sized buffer per direction is ample.
const BufferSize = 4096

// CQDepth is the completion queue depth backing both the send and
// receive queues of a connection's QP.
const CQDepth = 32

// Conn holds every resource a single RDMA connection owns. All of it
// is scoped to the connection's protection domain and released
// together during teardown (spec invariant 2: no sharing of PDs, CQs,
// QPs, or MRs across connections).
type Conn struct {
	dev verbs.DeviceHandle

	pd     verbs.PDHandle
	sendCQ verbs.CQHandle
	recvCQ verbs.CQHandle
	qp     verbs.QPHandle

	sendBuf []byte
	recvBuf []byte
	sendMR  verbs.MRHandle
	recvMR  verbs.MRHandle

	local  control.ConnectionParams
	remote control.ConnectionParams
}

// QP returns the connection's queue pair, for the data-path worker.
func (c *Conn) QP() verbs.QPHandle { return c.qp }

// SendCQ and RecvCQ return the connection's completion queues.
func (c *Conn) SendCQ() verbs.CQHandle { return c.sendCQ }
func (c *Conn) RecvCQ() verbs.CQHandle { return c.recvCQ }

// SendBuffer and RecvBuffer return the connection's registered
// buffers and their memory regions, for posting work requests.
func (c *Conn) SendBuffer() ([]byte, verbs.MRHandle) { return c.sendBuf, c.sendMR }
func (c *Conn) RecvBuffer() ([]byte, verbs.MRHandle) { return c.recvBuf, c.recvMR }

// RemoteParams returns the peer's exchanged connection parameters,
// for WriteRemote's rkey/remote-address arguments.
func (c *Conn) RemoteParams() control.ConnectionParams { return c.remote }

// Build allocates a PD, two CQs, a QP, and two MRs against dev;
// exchanges ConnectionParams with the peer over sess; generates this
// side's PSN with gen; and drives the QP through INIT, RTR, and RTS
// in that order (spec section 4.D, steps 1-9). Any failure unwinds
// everything acquired so far, in reverse order, before returning.
func Build(ctx context.Context, dev *device.Handle, sess *control.Session, role Role, gen psn.Generator) (*Conn, error) {
	c := &Conn{dev: dev.Verbs()}

	var err error
	c.pd, err = c.dev.AllocPD()
	if err != nil {
		return nil, fmt.Errorf("conn: %w: %w", verbs.ErrPDAlloc, err)
	}

	c.sendCQ, err = c.dev.CreateCQ(CQDepth)
	if err != nil {
		c.unwind()
		return nil, fmt.Errorf("conn: send %w: %w", verbs.ErrCQCreate, err)
	}
	c.recvCQ, err = c.dev.CreateCQ(CQDepth)
	if err != nil {
		c.unwind()
		return nil, fmt.Errorf("conn: recv %w: %w", verbs.ErrCQCreate, err)
	}

	c.qp, err = c.pd.CreateQP(verbs.QPInitAttr{
		SendCQ: c.sendCQ,
		RecvCQ: c.recvCQ,
		Caps:   verbs.DefaultQPCaps,
	})
	if err != nil {
		c.unwind()
		return nil, fmt.Errorf("conn: %w: %w", verbs.ErrQPCreate, err)
	}

	const bufAccess = verbs.AccessLocalWrite | verbs.AccessRemoteWrite | verbs.AccessRemoteRead

	c.sendBuf = make([]byte, BufferSize)
	c.sendMR, err = c.pd.RegisterMR(c.sendBuf, bufAccess)
	if err != nil {
		c.unwind()
		return nil, fmt.Errorf("conn: send %w: %w", verbs.ErrMRReg, err)
	}

	c.recvBuf = make([]byte, BufferSize)
	c.recvMR, err = c.pd.RegisterMR(c.recvBuf, bufAccess)
	if err != nil {
		c.unwind()
		return nil, fmt.Errorf("conn: recv %w: %w", verbs.ErrMRReg, err)
	}

	localPSN, err := gen.Fresh()
	if err != nil {
		c.unwind()
		return nil, fmt.Errorf("conn: generating local psn: %w", err)
	}

	c.local = control.ConnectionParams{
		QPNum:      c.qp.Num(),
		LID:        dev.LID(),
		GID:        dev.GID(),
		PSN:        localPSN,
		RKey:       c.recvMR.RKey(),
		RemoteAddr: c.recvMR.Addr(),
	}

	c.remote, err = handshake(sess, role, c.local)
	if err != nil {
		c.unwind()
		return nil, fmt.Errorf("conn: exchanging connection params: %w", err)
	}

	if err := c.qp.ModifyToInit(verbs.InitAttr{
		Port:        device.Port,
		AccessFlags: verbs.AccessLocalWrite | verbs.AccessRemoteWrite | verbs.AccessRemoteRead,
	}); err != nil {
		c.unwind()
		return nil, fmt.Errorf("conn: %w: INIT: %w", verbs.ErrModifyQP, err)
	}

	rtr := verbs.RTRAttr{
		PathMTU:         dev.MTU(),
		DestQPNum:       c.remote.QPNum,
		RQPSN:           uint32(c.remote.PSN),
		MaxDestReadAtom: 1,
		MinRNRTimer:     12,
	}
	if dev.LinkLayer() == verbs.LinkLayerEthernet {
		rtr.IsEthernet = true
		rtr.DestGID = c.remote.GID
		rtr.SGIDIndex = device.GIDIndex
		rtr.HopLimit = 1
	} else {
		rtr.DestLID = c.remote.LID
		rtr.ServiceLevel = 0
	}
	if err := c.qp.ModifyToRTR(rtr); err != nil {
		c.unwind()
		return nil, fmt.Errorf("conn: %w: RTR: %w", verbs.ErrModifyQP, err)
	}

	if err := c.qp.ModifyToRTS(verbs.RTSAttr{
		Timeout:     14,
		RetryCount:  7,
		RNRRetry:    7,
		SQPSN:       uint32(localPSN),
		MaxReadAtom: 1,
	}); err != nil {
		c.unwind()
		return nil, fmt.Errorf("conn: %w: RTS: %w", verbs.ErrModifyQP, err)
	}

	return c, nil
}

// ErrHandshakeMismatch is returned when the PSN carried in the
// dedicated PSN-handshake record disagrees with the PSN embedded in
// the peer's ConnectionParams record — the two must always agree,
// since both are populated from the same local value.
var ErrHandshakeMismatch = fmt.Errorf("conn: PSN-handshake record disagrees with ConnectionParams")

// handshake runs the four-record control-channel sequence in the
// fixed wire order PSN-handshake-1, PSN-handshake-2, Params-S,
// Params-C (spec section 6): client PSN, server PSN, server params,
// client params. Each side blocks on reads in the order its role
// implies; deviating on either end deadlocks the channel.
func handshake(sess *control.Session, role Role, local control.ConnectionParams) (control.ConnectionParams, error) {
	if role == RoleClient {
		if err := sess.SendPSN(local.PSN); err != nil {
			return control.ConnectionParams{}, fmt.Errorf("sending PSN-handshake-1: %w", err)
		}
		peerPSN, err := sess.RecvPSN()
		if err != nil {
			return control.ConnectionParams{}, fmt.Errorf("receiving PSN-handshake-2: %w", err)
		}
		remote, err := sess.RecvParams()
		if err != nil {
			return control.ConnectionParams{}, fmt.Errorf("receiving Params-S: %w", err)
		}
		if remote.PSN != peerPSN {
			return control.ConnectionParams{}, ErrHandshakeMismatch
		}
		if err := sess.SendParams(local); err != nil {
			return control.ConnectionParams{}, fmt.Errorf("sending Params-C: %w", err)
		}
		return remote, nil
	}

	peerPSN, err := sess.RecvPSN()
	if err != nil {
		return control.ConnectionParams{}, fmt.Errorf("receiving PSN-handshake-1: %w", err)
	}
	if err := sess.SendPSN(local.PSN); err != nil {
		return control.ConnectionParams{}, fmt.Errorf("sending PSN-handshake-2: %w", err)
	}
	if err := sess.SendParams(local); err != nil {
		return control.ConnectionParams{}, fmt.Errorf("sending Params-S: %w", err)
	}
	remote, err := sess.RecvParams()
	if err != nil {
		return control.ConnectionParams{}, fmt.Errorf("receiving Params-C: %w", err)
	}
	if remote.PSN != peerPSN {
		return control.ConnectionParams{}, ErrHandshakeMismatch
	}
	return remote, nil
}

// Close tears down every resource this connection owns, in the
// reverse order they were acquired (spec section 4.D, teardown
// note). It is safe to call on a partially built Conn.
func (c *Conn) Close() error {
	return c.unwind()
}

func (c *Conn) unwind() error {
	var first error
	note := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if c.recvMR != nil {
		note(c.recvMR.Deregister())
		c.recvMR = nil
	}
	if c.sendMR != nil {
		note(c.sendMR.Deregister())
		c.sendMR = nil
	}
	if c.qp != nil {
		note(c.qp.Destroy())
		c.qp = nil
	}
	if c.recvCQ != nil {
		note(c.recvCQ.Destroy())
		c.recvCQ = nil
	}
	if c.sendCQ != nil {
		note(c.sendCQ.Destroy())
		c.sendCQ = nil
	}
	if c.pd != nil {
		note(c.pd.Dealloc())
		c.pd = nil
	}
	return first
}
