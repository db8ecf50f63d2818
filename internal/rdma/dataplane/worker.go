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

// Package dataplane drives the message loop once a connection's QP
// has reached RTS: posting sends, posting RDMA writes, and polling
// the receive completion queue (spec section 4.E).
package dataplane

import (
	"context"
	"fmt"
	"time"

	"github.com/rdmaforge/connbroker/internal/rdma/conn"
	"github.com/rdmaforge/connbroker/internal/rdma/verbs"
)

// pollBackoffMin and pollBackoffMax bound the sleep between
// unsuccessful completion-queue polls (spec section 5, "bounded-spin
// polling with short usleep backoff").
const (
	pollBackoffMin = 50 * time.Microsecond
	pollBackoffMax = 200 * time.Microsecond
)

// TransportError reports a non-success completion status on a send,
// RDMA-write, or receive work request (spec section 7).
type TransportError struct {
	Status verbs.WRStatus
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dataplane: transport error: completion status %v", e.Status)
}

// Worker drives the data-path message loop for one connection. It is
// owned exclusively by the connection's worker goroutine; RDMA
// resources are never shared across connections (spec invariant 2).
type Worker struct {
	c *conn.Conn

	sendBuf []byte
	sendMR  verbs.MRHandle
	recvBuf []byte
	recvMR  verbs.MRHandle

	seq uint64
}

// New wraps a built connection's queue pair and buffers in a Worker
// ready to send, write, and receive.
func New(c *conn.Conn) *Worker {
	sendBuf, sendMR := c.SendBuffer()
	recvBuf, recvMR := c.RecvBuffer()
	return &Worker{c: c, sendBuf: sendBuf, sendMR: sendMR, recvBuf: recvBuf, recvMR: recvMR}
}

// Send copies payload into the registered send buffer, posts a send
// work request, and blocks until the send completion queue reports
// one completion (spec section 4.E, step 1).
func (w *Worker) Send(payload []byte) error {
	return w.post(verbs.OpSend, payload, 0, 0)
}

// WriteRemote copies payload into the send buffer and posts an
// RDMA-write work request targeting the peer's registered receive
// buffer, using the remote_addr and rkey learned during the
// connection's params exchange (spec section 4.E, step 2).
func (w *Worker) WriteRemote(payload []byte) error {
	remote := w.c.RemoteParams()
	return w.post(verbs.OpRDMAWrite, payload, remote.RemoteAddr, remote.RKey)
}

func (w *Worker) post(op verbs.Opcode, payload []byte, remoteAddr uint64, rkey uint32) error {
	if len(payload) == 0 || len(payload) > len(w.sendBuf) {
		return fmt.Errorf("dataplane: payload length %d outside [1, %d]", len(payload), len(w.sendBuf))
	}
	n := copy(w.sendBuf, payload)

	w.seq++
	wrID := w.seq
	if err := w.c.QP().PostSend(op, w.sendMR, w.sendBuf, n, wrID, remoteAddr, rkey); err != nil {
		return fmt.Errorf("dataplane: posting send: %w", err)
	}

	wc, err := w.pollOne(w.c.SendCQ())
	if err != nil {
		return err
	}
	if wc.Status != verbs.StatusSuccess {
		return &TransportError{Status: wc.Status}
	}
	return nil
}

// Run pre-posts the connection's receive buffer, then polls the
// receive completion queue until ctx is cancelled, delivering each
// received payload to deliver and re-posting a fresh receive
// immediately after (spec section 4.E, receive side).
func (w *Worker) Run(ctx context.Context, deliver func([]byte)) error {
	if err := w.postRecv(); err != nil {
		return fmt.Errorf("dataplane: pre-posting receive: %w", err)
	}

	backoff := pollBackoffMin
	one := make([]verbs.WorkCompletion, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := w.c.RecvCQ().Poll(one)
		if err != nil {
			return fmt.Errorf("dataplane: polling receive queue: %w", err)
		}
		if n == 0 {
			time.Sleep(backoff)
			if backoff < pollBackoffMax {
				backoff += pollBackoffMin
			}
			continue
		}
		backoff = pollBackoffMin

		wc := one[0]
		if wc.Status != verbs.StatusSuccess {
			return &TransportError{Status: wc.Status}
		}

		payload := make([]byte, wc.Bytes)
		copy(payload, w.recvBuf[:wc.Bytes])
		deliver(payload)

		if err := w.postRecv(); err != nil {
			return fmt.Errorf("dataplane: re-posting receive: %w", err)
		}
	}
}

func (w *Worker) postRecv() error {
	w.seq++
	return w.c.QP().PostRecv(w.recvMR, w.recvBuf, w.seq)
}

// pollOne bounded-spins on cq until exactly one completion is
// available, backing off by pollBackoffMin..pollBackoffMax between
// attempts.
func (w *Worker) pollOne(cq verbs.CQHandle) (verbs.WorkCompletion, error) {
	backoff := pollBackoffMin
	one := make([]verbs.WorkCompletion, 1)
	for {
		n, err := cq.Poll(one)
		if err != nil {
			return verbs.WorkCompletion{}, fmt.Errorf("dataplane: polling send queue: %w", err)
		}
		if n == 1 {
			return one[0], nil
		}
		time.Sleep(backoff)
		if backoff < pollBackoffMax {
			backoff += pollBackoffMin
		}
	}
}
