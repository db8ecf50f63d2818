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

// Package broker ties the control-channel listener, the connection
// builder, and the data-path worker into the long-running server
// process described in spec section 5: accept a bounded number of
// clients, negotiate one RDMA connection per client, and echo
// whatever each client sends until it disconnects or the process
// shuts down.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rdmaforge/connbroker/internal/config"
	"github.com/rdmaforge/connbroker/internal/control"
	"github.com/rdmaforge/connbroker/internal/metrics"
	"github.com/rdmaforge/connbroker/internal/psn"
	"github.com/rdmaforge/connbroker/internal/rdma/conn"
	"github.com/rdmaforge/connbroker/internal/rdma/dataplane"
	"github.com/rdmaforge/connbroker/internal/rdma/device"
)

// Server accepts control-channel sessions, admits them against a
// fixed-size slot table, and runs one RDMA connection per admitted
// client for the life of the process (spec invariants 2 and 3: every
// connection owns its own RDMA resources, and the device handle
// itself is shared and opened exactly once).
type Server struct {
	log    logr.Logger
	dev    *device.Handle
	ln     *control.Listener
	slots  *slotTable
	psnGen psn.Generator

	wg sync.WaitGroup

	statsStop func()
}

// NewServer builds a Server ready to Run. dev and ln are owned by the
// caller: NewServer never closes either; Shutdown only stops accepting
// and waits for in-flight workers to finish.
func NewServer(cfg config.ServerConfig, dev *device.Handle, ln *control.Listener, log logr.Logger) *Server {
	return &Server{
		log:    log,
		dev:    dev,
		ln:     ln,
		slots:  newSlotTable(cfg.MaxClients),
		psnGen: psn.CSPRNGGenerator{},
	}
}

// Run accepts control-channel sessions until ctx is cancelled or
// Accept returns a non-cancellation error. Each admitted session is
// handled on its own goroutine; Run itself never blocks on a worker.
func (s *Server) Run(ctx context.Context) error {
	c := cron.New()
	entryID, err := c.AddFunc("@every 30s", func() { s.logStats() })
	if err != nil {
		return fmt.Errorf("broker: scheduling stats logger: %w", err)
	}
	c.Start()
	s.statsStop = func() {
		c.Remove(entryID)
		<-c.Stop().Done()
	}

	s.log.Info("accepting connections", "addr", s.ln.Addr())
	for {
		sess, err := s.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("broker: accept: %w", err)
		}

		id, ok := s.slots.claim()
		if !ok {
			metrics.AdmissionRejectionsTotal.Inc()
			s.log.Info("rejecting connection: no free slot", "remote", sess.RemoteAddr())
			_ = sess.Close()
			continue
		}

		s.wg.Add(1)
		go s.worker(ctx, id, sess)
	}
}

// Shutdown stops accepting new connections and waits up to the
// context's deadline for in-flight workers to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.statsStop != nil {
		s.statsStop()
	}
	_ = s.ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("broker: shutdown: %w", ctx.Err())
	}
}

// worker runs one client's entire connection lifetime: PSN generation,
// connection build, the echo data-path loop, and teardown. It always
// releases its slot on return, however it exits.
func (s *Server) worker(ctx context.Context, id uuid.UUID, sess *control.Session) {
	defer s.wg.Done()
	defer s.slots.release(id)
	defer sess.Close()

	log := s.log.WithValues("session", id, "remote", sess.RemoteAddr())

	metrics.PSNIssuedTotal.Inc()
	start := time.Now()

	c, err := conn.Build(ctx, s.dev, sess, conn.RoleServer, s.psnGen)
	if err != nil {
		log.Error(err, "connection build failed")
		return
	}
	defer c.Close()

	metrics.HandshakeDurationSeconds.Observe(time.Since(start).Seconds())
	log.Info("connection established")

	w := dataplane.New(c)
	err = w.Run(ctx, func(payload []byte) {
		log.Info("received", "payload", string(payload))
		if sendErr := w.Send(payload); sendErr != nil {
			log.Error(sendErr, "echo send failed")
		}
	})
	if err != nil {
		var txErr *dataplane.TransportError
		if errors.As(err, &txErr) {
			metrics.TransportErrorsTotal.WithLabelValues(fmt.Sprint(txErr.Status)).Inc()
		}
		log.Error(err, "data-path worker exited")
		return
	}
	log.Info("connection closed")
}

// logStats reports slot-table occupancy at a fixed interval, the
// process-level visibility the reference server otherwise left to ad
// hoc log lines.
func (s *Server) logStats() {
	used, capacity := s.slots.count()
	s.log.Info("status", "active", used, "capacity", capacity)
}
