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

package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/go-logr/zapr"

	"github.com/rdmaforge/connbroker/internal/config"
	"github.com/rdmaforge/connbroker/internal/control"
	"github.com/rdmaforge/connbroker/internal/psn"
	"github.com/rdmaforge/connbroker/internal/rdma/conn"
	"github.com/rdmaforge/connbroker/internal/rdma/dataplane"
	"github.com/rdmaforge/connbroker/internal/rdma/device"
	"github.com/rdmaforge/connbroker/internal/rdma/verbs/fake"
)

// testHarness wires a real Server against a loopback TLS listener and
// a fake RDMA device, so the full accept -> admit -> build -> echo
// path runs without hardware.
type testHarness struct {
	srv      *Server
	addr     string
	rootPool *x509.CertPool
	cancel   context.CancelFunc
	done     chan error
}

func startTestServer(maxClients int) *testHarness {
	cert, err := control.GenerateDevCertificate("127.0.0.1")
	Expect(err).NotTo(HaveOccurred())
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	Expect(err).NotTo(HaveOccurred())
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	ln, err := control.Listen("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	Expect(err).NotTo(HaveOccurred())

	dev, err := device.Open(&fake.Provider{Devices: []string{"fake0"}}, 0)
	Expect(err).NotTo(HaveOccurred())

	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	zl, err := zc.Build()
	Expect(err).NotTo(HaveOccurred())
	log := zapr.NewLogger(zl)

	srv := NewServer(config.ServerConfig{MaxClients: maxClients}, dev, ln, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	return &testHarness{srv: srv, addr: ln.Addr().String(), rootPool: pool, cancel: cancel, done: done}
}

func (h *testHarness) shutdown() {
	h.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(h.srv.Shutdown(ctx)).To(Succeed())
	<-h.done
}

// dialClient dials the harness's listener, builds a connection as the
// client role, and returns a dataplane worker driving it.
func (h *testHarness) dialClient() (*dataplane.Worker, *conn.Conn, *control.Session) {
	host, portStr, err := net.SplitHostPort(h.addr)
	Expect(err).NotTo(HaveOccurred())
	port, err := strconv.Atoi(portStr)
	Expect(err).NotTo(HaveOccurred())

	sess, err := control.Dial(context.Background(), host, port, "127.0.0.1", &tls.Config{RootCAs: h.rootPool})
	Expect(err).NotTo(HaveOccurred())

	dev, err := device.Open(&fake.Provider{Devices: []string{"fake0"}}, 0)
	Expect(err).NotTo(HaveOccurred())

	c, err := conn.Build(context.Background(), dev, sess, conn.RoleClient, psn.CSPRNGGenerator{})
	Expect(err).NotTo(HaveOccurred())

	return dataplane.New(c), c, sess
}

var _ = Describe("Server", func() {
	It("echoes a single client's messages back verbatim", func() {
		h := startTestServer(4)
		defer h.shutdown()

		w, c, sess := h.dialClient()
		defer sess.Close()
		defer c.Close()

		received := make(chan []byte, 1)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = w.Run(ctx, func(p []byte) { received <- p }) }()

		Expect(w.Send([]byte("hello rdma"))).To(Succeed())
		Eventually(received, "2s").Should(Receive(Equal([]byte("hello rdma"))))
	})

	It("admits exactly MaxClients connections and rejects the rest", func() {
		const maxClients = 3
		h := startTestServer(maxClients)
		defer h.shutdown()

		var mu sync.Mutex
		var admitted, rejected int
		var wg sync.WaitGroup

		for i := 0; i < maxClients+2; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				defer GinkgoRecover()

				host, portStr, err := net.SplitHostPort(h.addr)
				Expect(err).NotTo(HaveOccurred())
				port, err := strconv.Atoi(portStr)
				Expect(err).NotTo(HaveOccurred())

				sess, err := control.Dial(context.Background(), host, port, "127.0.0.1", &tls.Config{RootCAs: h.rootPool})
				Expect(err).NotTo(HaveOccurred())
				defer sess.Close()

				psnErr := make(chan error, 1)
				go func() { _, err := sess.RecvPSN(); psnErr <- err }()

				select {
				case <-psnErr:
					// A rejected session is closed before the server ever
					// reads a PSN-handshake-1 from it.
					mu.Lock()
					rejected++
					mu.Unlock()
				case <-time.After(300 * time.Millisecond):
					// Still open: the server admitted this session and is
					// blocked reading PSN-handshake-1, which this client
					// never sends.
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		Expect(admitted).To(Equal(maxClients))
		Expect(rejected).To(Equal(2))

		used, capacity := h.srv.slots.count()
		Expect(capacity).To(Equal(maxClients))
		Expect(used).To(Equal(maxClients))
	})

	It("shuts down cleanly and releases every slot", func() {
		h := startTestServer(2)

		w, c, sess := h.dialClient()
		ctx, cancel := context.WithCancel(context.Background())
		go func() { _ = w.Run(ctx, func([]byte) {}) }()

		Eventually(func() int {
			used, _ := h.srv.slots.count()
			return used
		}, "2s").Should(Equal(1))

		cancel()
		_ = c.Close()
		_ = sess.Close()
		h.shutdown()

		used, _ := h.srv.slots.count()
		Expect(used).To(Equal(0))
	})
})
