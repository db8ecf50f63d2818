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

package conn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"testing"

	"github.com/rdmaforge/connbroker/internal/control"
	"github.com/rdmaforge/connbroker/internal/psn"
	"github.com/rdmaforge/connbroker/internal/rdma/device"
	"github.com/rdmaforge/connbroker/internal/rdma/verbs/fake"
)

func newLoopbackSessions(t *testing.T) (server, client *control.Session) {
	t.Helper()
	cert, err := control.GenerateDevCertificate("127.0.0.1")
	if err != nil {
		t.Fatalf("GenerateDevCertificate: %v", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parsing leaf: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	ln, err := control.Listen("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	type acceptResult struct {
		sess *control.Session
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		s, err := ln.Accept(context.Background())
		acceptCh <- acceptResult{s, err}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}

	clientSess, err := control.Dial(context.Background(), host, port, "127.0.0.1", &tls.Config{RootCAs: pool})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	ar := <-acceptCh
	if ar.err != nil {
		t.Fatalf("Accept: %v", ar.err)
	}
	return ar.sess, clientSess
}

func newFakeDevice(t *testing.T) *device.Handle {
	t.Helper()
	h, err := device.Open(&fake.Provider{Devices: []string{"fake0"}}, 0)
	if err != nil {
		t.Fatalf("device.Open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestBuildBothSidesReachRTS(t *testing.T) {
	serverSess, clientSess := newLoopbackSessions(t)
	defer serverSess.Close()
	defer clientSess.Close()

	serverDev := newFakeDevice(t)
	clientDev := newFakeDevice(t)

	type buildResult struct {
		c   *Conn
		err error
	}
	serverCh := make(chan buildResult, 1)
	go func() {
		c, err := Build(context.Background(), serverDev, serverSess, RoleServer, psn.CSPRNGGenerator{})
		serverCh <- buildResult{c, err}
	}()

	clientConn, err := Build(context.Background(), clientDev, clientSess, RoleClient, psn.CSPRNGGenerator{})
	if err != nil {
		t.Fatalf("client Build: %v", err)
	}
	defer clientConn.Close()

	sr := <-serverCh
	if sr.err != nil {
		t.Fatalf("server Build: %v", sr.err)
	}
	defer sr.c.Close()

	serverQP, ok := sr.c.QP().(*fake.QP)
	if !ok {
		t.Fatalf("server QP is not a *fake.QP")
	}
	clientQP, ok := clientConn.QP().(*fake.QP)
	if !ok {
		t.Fatalf("client QP is not a *fake.QP")
	}

	if serverQP.State() != fake.StateRTS {
		t.Fatalf("server QP state = %v, want RTS", serverQP.State())
	}
	if clientQP.State() != fake.StateRTS {
		t.Fatalf("client QP state = %v, want RTS", clientQP.State())
	}

	wantTrace := []fake.QPState{fake.StateInit, fake.StateRTR, fake.StateRTS}
	if !traceEqual(serverQP.Trace, wantTrace) {
		t.Fatalf("server QP trace = %v, want %v", serverQP.Trace, wantTrace)
	}
	if !traceEqual(clientQP.Trace, wantTrace) {
		t.Fatalf("client QP trace = %v, want %v", clientQP.Trace, wantTrace)
	}

	// Invariant 6: each side's remote QPSN must equal the other side's
	// locally generated PSN.
	if serverQP.RQPSN() != clientQP.SQPSN() {
		t.Fatalf("server RQPSN %d != client SQPSN %d", serverQP.RQPSN(), clientQP.SQPSN())
	}
	if clientQP.RQPSN() != serverQP.SQPSN() {
		t.Fatalf("client RQPSN %d != server SQPSN %d", clientQP.RQPSN(), serverQP.SQPSN())
	}
}

func traceEqual(got, want []fake.QPState) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
