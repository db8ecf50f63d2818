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

package dataplane

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rdmaforge/connbroker/internal/control"
	"github.com/rdmaforge/connbroker/internal/psn"
	"github.com/rdmaforge/connbroker/internal/rdma/conn"
	"github.com/rdmaforge/connbroker/internal/rdma/device"
	"github.com/rdmaforge/connbroker/internal/rdma/verbs"
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

// TestMessageEcho grounds spec section 8's message-echo property: a
// server worker that echoes every received payload returns it to the
// client byte for byte.
func TestMessageEcho(t *testing.T) {
	serverSess, clientSess := newLoopbackSessions(t)
	defer serverSess.Close()
	defer clientSess.Close()

	serverDev := newFakeDevice(t)
	clientDev := newFakeDevice(t)

	type buildResult struct {
		c   *conn.Conn
		err error
	}
	serverCh := make(chan buildResult, 1)
	go func() {
		c, err := conn.Build(context.Background(), serverDev, serverSess, conn.RoleServer, psn.CSPRNGGenerator{})
		serverCh <- buildResult{c, err}
	}()

	clientConn, err := conn.Build(context.Background(), clientDev, clientSess, conn.RoleClient, psn.CSPRNGGenerator{})
	if err != nil {
		t.Fatalf("client Build: %v", err)
	}
	defer clientConn.Close()

	sr := <-serverCh
	if sr.err != nil {
		t.Fatalf("server Build: %v", sr.err)
	}
	defer sr.c.Close()

	serverWorker := New(sr.c)
	clientWorker := New(clientConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echoed := make(chan []byte, 1)
	go func() {
		_ = serverWorker.Run(ctx, func(payload []byte) {
			echoed <- payload
			_ = serverWorker.Send(payload)
		})
	}()

	clientReceived := make(chan []byte, 1)
	go func() {
		_ = clientWorker.Run(ctx, func(payload []byte) {
			clientReceived <- payload
		})
	}()

	want := []byte("hello over rdma")
	if err := clientWorker.Send(want); err != nil {
		t.Fatalf("client Send: %v", err)
	}

	select {
	case got := <-echoed:
		if string(got) != string(want) {
			t.Fatalf("server received %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive the message")
	}

	select {
	case got := <-clientReceived:
		if string(got) != string(want) {
			t.Fatalf("client received echo %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the client's echo")
	}
}

func TestWriteRemoteDeliversBytesWithoutNotifyingPeer(t *testing.T) {
	serverSess, clientSess := newLoopbackSessions(t)
	defer serverSess.Close()
	defer clientSess.Close()

	serverDev := newFakeDevice(t)
	clientDev := newFakeDevice(t)

	type buildResult struct {
		c   *conn.Conn
		err error
	}
	serverCh := make(chan buildResult, 1)
	go func() {
		c, err := conn.Build(context.Background(), serverDev, serverSess, conn.RoleServer, psn.CSPRNGGenerator{})
		serverCh <- buildResult{c, err}
	}()

	clientConn, err := conn.Build(context.Background(), clientDev, clientSess, conn.RoleClient, psn.CSPRNGGenerator{})
	if err != nil {
		t.Fatalf("client Build: %v", err)
	}
	defer clientConn.Close()

	sr := <-serverCh
	if sr.err != nil {
		t.Fatalf("server Build: %v", sr.err)
	}
	defer sr.c.Close()

	clientWorker := New(clientConn)
	payload := []byte("payload-XYZ")
	if err := clientWorker.WriteRemote(payload); err != nil {
		t.Fatalf("WriteRemote: %v", err)
	}

	serverRecvBuf, _ := sr.c.RecvBuffer()
	if string(serverRecvBuf[:len(payload)]) != string(payload) {
		t.Fatalf("server receive buffer = %q, want %q", serverRecvBuf[:len(payload)], payload)
	}

	if n, err := sr.c.RecvCQ().Poll(make([]verbs.WorkCompletion, 1)); err != nil || n != 0 {
		t.Fatalf("server receive queue after RDMA write: %d completions (err %v), want 0", n, err)
	}
}
