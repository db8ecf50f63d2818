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

// Package control implements the TLS 1.2+ out-of-band channel that
// carries PSNs and ConnectionParams between peers before any RDMA
// traffic flows (spec sections 4.A and 6). Every record on the wire
// is fixed-size; there is no length prefix, so both peers must read
// records in the exact order the handshake defines.
package control

import (
	"context"
	"crypto/tls"
	"encoding"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rdmaforge/connbroker/internal/psn"
)

// HandshakeTimeout bounds how long Accept/Dial wait for the TLS
// handshake to finish (spec section 5).
const HandshakeTimeout = 5 * time.Second

// Session is one peer's end of the control channel. It is discarded
// after the RDMA connection it negotiated either tears down or fails
// to come up; it is never reused across connections.
type Session struct {
	conn *tls.Conn
}

// SendFrame writes v's fixed-size wire encoding to the channel.
func (s *Session) SendFrame(v encoding.BinaryMarshaler) error {
	buf, err := v.MarshalBinary()
	if err != nil {
		return fmt.Errorf("control: marshaling frame: %w", err)
	}
	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("control: writing frame: %w", err)
	}
	return nil
}

// RecvFrame reads exactly size bytes and decodes them into v. size
// must match what the sender's MarshalBinary produces; the two
// peers' handshake sequence fixes this by construction, so there is
// no negotiation of record length on the wire.
func (s *Session) RecvFrame(v encoding.BinaryUnmarshaler, size int) error {
	buf := make([]byte, size)
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return fmt.Errorf("control: reading frame: %w", err)
	}
	if err := v.UnmarshalBinary(buf); err != nil {
		return fmt.Errorf("control: decoding frame: %w", err)
	}
	return nil
}

// SendPSN and RecvPSN wrap the 4-byte PSN-handshake-1/2 records so
// callers in internal/rdma/conn never construct a psnRecord directly.
func (s *Session) SendPSN(value psn.PSN) error {
	return s.SendFrame(psnRecord{Value: value})
}

func (s *Session) RecvPSN() (psn.PSN, error) {
	var rec psnRecord
	if err := s.RecvFrame(&rec, psnWireSize); err != nil {
		return 0, err
	}
	return rec.Value, nil
}

// SendParams and RecvParams wrap the fixed-size ConnectionParams
// record (Params-S/Params-C in spec section 6).
func (s *Session) SendParams(p ConnectionParams) error {
	return s.SendFrame(p)
}

func (s *Session) RecvParams() (ConnectionParams, error) {
	var p ConnectionParams
	if err := s.RecvFrame(&p, paramsWireSize); err != nil {
		return ConnectionParams{}, err
	}
	return p, nil
}

// Close closes the underlying TLS connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// RemoteAddr is the peer's network address, used for logging.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Listener accepts incoming control-channel sessions.
type Listener struct {
	inner  net.Listener
	tlsCfg *tls.Config
}

// Listen starts a TLS listener on addr using cfg.
func Listen(addr string, cfg *tls.Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control: listening on %s: %w", addr, err)
	}
	return &Listener{inner: ln, tlsCfg: cfg}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.inner.Close() }

// Accept blocks for the next incoming connection, wraps it in TLS,
// and completes the handshake within HandshakeTimeout. ctx
// cancellation unblocks the accept call by closing the listener.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.inner.Accept()
		ch <- result{conn, err}
	}()

	var raw net.Conn
	select {
	case <-ctx.Done():
		_ = l.inner.Close()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("control: accepting connection: %w", r.err)
		}
		raw = r.conn
	}

	tlsConn := tls.Server(raw, l.tlsCfg)
	if err := handshakeWithTimeout(tlsConn); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Session{conn: tlsConn}, nil
}

// Dial connects to host:port and completes a TLS client handshake
// against serverName within HandshakeTimeout.
func Dial(ctx context.Context, host string, port int, serverName string, cfg *tls.Config) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control: dialing %s: %w", addr, err)
	}

	cfgCopy := cfg.Clone()
	cfgCopy.ServerName = serverName
	cfgCopy.MinVersion = tls.VersionTLS12

	tlsConn := tls.Client(raw, cfgCopy)
	if err := handshakeWithTimeout(tlsConn); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Session{conn: tlsConn}, nil
}

func handshakeWithTimeout(conn *tls.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return fmt.Errorf("control: setting handshake deadline: %w", err)
	}
	if err := conn.HandshakeContext(context.Background()); err != nil {
		return fmt.Errorf("control: tls handshake: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("control: clearing handshake deadline: %w", err)
	}
	return nil
}

