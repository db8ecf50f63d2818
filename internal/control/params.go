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

package control

import (
	"encoding/binary"
	"fmt"

	"github.com/rdmaforge/connbroker/internal/psn"
)

// ConnectionParams is exchanged over the control channel before any
// RDMA packet is sent (spec section 3). All numeric fields travel in
// network byte order; the GID is transmitted unchanged.
type ConnectionParams struct {
	QPNum      uint32
	LID        uint16
	GID        [16]byte
	PSN        psn.PSN
	RKey       uint32
	RemoteAddr uint64
}

// paramsWireSize is the sum of each field's width as enumerated in
// spec section 3: qp_num(4) + lid(2) + gid(16) + psn(4) + rkey(4) +
// remote_addr(8) = 38 bytes. Section 6's wire-format table quotes "32
// bytes" for the same record; that figure doesn't reconcile against
// the per-field widths section 3 specifies, so this implementation
// follows section 3's field list, which is unambiguous.
const paramsWireSize = 4 + 2 + 16 + 4 + 4 + 8

// MarshalBinary encodes p in the field order spec section 3
// enumerates, satisfying encoding.BinaryMarshaler for use with
// SendFrame.
func (p ConnectionParams) MarshalBinary() ([]byte, error) {
	buf := make([]byte, paramsWireSize)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], p.QPNum)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], p.LID)
	off += 2
	copy(buf[off:off+16], p.GID[:])
	off += 16
	binary.BigEndian.PutUint32(buf[off:], uint32(p.PSN))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.RKey)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], p.RemoteAddr)
	off += 8
	return buf, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary,
// satisfying encoding.BinaryUnmarshaler for use with RecvFrame.
func (p *ConnectionParams) UnmarshalBinary(data []byte) error {
	if len(data) != paramsWireSize {
		return fmt.Errorf("control: connection params record is %d bytes, want %d", len(data), paramsWireSize)
	}
	off := 0
	p.QPNum = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.LID = binary.BigEndian.Uint16(data[off:])
	off += 2
	copy(p.GID[:], data[off:off+16])
	off += 16
	p.PSN = psn.PSN(binary.BigEndian.Uint32(data[off:]))
	off += 4
	p.RKey = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.RemoteAddr = binary.BigEndian.Uint64(data[off:])
	off += 8
	return nil
}

// Size returns the record's fixed wire length.
func (p ConnectionParams) Size() int { return paramsWireSize }

// psnRecord is the 4-byte PSN-handshake-1/PSN-handshake-2 record: a
// single big-endian uint32 whose high byte is always zero.
type psnRecord struct {
	Value psn.PSN
}

const psnWireSize = 4

func (r psnRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, psnWireSize)
	binary.BigEndian.PutUint32(buf, uint32(r.Value))
	return buf, nil
}

func (r *psnRecord) UnmarshalBinary(data []byte) error {
	if len(data) != psnWireSize {
		return fmt.Errorf("control: psn record is %d bytes, want %d", len(data), psnWireSize)
	}
	r.Value = psn.PSN(binary.BigEndian.Uint32(data))
	return nil
}
