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
	"testing"

	"github.com/rdmaforge/connbroker/internal/psn"
)

func TestConnectionParamsRoundTrip(t *testing.T) {
	want := ConnectionParams{
		QPNum:      0x01020304,
		LID:        0x1122,
		GID:        [16]byte{0xfe, 0x80, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8},
		PSN:        psn.PSN(0x00abcdef),
		RKey:       0x0a0b0c0d,
		RemoteAddr: 0x1112131415161718,
	}

	buf, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != paramsWireSize {
		t.Fatalf("wire size = %d, want %d", len(buf), paramsWireSize)
	}

	var got ConnectionParams
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestConnectionParamsUnmarshalRejectsWrongSize(t *testing.T) {
	var p ConnectionParams
	if err := p.UnmarshalBinary(make([]byte, paramsWireSize-1)); err == nil {
		t.Fatal("expected an error decoding a short buffer")
	}
}

func TestPSNRecordRoundTrip(t *testing.T) {
	want := psnRecord{Value: psn.PSN(0x00deadbf)}
	buf, err := want.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != psnWireSize {
		t.Fatalf("wire size = %d, want %d", len(buf), psnWireSize)
	}

	var got psnRecord
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}
