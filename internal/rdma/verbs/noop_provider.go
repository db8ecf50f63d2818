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

//go:build !(linux && cgo)

package verbs

import "fmt"

// errUnsupportedPlatform is returned by every RealProvider method on a
// build lacking libibverbs (non-Linux, or cgo disabled). It exists so
// that package verbs, and the fake provider every conn/dataplane test
// imports, compile everywhere; only the cmd/ binaries actually need
// RealProvider to do anything.
var errUnsupportedPlatform = fmt.Errorf("verbs: RealProvider requires a linux+cgo build with libibverbs")

// RealProvider is a stub on platforms without libibverbs. The real,
// cgo-backed implementation lives in cgo_provider.go.
type RealProvider struct{}

var _ Provider = RealProvider{}

func (RealProvider) ListDevices() ([]string, error) {
	return nil, errUnsupportedPlatform
}

func (RealProvider) OpenDevice(int) (DeviceHandle, error) {
	return nil, errUnsupportedPlatform
}
