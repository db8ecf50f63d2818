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

package verbs

import "errors"

// Sentinel errors for the verbs boundary. Callers above this package
// match on these with errors.Is; the underlying cgo return code is
// preserved in the wrapping fmt.Errorf message for logs.
var (
	ErrNoDevice    = errors.New("verbs: no RDMA devices found")
	ErrOpenFailed  = errors.New("verbs: failed to open device")
	ErrQueryFailed = errors.New("verbs: port query failed")
	ErrPDAlloc     = errors.New("verbs: protection domain allocation failed")
	ErrCQCreate    = errors.New("verbs: completion queue creation failed")
	ErrQPCreate    = errors.New("verbs: queue pair creation failed")
	ErrMRReg       = errors.New("verbs: memory registration failed")
	ErrModifyQP    = errors.New("verbs: queue pair state transition failed")
)
