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
	"sync"

	"github.com/google/uuid"

	"github.com/rdmaforge/connbroker/internal/metrics"
)

// slotTable bounds the number of concurrent connections (spec
// section 5: "admission is the sole backpressure mechanism at the
// connection boundary"). Critical sections are deliberately short:
// claim, release, and read-count.
type slotTable struct {
	mu    sync.Mutex
	slots []uuid.UUID // zero UUID marks a free slot
	used  int
}

func newSlotTable(size int) *slotTable {
	return &slotTable{slots: make([]uuid.UUID, size)}
}

// claim reserves the first free slot and returns a fresh correlation
// ID for it, or ok=false if the table is full.
func (t *slotTable) claim() (id uuid.UUID, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i] == uuid.Nil {
			id = uuid.New()
			t.slots[i] = id
			t.used++
			metrics.ActiveConnections.Set(float64(t.used))
			metrics.FreeSlots.Set(float64(len(t.slots) - t.used))
			return id, true
		}
	}
	return uuid.Nil, false
}

// release frees the slot held by id. It is a no-op if id does not
// currently hold a slot (double-release is tolerated so teardown code
// can call it unconditionally in a defer).
func (t *slotTable) release(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i] == id {
			t.slots[i] = uuid.Nil
			t.used--
			metrics.ActiveConnections.Set(float64(t.used))
			metrics.FreeSlots.Set(float64(len(t.slots) - t.used))
			return
		}
	}
}

// count returns the current occupancy and capacity.
func (t *slotTable) count() (used, capacity int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used, len(t.slots)
}
