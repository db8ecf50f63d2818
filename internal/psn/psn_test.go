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

package psn

import "testing"

func TestFreshNeverZero(t *testing.T) {
	g := CSPRNGGenerator{}
	for i := 0; i < 1000; i++ {
		p, err := g.Fresh()
		if err != nil {
			t.Fatalf("Fresh: %v", err)
		}
		if p == 0 {
			t.Fatalf("Fresh returned 0")
		}
		if uint32(p)&0xFF000000 != 0 {
			t.Fatalf("Fresh set bits above the low 24: %#x", uint32(p))
		}
		if uint32(p)&1 == 0 {
			t.Fatalf("Fresh did not force the low bit: %#x", uint32(p))
		}
	}
}

// TestFreshDistinctUnderConcurrency covers the uniqueness property in
// spec section 8: 512 concurrent issuances must yield 512 distinct
// values. With the low bit forced, 2^23 values are possible, so a
// collision among 512 draws has a chance of about 1.6%.
func TestFreshDistinctUnderConcurrency(t *testing.T) {
	const n = 512
	g := CSPRNGGenerator{}
	seen := make(map[PSN]struct{}, n)
	results := make(chan PSN, n)
	for i := 0; i < n; i++ {
		go func() {
			p, err := g.Fresh()
			if err != nil {
				t.Error(err)
				results <- 0
				return
			}
			results <- p
		}()
	}
	for i := 0; i < n; i++ {
		p := <-results
		if _, dup := seen[p]; dup {
			t.Fatalf("duplicate PSN %s observed across %d concurrent generations", p, n)
		}
		seen[p] = struct{}{}
	}
}
