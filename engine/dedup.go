// Copyright 2025 The exitbook Authors
// This file is part of the exitbook library.
//
// The exitbook library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The exitbook library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the exitbook library. If not, see <http://www.gnu.org/licenses/>.

package engine

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jbelanger/exitbook-sub011/types"
)

// defaultDedupWindow is the fixed-size seen-set over event ids used to
// suppress replayed records across a provider seam.
const defaultDedupWindow = 256

// dedupWindow is an LRU seen-set over event ids.
type dedupWindow struct {
	seen *lru.Cache[string, struct{}]
}

// newDedupWindow sizes the window to at least the default. For providers
// whose replay window is block-denominated the caller passes a size that
// comfortably exceeds the maximum expected replay count.
func newDedupWindow(size int) *dedupWindow {
	if size < defaultDedupWindow {
		size = defaultDedupWindow
	}
	cache, _ := lru.New[string, struct{}](size)
	return &dedupWindow{seen: cache}
}

// Seen marks the id and reports whether it was already in the window.
func (w *dedupWindow) Seen(id string) bool {
	if w.seen.Contains(id) {
		w.seen.Add(id, struct{}{})
		return true
	}
	w.seen.Add(id, struct{}{})
	return false
}

// windowFor derives the dedup window size from a provider replay window.
// Block-denominated replay can carry many records per block, so the seen
// set is sized to comfortably exceed the maximum expected replay count.
func windowFor(rw types.ReplayWindow) int {
	size := int64(defaultDedupWindow)
	if 4*rw.Blocks > size {
		size = 4 * rw.Blocks
	}
	if rw.Records > size {
		size = rw.Records
	}
	return int(size)
}
