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

package provider

import (
	"strconv"
	"time"

	"github.com/jbelanger/exitbook-sub011/types"
)

// ShiftCursor applies a replay window to a cursor, moving every
// transferable position backward so a new provider redelivers the seam.
// Hash cursors cannot be shifted numerically; the at-least-once guarantee
// for them comes from the record-count window honoured by the dedup layer.
// Provider-scoped page tokens in Primary are dropped when shifting, since
// the new provider cannot interpret them; the best alternative is promoted.
func ShiftCursor(c types.Cursor, w types.ReplayWindow) types.Cursor {
	out := c
	out.Alternatives = make([]types.CursorValue, 0, len(c.Alternatives))
	for _, alt := range c.Alternatives {
		out.Alternatives = append(out.Alternatives, shiftValue(alt, w))
	}
	if c.Primary.Type == types.CursorPageToken {
		if len(out.Alternatives) > 0 {
			out.Primary = out.Alternatives[0]
			out.Alternatives = out.Alternatives[1:]
		}
	} else {
		out.Primary = shiftValue(c.Primary, w)
	}
	return out
}

func shiftValue(v types.CursorValue, w types.ReplayWindow) types.CursorValue {
	switch v.Type {
	case types.CursorBlockNumber:
		if w.Blocks > 0 {
			if height, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
				shifted := height - w.Blocks
				if shifted < 0 {
					shifted = 0
				}
				v.Value = strconv.FormatInt(shifted, 10)
			}
		}
	case types.CursorTimestamp:
		if w.Minutes > 0 {
			if ts, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
				shifted := ts - int64(time.Duration(w.Minutes)*time.Minute/time.Second)
				if shifted < 0 {
					shifted = 0
				}
				v.Value = strconv.FormatInt(shifted, 10)
			}
		}
	}
	return v
}
