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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jbelanger/exitbook-sub011/types"
)

func TestShiftCursorBlockWindow(t *testing.T) {
	c := types.Cursor{
		Primary: types.CursorValue{Type: types.CursorBlockNumber, Value: "19000000"},
		Alternatives: []types.CursorValue{
			{Type: types.CursorTxHash, Value: "0xabc"},
		},
	}
	out := ShiftCursor(c, types.ReplayWindow{Blocks: 128})

	assert.Equal(t, "18999872", out.Primary.Value)
	// Hash alternatives pass through untouched.
	assert.Equal(t, "0xabc", out.Alternatives[0].Value)
	// The input cursor is not mutated.
	assert.Equal(t, "19000000", c.Primary.Value)
}

func TestShiftCursorTimestampWindow(t *testing.T) {
	c := types.Cursor{
		Primary: types.CursorValue{Type: types.CursorTimestamp, Value: "1700000000"},
	}
	out := ShiftCursor(c, types.ReplayWindow{Minutes: 15})
	assert.Equal(t, "1699999100", out.Primary.Value)
}

func TestShiftCursorClampsAtZero(t *testing.T) {
	c := types.Cursor{
		Primary: types.CursorValue{Type: types.CursorBlockNumber, Value: "50"},
	}
	out := ShiftCursor(c, types.ReplayWindow{Blocks: 128})
	assert.Equal(t, "0", out.Primary.Value)

	c = types.Cursor{
		Primary: types.CursorValue{Type: types.CursorTimestamp, Value: "100"},
	}
	out = ShiftCursor(c, types.ReplayWindow{Minutes: 15})
	assert.Equal(t, "0", out.Primary.Value)
}

func TestShiftCursorDropsPageToken(t *testing.T) {
	c := types.Cursor{
		Primary: types.CursorValue{
			Type: types.CursorPageToken, Value: "opaque-123", ProviderName: "mempool",
		},
		Alternatives: []types.CursorValue{
			{Type: types.CursorBlockNumber, Value: "800000"},
			{Type: types.CursorTxHash, Value: "deadbeef"},
		},
	}
	out := ShiftCursor(c, types.ReplayWindow{Blocks: 6})

	// The new provider cannot read another provider's page token, so the
	// best alternative is promoted and shifted.
	assert.Equal(t, types.CursorBlockNumber, out.Primary.Type)
	assert.Equal(t, "799994", out.Primary.Value)
	assert.Len(t, out.Alternatives, 1)
	assert.Equal(t, types.CursorTxHash, out.Alternatives[0].Type)
}

func TestShiftCursorPageTokenWithoutAlternatives(t *testing.T) {
	c := types.Cursor{
		Primary: types.CursorValue{
			Type: types.CursorPageToken, Value: "tok", ProviderName: "esplora",
		},
	}
	out := ShiftCursor(c, types.ReplayWindow{Records: 50})
	// Nothing to promote; the caller falls back to a fresh stream and
	// relies on the record-count window in the dedup layer.
	assert.Equal(t, types.CursorPageToken, out.Primary.Type)
	assert.Empty(t, out.Alternatives)
}

func TestCursorTypeTransferable(t *testing.T) {
	assert.False(t, types.CursorPageToken.Transferable())
	assert.True(t, types.CursorBlockNumber.Transferable())
	assert.True(t, types.CursorTimestamp.Transferable())
	assert.True(t, types.CursorTxHash.Transferable())
}
