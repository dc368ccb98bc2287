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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbelanger/exitbook-sub011/types"
)

func TestCanProviderResume(t *testing.T) {
	meta := chainMeta("chain-a", 10, types.CursorPageToken, types.CursorBlockNumber)

	// Fresh start.
	_, ok := canProviderResume(nil, meta)
	assert.True(t, ok)

	// Own page token.
	own := &types.Cursor{Primary: types.CursorValue{
		Type: types.CursorPageToken, Value: "tok", ProviderName: "chain-a",
	}}
	v, ok := canProviderResume(own, meta)
	require.True(t, ok)
	assert.Equal(t, "tok", v.Value)

	// A foreign page token falls through to the universal alternative.
	foreign := &types.Cursor{
		Primary: types.CursorValue{
			Type: types.CursorPageToken, Value: "tok", ProviderName: "chain-b",
		},
		Alternatives: []types.CursorValue{
			{Type: types.CursorBlockNumber, Value: "800000"},
		},
	}
	v, ok = canProviderResume(foreign, meta)
	require.True(t, ok)
	assert.Equal(t, types.CursorBlockNumber, v.Type)

	// No usable position at all.
	foreign.Alternatives = []types.CursorValue{
		{Type: types.CursorTimestamp, Value: "1700000000"},
	}
	_, ok = canProviderResume(foreign, meta)
	assert.False(t, ok)
}

func TestDedupWindow(t *testing.T) {
	w := newDedupWindow(0) // rounded up to the default size

	assert.False(t, w.Seen("tx1"))
	assert.True(t, w.Seen("tx1"))
	assert.False(t, w.Seen("tx2"))

	// Old entries fall out once the window capacity cycles past them.
	for i := 0; i < defaultDedupWindow; i++ {
		w.Seen(fmt.Sprintf("fill-%d", i))
	}
	assert.False(t, w.Seen("tx1"))
}

func TestWindowForSizing(t *testing.T) {
	assert.Equal(t, defaultDedupWindow, windowFor(types.ReplayWindow{}))
	assert.Equal(t, defaultDedupWindow, windowFor(types.ReplayWindow{Blocks: 10}))
	assert.Equal(t, 512, windowFor(types.ReplayWindow{Blocks: 128}))
	assert.Equal(t, 1000, windowFor(types.ReplayWindow{Records: 1000}))
}
