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
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/types"
)

// canProviderResume decides whether a provider can pick a stream up from
// the given cursor, and which of the cursor's positions it would use. A
// nil cursor is a fresh start and always compatible. A pageToken position
// is only usable by the provider that minted it; universal positions are
// usable by any provider that declares their type.
func canProviderResume(cursor *types.Cursor, meta provider.Metadata) (types.CursorValue, bool) {
	if cursor == nil {
		return types.CursorValue{}, true
	}
	supported := meta.Capabilities.CursorTypeSet()

	usable := func(v types.CursorValue) bool {
		if !supported.Contains(v.Type) {
			return false
		}
		if v.Type == types.CursorPageToken {
			return v.ProviderName == meta.Name
		}
		return true
	}

	if usable(cursor.Primary) {
		return cursor.Primary, true
	}
	for _, alt := range cursor.Alternatives {
		if usable(alt) {
			return alt, true
		}
	}
	return types.CursorValue{}, false
}
