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

package processor

import (
	"sort"

	"github.com/jbelanger/exitbook-sub011/types"
)

const defaultChunkSize = 500

// batchProvider splits pending rows into processing chunks. Correlated
// rows must never straddle a chunk boundary, otherwise their group
// would be interpreted as two half transactions.
type batchProvider interface {
	Chunks(rows []Row) [][]Row
}

// allAtOnce keeps the whole backlog in one chunk. Exchange ledgers
// correlate rows by opaque ids that carry no ordering, so there is no
// boundary the splitter could trust.
type allAtOnce struct{}

func (allAtOnce) Chunks(rows []Row) [][]Row {
	if len(rows) == 0 {
		return nil
	}
	return [][]Row{rows}
}

// hashChunked splits at transaction-hash boundaries, emitting chunks of
// roughly size rows. A chunk may run over when one hash has more rows
// than the target size; it is never split.
type hashChunked struct {
	size int
}

func (h hashChunked) Chunks(rows []Row) [][]Row {
	size := h.size
	if size <= 0 {
		size = defaultChunkSize
	}
	// Chunking assumes same-hash rows are adjacent. Providers commit
	// them that way, but re-cluster here so a shuffled backlog cannot
	// split a hash across chunks.
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Norm, sorted[j].Norm
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		return a.TxHash < b.TxHash
	})
	rows = sorted
	var out [][]Row
	var cur []Row
	for i, r := range rows {
		cur = append(cur, r)
		if len(cur) < size {
			continue
		}
		// Hold the chunk open until the hash changes.
		if i+1 < len(rows) && rows[i+1].Norm.TxHash != "" && rows[i+1].Norm.TxHash == r.Norm.TxHash {
			continue
		}
		out = append(out, cur)
		cur = nil
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// multiStream interleaves rows from several streams (normal, token,
// internal) into chain order before hash chunking, so the legs of one
// hash sit next to each other regardless of which stream delivered
// them.
type multiStream struct {
	size int
}

func (m multiStream) Chunks(rows []Row) [][]Row {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	// Hash sorts before index: internal and token rows often carry no
	// transactionIndex, and the legs of one hash must stay adjacent or
	// a chunk boundary could fall between them.
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Norm, sorted[j].Norm
		if a.Height != b.Height {
			return a.Height < b.Height
		}
		if a.TxHash != b.TxHash {
			return a.TxHash < b.TxHash
		}
		return a.TxIndex < b.TxIndex
	})
	return hashChunked{size: m.size}.Chunks(sorted)
}

// batchProviderFor picks the splitter for an account's source.
func batchProviderFor(sourceType types.SourceType, streams int) batchProvider {
	if sourceType != types.SourceBlockchain {
		return allAtOnce{}
	}
	if streams > 1 {
		return multiStream{size: defaultChunkSize}
	}
	return hashChunked{size: defaultChunkSize}
}
