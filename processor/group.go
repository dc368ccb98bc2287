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

import "github.com/jbelanger/exitbook-sub011/types"

// Row pairs a stored raw record with its decoded normalized form. The
// processor only ever works on this pair; the raw side carries identity
// and provenance, the normalized side carries amounts.
type Row struct {
	Raw  types.RawRecord
	Norm types.NormalizedRow
}

// Group is a set of rows that settle together as one transaction.
// Rows keep their storage order, which is insertion order.
type Group struct {
	Key  string
	Rows []Row
}

// groupFn extracts the correlation key for a row. An empty return
// means the row stands alone.
type groupFn func(r Row) string

func byCorrelationID(r Row) string { return r.Norm.CorrelationID }

func byOrderID(r Row) string {
	if r.Norm.OrderID != "" {
		return r.Norm.OrderID
	}
	return r.Norm.CorrelationID
}

func byTxHash(r Row) string { return r.Norm.TxHash }

func identity(Row) string { return "" }

// groupRows partitions rows by key, preserving first-appearance order
// of groups and storage order within each group. Keyless rows become
// singleton groups keyed by their own event id.
func groupRows(rows []Row, key groupFn) []Group {
	var out []Group
	index := map[string]int{}
	for _, r := range rows {
		k := key(r)
		if k == "" {
			out = append(out, Group{Key: soloKey(r), Rows: []Row{r}})
			continue
		}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, Group{Key: k, Rows: []Row{r}})
			continue
		}
		out[i].Rows = append(out[i].Rows, r)
	}
	return out
}

func soloKey(r Row) string {
	if r.Raw.ExternalID != "" {
		return r.Raw.ExternalID
	}
	return r.Raw.EventID
}
