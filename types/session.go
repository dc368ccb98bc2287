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

package types

import "time"

// SessionStatus is the lifecycle state of an import session.
type SessionStatus string

const (
	SessionStarted   SessionStatus = "started"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ImportSession tracks one import run for an account. At most one session
// per account may be in the started state; the store enforces this.
// Sessions are immutable once completed.
type ImportSession struct {
	ID              string             `json:"id"`
	AccountID       int64              `json:"accountId"`
	StartedAt       time.Time          `json:"startedAt"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
	Status          SessionStatus      `json:"status"`
	CursorsByStream map[string]*Cursor `json:"cursorsByStream"`
	Imported        int64              `json:"imported"`
	Skipped         int64              `json:"skipped"`
	ResultMetadata  map[string]any     `json:"resultMetadata,omitempty"`
}

// AllStreamsComplete reports whether every stream cursor has reached
// IsComplete. An empty cursor map means the import never produced a batch
// and is not complete.
func (s *ImportSession) AllStreamsComplete() bool {
	if len(s.CursorsByStream) == 0 {
		return false
	}
	for _, c := range s.CursorsByStream {
		if !c.Meta.IsComplete {
			return false
		}
	}
	return true
}

// Account identifies one imported address or exchange connection.
// (UserID, SourceName, Identifier) is unique. ParentAccountID links
// derived child addresses to their extended-key parent.
type Account struct {
	ID              int64      `json:"id"`
	UserID          int64      `json:"userId"`
	SourceName      string     `json:"sourceName"`
	SourceType      SourceType `json:"sourceType"`
	Identifier      string     `json:"identifier"`
	ProviderName    string     `json:"providerName,omitempty"`
	ParentAccountID *int64     `json:"parentAccountId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}
