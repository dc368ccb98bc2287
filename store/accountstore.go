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

package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/jbelanger/exitbook-sub011/types"
)

// DefaultUserName is the single-tenant user every import belongs to.
const DefaultUserName = "default"

// EnsureUser returns the id of the named user, creating it if missing.
func (d *DB) EnsureUser(ctx context.Context, name string) (int64, error) {
	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO users (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return 0, errors.Wrap(err, "ensure user")
	}
	var id int64
	err = d.sql.QueryRowContext(ctx, `SELECT id FROM users WHERE name = ?`, name).Scan(&id)
	return id, errors.Wrap(err, "select user")
}

// CreateOrGetAccount finds the account identified by
// (userID, sourceName, identifier) or creates it.
func (d *DB) CreateOrGetAccount(ctx context.Context, acct types.Account) (types.Account, error) {
	_, err := d.sql.ExecContext(ctx, `
		INSERT INTO accounts (user_id, source_name, source_type, identifier, provider_name, parent_account_id)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT (user_id, source_name, identifier) DO NOTHING`,
		acct.UserID, acct.SourceName, acct.SourceType, acct.Identifier, acct.ProviderName, acct.ParentAccountID)
	if err != nil {
		return types.Account{}, errors.Wrap(err, "insert account")
	}
	return d.getAccountBy(ctx, `user_id = ? AND source_name = ? AND identifier = ?`,
		acct.UserID, acct.SourceName, acct.Identifier)
}

// GetAccount loads one account by id.
func (d *DB) GetAccount(ctx context.Context, id int64) (types.Account, error) {
	return d.getAccountBy(ctx, `id = ?`, id)
}

// ChildAccounts lists the derived children of an extended-key parent.
func (d *DB) ChildAccounts(ctx context.Context, parentID int64) ([]types.Account, error) {
	return d.listAccounts(ctx, `parent_account_id = ? ORDER BY id`, parentID)
}

// AllAccounts lists every account, parents first.
func (d *DB) AllAccounts(ctx context.Context) ([]types.Account, error) {
	return d.listAccounts(ctx, `1=1 ORDER BY id`)
}

func (d *DB) getAccountBy(ctx context.Context, where string, args ...any) (types.Account, error) {
	accounts, err := d.listAccounts(ctx, where, args...)
	if err != nil {
		return types.Account{}, err
	}
	if len(accounts) == 0 {
		return types.Account{}, errors.Errorf("account not found (%s)", where)
	}
	return accounts[0], nil
}

func (d *DB) listAccounts(ctx context.Context, where string, args ...any) ([]types.Account, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT id, user_id, source_name, source_type, identifier,
		       COALESCE(provider_name, ''), parent_account_id, created_at
		FROM accounts WHERE `+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query accounts")
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		var a types.Account
		var parent sql.NullInt64
		if err := rows.Scan(&a.ID, &a.UserID, &a.SourceName, &a.SourceType,
			&a.Identifier, &a.ProviderName, &parent, &a.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan account")
		}
		if parent.Valid {
			a.ParentAccountID = &parent.Int64
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
