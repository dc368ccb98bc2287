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

package importer

import (
	"context"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/store"
	"github.com/jbelanger/exitbook-sub011/types"
)

// Receive and change branches of a BIP-44 account key.
var derivationBranches = []uint32{0, 1}

func isExtendedKey(identifier string) bool {
	id := strings.TrimSpace(identifier)
	for _, prefix := range []string{"xpub", "ypub", "zpub", "tpub", "upub", "vpub"} {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}

// importExtendedKey expands the key into active child addresses by
// gap-limit scan, creates one child account per address under a parent
// account holding the key itself, then imports the children in series.
// The first failing child fails the whole import.
func (im *Importer) importExtendedKey(ctx context.Context, source, key string) (*Result, error) {
	key = strings.TrimSpace(key)
	userID, err := im.db.EnsureUser(ctx, store.DefaultUserName)
	if err != nil {
		return nil, err
	}
	parent, err := im.db.CreateOrGetAccount(ctx, types.Account{
		UserID:     userID,
		SourceName: source,
		SourceType: types.SourceBlockchain,
		Identifier: key,
	})
	if err != nil {
		return nil, err
	}

	addrs, err := im.discoverAddresses(ctx, source, key)
	if err != nil {
		return nil, err
	}
	im.log.Info("extended key discovery finished",
		zap.String("source", source),
		zap.Int("active", len(addrs)),
		zap.Int("gap", im.cfg.GapLimit))

	agg := &Result{AccountID: parent.ID}
	for _, addr := range addrs {
		child, err := im.db.CreateOrGetAccount(ctx, types.Account{
			UserID:          userID,
			SourceName:      source,
			SourceType:      types.SourceBlockchain,
			Identifier:      addr,
			ParentAccountID: &parent.ID,
		})
		if err != nil {
			return nil, err
		}
		res, err := im.importAccount(ctx, child)
		if err != nil {
			return nil, errors.WithMessagef(err, "child %s", addr)
		}
		agg.Imported += res.Imported
		agg.Skipped += res.Skipped
		agg.Children = append(agg.Children, *res)
	}
	return agg, nil
}

// discoverAddresses derives addresses per branch until GapLimit
// consecutive addresses show no on-chain activity.
func (im *Importer) discoverAddresses(ctx context.Context, source, key string) ([]string, error) {
	acctKey, err := hdkeychain.NewKeyFromString(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse extended key")
	}
	net := netParamsFor(key)

	var active []string
	for _, branch := range derivationBranches {
		branchKey, err := acctKey.Derive(branch)
		if err != nil {
			return nil, errors.Wrapf(err, "derive branch %d", branch)
		}
		gap := 0
		for index := uint32(0); gap < im.cfg.GapLimit; index++ {
			childKey, err := branchKey.Derive(index)
			if errors.Is(err, hdkeychain.ErrInvalidChild) {
				// Skip the rare invalid index per BIP-32.
				continue
			}
			if err != nil {
				return nil, errors.Wrapf(err, "derive %d/%d", branch, index)
			}
			addr, err := childKey.Address(net)
			if err != nil {
				return nil, errors.Wrapf(err, "address %d/%d", branch, index)
			}
			has, err := im.eng.HasAddressTransactions(ctx, source, addr.EncodeAddress())
			if err != nil {
				return nil, err
			}
			if has {
				active = append(active, addr.EncodeAddress())
				gap = 0
				continue
			}
			gap++
		}
	}
	return active, nil
}

func netParamsFor(key string) *chaincfg.Params {
	switch {
	case strings.HasPrefix(key, "tpub"), strings.HasPrefix(key, "upub"), strings.HasPrefix(key, "vpub"):
		return &chaincfg.TestNet3Params
	default:
		return &chaincfg.MainNetParams
	}
}
