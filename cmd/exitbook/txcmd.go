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

package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub011/store"
	"github.com/jbelanger/exitbook-sub011/types"
)

var transactionsCommand = &cli.Command{
	Name:  "transactions",
	Usage: "query canonical transactions",
	Subcommands: []*cli.Command{
		{
			Name:  "view",
			Usage: "list transactions, oldest first",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "source", Usage: "filter by source name"},
				&cli.StringFlag{Name: "asset", Usage: "filter by asset symbol"},
				&cli.StringFlag{Name: "op", Usage: "filter by operation type"},
				&cli.TimestampFlag{Name: "since", Layout: "2006-01-02", Usage: "inclusive lower bound"},
				&cli.TimestampFlag{Name: "until", Layout: "2006-01-02", Usage: "exclusive upper bound"},
			},
			Action: viewTransactions,
		},
		{
			Name:  "enrich-prices",
			Usage: "fill missing priceAtTxTime from the price table",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "asset", Usage: "restrict to these assets"},
			},
			Action: enrichPrices,
		},
	},
}

func viewTransactions(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer e.close(c.Context)

	filter := store.TxFilter{
		Source: c.String("source"),
		Asset:  types.NewCurrency(c.String("asset")),
		OpType: c.String("op"),
	}
	if t := c.Timestamp("since"); t != nil {
		filter.Since = *t
	}
	if t := c.Timestamp("until"); t != nil {
		filter.Until = *t
	}

	txs, err := e.db.ListTransactions(c.Context, filter)
	if err != nil {
		return cli.Exit(err, 1)
	}
	for i := range txs {
		printTransaction(&txs[i])
	}
	fmt.Printf("%d transactions\n", len(txs))
	return nil
}

func printTransaction(tx *types.UniversalTransaction) {
	fmt.Printf("%s  %-10s %-12s %s", tx.Datetime.Format(time.RFC3339),
		tx.Source, tx.Operation.Category+"/"+tx.Operation.Type, tx.ExternalID)
	for _, m := range tx.Movements.Outflows {
		fmt.Printf("  -%s %s", m.GrossAmount, m.Asset)
	}
	for _, m := range tx.Movements.Inflows {
		fmt.Printf("  +%s %s", m.NetAmount, m.Asset)
	}
	for _, f := range tx.Fees {
		fmt.Printf("  fee %s %s (%s)", f.Amount, f.Asset, f.Scope)
	}
	fmt.Println()
}

func enrichPrices(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer e.close(c.Context)

	var assets []types.Currency
	for _, s := range c.StringSlice("asset") {
		assets = append(assets, types.NewCurrency(s))
	}
	updated, err := e.db.EnrichPrices(c.Context, assets)
	if err != nil {
		return cli.Exit(err, 1)
	}
	fmt.Printf("%d transactions enriched\n", updated)
	return nil
}
