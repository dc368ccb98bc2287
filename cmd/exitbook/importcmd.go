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

	"github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub011/importer"
)

var importCommand = &cli.Command{
	Name:  "import",
	Usage: "fetch raw records from a chain or exchange",
	Subcommands: []*cli.Command{
		{
			Name:  "blockchain",
			Usage: "import an address or extended public key",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "source", Usage: "chain name (bitcoin, ethereum)", Required: true},
				&cli.StringFlag{Name: "address", Usage: "address or xpub", Required: true},
			},
			Action: importBlockchain,
		},
		{
			Name:  "exchange-api",
			Usage: "import an exchange account over its API",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "source", Usage: "exchange name (kraken, coinbase)", Required: true},
			},
			Action: importExchangeAPI,
		},
		{
			Name:  "exchange-csv",
			Usage: "import an exchange ledger export file",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "source", Usage: "exchange name", Required: true},
				&cli.StringFlag{Name: "file", Usage: "path to the CSV export", Required: true},
			},
			Action: importExchangeCSV,
		},
	},
}

func importBlockchain(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer e.close(c.Context)

	res, err := e.imp.Import(c.Context, importer.Request{
		Source:     c.String("source"),
		Identifier: c.String("address"),
	})
	if err != nil {
		return cli.Exit(err, 1)
	}
	printResult(res)
	return nil
}

func importExchangeAPI(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer e.close(c.Context)

	source := c.String("source")
	res, err := e.imp.Import(c.Context, importer.Request{
		Source:     source,
		Identifier: source,
	})
	if err != nil {
		return cli.Exit(err, 1)
	}
	printResult(res)
	return nil
}

func importExchangeCSV(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer e.close(c.Context)

	res, err := e.imp.ImportCSV(c.Context, c.String("source"), c.String("file"))
	if err != nil {
		return cli.Exit(err, 1)
	}
	printResult(res)
	return nil
}

func printResult(res *importer.Result) {
	if len(res.Children) > 0 {
		fmt.Printf("imported %d records (%d duplicates skipped) across %d derived accounts\n",
			res.Imported, res.Skipped, len(res.Children))
		return
	}
	fmt.Printf("imported %d records (%d duplicates skipped), session %s\n",
		res.Imported, res.Skipped, res.SessionID)
}
