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
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub011/processor"
)

var processCommand = &cli.Command{
	Name:      "process",
	Usage:     "turn pending raw rows into transactions",
	ArgsUsage: "[account-id]",
	Action: func(c *cli.Context) error {
		return runProcess(c, false)
	},
}

var reprocessCommand = &cli.Command{
	Name:      "reprocess",
	Usage:     "rebuild transactions from raw rows",
	ArgsUsage: "[account-id]",
	Action: func(c *cli.Context) error {
		return runProcess(c, true)
	},
}

func runProcess(c *cli.Context, rebuild bool) error {
	e, err := setup(c)
	if err != nil {
		return cli.Exit(err, 1)
	}
	defer e.close(c.Context)

	var reports []processor.Report
	if c.Args().Present() {
		id, err := strconv.ParseInt(c.Args().First(), 10, 64)
		if err != nil {
			return cli.Exit(fmt.Errorf("invalid account id %q", c.Args().First()), 2)
		}
		var rep *processor.Report
		if rebuild {
			rep, err = e.proc.Reprocess(c.Context, id)
		} else {
			rep, err = e.proc.ProcessAccount(c.Context, id)
		}
		if err != nil {
			return cli.Exit(err, 1)
		}
		reports = append(reports, *rep)
	} else {
		if rebuild {
			accounts, err := e.db.AllAccounts(c.Context)
			if err != nil {
				return cli.Exit(err, 1)
			}
			for _, acct := range accounts {
				rep, err := e.proc.Reprocess(c.Context, acct.ID)
				if err != nil {
					return cli.Exit(err, 1)
				}
				reports = append(reports, *rep)
			}
		} else {
			reports, err = e.proc.ProcessAll(c.Context)
			if err != nil {
				return cli.Exit(err, 1)
			}
		}
	}

	for _, rep := range reports {
		fmt.Printf("account %d: %d pending rows -> %d transactions (%d excluded)\n",
			rep.AccountID, rep.Pending, rep.Transactions, rep.Excluded)
	}
	return nil
}

var verifyBalanceCommand = &cli.Command{
	Name:      "verify-balance",
	Usage:     "compare computed balances with the provider's live view",
	ArgsUsage: "<account-id>",
	Action: func(c *cli.Context) error {
		if !c.Args().Present() {
			return cli.Exit(fmt.Errorf("account id required"), 2)
		}
		id, err := strconv.ParseInt(c.Args().First(), 10, 64)
		if err != nil {
			return cli.Exit(fmt.Errorf("invalid account id %q", c.Args().First()), 2)
		}
		e, err := setup(c)
		if err != nil {
			return cli.Exit(err, 1)
		}
		defer e.close(c.Context)

		checks, err := e.imp.VerifyBalance(c.Context, id)
		if err != nil {
			return cli.Exit(err, 1)
		}
		ok := true
		for _, chk := range checks {
			mark := "ok"
			if !chk.Match {
				mark = "MISMATCH"
				ok = false
			}
			fmt.Printf("%-8s computed=%s live=%s %s\n", chk.Asset, chk.Computed, chk.Live, mark)
		}
		if !ok {
			return cli.Exit(fmt.Errorf("balance verification failed"), 1)
		}
		return nil
	},
}
