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

// exitbook is the command-line surface of the accounting pipeline:
// import raw records from chains and exchanges, process them into
// canonical transactions, and query the result.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/jbelanger/exitbook-sub011/config"
	"github.com/jbelanger/exitbook-sub011/engine"
	"github.com/jbelanger/exitbook-sub011/event"
	"github.com/jbelanger/exitbook-sub011/importer"
	"github.com/jbelanger/exitbook-sub011/processor"
	"github.com/jbelanger/exitbook-sub011/provider"
	"github.com/jbelanger/exitbook-sub011/provider/all"
	"github.com/jbelanger/exitbook-sub011/store"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to the YAML configuration file",
		Value: "exitbook.yaml",
	}
	verboseFlag = &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "enable debug logging",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "exitbook",
		Usage: "personal crypto accounting pipeline",
		Flags: []cli.Flag{configFlag, verboseFlag},
		Commands: []*cli.Command{
			importCommand,
			processCommand,
			reprocessCommand,
			verifyBalanceCommand,
			transactionsCommand,
		},
		// Invalid arguments exit 2; runtime failures keep exit 1.
		OnUsageError: func(c *cli.Context, err error, isSubcommand bool) error {
			return cli.Exit(err, 2)
		},
		CommandNotFound: func(c *cli.Context, name string) {
			fmt.Fprintf(c.App.ErrWriter, "exitbook: unknown command %q\n", name)
			cli.OsExiter(2)
		},
	}
}

func main() {
	app := newApp()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "exitbook:", err)
		code := 1
		if exitErr, ok := err.(cli.ExitCoder); ok {
			code = exitErr.ExitCode()
		}
		os.Exit(code)
	}
}

// env is the assembled application: one database, one engine, one bus.
type env struct {
	cfg  config.Config
	log  *zap.Logger
	db   *store.DB
	bus  *event.Bus
	eng  *engine.Engine
	imp  *importer.Importer
	proc *processor.Processor
}

// setup builds the environment shared by every command. Provider
// health survives restarts through the provider_stats table.
func setup(c *cli.Context) (*env, error) {
	logCfg := zap.NewProductionConfig()
	if c.Bool(verboseFlag.Name) {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	log, err := logCfg.Build()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return nil, err
	}

	reg := provider.NewRegistry(log)
	all.Register(reg)

	engCfg := engine.DefaultConfig
	if cfg.DedupWindow > 0 {
		engCfg.DedupWindow = cfg.DedupWindow
	}
	if cfg.CacheTTL > 0 {
		engCfg.CacheTTL = cfg.CacheTTL
	}
	engCfg.Preferred = cfg.Preferred

	bus := event.NewBus()
	eng := engine.New(reg, bus, nil, log, engCfg)
	if stats, err := db.LoadProviderStats(c.Context); err == nil {
		for _, h := range stats {
			eng.Tracker().Restore(h)
		}
	}

	procCfg := processor.DefaultConfig()
	if cfg.DustThreshold != "" {
		if dust, err := decimal.NewFromString(cfg.DustThreshold); err == nil {
			procCfg.DustThreshold = dust
		}
	}
	for source, tol := range cfg.Tolerances {
		warn, err1 := decimal.NewFromString(tol.Warn)
		errLimit, err2 := decimal.NewFromString(tol.Error)
		if err1 == nil && err2 == nil {
			procCfg.Tolerances[source] = processor.Tolerance{Warn: warn, Error: errLimit}
		}
	}
	proc, err := processor.New(db, bus, procCfg, log)
	if err != nil {
		return nil, err
	}

	imp := importer.New(db, eng, bus, importer.Config{
		GapLimit:          cfg.GapLimit,
		SourceParallelism: cfg.SourceParallelism,
	}, log)

	return &env{cfg: cfg, log: log, db: db, bus: bus, eng: eng, imp: imp, proc: proc}, nil
}

// close persists provider health and releases everything.
func (e *env) close(ctx context.Context) {
	if err := e.db.SaveProviderStats(ctx, e.eng.Tracker().Snapshot()); err != nil {
		e.log.Warn("saving provider stats", zap.Error(err))
	}
	e.bus.Close()
	if err := e.db.Close(); err != nil {
		e.log.Warn("closing database", zap.Error(err))
	}
	_ = e.log.Sync()
}
