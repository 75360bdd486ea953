// Copyright 2025 The go-meshinfer Authors
// This file is part of the go-meshinfer library.
//
// The go-meshinfer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-meshinfer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-meshinfer library. If not, see <http://www.gnu.org/licenses/>.

// meshinfer is the control plane daemon of the decentralized inference
// network.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/meshinfer/go-meshinfer/log"
	"github.com/meshinfer/go-meshinfer/node"
	"github.com/meshinfer/go-meshinfer/receipts"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the job and receipt stores",
	}
	httpAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "HTTP server listening interface",
	}
	httpPortFlag = &cli.IntFlag{
		Name:  "http.port",
		Usage: "HTTP server listening port",
	}
	jwtSecretFlag = &cli.StringFlag{
		Name:  "jwtsecret",
		Usage: "Hex-encoded secret verifying user session tokens",
	}
	operatorTokenFlag = &cli.StringFlag{
		Name:  "operator-token",
		Usage: "Bearer token guarding worker registration",
	}
	corsFlag = &cli.StringSliceFlag{
		Name:  "http.corsdomain",
		Usage: "Comma separated list of origins to accept cross-origin requests from",
	}
	cumulativeCompatFlag = &cli.BoolFlag{
		Name:  "stream.cumulative-compat",
		Usage: "Tolerate cumulative producer snapshots shorter than the committed transcript",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Format logs with JSON",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write JSON logs to a rotating file instead of stderr (ignored with --log.json)",
	}
	userFlag = &cli.StringFlag{
		Name:     "user",
		Usage:    "User whose receipt chain to read",
		Required: true,
	}
)

func main() {
	app := &cli.App{
		Name:   filepath.Base(os.Args[0]),
		Usage:  "decentralized inference control plane",
		Action: runNode,
		Flags: []cli.Flag{
			configFlag, dataDirFlag, httpAddrFlag, httpPortFlag,
			jwtSecretFlag, operatorTokenFlag, corsFlag,
			cumulativeCompatFlag, verbosityFlag, logJSONFlag, logFileFlag,
		},
		Commands: []*cli.Command{
			{
				Name:  "receipts",
				Usage: "Inspect receipt chains offline",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "Print a user's receipts",
						Flags:  []cli.Flag{dataDirFlag, userFlag},
						Action: listReceipts,
					},
					{
						Name:   "verify",
						Usage:  "Verify a user's receipt chain",
						Flags:  []cli.Flag{dataDirFlag, userFlag},
						Action: verifyReceipts,
					},
				},
			},
		},
		Before: func(ctx *cli.Context) error {
			setupLogging(ctx)
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) {
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	output := os.Stderr
	if ctx.Bool(logJSONFlag.Name) {
		log.SetDefault(log.NewLogger(log.JSONHandlerWithLevel(output, level)))
	} else if file := ctx.String(logFileFlag.Name); file != "" {
		log.SetDefault(log.NewLogger(log.RotatingFileHandler(file, 100, 10, level)))
	} else {
		usecolor := isatty.IsTerminal(output.Fd())
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(output, level, usecolor)))
	}
}

func runNode(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	n, err := node.New(cfg.Node, log.Root())
	if err != nil {
		return fmt.Errorf("%s: %w", capitalise("node setup failed"), err)
	}
	if err := n.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down...")
	return n.Stop()
}

func openChain(ctx *cli.Context) (*receipts.Chain, error) {
	datadir := ctx.String(dataDirFlag.Name)
	if datadir == "" {
		return nil, fmt.Errorf("--%s is required", dataDirFlag.Name)
	}
	return receipts.New(filepath.Join(datadir, "receipts"), log.Root())
}

func listReceipts(ctx *cli.Context) error {
	chain, err := openChain(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	list, err := chain.List(ctx.String(userFlag.Name), 0, 200)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Block", "Inference", "Model", "Worker", "Block hash", "Timestamp"})
	for _, r := range list {
		table.Append([]string{
			fmt.Sprintf("%d", r.BlockNumber),
			r.InferenceID,
			r.Model,
			r.Worker,
			r.BlockHash[:16] + "…",
			r.Timestamp.Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()
	return nil
}

func verifyReceipts(ctx *cli.Context) error {
	chain, err := openChain(ctx)
	if err != nil {
		return err
	}
	defer chain.Close()

	res, err := chain.Verify(ctx.String(userFlag.Name))
	if err != nil {
		return err
	}
	if res.Valid {
		color.Green("✔ %s", res.Message)
		return nil
	}
	color.Red("✘ %s", res.Message)
	return fmt.Errorf("chain verification failed at block %d", res.Block)
}
