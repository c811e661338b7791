// Package main launches a Synapse-NG node: a fully decentralized peer that
// replicates channel state over gossip, takes part in governance and earns
// its keep in the synapse point economy.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/synapse-ng/synapse-ng/cmd/synapse/flags"
	"github.com/synapse-ng/synapse-ng/config/params"
	"github.com/synapse-ng/synapse-ng/io/logs"
	"github.com/synapse-ng/synapse-ng/node"
	"github.com/synapse-ng/synapse-ng/runtime/version"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	flags.DataDirFlag,
	flags.KeyFileFlag,
	flags.TCPHostFlag,
	flags.TCPPortFlag,
	flags.RendezvousFlag,
	flags.DisableMDNSFlag,
	flags.MonitoringAddrFlag,
	flags.ChannelFlag,
	flags.ConfigFileFlag,
	flags.VerbosityFlag,
	flags.LogFormatFlag,
	flags.LogFileFlag,
}

func startNode(cliCtx *cli.Context) error {
	n, err := node.New(cliCtx.Context, &node.Config{
		DataDir:     cliCtx.String(flags.DataDirFlag.Name),
		KeyFile:     cliCtx.String(flags.KeyFileFlag.Name),
		TCPHost:     cliCtx.String(flags.TCPHostFlag.Name),
		TCPPort:     cliCtx.Int(flags.TCPPortFlag.Name),
		Bootstrap:   cliCtx.StringSlice(flags.RendezvousFlag.Name),
		EnableMDNS:  !cliCtx.Bool(flags.DisableMDNSFlag.Name),
		MetricsAddr: cliCtx.String(flags.MonitoringAddrFlag.Name),
		Channels:    cliCtx.StringSlice(flags.ChannelFlag.Name),
	})
	if err != nil {
		return err
	}
	n.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "synapse"
	app.Usage = "launches a Synapse-NG node that coordinates with its peers without any central server"
	app.Version = version.Version()
	app.Flags = appFlags
	app.Action = startNode
	app.Before = func(ctx *cli.Context) error {
		if ctx.IsSet(flags.ConfigFileFlag.Name) {
			cfg, err := params.LoadFromFile(ctx.String(flags.ConfigFileFlag.Name))
			if err != nil {
				return err
			}
			params.OverrideSynapseConfig(cfg)
		}

		level, err := logrus.ParseLevel(ctx.String(flags.VerbosityFlag.Name))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		switch format := ctx.String(flags.LogFormatFlag.Name); format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			logrus.SetFormatter(formatter)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		if logFileName := ctx.String(flags.LogFileFlag.Name); logFileName != "" {
			if err := logs.ConfigurePersistentLogging(logFileName); err != nil {
				log.WithError(err).Error("Failed to configure logging to disk")
			}
		}
		return nil
	}

	ctx := context.Background()
	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
