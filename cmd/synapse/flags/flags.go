// Package flags defines the command line flags of the synapse node.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// DataDirFlag is the directory holding the database and identity key.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the node database and identity key",
		Value: "synapse-data",
	}
	// KeyFileFlag overrides the identity key location.
	KeyFileFlag = &cli.StringFlag{
		Name:  "key-file",
		Usage: "Path to the ed25519 identity key, created on first run if absent. Defaults to <datadir>/node_key.pem",
	}
	// TCPHostFlag is the listen address of the libp2p transport.
	TCPHostFlag = &cli.StringFlag{
		Name:  "tcp-host",
		Usage: "The address the libp2p transport listens on",
		Value: "0.0.0.0",
	}
	// TCPPortFlag is the listen port of the libp2p transport.
	TCPPortFlag = &cli.IntFlag{
		Name:  "tcp-port",
		Usage: "The port the libp2p transport listens on",
		Value: 7654,
	}
	// RendezvousFlag lists rendezvous server URLs used to find peers.
	RendezvousFlag = &cli.StringSliceFlag{
		Name:  "rendezvous",
		Usage: "Rendezvous server URL used to discover peers; repeatable",
	}
	// DisableMDNSFlag turns off local network discovery.
	DisableMDNSFlag = &cli.BoolFlag{
		Name:  "disable-mdns",
		Usage: "Disable mDNS peer discovery on the local network",
	}
	// MonitoringAddrFlag is the metrics endpoint address. Empty disables it.
	MonitoringAddrFlag = &cli.StringFlag{
		Name:  "monitoring-addr",
		Usage: "Address for the prometheus /metrics and /healthz endpoint, empty to disable",
		Value: "127.0.0.1:8080",
	}
	// ChannelFlag lists channels to join on startup.
	ChannelFlag = &cli.StringSliceFlag{
		Name:  "channel",
		Usage: "Channel to join on startup; repeatable",
	}
	// ConfigFileFlag points at a YAML file with network parameter overrides.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "YAML file overriding the default network parameters",
	}
	// VerbosityFlag sets the logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFileFlag mirrors log output into a file.
	LogFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Specify log file name, relative or absolute",
	}
	// LogFormatFlag picks the log output format.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json",
		Value: "text",
	}
)
