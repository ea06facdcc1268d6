// Package flags defines the command line flags of the ceremony coordinator.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// DataDirFlag defines the directory for the metadata database.
	DataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the coordinator database",
		Value: "coordinator-data",
	}
	// ClearDB removes any previously stored data at the data directory.
	ClearDB = &cli.BoolFlag{
		Name:  "clear-db",
		Usage: "Clears any previously stored data at the data directory",
	}
	// ConfigFileFlag points to a yaml file overriding the coordinator config.
	ConfigFileFlag = &cli.StringFlag{
		Name:  "config-file",
		Usage: "Path to a yaml file with coordinator config values",
	}
	// BlobRootFlag defines the root directory of the filesystem blob store.
	BlobRootFlag = &cli.StringFlag{
		Name:  "blob-root",
		Usage: "Root directory of the ceremony artifact store",
		Value: "coordinator-data/blobs",
	}
	// WorkDirFlag defines the scratch directory for verification and
	// finalization downloads.
	WorkDirFlag = &cli.StringFlag{
		Name:  "work-dir",
		Usage: "Scratch directory for verification and finalization artifacts",
		Value: "coordinator-data/work",
	}
	// RPCHost defines the address on which the RPC server listens.
	RPCHost = &cli.StringFlag{
		Name:  "rpc-host",
		Usage: "Host on which the RPC server listens",
		Value: "127.0.0.1",
	}
	// RPCPort defines the port on which the RPC server listens.
	RPCPort = &cli.IntFlag{
		Name:  "rpc-port",
		Usage: "Port on which the RPC server listens",
		Value: 4000,
	}
	// MonitoringHostFlag defines the address on which the monitoring server
	// listens.
	MonitoringHostFlag = &cli.StringFlag{
		Name:  "monitoring-host",
		Usage: "Host on which the monitoring server listens",
		Value: "127.0.0.1",
	}
	// MonitoringPortFlag defines the port on which the monitoring server
	// listens.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port on which the monitoring server listens",
		Value: 8080,
	}
	// VerbosityFlag defines the logrus logging level.
	VerbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value: "info",
	}
	// LogFileName specifies the log output file name.
	LogFileName = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Specify log file name, relative or absolute",
	}
	// EnableBackupWebhookFlag mounts the database backup endpoint on the
	// monitoring server.
	EnableBackupWebhookFlag = &cli.BoolFlag{
		Name:  "enable-db-backup-webhook",
		Usage: "Serve HTTP handler to initiate database backups. The handler is served on the monitoring port at path /db/backup",
	}
	// BackupWebhookOutputDir defines the output directory for database backups.
	BackupWebhookOutputDir = &cli.StringFlag{
		Name:  "db-backup-output-dir",
		Usage: "Output directory for database backups",
	}
)

// Flags is the full flag set of the coordinator command.
var Flags = []cli.Flag{
	DataDirFlag,
	ClearDB,
	ConfigFileFlag,
	BlobRootFlag,
	WorkDirFlag,
	RPCHost,
	RPCPort,
	MonitoringHostFlag,
	MonitoringPortFlag,
	VerbosityFlag,
	LogFileName,
	EnableBackupWebhookFlag,
	BackupWebhookOutputDir,
}
