package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/snowflk/erpmirror/internal/config"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "erpmirror",
		Usage: "keeps a local SQLite snapshot of the ERP tables and serves it read-only",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file (yaml, json or toml), ./erpmirror.* when empty",
				EnvVars: []string{"ERPMIRROR_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: config.DefaultEnvFile,
				Usage: "file of KEY=VALUE lines loaded into the environment",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "replicate on schedule and serve the snapshot over HTTP",
				Action: runCommand,
			},
			{
				Name:   "once",
				Usage:  "run a single replication cycle and exit",
				Action: onceCommand,
			},
			{
				Name:      "query",
				Usage:     "run a read-only SQL query on the published snapshot file",
				ArgsUsage: "<sql>",
				Action:    queryCommand,
			},
			{
				Name:  "status",
				Usage: "print the most recent replication cycles",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 10, Usage: "number of cycles"},
				},
				Action: statusCommand,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("erpmirror failed")
	}
}
