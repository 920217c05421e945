// Command p2psyncd runs the folder sync service and its mailbox hub.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/opd-ai/p2psync/config"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("p2psyncd failed")
		os.Exit(1)
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to config.yaml (default: data directory)",
		EnvVars: []string{"P2PSYNC_CONFIG"},
	}

	return &cli.App{
		Name:    "p2psyncd",
		Usage:   "peer-to-peer folder sync with encrypted relay fallback",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "emit logs as JSON",
			},
		},
		Before: func(c *cli.Context) error {
			return setupLogging(c.String("log-level"), c.Bool("log-json"))
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start the sync service",
				Flags:  []cli.Flag{configFlag},
				Action: runService,
			},
			{
				Name:  "sync",
				Usage: "Sync one folder now and exit",
				Flags: []cli.Flag{
					configFlag,
					&cli.StringFlag{
						Name:     "folder",
						Usage:    "sync folder id",
						Required: true,
					},
				},
				Action: syncOnce,
			},
			{
				Name:  "folders",
				Usage: "Manage sync folders",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "Add a sync folder",
						Flags: []cli.Flag{
							configFlag,
							&cli.StringFlag{Name: "path", Usage: "local directory", Required: true},
							&cli.StringFlag{Name: "device", Usage: "target device id", Required: true},
							&cli.StringFlag{Name: "remote", Usage: "directory on the target device"},
							&cli.BoolFlag{Name: "auto", Usage: "sync periodically"},
							&cli.StringSliceFlag{Name: "type", Usage: "type filter (image, video, audio, document, archive, .ext or MIME type)"},
						},
						Action: addFolder,
					},
					{
						Name:   "list",
						Usage:  "List sync folders",
						Flags:  []cli.Flag{configFlag},
						Action: listFolders,
					},
					{
						Name:  "remove",
						Usage: "Remove a sync folder",
						Flags: []cli.Flag{
							configFlag,
							&cli.StringFlag{Name: "id", Usage: "sync folder id", Required: true},
						},
						Action: removeFolder,
					},
				},
			},
			{
				Name:  "mailbox",
				Usage: "Run the websocket mailbox hub",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "listen",
						Usage: "listen address",
						Value: ":8089",
					},
					&cli.StringFlag{
						Name:    "token",
						Usage:   "bearer token clients must present",
						EnvVars: []string{"P2PSYNC_MAILBOX_TOKEN"},
					},
				},
				Action: runMailbox,
			},
			{
				Name:  "token",
				Usage: "Issue an identity token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Usage: "user id", Required: true},
					&cli.StringFlag{Name: "secret", Usage: "signing secret", Required: true, EnvVars: []string{"P2PSYNC_TOKEN_SECRET"}},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: 30 * 24 * time.Hour},
				},
				Action: issueToken,
			},
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version)
					fmt.Printf("Git commit: %s\n", gitCommit)
					fmt.Printf("Built:      %s\n", buildTime)
					return nil
				},
			},
		},
	}
}

func setupLogging(level string, json bool) error {
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logrus.SetLevel(lvl)
	return nil
}

// loadConfig loads the configuration and applies its log settings unless
// flags already did.
func loadConfig(c *cli.Context) (*config.Config, string, error) {
	cfg, path, err := config.LoadOrCreate(c.String("config"))
	if err != nil {
		return nil, "", err
	}
	if !c.IsSet("log-level") && !c.IsSet("log-json") {
		if err := setupLogging(cfg.Log.Level, cfg.Log.JSON); err != nil {
			return nil, "", err
		}
	}
	return cfg, path, nil
}
