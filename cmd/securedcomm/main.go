package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "securedcomm",
		Usage: "Publish to and listen on an encrypted message queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a .json or .yaml Seasoning file",
				EnvVars: []string{"SECUREDCOMM_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "Load environment variables from this file when it exists",
				EnvVars: []string{"SECUREDCOMM_ENV_FILE"},
				Value:   ".env",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable verbose logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "publish",
				Usage: "Publish messages to the queue",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "message",
						Aliases: []string{"m"},
						Usage:   "Message to publish, repeatable. Reads lines from stdin when omitted",
					},
					&cli.IntFlag{
						Name:  "count",
						Usage: "Publish every message this many times",
						Value: 1,
					},
				},
				Action: publish,
			},
			{
				Name:  "listen",
				Usage: "Print messages from the queue until interrupted",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:    "timeout",
						Aliases: []string{"t"},
						Usage:   "Wait at most this long for a single message, then exit",
					},
					&cli.BoolFlag{
						Name:    "metrics",
						Usage:   "Serve Prometheus metrics while listening",
						EnvVars: []string{"SECUREDCOMM_METRICS_ENABLED"},
					},
					&cli.StringFlag{
						Name:    "metrics-addr",
						Usage:   "Metrics listen address",
						EnvVars: []string{"SECUREDCOMM_METRICS_ADDR"},
						Value:   ":9090",
					},
				},
				Action: listen,
			},
		},
	}
}
