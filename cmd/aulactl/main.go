package main

import (
	"fmt"
	"os"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	app := &cli.App{
		Name:  "aulactl",
		Usage: "session and student administration client for the aula platform",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-url",
				Usage:   "identity provider base URL",
				EnvVars: []string{"AULA_API_URL"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			loginCommand(),
			logoutCommand(),
			whoamiCommand(),
			validateCommand(),
			refreshCommand(),
			runCommand(),
			profileCommand(),
			passwdCommand(),
			studentsCommand(),
		},
		Before: func(cliCtx *cli.Context) error {
			if cliCtx.Bool("verbose") {
				log = log.Level(zerolog.DebugLevel)
			} else {
				log = log.Level(zerolog.InfoLevel)
			}
			cliCtx.App.Metadata = map[string]any{"logger": log}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func banner(appName string) {
	figure.NewFigure(appName, "cybermedium", true).Print()
}
