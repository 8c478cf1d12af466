package main

import (
	"context"
	"fmt"
	"os"

	"github.com/heraldhq/herald/internal/app"
	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/version"
	"github.com/urfave/cli/v3"
)

func main() {
	root := &cli.Command{
		Name:    "herald",
		Usage:   "Herald - Timezone-aware greeting delivery",
		Version: version.Version(),
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the Herald server",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:    "service",
						Aliases: []string{"s"},
						Usage:   "Service to run: api, scheduler, delivery. Empty runs all three in one process.",
						Sources: cli.EnvVars("SERVICE"),
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := config.Parse(config.Flags{
						Config:  c.String("config"),
						Service: c.String("service"),
					})
					if err != nil {
						return err
					}
					return app.New(cfg).Run(ctx)
				},
			},
			{
				Name:  "migrate",
				Usage: "Migration tools",
				Commands: []*cli.Command{
					{
						Name:   "up",
						Usage:  "Apply pending Postgres migrations",
						Flags:  []cli.Flag{configFlag()},
						Action: migrateUp,
					},
					{
						Name:   "version",
						Usage:  "Print the current Postgres schema version",
						Flags:  []cli.Flag{configFlag()},
						Action: migrateVersion,
					},
				},
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return cli.ShowAppHelp(c)
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "herald: %s\n", err)
		os.Exit(1)
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a config file",
		Sources: cli.EnvVars("CONFIG"),
	}
}
