package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"zjm/internal/check"
	"zjm/internal/command"
	"zjm/internal/crypto"
	"zjm/internal/keys"
	"zjm/internal/pool"
	"zjm/internal/report"
	"zjm/internal/zfs"
)

func genkeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "genkey",
		Usage: "Generate an age key pair for image encryption",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write the private key to this file instead of printing it"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return keys.Generate(os.Stdout, cmd.String("out"))
		},
	}
}

func testKeysCommand() *cli.Command {
	return &cli.Command{
		Name:  "test-keys",
		Usage: "Test if the configured public key and a private key match",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "private-key", Usage: "path to age private key file", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return keys.Test(os.Stdout, cfg.Export.AgePublicKey, cmd.String("private-key"))
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Check the active pool, the export key and S3 access",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := consoleLogger(cfg)
			if err != nil {
				return err
			}
			z := zfs.NewClient(command.NewExec(cfg.Timeout()), zfs.NewCache())
			checks := []check.Check{{
				Name: "ZFS pool",
				Run: func(ctx context.Context) error {
					_, err := pool.ResolveName(ctx, z, cfg.Pool, report.New(log, report.ReturnPolicy{}))
					return err
				},
			}}
			if cfg.Export.AgePublicKey != "" {
				checks = append(checks, check.Check{
					Name: "Export public key",
					Run: func(context.Context) error {
						_, err := crypto.ParseRecipient(cfg.Export.AgePublicKey)
						return err
					},
				})
			}
			if cfg.S3.Enabled {
				checks = append(checks, check.S3(cfg))
			}
			return check.Run(ctx, os.Stdout, checks...)
		},
	}
}
