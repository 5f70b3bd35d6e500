package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"LNCustody/internal/app"
	"LNCustody/internal/config"
	"LNCustody/internal/logging"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	cliApp := &cli.App{
		Name:  "lncustody-admin",
		Usage: "Operator commands for the custody service",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to config file", EnvVars: []string{"CONFIG_PATH"}},
			&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development logging"},
		},
		Commands: []*cli.Command{
			{
				Name:  "create-user",
				Usage: "Create an account with its first wallet",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Usage: "Login name, empty for an anonymous account"},
					&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "Login password"},
					&cli.StringFlag{Name: "wallet", Aliases: []string{"w"}, Usage: "Wallet name"},
				},
				Action: withApp(createUser),
			},
			{
				Name:  "create-wallet",
				Usage: "Add a wallet to an existing account",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "account", Aliases: []string{"a"}, Usage: "Account id", Required: true},
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Wallet name"},
					&cli.StringFlag{Name: "currency", Usage: "Display currency"},
				},
				Action: withApp(createWallet),
			},
			{
				Name:   "wallets",
				Usage:  "List the wallets of an account with their balances",
				Flags:  []cli.Flag{&cli.StringFlag{Name: "account", Aliases: []string{"a"}, Usage: "Account id", Required: true}},
				Action: withApp(listWallets),
			},
			{
				Name:   "reconcile",
				Usage:  "Run one pending-payment poll and one expiry sweep, then exit",
				Action: withApp(reconcile),
			},
			{
				Name:   "funding-status",
				Usage:  "Show the funding source and its balance",
				Action: withApp(fundingStatus),
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func withApp(fn func(c *cli.Context, a *app.App) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if c.IsSet("development") {
			cfg.Development = c.Bool("development")
		}
		logger, err := logging.New(cfg.Development)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		a, err := app.New(c.Context, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(c, a)
	}
}

func createUser(c *cli.Context, a *app.App) error {
	account, wallet, err := a.Accounts.CreateUser(c.Context, c.String("username"), c.String("password"), c.String("wallet"))
	if err != nil {
		return err
	}
	fmt.Printf("account   %s\n", account.ID)
	printWallet(wallet.ID, wallet.Name, wallet.AdminKey, wallet.InvoiceKey, 0)
	return nil
}

func createWallet(c *cli.Context, a *app.App) error {
	wallet, err := a.Accounts.CreateWallet(c.Context, c.String("account"), c.String("name"), c.String("currency"))
	if err != nil {
		return err
	}
	printWallet(wallet.ID, wallet.Name, wallet.AdminKey, wallet.InvoiceKey, 0)
	return nil
}

func listWallets(c *cli.Context, a *app.App) error {
	wallets, err := a.Accounts.Wallets(c.Context, c.String("account"))
	if err != nil {
		return err
	}
	for _, w := range wallets {
		summary, err := a.Accounts.Summary(c.Context, w.ID)
		if err != nil {
			return err
		}
		printWallet(w.ID, w.Name, w.AdminKey, w.InvoiceKey, summary.BalanceMsat)
	}
	return nil
}

func reconcile(c *cli.Context, a *app.App) error {
	report, err := a.Worker.PollOnce(c.Context)
	if err != nil {
		return err
	}
	deleted, err := a.Worker.ExpireOnce(c.Context)
	if err != nil {
		return err
	}
	a.Log.Info("reconcile done",
		zap.Int("pending", report.Checked),
		zap.Int("settled", report.Settled),
		zap.Int("repaired", report.Repaired),
		zap.Int64("expired", deleted),
	)
	return nil
}

func fundingStatus(c *cli.Context, a *app.App) error {
	source := a.Funding.Get()
	status, err := source.Status(context.WithoutCancel(c.Context))
	if err != nil {
		return err
	}
	fmt.Printf("source    %s\n", source.Name())
	if status.ErrorMessage != "" {
		fmt.Printf("error     %s\n", status.ErrorMessage)
		return nil
	}
	fmt.Printf("balance   %d msat\n", status.BalanceMsat)
	return nil
}

func printWallet(id, name, adminKey, invoiceKey string, balanceMsat int64) {
	fmt.Printf("wallet    %s (%s)\n", id, name)
	fmt.Printf("  adminkey  %s\n", adminKey)
	fmt.Printf("  inkey     %s\n", invoiceKey)
	fmt.Printf("  balance   %d msat\n", balanceMsat)
}
