// Command admin runs operator tasks against the storefront database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/irsalhamdi/storefront/config"
	"github.com/irsalhamdi/storefront/core/catalog"
	"github.com/irsalhamdi/storefront/core/order"
	"github.com/irsalhamdi/storefront/core/payment"
	"github.com/irsalhamdi/storefront/core/risk"
	"github.com/irsalhamdi/storefront/database"
	"github.com/irsalhamdi/storefront/validate"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	rootCmd := &cobra.Command{
		Use:           "admin",
		Short:         "Storefront operator tasks",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd(log))
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(blacklistCmd())
	rootCmd.AddCommand(stockCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration from STOREFRONT_* variables. Command
// line flags belong to cobra.
func loadConfig() (config.Config, error) {
	var cfg config.Config

	args := os.Args
	os.Args = args[:1]
	defer func() { os.Args = args }()

	if _, err := conf.Parse("STOREFRONT", &cfg); err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func openDB() (*sqlx.DB, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}

	db, err := database.Open(cfg.DB)
	if err != nil {
		return nil, cfg, fmt.Errorf("failed to open db connection: %w", err)
	}
	return db, cfg, nil
}

func migrateCmd() *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations, or revert the last ones with --down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if down > 0 {
				if err := database.MigrateDown(db, down); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s)\n", down)
				return nil
			}

			if err := database.Migrate(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "number of migrations to revert")
	return cmd
}

func sweepCmd(log logrus.FieldLogger) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel unpaid orders past their expiry, once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			s := order.NewSweeper(db, log, cfg.Sweep.Interval, cfg.Sweep.BatchSize)

			var total int
			var failed error
			for {
				n, err := s.Sweep(cmd.Context())
				total += n
				if err != nil {
					failed = err
				}
				if n < cfg.Sweep.BatchSize {
					break
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d expired order(s)\n", total)
			return failed
		},
	}
}

func accountCmd() *cobra.Command {
	var onboarded bool

	add := &cobra.Command{
		Use:   "add [shop-id] [provider] [account-ref]",
		Short: "Bind a provider account to a shop",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validate.CheckID(args[0]); err != nil {
				return fmt.Errorf("shop id: %w", err)
			}
			p, err := payment.ParseProvider(args[1])
			if err != nil {
				return err
			}

			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			now := time.Now().UTC()
			a := payment.Account{
				ID:         validate.GenerateID(),
				ShopID:     args[0],
				Provider:   p,
				AccountRef: args[2],
				Onboarded:  onboarded,
				Status:     payment.AccountActive,
				Balance:    decimal.Zero,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := payment.CreateAccount(cmd.Context(), db, a); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s account %s added to shop %s\n", p, a.ID, a.ShopID)
			return nil
		},
	}
	add.Flags().BoolVar(&onboarded, "onboarded", false, "mark the account as able to take payments")

	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage shop payment provider accounts",
	}
	cmd.AddCommand(add)
	return cmd
}

func blacklistCmd() *cobra.Command {
	add := &cobra.Command{
		Use:   "add [shop-id] [kind] [value]",
		Short: "Block a visitor, ip, country or email for a shop",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validate.CheckID(args[0]); err != nil {
				return fmt.Errorf("shop id: %w", err)
			}

			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			e := risk.Entry{
				ID:        validate.GenerateID(),
				ShopID:    args[0],
				Kind:      strings.ToLower(args[1]),
				Value:     args[2],
				CreatedAt: time.Now().UTC(),
			}
			if err := risk.AddEntry(cmd.Context(), db, e); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %q blacklisted for shop %s\n", e.Kind, e.Value, e.ShopID)
			return nil
		},
	}

	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Manage shop blacklists",
	}
	cmd.AddCommand(add)
	return cmd
}

func stockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stock [product-id]",
		Short: "Show the stock of a product and, for digital ones, its unsold keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validate.CheckID(args[0]); err != nil {
				return fmt.Errorf("product id: %w", err)
			}

			db, _, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := catalog.FetchProduct(cmd.Context(), db, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: stock %d\n", p.Name, p.Stock)

			if p.Digital() {
				n, err := catalog.CountListedKeys(cmd.Context(), db, p.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d key(s) on sale\n", p.Name, n)
			}
			return nil
		},
	}
}
