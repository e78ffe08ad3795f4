// Package main provides rxadmin, the operator CLI for schema migrations,
// catalog imports and the reorder report.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/auth"
	"github.com/drfirst/rxdesk/internal/config"
	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/infrastructure/postgres"
	"github.com/drfirst/rxdesk/internal/infrastructure/redpanda"
	"github.com/drfirst/rxdesk/internal/logging"
	"github.com/drfirst/rxdesk/internal/service"
)

// operator is the principal catalog commands run as.
var operator = auth.Principal{UserID: "rxadmin", Role: auth.RolePharmacy}

func main() {
	rootCmd := &cobra.Command{
		Use:           "rxadmin",
		Short:         "Operator tooling for the rx desk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(reorderCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// env bundles what every command needs.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	pool   *pgxpool.Pool
}

func open(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return nil, err
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, 4, 1)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &env{cfg: cfg, logger: logger, pool: pool}, nil
}

func (e *env) close() {
	e.pool.Close()
	_ = e.logger.Sync()
}

func (e *env) catalog() *service.Catalog {
	st := postgres.New(e.pool, redpanda.TopicPrescriptionEvents, e.logger)
	return service.NewCatalog(st, service.Options{
		Logger: e.logger,
		Risk:   catalog.RiskPolicy{LowStockLimit: e.cfg.LowStockLimit, NearExpiryDays: e.cfg.NearExpiryDays},
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			count, err := postgres.NewMigrator(e.pool, e.logger).Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			statuses, err := postgres.NewMigrator(e.pool, e.logger).Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrations(cmd.OutOrStdout(), statuses)
			return nil
		},
	})
	return cmd
}

func printMigrations(out io.Writer, statuses []postgres.MigrationStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%03d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	_ = w.Flush()
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the medicine catalog",
	}

	importCmd := &cobra.Command{
		Use:   "import <file.json>",
		Short: "Create medicines and batches from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := readImport(args[0])
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "%d medicine entries parsed, nothing written.\n", len(items))
				return nil
			}

			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			res, err := e.catalog().Import(cmd.Context(), operator, items)
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %d medicine(s) and %d batch(es).\n", res.Medicines, res.Batches)
			return nil
		},
	}
	importCmd.Flags().Bool("dry-run", false, "Parse the file without writing")
	cmd.AddCommand(importCmd)
	return cmd
}

func readImport(path string) ([]service.ImportItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeImport(f)
}

func decodeImport(r io.Reader) ([]service.ImportItem, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var items []service.ImportItem
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("parse import file: %w", err)
	}
	return items, nil
}

func reorderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reorder [query]",
		Short: "Print medicines at risk of running out or expiring",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			query := strings.Join(args, " ")
			svc := e.catalog()
			items, err := svc.ReorderReport(cmd.Context(), operator, query)
			if err != nil {
				return err
			}
			policy := svc.Policy()
			fmt.Fprintf(cmd.OutOrStdout(), "low stock at %d or fewer units, near expiry within %d days\n\n",
				policy.LowStockLimit, policy.NearExpiryDays)
			printReorder(cmd.OutOrStdout(), items)
			return nil
		},
	}
	return cmd
}

func printReorder(out io.Writer, items []catalog.RiskItem) {
	if len(items) == 0 {
		fmt.Fprintln(out, "No medicines at risk.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MEDICINE\tSTOCK\tSOONEST EXPIRY\tLABEL")
	for _, it := range items {
		expiry := "-"
		if it.SoonestExpiry != nil {
			expiry = it.SoonestExpiry.Format(time.DateOnly)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", it.Medicine.Label(), it.TotalStock, expiry, it.Label)
	}
	_ = w.Flush()
}
