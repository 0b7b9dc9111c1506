package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/custody/internal/config"
	"github.com/ehr/custody/internal/domain/compliance"
	"github.com/ehr/custody/internal/platform/db"
	"github.com/ehr/custody/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				cmd.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				cmd.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				cmd.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					cmd.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(ctx context.Context, m *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.UsesMemoryStore() {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

// parseTime accepts RFC 3339 timestamps or plain dates, read as UTC midnight.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func reportCmd() *cobra.Command {
	var reportType, start, end string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a compliance report and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			startAt, err := parseTime(start)
			if err != nil {
				return err
			}
			endAt, err := parseTime(end)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := buildApp(ctx, cfg, zerolog.New(cmd.ErrOrStderr()).With().Timestamp().Logger())
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(ctx, cfg.ReportTimeout)
			defer cancel()
			rep, err := a.aggregator.GenerateReport(ctx, compliance.ReportType(reportType), startAt, endAt)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVar(&reportType, "type", string(compliance.ReportDaily), "Report type: daily, weekly, monthly or custom")
	cmd.Flags().StringVar(&start, "start", "", "Window start (RFC 3339 or YYYY-MM-DD); required for custom")
	cmd.Flags().StringVar(&end, "end", "", "Window end (RFC 3339 or YYYY-MM-DD); defaults to now")
	return cmd
}

func registryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect the location, station and requirement catalog",
	}

	var file string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load the catalog file and report what it defines",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := file
			if path == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				path = cfg.RegistryFile
			}
			reg, reqs, err := loadCatalog(path)
			if err != nil {
				return err
			}
			source := path
			if source == "" {
				source = "built-in catalog"
			}
			cmd.Printf("%s: %d location(s), %d station(s), %d requirement(s)\n",
				source, len(reg.Locations()), len(reg.Stations()), len(reqs))
			return nil
		},
	}
	validate.Flags().StringVar(&file, "file", "", "Catalog file (defaults to REGISTRY_FILE)")
	cmd.AddCommand(validate)
	return cmd
}
