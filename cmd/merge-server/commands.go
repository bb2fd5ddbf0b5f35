package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/recordmerge/internal/config"
	"github.com/ehr/recordmerge/internal/domain/record"
	"github.com/ehr/recordmerge/internal/platform/db"
)

// withEngine runs fn against an engine built from the environment and
// drains it afterwards. CLI runs log to stderr so stdout stays JSON.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	if !cfg.IsDev() {
		logger = logger.Level(zerolog.WarnLevel)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	runErr := fn(ctx, eng)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readDelta(path string) (*record.ResourceDelta, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read delta: %w", err)
	}
	var delta record.ResourceDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, fmt.Errorf("decode delta %s: %w", path, err)
	}
	return &delta, nil
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <delta.json>",
		Short: "Merge one resource delta into the configured store and print the result",
		Long:  "Merge one resource delta synchronously. Use - to read the delta from stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := readDelta(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				res, err := eng.orch.SubmitSync(ctx, delta)
				if res != nil {
					if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
						return werr
					}
				}
				var ve *record.ValidationError
				if errors.As(err, &ve) {
					writeJSON(cmd.ErrOrStderr(), ve)
				}
				return err
			})
		},
	}
}

func currentOperator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}

func rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <tx-id>",
		Short: "Roll back a committed merge transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, _ := cmd.Flags().GetString("actor")
			if actorID == "" {
				actorID = currentOperator()
			}
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				res, err := eng.orch.Rollback(ctx, args[0], record.Actor{Kind: record.ActorHuman, ID: actorID})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().String("actor", "", "Reviewer id recorded as the rollback actor (default: current OS user)")
	return cmd
}

func recordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record <patient-id>",
		Short: "Print a patient's cumulative record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			activeOnly, _ := cmd.Flags().GetBool("active")
			return withEngine(cmd, func(ctx context.Context, eng *engine) error {
				rec, err := eng.store.Read(ctx, args[0])
				if err != nil {
					return err
				}
				if activeOnly {
					active := rec.Facts[:0]
					for _, f := range rec.Facts {
						if f.IsActive() {
							active = append(active, f)
						}
					}
					rec.Facts = active
				}
				return writeJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().Bool("active", false, "Only print active facts")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the merge policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective merge policy as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			p, err := config.LoadPolicy(cfg.MergePolicyFile)
			if err != nil {
				return err
			}
			out, err := config.MarshalPolicy(p)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run record store migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			switch cfg.StoreBackend {
			case config.BackendSQLite:
				// OpenSQLite migrates on open.
				s, err := record.OpenSQLite(cfg.SQLitePath)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				printf(cmd, "SQLite store at %s is up to date.\n", cfg.SQLitePath)
				return s.Close()
			case config.BackendPostgres:
			default:
				return fmt.Errorf("STORE_BACKEND %q has no migrations", cfg.StoreBackend)
			}

			ctx := context.Background()
			migrator, closePool, err := newMigrator(ctx, cfg, schema)
			if err != nil {
				return err
			}
			defer closePool()

			printf(cmd, "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			printf(cmd, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreBackend != config.BackendPostgres {
				return fmt.Errorf("migrate status needs STORE_BACKEND=%s", config.BackendPostgres)
			}

			ctx := context.Background()
			migrator, closePool, err := newMigrator(ctx, cfg, schema)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

// newMigrator connects to Postgres and picks the embedded migrations unless
// MIGRATIONS_DIR points elsewhere.
func newMigrator(ctx context.Context, cfg *config.Config, schema string) (*db.Migrator, func(), error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	if cfg.MigrationsDir != "" {
		return db.NewDirMigrator(pool, cfg.MigrationsDir, schema), pool.Close, nil
	}
	return db.NewMigrator(pool, record.PostgresMigrations(), schema), pool.Close, nil
}

func printStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
