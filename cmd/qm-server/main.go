package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/qualitytracker/internal/config"
	"github.com/ehr/qualitytracker/internal/domain/importer"
	"github.com/ehr/qualitytracker/internal/platform/db"
	"github.com/ehr/qualitytracker/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "qm-server",
		Short: "Patient quality-measure tracker API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(systemsCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load(true)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
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

			cfg, err := config.Load(true)
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Migration status for schema: %s\n", schema)
			printMigrationStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
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

func systemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "systems",
		Short: "Inspect healthcare system configurations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured systems",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(false)
			if err != nil {
				return err
			}
			registry, err := loadRegistry(cfg, zerolog.Nop())
			if err != nil {
				return err
			}
			printSystems(cmd.OutOrStdout(), registry.List(), cfg.DefaultSystem)
			return nil
		},
	})
	return cmd
}

func printSystems(w io.Writer, systems []importer.SystemSummary, defaultSystem string) {
	fmt.Fprintf(w, "%-16s %-32s %-8s %s\n", "ID", "NAME", "FIELDS", "MEASURES")
	for _, s := range systems {
		id := s.ID
		if id == defaultSystem {
			id += "*"
		}
		fmt.Fprintf(w, "%-16s %-32s %-8d %d\n", id, s.Name, s.PatientFields, s.Measures)
	}
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Reconcile import files against the database",
	}

	previewCmd := &cobra.Command{
		Use:   "preview",
		Short: "Preview an import file without applying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			systemID, _ := cmd.Flags().GetString("system")
			modeFlag, _ := cmd.Flags().GetString("mode")
			ownerFlag, _ := cmd.Flags().GetString("owner")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			mode, err := importer.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			var ownerID *uuid.UUID
			if ownerFlag != "" {
				id, err := uuid.Parse(ownerFlag)
				if err != nil {
					return fmt.Errorf("invalid --owner: %w", err)
				}
				ownerID = &id
			}

			cfg, err := config.Load(true)
			if err != nil {
				return err
			}
			if systemID == "" {
				systemID = cfg.DefaultSystem
			}
			registry, err := loadRegistry(cfg, zerolog.Nop())
			if err != nil {
				return err
			}

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			previews := importer.NewInMemoryPreviewStore(cfg.ImportPreviewTTL)
			defer previews.Stop()
			svc := importer.NewService(registry, importer.NewRecordRepoPG(pool), previews, zerolog.Nop())

			preview, err := svc.CreatePreview(ctx, importer.PreviewRequest{
				FileName: filepath.Base(file),
				Data:     data,
				SystemID: systemID,
				Mode:     mode,
				OwnerID:  ownerID,
			})
			if err != nil {
				return err
			}
			printPreview(cmd.OutOrStdout(), preview)
			return nil
		},
	}
	previewCmd.Flags().String("file", "", "Path to a .csv or .xlsx file")
	previewCmd.Flags().String("system", "", "Healthcare system ID (defaults to DEFAULT_SYSTEM)")
	previewCmd.Flags().String("mode", string(importer.ModeMerge), "Import mode: merge or replace")
	previewCmd.Flags().String("owner", "", "Physician UUID the import is scoped to")
	cmd.AddCommand(previewCmd)

	return cmd
}

func printPreview(w io.Writer, p *importer.Preview) {
	fmt.Fprintf(w, "File: %s (system %s)\n", p.FileName, p.SystemID)
	fmt.Fprint(w, importer.SummaryText(p.Diff))
	v := p.Validation
	fmt.Fprintf(w, "\nRows: %d  Measures: %d  Errors: %d  Warnings: %d\n",
		v.RowCount, v.MeasureCount, len(v.Errors), len(v.Warnings))
	for _, issue := range v.Errors {
		fmt.Fprintf(w, "  row %d %s: %s\n", issue.RowIndex, issue.Field, issue.Message)
	}
	for _, note := range p.FileNotes {
		fmt.Fprintf(w, "  note: %s\n", note)
	}
}
