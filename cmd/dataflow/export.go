package main

import (
	"fmt"
	"os"

	"github.com/dataflowhq/dataflow/internal/backup"
	"github.com/dataflowhq/dataflow/internal/config"
	"github.com/dataflowhq/dataflow/internal/store/postgres"
	"github.com/dataflowhq/dataflow/internal/ui"
	"github.com/spf13/cobra"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all entity tables as JSONL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := postgres.New(cfg.DatabaseURL, postgres.Options{
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		out := os.Stdout
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			out = f
		}

		if err := backup.ExportJSONL(cmd.Context(), store, out); err != nil {
			return err
		}

		if exportOutput != "" {
			msg := "export written to " + exportOutput
			if ui.ShouldUseColor() {
				msg = "\033[32m" + msg + "\033[0m"
			}
			fmt.Fprintln(os.Stderr, msg)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to file instead of stdout")
}
