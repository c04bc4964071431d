package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/store"
)

var migrateImportSQLite string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the conversation schema",
	Long:  "Applies the conversation schema to the configured store. With --import-sqlite, copies every conversation from a local SQLite file into Postgres.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}

		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return eris.Wrap(err, "open store")
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))

		if migrateImportSQLite == "" {
			return nil
		}
		return importSQLite(ctx, st, migrateImportSQLite)
	},
}

// importSQLite copies a SQLite conversation history into dst, which must be
// a Postgres store.
func importSQLite(ctx context.Context, dst store.Store, path string) error {
	pg, ok := dst.(*store.PostgresStore)
	if !ok {
		return eris.New("--import-sqlite requires store.driver=postgres")
	}

	src, err := store.NewSQLite(path)
	if err != nil {
		return eris.Wrap(err, "open sqlite source")
	}
	defer src.Close() //nolint:errcheck

	convs, err := src.Export(ctx)
	if err != nil {
		return eris.Wrap(err, "export sqlite")
	}
	n, err := pg.Import(ctx, convs)
	if err != nil {
		return eris.Wrap(err, "import into postgres")
	}
	zap.L().Info("sqlite import complete",
		zap.String("source", path),
		zap.Int("conversations", len(convs)),
		zap.Int64("rows", n),
	)
	return nil
}

func init() {
	migrateCmd.Flags().StringVar(&migrateImportSQLite, "import-sqlite", "", "path to a SQLite database to copy into Postgres")
	rootCmd.AddCommand(migrateCmd)
}
