// Command boardctl is the operator tool for the tasks store: it seeds boards
// and prepares MongoDB indexes outside of the HTTP service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskboard/microservices/tasks-service/config"
	"taskboard/microservices/tasks-service/logging"
	"taskboard/microservices/tasks-service/repositories"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "boardctl",
		Short: "Operator commands for the tasks store",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			envFile, _ := cmd.Flags().GetString("env-file")
			config.LoadDotEnv(envFile)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().String("env-file", ".env", "Environment file to load before reading settings")
	root.AddCommand(seedBoardCmd(), ensureIndexesCmd())
	return root
}

func seedBoardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed-board",
		Short: "Create a board with the default columns",
		Long: `Create a board with the columns Todo, In Progress and Done and make the
creator its admin, in one transaction.

Examples:
  boardctl seed-board --title="Sprint 12" --creator=665f1c2e8b3c4a0012345678
  boardctl seed-board --title="Sprint 12" --creator=665f1c2e8b3c4a0012345678 --json
`,
		RunE: runSeedBoard,
	}
	cmd.Flags().String("title", "", "Board title (required)")
	cmd.Flags().String("creator", "", "User id of the board admin (required)")
	cmd.Flags().Bool("json", false, "Output in JSON format")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("creator")
	return cmd
}

func ensureIndexesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-indexes",
		Short: "Create the MongoDB indexes the service relies on",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverMongo {
				return errors.New("ensure-indexes only applies to STORE_DRIVER=mongo")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			store, err := openMongo(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close(context.Background())

			if err := store.EnsureIndexes(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "indexes ready")
			return nil
		},
	}
}

func runSeedBoard(cmd *cobra.Command, args []string) error {
	title, _ := cmd.Flags().GetString("title")
	creatorHex, _ := cmd.Flags().GetString("creator")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	creator, err := primitive.ObjectIDFromHex(creatorHex)
	if err != nil {
		return fmt.Errorf("invalid --creator: %w", err)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	board, columns, err := repositories.SeedBoard(ctx, store, title, creator, time.Now().UTC())
	if err != nil {
		return err
	}
	logging.Logger.Infof("Event ID: BOARD_SEEDED, Description: board %s created by %s", board.ID.Hex(), creator.Hex())

	out := cmd.OutOrStdout()
	if jsonOutput {
		return json.NewEncoder(out).Encode(map[string]interface{}{
			"board":   board,
			"columns": columns,
		})
	}
	fmt.Fprintf(out, "board %s %q\n", board.ID.Hex(), board.Title)
	for _, c := range columns {
		fmt.Fprintf(out, "  column %s %q\n", c.ID.Hex(), c.Title)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (repositories.Store, error) {
	if cfg.StoreDriver == config.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		store, err := repositories.OpenSQLite(ctx, cfg.SQLitePath, cfg.TxTimeout)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return openMongo(ctx, cfg)
}

func openMongo(ctx context.Context, cfg *config.Config) (*repositories.MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return repositories.NewMongoStore(client, cfg.MongoDBName, cfg.TxTimeout), nil
}
