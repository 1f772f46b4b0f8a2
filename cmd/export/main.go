// Export CLI: writes study data to CSV files for offline analysis.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/nkoval/empathy-study/internal/config"
	"github.com/nkoval/empathy-study/internal/export"
	"github.com/nkoval/empathy-study/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	exportType := flag.String("type", "conversations", "export type: conversations, participants, or crisis-flags")
	dbPath := flag.String("db", "", "database path (defaults to DB_PATH)")
	outDir := flag.String("out", "", "output directory (defaults to EXPORT_DIR)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *dbPath == "" {
		*dbPath = cfg.DBPath
	}
	if *outDir == "" {
		*outDir = cfg.ExportDir
	}

	repo, err := store.NewSQLite(*dbPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	exporter := export.NewExporter(repo, *outDir)
	ctx := context.Background()

	var res *export.Result
	switch *exportType {
	case "conversations":
		res, err = exporter.Conversations(ctx)
	case "participants":
		res, err = exporter.Participants(ctx)
	case "crisis-flags":
		res, err = exporter.CrisisFlags(ctx)
	default:
		slog.Error("Unknown export type", "type", *exportType)
		os.Exit(1)
	}
	if err != nil {
		slog.Error("Export failed", "type", *exportType, "error", err)
		os.Exit(1)
	}

	slog.Info("Export complete",
		"type", *exportType,
		"file", res.FilePath,
		"participants", res.NumParticipants,
		"messages", res.NumMessages,
	)
}
