package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Thinh-nguyen-03/gatekeep/internal/database"
	"github.com/Thinh-nguyen-03/gatekeep/internal/metrics"
)

var (
	statsDB     string
	statsLimit  int
	statsPrune  time.Duration
	statsVacuum bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show recorded metric snapshots",
	Long: `Show metric snapshots written by the SQLite reporter.

Examples:
  gatekeep stats
  gatekeep stats --limit 20
  gatekeep stats --prune 168h --vacuum`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().StringVar(&statsDB, "db", "", "snapshot database (default from metrics.sqlite_path)")
	statsCmd.Flags().IntVarP(&statsLimit, "limit", "n", 5, "number of snapshots to show")
	statsCmd.Flags().DurationVar(&statsPrune, "prune", 0, "delete snapshots older than this before showing")
	statsCmd.Flags().BoolVar(&statsVacuum, "vacuum", false, "vacuum the database afterwards")
}

func runStats(cmd *cobra.Command, args []string) error {
	path := statsDB
	if path == "" {
		path = cfg.Metrics.SQLitePath
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("snapshot database %s: %w", path, err)
	}

	db, err := database.Open(path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	ctx := context.Background()
	store := metrics.NewStore(db)

	if statsPrune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-statsPrune))
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %s snapshots older than %s\n\n", humanize.Comma(n), statsPrune)
	}

	stats, err := db.Stats()
	if err != nil {
		return fmt.Errorf("getting stats: %w", err)
	}

	fmt.Printf("Database:  %s\n", path)
	fmt.Printf("Size:      %s\n", humanize.Bytes(uint64(stats.DatabaseSizeBytes)))
	fmt.Printf("Snapshots: %s\n", humanize.Comma(stats.TotalSnapshots))
	if stats.OldestSnapshot.Valid {
		fmt.Printf("Oldest:    %s\n", stats.OldestSnapshot.String)
	}
	if stats.NewestSnapshot.Valid {
		fmt.Printf("Newest:    %s\n", stats.NewestSnapshot.String)
	}

	snaps, err := store.Latest(ctx, statsLimit)
	if err != nil {
		return err
	}
	if len(snaps) > 0 {
		fmt.Println()
	}
	for _, s := range snaps {
		metrics.WriteSnapshot(os.Stdout, s.Snapshot)
	}

	if statsVacuum {
		if err := db.Vacuum(); err != nil {
			return err
		}
		if err := db.Optimize(); err != nil {
			return err
		}
	}
	return nil
}
