package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ganadoscan/ganadoscan/internal/config"
	"github.com/ganadoscan/ganadoscan/internal/database"
	"github.com/ganadoscan/ganadoscan/internal/logger"
	"github.com/ganadoscan/ganadoscan/internal/models"
	"github.com/ganadoscan/ganadoscan/internal/sync"
)

func main() {
	var recent int
	cmd := &cobra.Command{
		Use:   "show_data",
		Short: "Print record store statistics and recent changes",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			report(cmd.Context(), recent)
		},
	}
	cmd.Flags().IntVar(&recent, "changes", 10, "number of recent journal entries to show")
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func report(ctx context.Context, recent int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}
	db, err := database.Connect(cfg.Database, logger.Discard().Logger)
	if err != nil {
		fmt.Printf("❌ Failed to connect: %v\n", err)
		fmt.Println("\n💡 Try starting the server first:")
		fmt.Println("   go run ./cmd/api")
		os.Exit(1)
	}
	defer db.Close()

	records := database.NewRecords(db.DB)

	batches, err := records.ListBatches(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to list batches: %v\n", err)
		os.Exit(1)
	}
	tags, err := records.ListTags(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to list tags: %v\n", err)
		os.Exit(1)
	}

	rule := strings.Repeat("─", 58)
	fmt.Println("📊 GanadoScan Data Report")
	fmt.Println()

	sum := sync.Summarize(tags)
	fmt.Println("📈 DATABASE STATISTICS")
	fmt.Println(rule)
	fmt.Printf("  Batches:       %4d\n", len(batches))
	fmt.Printf("  Tags:          %4d\n", sum.Total)
	for _, status := range models.TagStatuses {
		fmt.Printf("    %-13s%4d\n", strings.ToLower(string(status))+":", sum.ByStatus[status])
	}
	fmt.Println()

	if len(batches) > 0 {
		fmt.Println("📦 BATCHES")
		fmt.Println(rule)
		for _, b := range batches {
			state := "open"
			if b.Closed {
				state = "closed"
			}
			fmt.Printf("  %-32s %-6s %4d tags  %s\n", b.Name, state, len(sync.TagsInScope(tags, b.ID)), b.CreatedAt.Format("2006-01-02 15:04"))
		}
		if n := len(sync.TagsInScope(tags, "")); n > 0 {
			fmt.Printf("  %-32s %-6s %4d tags\n", "(unassigned)", "", n)
		}
		fmt.Println()
	}

	if recent <= 0 {
		return
	}
	var last uint64
	db.Model(&models.ChangeEvent{}).Select("COALESCE(MAX(seq), 0)").Scan(&last)
	since := uint64(0)
	if last > uint64(recent) {
		since = last - uint64(recent)
	}
	changes, err := records.ChangesSince(ctx, since, recent)
	if err != nil {
		fmt.Printf("❌ Failed to read journal: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("🔄 RECENT CHANGES")
	fmt.Println(rule)
	for _, c := range changes {
		fmt.Printf("  #%-6d %-7s %-8s %s  %s\n", c.Seq, c.Type, c.Collection, c.RecordID, c.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}
