package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ganadoscan/ganadoscan/internal/config"
	"github.com/ganadoscan/ganadoscan/internal/database"
	"github.com/ganadoscan/ganadoscan/internal/logger"
	"github.com/ganadoscan/ganadoscan/internal/models"
)

var demoBatches = []struct {
	name   string
	closed bool
	tags   int
}{
	{"Corral Norte", true, 12},
	{"Embarque Rancho El Mezquite", true, 8},
	{"Revisión sanitaria", false, 5},
}

func main() {
	var yes bool
	cmd := &cobra.Command{
		Use:   "seed_demo",
		Short: "Fill the record store with demo batches and tags",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			seed(cmd.Context(), yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "clear existing records without asking")
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func seed(ctx context.Context, yes bool) {
	fmt.Println("🌱 GanadoScan Demo Data Seeder")
	fmt.Println(strings.Repeat("=", 60))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	db, err := database.Connect(cfg.Database, logger.Discard().Logger)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()
	fmt.Println("✅ Connected to database")

	if err := db.Migrate(); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	var tagCount int64
	db.Model(&models.Tag{}).Count(&tagCount)
	if tagCount > 0 {
		if !yes {
			fmt.Printf("⚠️  Database already has %d tags. Clear it first? (y/N): ", tagCount)
			answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if a := strings.TrimSpace(answer); a != "y" && a != "Y" {
				fmt.Println("❌ Aborted. Database not modified.")
				return
			}
		}
		fmt.Println("🗑️  Clearing existing data...")
		db.Exec("TRUNCATE TABLE tags, batches, change_events RESTART IDENTITY")
	}

	records := database.NewRecords(db.DB)
	start := time.Now().UTC().Add(-72 * time.Hour).Truncate(time.Second)

	fmt.Println("📦 Creating demo data...")
	seq := 100
	for i, demo := range demoBatches {
		created := start.Add(time.Duration(i) * 24 * time.Hour)
		b := models.Batch{ID: uuid.NewString(), Name: demo.name, CreatedAt: created, Closed: demo.closed}
		if _, _, err := records.UpsertBatch(ctx, b); err != nil {
			log.Fatalf("❌ Failed to create batch %q: %v", demo.name, err)
		}

		for j := 0; j < demo.tags; j++ {
			seq++
			t := models.Tag{
				ID:        uuid.NewString(),
				Code:      fmt.Sprintf("MX-%010d", 2500000000+seq),
				ScannedAt: created.Add(time.Duration(j) * time.Minute),
				Status:    models.TagStatuses[j%len(models.TagStatuses)],
				BatchID:   &b.ID,
			}
			if _, _, err := records.UpsertTag(ctx, t); err != nil {
				log.Fatalf("❌ Failed to create tag %s: %v", t.Code, err)
			}
		}
		fmt.Printf("   ✓ %s (%d tags)\n", demo.name, demo.tags)
	}

	fmt.Println()
	fmt.Println("✅ Demo data created")
}
