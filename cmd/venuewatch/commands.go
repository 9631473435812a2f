package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plateworks/venuewatch/internal/config"
	"github.com/plateworks/venuewatch/internal/extract"
	"github.com/plateworks/venuewatch/internal/fetch"
	"github.com/plateworks/venuewatch/internal/pipeline"
	"github.com/plateworks/venuewatch/internal/snapshot"
	"github.com/plateworks/venuewatch/internal/storage"
	"github.com/plateworks/venuewatch/internal/trim"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one pipeline invocation",
	Long: `Execute one pipeline invocation: archive, fetch, delta detection,
and extraction of changed venues.

Examples:
  venuewatch run --incremental
  venuewatch run --area downtown --max-extractions 10
  venuewatch run --venue blue-door --date 2026-08-28`,
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		area, _ := cmd.Flags().GetString("area")
		venueID, _ := cmd.Flags().GetString("venue")
		incremental, _ := cmd.Flags().GetBool("incremental")

		if date == "" {
			date = time.Now().Format("2006-01-02")
		} else if _, err := time.Parse("2006-01-02", date); err != nil {
			return fmt.Errorf("invalid --date %q, expected YYYY-MM-DD", date)
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		maxExtractions := cfg.Run.MaxExtractions
		if cmd.Flags().Changed("max-extractions") {
			maxExtractions, _ = cmd.Flags().GetInt("max-extractions")
		}

		store, err := storage.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		snaps := snapshot.New(cfg.DataDir)
		fetcher := fetch.New(snaps, fetch.Options{
			Timeout:         time.Duration(cfg.Fetch.TimeoutSec) * time.Second,
			Workers:         cfg.Fetch.Workers,
			Delay:           time.Duration(cfg.Fetch.DelayMS) * time.Millisecond,
			PageCap:         cfg.Fetch.PageCap,
			Keywords:        cfg.Fetch.Keywords,
			UserAgent:       cfg.Fetch.UserAgent,
			MaxContentBytes: cfg.Fetch.MaxContentBytes,
		})
		client := extract.NewClient(
			cfg.Extractor.BaseURL,
			cfg.Extractor.Model,
			time.Duration(cfg.Extractor.TimeoutSec)*time.Second,
		)
		runner := pipeline.NewRunner(
			store, snaps, fetcher, trim.New(), client,
			pipeline.NewStateFile(cfg.DataDir),
			time.Duration(cfg.Extractor.DelayMS)*time.Millisecond,
		)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printStep("Running pipeline for %s", date)
		sum, err := runner.Run(ctx, pipeline.Options{
			Date:           date,
			Area:           area,
			VenueID:        venueID,
			Incremental:    incremental,
			MaxExtractions: maxExtractions,
		})
		if err != nil {
			return err
		}

		printSuccess("Run complete for %s", date)
		printSummary(sum)
		if sum.Unreachable > 0 {
			printWarning("%d venues unreachable", sum.Unreachable)
		}
		return nil
	},
}

func printSummary(sum pipeline.Summary) {
	printStatus("New", "%d", sum.New)
	printStatus("Changed", "%d", sum.Changed)
	printStatus("Unchanged", "%d", sum.Unchanged)
	printStatus("Unreachable", "%d", sum.Unreachable)
	printStatus("Candidates", "%d", sum.Candidates)
	printStatus("Extracted", "%d", sum.Extracted)
	printStatus("Skipped", "%d", sum.Skipped)
	printStatus("Failed", "%d", sum.Failed)
}

func init() {
	runCmd.Flags().String("date", "", "run date (YYYY-MM-DD, default today; override to force reprocessing)")
	runCmd.Flags().String("area", "", "only process venues in this area")
	runCmd.Flags().String("venue", "", "only process a single venue id")
	runCmd.Flags().Bool("incremental", false, "extract only venues whose normalized content changed")
	runCmd.Flags().Int("max-extractions", 0, "extraction ceiling for this run (-1 = unlimited)")
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted run state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		st := pipeline.NewStateFile(cfg.DataDir).Load()
		printStatus("State", "%s", st.FailureLabel())
		if st.RunDate != "" {
			printStatus("Run date", "%s", st.RunDate)
		}
		if st.Error != "" {
			printStatus("Error", "%s", st.Error)
		}
		printStatus("Completed runs", "%d", st.CompletedRuns)
		if st.Summary != nil {
			printSummary(*st.Summary)
		}
		return nil
	},
}

// --- venues ---

var venuesCmd = &cobra.Command{
	Use:   "venues",
	Short: "Inspect or seed the venue directory",
}

var venuesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List venues in the directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		area, _ := cmd.Flags().GetString("area")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		venues, err := store.ListVenues(area)
		if err != nil {
			return err
		}
		if len(venues) == 0 {
			fmt.Println("No venues found.")
			return nil
		}
		for _, v := range venues {
			website := v.Website
			if website == "" {
				website = colorize(colorYellow, "(no website)")
			}
			fmt.Printf("%s  %s  %s  %s\n", colorize(colorCyan, v.ID), v.Name, website, v.Area)
		}
		return nil
	},
}

var venuesImportCmd = &cobra.Command{
	Use:   "import <csv>",
	Short: "Import venues from a CSV file (id,name,website[,area])",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening CSV: %w", err)
		}
		defer f.Close()

		reader := csv.NewReader(f)
		reader.FieldsPerRecord = -1
		rows, err := reader.ReadAll()
		if err != nil {
			return fmt.Errorf("parsing CSV: %w", err)
		}

		imported := 0
		for i, row := range rows {
			if i == 0 && len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "id") {
				continue
			}
			if len(row) < 3 {
				return fmt.Errorf("line %d: expected id,name,website[,area]", i+1)
			}
			v := storage.Venue{
				ID:      strings.TrimSpace(row[0]),
				Name:    strings.TrimSpace(row[1]),
				Website: strings.TrimSpace(row[2]),
			}
			if v.ID == "" {
				return fmt.Errorf("line %d: empty venue id", i+1)
			}
			if len(row) > 3 {
				v.Area = strings.TrimSpace(row[3])
			}
			if err := store.UpsertVenue(v); err != nil {
				return fmt.Errorf("importing venue %s: %w", v.ID, err)
			}
			imported++
		}

		printSuccess("Imported %d venues", imported)
		return nil
	},
}

func init() {
	venuesListCmd.Flags().String("area", "", "filter by area")
	venuesCmd.AddCommand(venuesListCmd)
	venuesCmd.AddCommand(venuesImportCmd)
}
