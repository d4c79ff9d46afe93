package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nvoss/devpulse/internal/aggregate"
	"github.com/nvoss/devpulse/internal/columnar"
	"github.com/nvoss/devpulse/internal/config"
	"github.com/nvoss/devpulse/internal/correlate"
	"github.com/nvoss/devpulse/internal/ingest"
	"github.com/nvoss/devpulse/internal/normalize"
	"github.com/nvoss/devpulse/internal/report"
	"github.com/nvoss/devpulse/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to config.toml (default: ~/.config/devpulse/config.toml)")
	ingestFlag := flag.Bool("ingest", false, "Ingest raw event files matching the configured glob")
	aggregateFlag := flag.Bool("aggregate", false, "Recompute daily aggregates")
	reportFlag := flag.Bool("report", false, "Print the analytics report as JSON")
	dateFlag := flag.String("date", "", "Restrict aggregation to one event date (YYYY-MM-DD)")
	flag.Parse()

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "devpulse: config error: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devpulse: storage error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	exporter := columnar.NewExporter(cfg.Columnar.Root)

	switch {
	case *ingestFlag:
		normalizer := normalize.New(cfg.Pricing.Models, cfg.Pricing.Default)
		ing := ingest.New(store, exporter, normalizer, cfg.Ingest.DeadLetterDir)
		stored, err := ing.IngestFiles(cfg.Ingest.SourceGlob)
		if err != nil {
			fmt.Fprintf(os.Stderr, "devpulse: ingest error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("stored %d record(s)\n", stored)

	case *aggregateFlag:
		agg := aggregate.New(store)
		sessionRows, err := agg.SessionDaily(*dateFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "devpulse: aggregation error: %v\n", err)
			os.Exit(1)
		}
		githubRows, err := agg.GitHubDaily(*dateFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "devpulse: aggregation error: %v\n", err)
			os.Exit(1)
		}
		if err := exportAggregates(store, exporter); err != nil {
			fmt.Fprintf(os.Stderr, "devpulse: aggregate export error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("aggregated %d session day(s), %d github day(s)\n", len(sessionRows), len(githubRows))

	case *reportFlag:
		since := time.Now().UTC().AddDate(0, 0, -cfg.Report.SinceDays)
		builder := report.NewBuilder(store, correlate.DefaultBackend())
		out, err := builder.Build(cfg.Report.Repo, since, cfg.Report.LagDays)
		if err != nil {
			fmt.Fprintf(os.Stderr, "devpulse: report error: %v\n", err)
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "devpulse: report encoding error: %v\n", err)
			os.Exit(1)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

// exportAggregates mirrors the daily tables into the columnar cache so
// downstream tooling can read them without a database connection.
func exportAggregates(store *storage.Store, exporter *columnar.Exporter) error {
	sessionMetrics, err := store.DailySessionMetrics("")
	if err != nil {
		return err
	}
	if err := exporter.ExportDailySessionMetrics(sessionMetrics); err != nil {
		return err
	}
	githubMetrics, err := store.DailyGitHubMetrics("")
	if err != nil {
		return err
	}
	return exporter.ExportDailyGitHubMetrics(githubMetrics)
}
