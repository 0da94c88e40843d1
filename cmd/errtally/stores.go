package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinytelemetry/errtally/internal/duckdb"
	"github.com/tinytelemetry/errtally/internal/metrics"
	"github.com/tinytelemetry/errtally/internal/model"
	"github.com/tinytelemetry/errtally/internal/pipeline"
	"github.com/tinytelemetry/errtally/internal/reconcile"
	"github.com/tinytelemetry/errtally/internal/retry"
	"github.com/tinytelemetry/errtally/internal/rules"
	"github.com/tinytelemetry/errtally/internal/sheets"
)

// backend holds the opened stores. The inbox and cursor always live in
// DuckDB; the raw log, group and report tables live wherever the config
// says. Everything but the store itself is wrapped with the retry policy.
type backend struct {
	cfg     appConfig
	store   *duckdb.Store
	rawLogs model.RawLogStore
	groups  model.GroupStore
	reports model.ReportStore
}

// unknownTxReport names the unknown transaction report in DuckDB.
const unknownTxReport = "unknown-tx"

func openBackend(ctx context.Context, cfg appConfig) (*backend, error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if dir := filepath.Dir(cfg.DBPath); cfg.DBPath != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := duckdb.NewStore(cfg.DBPath, cfg.QueryTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize DuckDB: %w", err)
	}

	var rawLogs model.RawLogStore = store.RawLogs()
	var groups model.GroupStore = store.Groups()
	var reports model.ReportStore = store.Report(unknownTxReport)
	if cfg.usesSheets() {
		client, err := sheets.New(ctx, sheets.Config{
			SpreadsheetID:   cfg.SheetsSpreadsheetID,
			CredentialsFile: cfg.SheetsCredentialsFile,
			GroupsTitle:     cfg.SheetsGroupsTitle,
			RawTitle:        cfg.SheetsRawTitle,
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		if cfg.RawStore == storeSheets {
			rawLogs = client.RawLogs()
		}
		if cfg.GroupStore == storeSheets {
			groups = client.Groups()
		}
		if cfg.ReportStore == storeSheets {
			reports = client.Report(cfg.SheetsReportTitle)
		}
	}

	policy := cfg.retryPolicy()
	policy.OnRetry = func(op string, _ int, _ error) {
		metrics.ObserveRetry(op)
	}
	return &backend{
		cfg:     cfg,
		store:   store,
		rawLogs: retry.WrapRawLogStore(rawLogs, policy),
		groups:  retry.WrapGroupStore(groups, policy),
		reports: retry.WrapReportStore(reports, policy),
	}, nil
}

func (b *backend) Close() error {
	return b.store.Close()
}

// newRunner builds the pipeline from the rule pack and the stores. Runs
// snapshot the database first when a snapshot directory is configured and
// DuckDB holds a table the run writes to.
func (b *backend) newRunner() (*pipeline.Runner, error) {
	pack, err := rules.Load(b.cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	classifier, err := pack.Classifier()
	if err != nil {
		return nil, err
	}
	normalizer := pack.Normalizer(b.cfg.AppRoot)

	conf := pipeline.Config{
		Retention:  days(b.cfg.RetentionDays),
		FetchLimit: b.cfg.FetchLimit,
	}
	if sn := b.snapshotter(); sn != nil {
		conf.Snapshot = sn.Snapshot
	}

	return pipeline.New(pipeline.Deps{
		Source:     b.store,
		Cursors:    b.store,
		RawLogs:    b.rawLogs,
		Groups:     b.groups,
		Normalizer: normalizer,
		Engine:     reconcile.New(classifier, normalizer),
	}, conf), nil
}

func (b *backend) snapshotter() *duckdb.Snapshotter {
	if b.cfg.SnapshotDir == "" {
		return nil
	}
	if b.cfg.RawStore != storeDuckDB && b.cfg.GroupStore != storeDuckDB {
		return nil
	}
	if b.store.DBPath() == "" {
		log.Printf("snapshots: disabled for the in-memory database")
		return nil
	}
	return &duckdb.Snapshotter{Store: b.store, Dir: b.cfg.SnapshotDir, Keep: b.cfg.SnapshotKeep}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
