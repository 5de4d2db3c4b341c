package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/verdantlabs/carbonlake/pkg/blob"
	"github.com/verdantlabs/carbonlake/pkg/bronze"
	"github.com/verdantlabs/carbonlake/pkg/gold"
	"github.com/verdantlabs/carbonlake/pkg/logger"
	"github.com/verdantlabs/carbonlake/pkg/pipeline"
	"github.com/verdantlabs/carbonlake/pkg/registry"
	"github.com/verdantlabs/carbonlake/pkg/schema"
	"github.com/verdantlabs/carbonlake/pkg/server"
	"github.com/verdantlabs/carbonlake/pkg/warehouse"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Missing .env is fine; flags and real env still apply.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Commands
	ingestFlag := flag.Bool("ingest", false, "Download the source dataset and write today's bronze snapshot")
	silverFlag := flag.Bool("silver", false, "Transform one bronze snapshot into its silver partition")
	goldFlag := flag.Bool("gold", false, "Run the full pipeline: silver, model, aggregate, publish")
	backfillSilverFlag := flag.Bool("backfill-silver", false, "Transform every ingested snapshot that is missing a silver partition")
	serveFlag := flag.Bool("serve", false, "Run the ops HTTP server")
	migrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse warehouse migrations using goose")
	migrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse warehouse migration status")

	// Pipeline options
	snapshotDateFlag := flag.String("snapshot-date", "", "Snapshot date (YYYY-MM-DD); empty selects the latest ingested snapshot")
	schemaFileFlag := flag.String("schema-file", "", "Path to a versioned schema spec YAML; empty uses the embedded owid spec")
	sourceURLFlag := flag.String("source-url", bronze.DefaultSourceURL, "Source dataset URL for --ingest")
	maxDropRateFlag := flag.Float64("max-drop-rate", schema.DefaultMaxDropRate, "Fraction of rows validation may drop before the run fails")
	coerceFailFlag := flag.Bool("coerce-fail", false, "Fail the run on non-coercible values instead of dropping rows")
	topNFlag := flag.Int("top-n", gold.DefaultTopN, "Number of countries in the top-emitters aggregate")
	rankMetricFlag := flag.String("rank-metric", gold.DefaultRankMetric, "Metric used to rank top emitters")
	yearMinFlag := flag.Int("year-min", 0, "Lower bound of the analytical year range (0 = default)")
	yearMaxFlag := flag.Int("year-max", 0, "Upper bound of the analytical year range (0 = default)")
	backfillConcurrencyFlag := flag.Int("backfill-concurrency", pipeline.DefaultBackfillConcurrency, "Parallel silver transforms during backfill")

	// Blob store configuration
	dataDirFlag := flag.String("data-dir", "./data", "Local data directory used when no S3 bucket is configured")
	s3BucketFlag := flag.String("s3-bucket", "", "S3 bucket for the lake (or set S3_BUCKET env var)")
	s3PrefixFlag := flag.String("s3-prefix", "", "Key prefix inside the S3 bucket (or set S3_PREFIX env var)")
	s3RegionFlag := flag.String("s3-region", "", "AWS region of the S3 bucket (or set AWS_REGION env var)")

	// Key registry configuration
	registryBackendFlag := flag.String("registry", "sqlite", "Surrogate key registry backend: sqlite or postgres")
	registryPathFlag := flag.String("registry-path", "./data/registry.db", "SQLite registry database path")
	registryDSNFlag := flag.String("registry-dsn", "", "Postgres registry DSN (or set REGISTRY_DSN env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR env var); empty disables the warehouse")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", warehouse.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Ops server
	listenAddrFlag := flag.String("listen-addr", ":8080", "Ops HTTP server listen address")

	flag.Parse()

	log := logger.New(*verboseFlag)

	applyEnvOverride(s3BucketFlag, "S3_BUCKET")
	applyEnvOverride(s3PrefixFlag, "S3_PREFIX")
	applyEnvOverride(s3RegionFlag, "AWS_REGION")
	applyEnvOverride(registryDSNFlag, "REGISTRY_DSN")
	applyEnvOverride(clickhouseAddrFlag, "CLICKHOUSE_ADDR")
	applyEnvOverride(clickhouseDatabaseFlag, "CLICKHOUSE_DATABASE")
	applyEnvOverride(clickhouseUsernameFlag, "CLICKHOUSE_USERNAME")
	applyEnvOverride(clickhousePasswordFlag, "CLICKHOUSE_PASSWORD")
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	migrationCfg := warehouse.MigrationConfig{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}
	if *migrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return warehouse.Up(ctx, log, migrationCfg)
	}
	if *migrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-status")
		}
		return warehouse.Status(ctx, log, migrationCfg)
	}

	spec := schema.Default()
	if *schemaFileFlag != "" {
		loaded, err := schema.LoadFile(*schemaFileFlag)
		if err != nil {
			return fmt.Errorf("failed to load schema spec: %w", err)
		}
		spec = loaded
	}

	store, err := buildBlobStore(ctx, log, *dataDirFlag, *s3BucketFlag, *s3PrefixFlag, *s3RegionFlag)
	if err != nil {
		return err
	}

	reg, err := buildRegistry(ctx, log, *registryBackendFlag, *registryPathFlag, *registryDSNFlag)
	if err != nil {
		return err
	}
	defer reg.Close()

	var publisher *warehouse.Publisher
	if *clickhouseAddrFlag != "" {
		client, err := warehouse.NewClient(ctx, warehouse.ClientConfig{
			Logger:   log,
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		publisher, err = warehouse.NewPublisher(warehouse.PublisherConfig{Logger: log, Client: client})
		if err != nil {
			return err
		}
	}

	coerceMode := schema.CoerceDrop
	if *coerceFailFlag {
		coerceMode = schema.CoerceFail
	}
	var years *gold.YearRange
	if *yearMinFlag != 0 || *yearMaxFlag != 0 {
		years = &gold.YearRange{Min: *yearMinFlag, Max: *yearMaxFlag}
	}

	pipe, err := pipeline.New(pipeline.Config{
		Logger:              log,
		Blob:                store,
		Registry:            reg,
		Spec:                spec,
		CoerceMode:          coerceMode,
		MaxDropRate:         *maxDropRateFlag,
		Years:               years,
		TopN:                *topNFlag,
		RankMetric:          *rankMetricFlag,
		BackfillConcurrency: *backfillConcurrencyFlag,
		Warehouse:           publisher,
	})
	if err != nil {
		return err
	}

	switch {
	case *ingestFlag:
		fetcher, err := bronze.NewFetcher(bronze.FetcherConfig{
			Logger:    log,
			Store:     pipe.Bronze(),
			SourceURL: *sourceURLFlag,
		})
		if err != nil {
			return err
		}
		snapshotDate, err := fetcher.Fetch(ctx)
		if err != nil {
			return err
		}
		log.Info("ingestion complete", "snapshot_date", snapshotDate)
		return nil

	case *silverFlag:
		date := *snapshotDateFlag
		if date == "" {
			latest, err := pipe.Bronze().Latest(ctx)
			if err != nil {
				return err
			}
			date = latest
		}
		res, err := pipe.TransformSilver(ctx, date)
		if err != nil {
			return err
		}
		log.Info("silver transform complete", "snapshot_date", res.SnapshotDate, "rows_out", res.RowsOut)
		return nil

	case *backfillSilverFlag:
		dates, err := pipe.Bronze().List(ctx)
		if err != nil {
			return err
		}
		if err := pipe.BackfillSilver(ctx, dates); err != nil {
			return err
		}
		log.Info("silver backfill complete", "snapshots", len(dates))
		return nil

	case *goldFlag:
		res, err := pipe.Run(ctx, *snapshotDateFlag)
		if err != nil {
			return err
		}
		log.Info("pipeline run complete",
			"snapshot_date", res.SnapshotDate,
			"fact_rows", res.Model.FactRows,
			"aggregates", res.Aggregates,
		)
		return nil

	case *serveFlag:
		srv, err := server.New(server.Config{
			Logger:     log,
			ListenAddr: *listenAddrFlag,
			VersionInfo: server.VersionInfo{
				Version: version,
				Commit:  commit,
				Date:    date,
			},
			Ready: func(ctx context.Context) bool {
				probe, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				_, err := store.List(probe, "bronze/")
				return err == nil
			},
		})
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	}

	flag.Usage()
	return fmt.Errorf("no command given")
}

func applyEnvOverride(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func buildBlobStore(ctx context.Context, log *slog.Logger, dataDir, bucket, prefix, region string) (blob.Store, error) {
	if bucket != "" {
		return blob.NewS3Store(ctx, blob.S3StoreConfig{
			Logger: log,
			Bucket: bucket,
			Prefix: prefix,
			Region: region,
		})
	}
	return blob.NewFSStore(dataDir)
}

func buildRegistry(ctx context.Context, log *slog.Logger, backend, path, dsn string) (registry.Registry, error) {
	switch backend {
	case "sqlite":
		return registry.NewSQLite(ctx, registry.SQLiteConfig{Logger: log, Path: path})
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("--registry-dsn is required for the postgres registry")
		}
		return registry.NewPostgres(ctx, registry.PostgresConfig{Logger: log, DSN: dsn})
	case "memory":
		return registry.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", backend)
	}
}
