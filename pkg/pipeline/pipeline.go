// Package pipeline orchestrates one batch run: bronze snapshot in, silver
// partition out, gold tables modeled, aggregated, and published.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/verdantlabs/carbonlake/pkg/blob"
	"github.com/verdantlabs/carbonlake/pkg/bronze"
	"github.com/verdantlabs/carbonlake/pkg/gold"
	"github.com/verdantlabs/carbonlake/pkg/metrics"
	"github.com/verdantlabs/carbonlake/pkg/registry"
	"github.com/verdantlabs/carbonlake/pkg/schema"
	"github.com/verdantlabs/carbonlake/pkg/silver"
	"github.com/verdantlabs/carbonlake/pkg/table"
	"github.com/verdantlabs/carbonlake/pkg/warehouse"
)

const (
	DefaultDataset     = "owid"
	DefaultRawFilename = "owid-co2-data.csv"

	// DefaultBackfillConcurrency bounds parallel silver transforms. Silver
	// partitions are write-isolated so this is safe; modeling is not run
	// concurrently under any setting.
	DefaultBackfillConcurrency = 4
)

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Blob     blob.Store
	Registry registry.Registry
	Spec     *schema.Spec

	Dataset     string
	RawFilename string

	CoerceMode  schema.CoerceMode
	MaxDropRate float64
	Years       *gold.YearRange
	TopN        int
	RankMetric  string

	BackfillConcurrency int

	// Warehouse is the optional ClickHouse serving layer; nil skips it.
	Warehouse *warehouse.Publisher
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Blob == nil {
		return errors.New("blob store is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Spec == nil {
		return errors.New("spec is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	if cfg.RawFilename == "" {
		cfg.RawFilename = DefaultRawFilename
	}
	if cfg.BackfillConcurrency <= 0 {
		cfg.BackfillConcurrency = DefaultBackfillConcurrency
	}
	return nil
}

// StageError wraps a stage failure with the stage name and the row count it
// was working on, so a failed run reports where and how much.
type StageError struct {
	Stage string
	Rows  int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed after %d rows: %v", e.Stage, e.Rows, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// RunResult summarizes one completed pipeline run.
type RunResult struct {
	SnapshotDate string
	Silver       *silver.Result
	Model        *gold.ModelResult
	Aggregates   int
}

type Pipeline struct {
	log         *slog.Logger
	cfg         Config
	bronze      *bronze.Store
	silverStore *silver.Store
	transformer *silver.Transformer
	modeler     *gold.Modeler
	aggregator  *gold.Aggregator
	writer      *gold.Writer
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	bronzeStore, err := bronze.NewStore(bronze.StoreConfig{
		Logger:   cfg.Logger,
		Blob:     cfg.Blob,
		Dataset:  cfg.Dataset,
		Filename: cfg.RawFilename,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build bronze store: %w", err)
	}

	silverStore, err := silver.NewStore(silver.StoreConfig{
		Logger:  cfg.Logger,
		Blob:    cfg.Blob,
		Spec:    cfg.Spec,
		Dataset: cfg.Dataset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build silver store: %w", err)
	}

	transformer, err := silver.NewTransformer(silver.TransformerConfig{
		Logger:      cfg.Logger,
		Bronze:      bronzeStore,
		Store:       silverStore,
		Spec:        cfg.Spec,
		CoerceMode:  cfg.CoerceMode,
		MaxDropRate: cfg.MaxDropRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build transformer: %w", err)
	}

	modeler, err := gold.NewModeler(gold.ModelerConfig{
		Logger:   cfg.Logger,
		Clock:    cfg.Clock,
		Registry: cfg.Registry,
		Spec:     cfg.Spec,
		Years:    cfg.Years,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build modeler: %w", err)
	}

	aggregator, err := gold.NewAggregator(gold.AggregatorConfig{
		Logger:     cfg.Logger,
		Spec:       cfg.Spec,
		TopN:       cfg.TopN,
		RankMetric: cfg.RankMetric,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build aggregator: %w", err)
	}

	writer, err := gold.NewWriter(gold.WriterConfig{Logger: cfg.Logger, Blob: cfg.Blob})
	if err != nil {
		return nil, fmt.Errorf("failed to build writer: %w", err)
	}

	return &Pipeline{
		log:         cfg.Logger,
		cfg:         cfg,
		bronze:      bronzeStore,
		silverStore: silverStore,
		transformer: transformer,
		modeler:     modeler,
		aggregator:  aggregator,
		writer:      writer,
	}, nil
}

// Bronze exposes the bronze store for ingestion wiring.
func (p *Pipeline) Bronze() *bronze.Store {
	return p.bronze
}

// Silver exposes the silver store.
func (p *Pipeline) Silver() *silver.Store {
	return p.silverStore
}

// TransformSilver runs only the bronze to silver step for one snapshot.
func (p *Pipeline) TransformSilver(ctx context.Context, snapshotDate string) (*silver.Result, error) {
	var sres *silver.Result
	err := p.stage("silver", func() (int, error) {
		r, err := p.transformer.Transform(ctx, snapshotDate)
		if err != nil {
			return 0, err
		}
		sres = r
		return r.RowsIn, nil
	})
	if err != nil {
		return nil, err
	}
	return sres, nil
}

// Run executes one full pipeline invocation. An empty snapshotDate resolves
// to the latest ingested snapshot. Stages run sequentially; the first stage
// error aborts the run and nothing downstream of it is published.
func (p *Pipeline) Run(ctx context.Context, snapshotDate string) (*RunResult, error) {
	res, err := p.run(ctx, snapshotDate)
	if err != nil {
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.PipelineRunsTotal.WithLabelValues("success").Inc()
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, snapshotDate string) (*RunResult, error) {
	if snapshotDate == "" {
		latest, err := p.bronze.Latest(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve latest snapshot: %w", err)
		}
		snapshotDate = latest
		p.log.Info("resolved snapshot date", "snapshot_date", snapshotDate)
	}

	res := &RunResult{SnapshotDate: snapshotDate}

	err := p.stage("silver", func() (int, error) {
		sres, err := p.transformer.Transform(ctx, snapshotDate)
		if err != nil {
			return 0, err
		}
		res.Silver = sres
		metrics.RowsProcessed.WithLabelValues("silver", "in").Add(float64(sres.RowsIn))
		metrics.RowsProcessed.WithLabelValues("silver", "out").Add(float64(sres.RowsOut))
		for reason, count := range sres.Validation.DroppedByReason {
			metrics.RowsDropped.WithLabelValues(reason).Add(float64(count))
		}
		return sres.RowsIn, nil
	})
	if err != nil {
		return nil, err
	}

	var combined *table.Table
	err = p.stage("collect", func() (int, error) {
		tbl, err := p.combineSilver(ctx)
		if err != nil {
			return 0, err
		}
		combined = tbl
		return tbl.Len(), nil
	})
	if err != nil {
		return nil, err
	}

	var dim, fact *gold.Dataset
	err = p.stage("model", func() (int, error) {
		d, f, mres, err := p.modeler.Model(ctx, combined)
		if err != nil {
			return combined.Len(), err
		}
		dim, fact = d, f
		res.Model = mres
		metrics.RowsProcessed.WithLabelValues("model", "in").Add(float64(mres.RowsIn))
		metrics.RowsProcessed.WithLabelValues("model", "out").Add(float64(mres.FactRows))
		return mres.RowsIn, nil
	})
	if err != nil {
		return nil, err
	}

	var datasets []*gold.Dataset
	err = p.stage("aggregate", func() (int, error) {
		aggs, err := p.aggregator.Aggregate(dim, fact)
		if err != nil {
			return fact.Rows.Len(), err
		}
		datasets = append([]*gold.Dataset{dim, fact}, aggs...)
		res.Aggregates = len(aggs)
		return fact.Rows.Len(), nil
	})
	if err != nil {
		return nil, err
	}

	err = p.stage("write", func() (int, error) {
		return fact.Rows.Len(), p.writer.Write(ctx, datasets)
	})
	if err != nil {
		return nil, err
	}

	if p.cfg.Warehouse != nil {
		err = p.stage("warehouse", func() (int, error) {
			return fact.Rows.Len(), p.cfg.Warehouse.Publish(ctx, datasets)
		})
		if err != nil {
			return nil, err
		}
	}

	p.log.Info("pipeline run complete",
		"snapshot_date", snapshotDate,
		"dim_rows", res.Model.DimRows,
		"fact_rows", res.Model.FactRows,
		"aggregates", res.Aggregates,
	)
	return res, nil
}

// combineSilver concatenates every silver partition in snapshot-date order,
// preserving ingestion order within each. Later rows win downstream conflict
// resolution, so the ordering here is load-bearing.
func (p *Pipeline) combineSilver(ctx context.Context) (*table.Table, error) {
	dates, err := p.silverStore.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return nil, silver.ErrNoPartitions
	}

	combined := table.New(nil)
	for _, date := range dates {
		part, err := p.silverStore.Read(ctx, date)
		if err != nil {
			return nil, err
		}
		if len(combined.Columns) == 0 {
			combined.Columns = part.Columns
		}
		for _, row := range part.Rows {
			combined.Append(row)
		}
	}
	return combined, nil
}

// BackfillSilver transforms many snapshot dates with bounded parallelism.
// Safe because each date writes only its own partition; gold modeling still
// requires a separate Run afterwards.
func (p *Pipeline) BackfillSilver(ctx context.Context, dates []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BackfillConcurrency)

	for _, date := range dates {
		g.Go(func() error {
			if _, err := p.transformer.Transform(ctx, date); err != nil {
				return fmt.Errorf("backfill %s: %w", date, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// stage runs fn with duration and status metrics, wrapping failures with the
// stage name and row count.
func (p *Pipeline) stage(name string, fn func() (int, error)) error {
	start := p.cfg.Clock.Now()
	rows, err := fn()
	metrics.StageDuration.WithLabelValues(name).Observe(p.cfg.Clock.Since(start).Seconds())

	if err != nil {
		metrics.StageRunsTotal.WithLabelValues(name, "error").Inc()
		return &StageError{Stage: name, Rows: rows, Err: err}
	}
	metrics.StageRunsTotal.WithLabelValues(name, "success").Inc()
	return nil
}
