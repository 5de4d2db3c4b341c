// Package silver turns raw bronze snapshots into validated, typed, columnar
// partitions. One bronze snapshot maps to exactly one silver partition.
package silver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/verdantlabs/carbonlake/pkg/blob"
	"github.com/verdantlabs/carbonlake/pkg/bronze"
	"github.com/verdantlabs/carbonlake/pkg/columnar"
	"github.com/verdantlabs/carbonlake/pkg/schema"
	"github.com/verdantlabs/carbonlake/pkg/table"
)

// SnapshotDateColumn is appended to every silver row so downstream stages can
// order snapshots without parsing object keys.
const SnapshotDateColumn = "snapshot_date"

var ErrNoPartitions = errors.New("silver: no partitions found")

type StoreConfig struct {
	Logger  *slog.Logger
	Blob    blob.Store
	Spec    *schema.Spec
	Dataset string
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Blob == nil {
		return errors.New("blob store is required")
	}
	if cfg.Spec == nil {
		return errors.New("spec is required")
	}
	if err := cfg.Spec.Validate(); err != nil {
		return err
	}
	if cfg.Dataset == "" {
		return errors.New("dataset is required")
	}
	return nil
}

// Store reads and writes silver partitions. Each partition is a single
// Parquet object holding every surviving row of one snapshot.
type Store struct {
	log  *slog.Logger
	cfg  StoreConfig
	cols []columnar.Column
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cols := columnar.ColumnsFromSpec(cfg.Spec)
	cols = append(cols, columnar.Column{Name: SnapshotDateColumn, Type: schema.TypeDate})
	return &Store{log: cfg.Logger, cfg: cfg, cols: cols}, nil
}

// Columns returns the partition column layout, spec columns first.
func (s *Store) Columns() []columnar.Column {
	out := make([]columnar.Column, len(s.cols))
	copy(out, s.cols)
	return out
}

func (s *Store) prefix() string {
	return fmt.Sprintf("silver/%s/", s.cfg.Dataset)
}

// Key returns the partition object key for a snapshot date.
func (s *Store) Key(snapshotDate string) string {
	return fmt.Sprintf("silver/%s/snapshot_date=%s/%s-data.parquet", s.cfg.Dataset, snapshotDate, s.cfg.Dataset)
}

// List returns the snapshot dates with a silver partition, ascending.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.cfg.Blob.List(ctx, s.prefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list silver partitions: %w", err)
	}
	seen := make(map[string]struct{})
	var dates []string
	for _, key := range keys {
		for _, segment := range strings.Split(key, "/") {
			date, ok := strings.CutPrefix(segment, "snapshot_date=")
			if !ok {
				continue
			}
			if err := bronze.ValidateDate(date); err != nil {
				continue
			}
			if _, dup := seen[date]; !dup {
				seen[date] = struct{}{}
				dates = append(dates, date)
			}
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// Latest returns the most recent partitioned snapshot date.
func (s *Store) Latest(ctx context.Context) (string, error) {
	dates, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(dates) == 0 {
		return "", ErrNoPartitions
	}
	return dates[len(dates)-1], nil
}

// Read decodes one silver partition.
func (s *Store) Read(ctx context.Context, snapshotDate string) (*table.Table, error) {
	if err := bronze.ValidateDate(snapshotDate); err != nil {
		return nil, err
	}
	data, err := s.cfg.Blob.Get(ctx, s.Key(snapshotDate))
	if err != nil {
		return nil, fmt.Errorf("failed to read silver partition %s: %w", snapshotDate, err)
	}
	tbl, err := columnar.DecodeParquet(s.cfg.Dataset, s.cols, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode silver partition %s: %w", snapshotDate, err)
	}
	return tbl, nil
}

// Write encodes tbl and replaces the partition for snapshotDate. The write
// only touches its own partition, so reruns never disturb other snapshots.
func (s *Store) Write(ctx context.Context, snapshotDate string, tbl *table.Table) error {
	if err := bronze.ValidateDate(snapshotDate); err != nil {
		return err
	}
	data, err := columnar.EncodeParquet(s.cfg.Dataset, s.cols, tbl)
	if err != nil {
		return fmt.Errorf("failed to encode silver partition %s: %w", snapshotDate, err)
	}
	key := s.Key(snapshotDate)
	if err := s.cfg.Blob.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write silver partition %s: %w", snapshotDate, err)
	}
	s.log.Info("wrote silver partition", "key", key, "rows", tbl.Len(), "bytes", len(data))
	return nil
}
