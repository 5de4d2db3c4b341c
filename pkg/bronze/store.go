// Package bronze manages immutable raw snapshots in the blob store, one
// partition per snapshot date.
package bronze

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/verdantlabs/carbonlake/pkg/blob"
)

const DateLayout = "2006-01-02"

// ErrNoSnapshots is returned when the store holds no snapshot partitions.
var ErrNoSnapshots = errors.New("bronze: no snapshots found")

type StoreConfig struct {
	Logger   *slog.Logger
	Blob     blob.Store
	Dataset  string
	Filename string
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Blob == nil {
		return errors.New("blob store is required")
	}
	if cfg.Dataset == "" {
		return errors.New("dataset is required")
	}
	if cfg.Filename == "" {
		return errors.New("filename is required")
	}
	return nil
}

// Store reads and writes raw snapshot partitions. A partition, once written,
// is never mutated: re-ingestion for the same date either no-ops on
// identical bytes or replaces the whole object.
type Store struct {
	log      *slog.Logger
	blob     blob.Store
	dataset  string
	filename string
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:      cfg.Logger,
		blob:     cfg.Blob,
		dataset:  cfg.Dataset,
		filename: cfg.Filename,
	}, nil
}

func (s *Store) prefix() string {
	return fmt.Sprintf("bronze/%s/", s.dataset)
}

// Key returns the blob key of a snapshot partition.
func (s *Store) Key(snapshotDate string) string {
	return fmt.Sprintf("bronze/%s/snapshot_date=%s/%s", s.dataset, snapshotDate, s.filename)
}

// List returns the snapshot dates present in the store, ascending.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := s.blob.List(ctx, s.prefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	seen := make(map[string]struct{})
	var dates []string
	for _, key := range keys {
		for _, part := range strings.Split(key, "/") {
			if date, ok := strings.CutPrefix(part, "snapshot_date="); ok {
				if _, dup := seen[date]; !dup {
					seen[date] = struct{}{}
					dates = append(dates, date)
				}
			}
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// Latest resolves the most recent snapshot date, or ErrNoSnapshots.
func (s *Store) Latest(ctx context.Context) (string, error) {
	dates, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(dates) == 0 {
		return "", ErrNoSnapshots
	}
	return dates[len(dates)-1], nil
}

// Read returns the raw bytes of one snapshot partition.
func (s *Store) Read(ctx context.Context, snapshotDate string) ([]byte, error) {
	if err := ValidateDate(snapshotDate); err != nil {
		return nil, err
	}
	data, err := s.blob.Get(ctx, s.Key(snapshotDate))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", snapshotDate, err)
	}
	return data, nil
}

// Write persists a snapshot partition idempotently: identical bytes for an
// existing date are a no-op, differing bytes replace the partition whole.
func (s *Store) Write(ctx context.Context, snapshotDate string, data []byte) error {
	if err := ValidateDate(snapshotDate); err != nil {
		return err
	}
	key := s.Key(snapshotDate)

	existing, err := s.blob.Get(ctx, key)
	if err == nil {
		if bytes.Equal(existing, data) {
			s.log.Info("snapshot already ingested, skipping", "snapshot_date", snapshotDate, "bytes", len(data))
			return nil
		}
		s.log.Warn("snapshot bytes changed for existing date, replacing partition",
			"snapshot_date", snapshotDate, "old_bytes", len(existing), "new_bytes", len(data))
	} else if !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("failed to check existing snapshot %s: %w", snapshotDate, err)
	}

	if err := s.blob.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", snapshotDate, err)
	}
	s.log.Info("snapshot written", "snapshot_date", snapshotDate, "bytes", len(data))
	return nil
}

// ValidateDate checks that a snapshot date is a calendar date in ISO form.
func ValidateDate(snapshotDate string) error {
	if _, err := time.Parse(DateLayout, snapshotDate); err != nil {
		return fmt.Errorf("invalid snapshot date %q (want YYYY-MM-DD): %w", snapshotDate, err)
	}
	return nil
}
