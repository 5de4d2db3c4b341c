package gold

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/verdantlabs/carbonlake/pkg/blob"
	"github.com/verdantlabs/carbonlake/pkg/columnar"
	"github.com/verdantlabs/carbonlake/pkg/table"
)

type WriterConfig struct {
	Logger *slog.Logger
	Blob   blob.Store
}

func (cfg *WriterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Blob == nil {
		return errors.New("blob store is required")
	}
	return nil
}

// Writer publishes gold datasets to the blob store. Every object is staged
// under an operation-scoped prefix first and moved into place afterwards, so
// a failed run leaves previously published state untouched.
type Writer struct {
	log *slog.Logger
	cfg WriterConfig
}

func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Writer{log: cfg.Logger, cfg: cfg}, nil
}

type object struct {
	staging string
	final   string
	data    []byte
}

// Write encodes and publishes the given datasets. Partitioned datasets
// produce one object per partition value; the rest a single object.
func (w *Writer) Write(ctx context.Context, datasets []*Dataset) error {
	opID := uuid.NewString()
	log := w.log.With("op_id", opID)

	var objects []object
	for _, ds := range datasets {
		objs, err := w.render(opID, ds)
		if err != nil {
			return fmt.Errorf("failed to render %s: %w", ds.Name, err)
		}
		objects = append(objects, objs...)
	}

	for _, obj := range objects {
		if err := w.cfg.Blob.Put(ctx, obj.staging, obj.data); err != nil {
			w.cleanup(ctx, log, objects)
			return fmt.Errorf("failed to stage %s: %w", obj.final, err)
		}
	}
	log.Info("staged gold objects", "objects", len(objects))

	for i, obj := range objects {
		if err := w.cfg.Blob.Publish(ctx, obj.staging, obj.final); err != nil {
			w.cleanup(ctx, log, objects[i:])
			return &blob.PartialWriteError{Key: obj.final, Err: err}
		}
	}
	log.Info("published gold objects", "objects", len(objects))
	return nil
}

// cleanup best-effort deletes objects still sitting in staging.
func (w *Writer) cleanup(ctx context.Context, log *slog.Logger, objects []object) {
	for _, obj := range objects {
		if err := w.cfg.Blob.Delete(ctx, obj.staging); err != nil {
			log.Warn("failed to delete staged object", "key", obj.staging, "error", err)
		}
	}
}

func (w *Writer) render(opID string, ds *Dataset) ([]object, error) {
	if ds.PartitionBy == "" {
		data, err := columnar.EncodeParquet(ds.Name, ds.Columns, ds.Rows)
		if err != nil {
			return nil, err
		}
		final := FinalKey(ds.Name, "")
		return []object{{staging: stagingKey(opID, final), final: final, data: data}}, nil
	}

	parts := make(map[int64]*table.Table)
	for _, row := range ds.Rows.Rows {
		val, ok := row.Int(ds.PartitionBy)
		if !ok {
			return nil, fmt.Errorf("row has no partition column %q", ds.PartitionBy)
		}
		part, ok := parts[val]
		if !ok {
			part = table.New(ds.Rows.Columns)
			parts[val] = part
		}
		part.Append(row)
	}

	vals := make([]int64, 0, len(parts))
	for val := range parts {
		vals = append(vals, val)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })

	objects := make([]object, 0, len(parts))
	for _, val := range vals {
		data, err := columnar.EncodeParquet(ds.Name, ds.Columns, parts[val])
		if err != nil {
			return nil, err
		}
		final := FinalKey(ds.Name, fmt.Sprintf("%s=%d", ds.PartitionBy, val))
		objects = append(objects, object{staging: stagingKey(opID, final), final: final, data: data})
	}
	return objects, nil
}

// FinalKey returns the published object key for a gold table, with an
// optional partition segment like "year=2020".
func FinalKey(name, partition string) string {
	if partition == "" {
		return fmt.Sprintf("gold/%s/%s.parquet", name, name)
	}
	return fmt.Sprintf("gold/%s/%s/%s.parquet", name, partition, name)
}

func stagingKey(opID, finalKey string) string {
	return fmt.Sprintf("gold/_staging/%s/%s", opID, finalKey)
}
