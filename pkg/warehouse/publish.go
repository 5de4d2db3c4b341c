package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlabs/carbonlake/pkg/columnar"
	"github.com/verdantlabs/carbonlake/pkg/gold"
	"github.com/verdantlabs/carbonlake/pkg/schema"
	"github.com/verdantlabs/carbonlake/pkg/table"
)

const dateLayout = "2006-01-02"

type PublisherConfig struct {
	Logger *slog.Logger
	Client Client
}

func (cfg *PublisherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	return nil
}

// Publisher loads gold datasets into ClickHouse. Each table is rebuilt in
// its staging twin and swapped in with EXCHANGE TABLES, so a failed load
// never leaves a serving table truncated or half filled.
type Publisher struct {
	log *slog.Logger
	cfg PublisherConfig
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{log: cfg.Logger, cfg: cfg}, nil
}

// Publish loads every dataset and swaps it into serving position.
func (p *Publisher) Publish(ctx context.Context, datasets []*gold.Dataset) error {
	opID := uuid.NewString()
	log := p.log.With("op_id", opID)

	conn, err := p.cfg.Client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	ctx = ContextWithSyncInsert(ctx)
	for _, ds := range datasets {
		if err := p.publishOne(ctx, log, conn, ds); err != nil {
			return fmt.Errorf("failed to publish %s: %w", ds.Name, err)
		}
	}
	log.Info("published datasets to warehouse", "datasets", len(datasets))
	return nil
}

func (p *Publisher) publishOne(ctx context.Context, log *slog.Logger, conn Connection, ds *gold.Dataset) error {
	staging := ds.Name + "_staging"

	if err := conn.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s", staging)); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", staging, err)
	}

	if err := p.writeBatch(ctx, conn, staging, ds); err != nil {
		return err
	}

	if err := conn.Exec(ctx, fmt.Sprintf("EXCHANGE TABLES %s AND %s", staging, ds.Name)); err != nil {
		return fmt.Errorf("failed to exchange tables: %w", err)
	}
	log.Info("published dataset", "table", ds.Name, "rows", ds.Rows.Len())
	return nil
}

func (p *Publisher) writeBatch(ctx context.Context, conn Connection, tableName string, ds *gold.Dataset) error {
	if ds.Rows.Len() == 0 {
		return nil
	}

	names := make([]string, 0, len(ds.Columns))
	for _, c := range ds.Columns {
		names = append(names, c.Name)
	}
	batch, err := conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", tableName, strings.Join(names, ", ")))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close()

	for i, row := range ds.Rows.Rows {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during batch insert: %w", ctx.Err())
		default:
		}

		values, err := rowValues(ds.Columns, row)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if err := batch.Append(values...); err != nil {
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// rowValues renders one row in column order with driver-native types.
func rowValues(cols []columnar.Column, row table.Row) ([]any, error) {
	values := make([]any, 0, len(cols))
	for _, c := range cols {
		if row.IsNull(c.Name) {
			if !c.Nullable {
				return nil, fmt.Errorf("column %s is null", c.Name)
			}
			values = append(values, nil)
			continue
		}
		switch c.Type {
		case schema.TypeString:
			values = append(values, row.String(c.Name))
		case schema.TypeInt:
			v, ok := row.Int(c.Name)
			if !ok {
				return nil, fmt.Errorf("column %s is not an integer", c.Name)
			}
			values = append(values, v)
		case schema.TypeFloat:
			v, ok := row.Float(c.Name)
			if !ok {
				return nil, fmt.Errorf("column %s is not a float", c.Name)
			}
			values = append(values, v)
		case schema.TypeDate:
			ts, err := time.Parse(dateLayout, row.String(c.Name))
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c.Name, err)
			}
			values = append(values, ts)
		default:
			return nil, fmt.Errorf("column %s has unknown type %q", c.Name, c.Type)
		}
	}
	return values, nil
}
