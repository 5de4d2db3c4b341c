package warehouse

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/carbonlake/pkg/columnar"
	"github.com/verdantlabs/carbonlake/pkg/gold"
	"github.com/verdantlabs/carbonlake/pkg/schema"
	"github.com/verdantlabs/carbonlake/pkg/table"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeBatch struct {
	rows [][]any
	sent bool
}

func (b *fakeBatch) Append(v ...any) error { b.rows = append(b.rows, v); return nil }
func (b *fakeBatch) Send() error           { b.sent = true; return nil }
func (b *fakeBatch) Close() error          { return nil }

type fakeConn struct {
	execs    []string
	inserts  []string
	batches  []*fakeBatch
	execErr  error
	batchErr error
}

func (c *fakeConn) Exec(ctx context.Context, query string, args ...any) error {
	c.execs = append(c.execs, query)
	return c.execErr
}

func (c *fakeConn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) PrepareBatch(ctx context.Context, query string) (Batch, error) {
	if c.batchErr != nil {
		return nil, c.batchErr
	}
	c.inserts = append(c.inserts, query)
	b := &fakeBatch{}
	c.batches = append(c.batches, b)
	return b, nil
}

func (c *fakeConn) Close() error { return nil }

type fakeClient struct {
	conn *fakeConn
}

func (c *fakeClient) Conn(ctx context.Context) (Connection, error) { return c.conn, nil }
func (c *fakeClient) Close() error                                 { return nil }

func dimDataset(t *testing.T) *gold.Dataset {
	t.Helper()
	tbl := table.New([]string{"country_key", "natural_key", "country", "iso_code"})
	tbl.Append(table.Row{"country_key": int64(1), "natural_key": "FRANCE", "country": "France", "iso_code": "FRA"})
	tbl.Append(table.Row{"country_key": int64(2), "natural_key": "NOWHERE", "country": "Nowhere", "iso_code": nil})
	return &gold.Dataset{Name: gold.DimCountryTable, Columns: gold.DimColumns(), Rows: tbl}
}

func TestCarbonlake_Warehouse_Publisher_StagesAndExchanges(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	p, err := NewPublisher(PublisherConfig{Logger: testLogger(), Client: &fakeClient{conn: conn}})
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), []*gold.Dataset{dimDataset(t)}))

	require.Equal(t, []string{
		"TRUNCATE TABLE dim_country_staging",
		"EXCHANGE TABLES dim_country_staging AND dim_country",
	}, conn.execs)
	require.Equal(t, []string{
		"INSERT INTO dim_country_staging (country_key, natural_key, country, iso_code)",
	}, conn.inserts)

	require.Len(t, conn.batches, 1)
	batch := conn.batches[0]
	require.True(t, batch.sent)
	require.Len(t, batch.rows, 2)
	require.Equal(t, []any{int64(1), "FRANCE", "France", "FRA"}, batch.rows[0])
	require.Equal(t, []any{int64(2), "NOWHERE", "Nowhere", nil}, batch.rows[1])
}

func TestCarbonlake_Warehouse_Publisher_EmptyDatasetStillSwaps(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	p, err := NewPublisher(PublisherConfig{Logger: testLogger(), Client: &fakeClient{conn: conn}})
	require.NoError(t, err)

	empty := &gold.Dataset{
		Name:    gold.DimCountryTable,
		Columns: gold.DimColumns(),
		Rows:    table.New([]string{"country_key", "natural_key", "country", "iso_code"}),
	}
	require.NoError(t, p.Publish(context.Background(), []*gold.Dataset{empty}))
	require.Empty(t, conn.inserts)
	require.Contains(t, conn.execs, "EXCHANGE TABLES dim_country_staging AND dim_country")
}

func TestCarbonlake_Warehouse_Publisher_TruncateFailureAborts(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{execErr: errors.New("boom")}
	p, err := NewPublisher(PublisherConfig{Logger: testLogger(), Client: &fakeClient{conn: conn}})
	require.NoError(t, err)

	err = p.Publish(context.Background(), []*gold.Dataset{dimDataset(t)})
	require.ErrorContains(t, err, "failed to truncate")
	require.Empty(t, conn.inserts)
}

func TestCarbonlake_Warehouse_RowValues(t *testing.T) {
	t.Parallel()

	cols := []columnar.Column{
		{Name: "country_key", Type: schema.TypeInt},
		{Name: "snapshot_date", Type: schema.TypeDate},
		{Name: "co2", Type: schema.TypeFloat, Nullable: true},
	}
	row := table.Row{"country_key": int64(7), "snapshot_date": "2026-03-10", "co2": nil}

	values, err := rowValues(cols, row)
	require.NoError(t, err)
	require.Equal(t, int64(7), values[0])
	require.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), values[1])
	require.Nil(t, values[2])
}

func TestCarbonlake_Warehouse_RowValues_NullInRequiredColumn(t *testing.T) {
	t.Parallel()

	cols := []columnar.Column{{Name: "year", Type: schema.TypeInt}}
	_, err := rowValues(cols, table.Row{"year": nil})
	require.ErrorContains(t, err, "year is null")
}
