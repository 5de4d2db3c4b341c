package silver_test

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/carbonlake/pkg/blob"
	"github.com/verdantlabs/carbonlake/pkg/bronze"
	"github.com/verdantlabs/carbonlake/pkg/schema"
	"github.com/verdantlabs/carbonlake/pkg/silver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	blob        blob.Store
	bronze      *bronze.Store
	store       *silver.Store
	transformer *silver.Transformer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	fs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	spec := schema.Default()
	br, err := bronze.NewStore(bronze.StoreConfig{
		Logger:   testLogger(),
		Blob:     fs,
		Dataset:  "owid",
		Filename: "owid-co2-data.csv",
	})
	require.NoError(t, err)

	store, err := silver.NewStore(silver.StoreConfig{
		Logger:  testLogger(),
		Blob:    fs,
		Spec:    spec,
		Dataset: "owid",
	})
	require.NoError(t, err)

	transformer, err := silver.NewTransformer(silver.TransformerConfig{
		Logger: testLogger(),
		Bronze: br,
		Store:  store,
		Spec:   spec,
	})
	require.NoError(t, err)

	return &fixture{blob: fs, bronze: br, store: store, transformer: transformer}
}

const testCSV = `country,iso_code,year,population,co2,co2_per_capita,cumulative_co2,methane,nitrous_oxide,total_ghg
United States,USA,2020,331000000,4700,14.2,420000,650,280,5900
United States,USA,2021,332000000,4800,14.4,424800,655,282,6000
France,FRA,2021,67500000,305,4.5,38000,55,35,420
`

func (f *fixture) ingest(t *testing.T, date, csv string) {
	t.Helper()
	require.NoError(t, f.bronze.Write(context.Background(), date, []byte(csv)))
}

func TestCarbonlake_Silver_TransformHappyPath(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, "2026-03-10", testCSV)

	res, err := f.transformer.Transform(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 3, res.RowsIn)
	require.Equal(t, 3, res.RowsOut)
	require.Equal(t, 0, res.Duplicates)
	require.Equal(t, "silver/owid/snapshot_date=2026-03-10/owid-data.parquet", res.Key)

	tbl, err := f.store.Read(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 3, tbl.Len())
	require.True(t, tbl.HasColumn(silver.SnapshotDateColumn))

	row := tbl.Rows[0]
	require.Equal(t, "United States", row.String("country"))
	year, ok := row.Int("year")
	require.True(t, ok)
	require.Equal(t, int64(2020), year)
	co2, ok := row.Float("co2")
	require.True(t, ok)
	require.InDelta(t, 4700.0, co2, 1e-9)
	require.Equal(t, "2026-03-10", row.String(silver.SnapshotDateColumn))
}

func TestCarbonlake_Silver_TransformNormalizesHeaders(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	csv := strings.Replace(testCSV,
		"country,iso_code,year",
		"Country, ISO  Code ,Year", 1)
	f.ingest(t, "2026-03-10", csv)

	res, err := f.transformer.Transform(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 3, res.RowsOut)

	tbl, err := f.store.Read(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, "USA", tbl.Rows[0].String("iso_code"))
}

func TestCarbonlake_Silver_TransformDropsExactDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	dup := testCSV + "France,FRA,2021,67500000,305,4.5,38000,55,35,420\n"
	f.ingest(t, "2026-03-10", dup)

	res, err := f.transformer.Transform(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 4, res.RowsIn)
	require.Equal(t, 3, res.RowsOut)
	require.Equal(t, 1, res.Duplicates)
}

func TestCarbonlake_Silver_TransformDropsInvalidRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	bad := testCSV +
		"Atlantis,ATL,1500,1000,5,0.1,50,1,1,7\n" +
		",XXX,2020,1000,5,0.1,50,1,1,7\n" +
		"United States,USA,2019,x,y,z,w,v,u,t\n" +
		"United States,USA,2018,,,,,,\n" +
		"France,FRA,2020,67000000,300,4.4,37700,54,34,415\n" +
		"France,FRA,2019,66900000,298,4.4,37400,53,34,410\n" +
		"Germany,DEU,2020,83000000,640,7.7,93000,50,33,800\n" +
		"Germany,DEU,2019,82900000,680,8.2,92360,51,33,850\n" +
		"Germany,DEU,2018,82800000,700,8.5,91680,52,34,880\n" +
		"India,IND,2020,1380000000,2440,1.8,54000,660,260,3300\n" +
		"India,IND,2019,1366000000,2610,1.9,51560,650,255,3400\n" +
		"India,IND,2018,1352000000,2590,1.9,48950,640,250,3380\n" +
		"China,CHN,2020,1410000000,10660,7.6,236000,1190,610,12900\n" +
		"China,CHN,2019,1407000000,10490,7.5,225340,1180,600,12700\n" +
		"China,CHN,2018,1402000000,10310,7.4,214850,1170,590,12500\n" +
		"Brazil,BRA,2020,212000000,470,2.2,15900,410,230,1470\n" +
		"Brazil,BRA,2019,211000000,480,2.3,15430,405,228,1460\n" +
		"Brazil,BRA,2018,209000000,485,2.3,14950,400,225,1450\n" +
		"Japan,JPN,2020,126000000,1030,8.2,66000,30,19,1150\n" +
		"Japan,JPN,2019,126200000,1100,8.7,64970,31,20,1220\n" +
		"Japan,JPN,2018,126400000,1130,8.9,63870,32,20,1250\n" +
		"Canada,CAN,2020,38000000,540,14.2,33000,100,60,730\n" +
		"Canada,CAN,2019,37600000,580,15.4,32460,102,61,760\n" +
		"Canada,CAN,2018,37100000,575,15.5,31880,101,60,755\n" +
		"Russia,RUS,2020,146000000,1580,10.8,114000,780,120,2500\n" +
		"Russia,RUS,2019,146700000,1640,11.2,112420,790,122,2560\n" +
		"Russia,RUS,2018,146800000,1620,11.0,110780,785,121,2540\n"
	f.ingest(t, "2026-03-10", bad)

	res, err := f.transformer.Transform(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 30, res.RowsIn)
	// Three rows are dropped: domain year, null country, uncoercible
	// population. The all-null metrics row with a valid country is kept.
	require.Equal(t, 27, res.RowsOut)
	require.Equal(t, 1, res.Validation.DroppedByReason["domain_year"])
	require.Equal(t, 1, res.Validation.DroppedByReason["null_country"])
	require.Equal(t, 1, res.Validation.DroppedByReason["uncoercible_population"])
}

func TestCarbonlake_Silver_TransformIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.ingest(t, "2026-03-10", testCSV)

	_, err := f.transformer.Transform(ctx, "2026-03-10")
	require.NoError(t, err)
	first, err := f.blob.Get(ctx, f.store.Key("2026-03-10"))
	require.NoError(t, err)

	_, err = f.transformer.Transform(ctx, "2026-03-10")
	require.NoError(t, err)
	second, err := f.blob.Get(ctx, f.store.Key("2026-03-10"))
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestCarbonlake_Silver_TransformMissingSnapshotFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.transformer.Transform(context.Background(), "2026-03-10")
	require.Error(t, err)
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestCarbonlake_Silver_TransformRejectsExcessiveDropRate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	// Two of three rows fail the year domain.
	csv := "country,iso_code,year,population,co2,co2_per_capita,cumulative_co2,methane,nitrous_oxide,total_ghg\n" +
		"France,FRA,1500,1,1,1,1,1,1,1\n" +
		"France,FRA,1600,1,1,1,1,1,1,1\n" +
		"France,FRA,2020,1,1,1,1,1,1,1\n"
	f.ingest(t, "2026-03-10", csv)

	_, err := f.transformer.Transform(ctx, "2026-03-10")
	require.Error(t, err)
	var qerr *schema.QualityThresholdError
	require.ErrorAs(t, err, &qerr)

	// A failed transform must not publish a partition.
	_, err = f.store.Read(ctx, "2026-03-10")
	require.ErrorIs(t, err, blob.ErrNotFound)
}

func TestCarbonlake_Silver_StoreListAndLatest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.Latest(ctx)
	require.ErrorIs(t, err, silver.ErrNoPartitions)

	for _, date := range []string{"2026-03-10", "2026-01-05", "2026-02-14"} {
		f.ingest(t, date, testCSV)
		_, err := f.transformer.Transform(ctx, date)
		require.NoError(t, err)
	}

	dates, err := f.store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"2026-01-05", "2026-02-14", "2026-03-10"}, dates)

	latest, err := f.store.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, "2026-03-10", latest)
}

func TestCarbonlake_Silver_SourceAliasesRename(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	spec := &schema.Spec{
		Name:    "minimal",
		Version: 1,
		Fields: []schema.Field{
			{Name: "country", Type: schema.TypeString, Required: true, Sources: []string{"Nation Name"}},
			{Name: "year", Type: schema.TypeInt, Required: true},
		},
	}

	br, err := bronze.NewStore(bronze.StoreConfig{
		Logger: testLogger(), Blob: fs, Dataset: "minimal", Filename: "data.csv",
	})
	require.NoError(t, err)
	store, err := silver.NewStore(silver.StoreConfig{
		Logger: testLogger(), Blob: fs, Spec: spec, Dataset: "minimal",
	})
	require.NoError(t, err)
	tr, err := silver.NewTransformer(silver.TransformerConfig{
		Logger: testLogger(), Bronze: br, Store: store, Spec: spec,
	})
	require.NoError(t, err)

	require.NoError(t, br.Write(ctx, "2026-03-10", []byte("Nation Name,year\nFrance,2020\n")))
	_, err = tr.Transform(ctx, "2026-03-10")
	require.NoError(t, err)

	tbl, err := store.Read(ctx, "2026-03-10")
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len())
	require.Equal(t, "France", tbl.Rows[0].String("country"))
}

func TestCarbonlake_Silver_StoreColumnsIncludeSnapshotDate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cols := f.store.Columns()
	require.Equal(t, silver.SnapshotDateColumn, cols[len(cols)-1].Name)

	var names []string
	for _, c := range cols {
		names = append(names, c.Name)
	}
	require.Contains(t, names, "country")
	require.Contains(t, names, "co2")
}
