package schema

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/verdantlabs/carbonlake/pkg/table"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClock() clockwork.Clock {
	return clockwork.NewFakeClockAt(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
}

func newTestValidator(t *testing.T, opts ...func(*ValidatorConfig)) *Validator {
	t.Helper()
	cfg := ValidatorConfig{
		Logger: testLogger(),
		Clock:  testClock(),
		Spec:   Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	v, err := NewValidator(cfg)
	require.NoError(t, err)
	return v
}

func rawRow(country, year, co2 string) table.Row {
	return table.Row{"country": country, "year": year, "co2": co2}
}

func TestCarbonlake_Schema_Validator_HappyPath(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	tbl := table.New([]string{"country", "year", "co2"})
	tbl.Append(rawRow("United States", "2020", "5000.1"))
	tbl.Append(rawRow("Germany", "2020", "700"))

	out, res, err := v.Validate(tbl)
	require.NoError(t, err)
	require.Equal(t, 2, res.RowsIn)
	require.Equal(t, 2, res.RowsOut)
	require.Empty(t, res.DroppedByReason)

	year, ok := out.Rows[0].Int("year")
	require.True(t, ok)
	require.Equal(t, int64(2020), year)
	co2, ok := out.Rows[0].Float("co2")
	require.True(t, ok)
	require.Equal(t, 5000.1, co2)
	require.Equal(t, "United States", out.Rows[0].String("country"))
}

func TestCarbonlake_Schema_Validator_MissingColumnsAllReported(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	tbl := table.New([]string{"co2"})
	tbl.Append(table.Row{"co2": "5.0"})

	_, _, err := v.Validate(tbl)
	var verr *ViolationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 2, "country and year should both be reported")
	require.Equal(t, "country", verr.Violations[0].Column)
	require.Equal(t, "year", verr.Violations[1].Column)
}

func TestCarbonlake_Schema_Validator_YearOutsideDomainDroppedAndCounted(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	tbl := table.New([]string{"country", "year", "co2"})
	for i := 0; i < 20; i++ {
		tbl.Append(rawRow("France", "2019", "300"))
	}
	tbl.Append(rawRow("France", "1500", "1"))  // below min
	tbl.Append(rawRow("France", "2030", "10")) // above current year + 1

	out, res, err := v.Validate(tbl)
	require.NoError(t, err)
	require.Equal(t, 20, out.Len())
	require.Equal(t, 2, res.DroppedByReason["domain_year"])
}

func TestCarbonlake_Schema_Validator_NullCountryDropped(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	tbl := table.New([]string{"country", "year", "co2"})
	for i := 0; i < 20; i++ {
		tbl.Append(rawRow("Spain", "2018", ""))
	}
	tbl.Append(rawRow("", "2018", "4"))

	out, res, err := v.Validate(tbl)
	require.NoError(t, err)
	require.Equal(t, 20, out.Len())
	require.Equal(t, 1, res.DroppedByReason["null_country"])
	// Empty nullable metric cells are null, not dropped.
	require.True(t, out.Rows[0].IsNull("co2"))
}

func TestCarbonlake_Schema_Validator_NegativeCO2Dropped(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	tbl := table.New([]string{"country", "year", "co2"})
	for i := 0; i < 20; i++ {
		tbl.Append(rawRow("Chile", "2017", "42"))
	}
	tbl.Append(rawRow("Chile", "2017", "-1"))

	out, res, err := v.Validate(tbl)
	require.NoError(t, err)
	require.Equal(t, 20, out.Len())
	require.Equal(t, 1, res.DroppedByReason["domain_co2"])
}

func TestCarbonlake_Schema_Validator_CoerceFailReportsEveryColumn(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t, func(cfg *ValidatorConfig) {
		cfg.CoerceMode = CoerceFail
	})

	tbl := table.New([]string{"country", "year", "co2"})
	tbl.Append(rawRow("Italy", "not-a-year", "12"))
	tbl.Append(rawRow("Italy", "2015", "not-a-number"))
	tbl.Append(rawRow("Italy", "2016", "13"))

	_, res, err := v.Validate(tbl)
	var verr *ViolationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Violations, 2)
	require.Equal(t, "co2", verr.Violations[0].Column)
	require.Equal(t, "year", verr.Violations[1].Column)
	require.Equal(t, 1, res.DroppedByReason["uncoercible_year"])
	require.Equal(t, 1, res.DroppedByReason["uncoercible_co2"])
}

func TestCarbonlake_Schema_Validator_DropRateThreshold(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t, func(cfg *ValidatorConfig) {
		cfg.MaxDropRate = 0.25
	})

	tbl := table.New([]string{"country", "year", "co2"})
	tbl.Append(rawRow("Peru", "2014", "7"))
	tbl.Append(rawRow("Peru", "1500", "7"))
	tbl.Append(rawRow("Peru", "1501", "7"))
	tbl.Append(rawRow("Peru", "1502", "7"))

	_, res, err := v.Validate(tbl)
	var qerr *QualityThresholdError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, 4, qerr.RowsIn)
	require.Equal(t, 1, qerr.RowsOut)
	require.Equal(t, 3, qerr.RowsDropped)
	require.Equal(t, 3, res.RowsDropped())
}

func TestCarbonlake_Schema_Validator_EmptyResultIsFatal(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	tbl := table.New([]string{"country", "year", "co2"})
	tbl.Append(rawRow("Kenya", "1200", "1"))

	_, _, err := v.Validate(tbl)
	var qerr *QualityThresholdError
	require.ErrorAs(t, err, &qerr)
	require.Equal(t, 0, qerr.RowsOut)
}

func TestCarbonlake_Schema_Validator_IntegralFloatYearAccepted(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	tbl := table.New([]string{"country", "year", "co2"})
	tbl.Append(rawRow("Japan", "2020.0", "1000"))

	out, _, err := v.Validate(tbl)
	require.NoError(t, err)
	year, ok := out.Rows[0].Int("year")
	require.True(t, ok)
	require.Equal(t, int64(2020), year)
}

func TestCarbonlake_Schema_Validator_TypedPassthrough(t *testing.T) {
	t.Parallel()
	v := newTestValidator(t)

	// Re-validating an already-typed table (the Gold path) passes values
	// through unchanged.
	tbl := table.New([]string{"country", "year", "co2"})
	tbl.Append(table.Row{"country": "Brazil", "year": int64(2019), "co2": 450.5})

	out, _, err := v.Validate(tbl)
	require.NoError(t, err)
	year, ok := out.Rows[0].Int("year")
	require.True(t, ok)
	require.Equal(t, int64(2019), year)
}

func TestCarbonlake_Schema_Validator_ErrorsAreTyped(t *testing.T) {
	t.Parallel()
	var verr *ViolationError
	var qerr *QualityThresholdError
	require.False(t, errors.As(errors.New("plain"), &verr))
	require.False(t, errors.As(errors.New("plain"), &qerr))
}
