package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCarbonlake_Schema_Spec_Default(t *testing.T) {
	t.Parallel()
	spec := Default()
	require.Equal(t, "owid", spec.Name)
	require.Equal(t, 1, spec.Version)
	require.NoError(t, spec.Validate())

	country, ok := spec.Field("country")
	require.True(t, ok)
	require.True(t, country.Required)
	require.False(t, country.Nullable)

	year, ok := spec.Field("year")
	require.True(t, ok)
	require.Equal(t, TypeInt, year.Type)
	require.NotNil(t, year.Domain)
	require.Equal(t, float64(1750), *year.Domain.Min)
	require.Equal(t, 1, *year.Domain.MaxCurrentYearOffset)

	metrics := spec.MetricFields()
	require.NotEmpty(t, metrics)
	for _, m := range metrics {
		require.Equal(t, TypeFloat, m.Type)
	}
}

func TestCarbonlake_Schema_Spec_Load(t *testing.T) {
	t.Parallel()
	doc := `
name: mini
version: 2
fields:
  - name: country
    type: string
    required: true
  - name: year
    type: int
    required: true
  - name: co2
    type: float
    nullable: true
    sources: ["CO2 Emissions", "co2_total"]
`
	spec, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, "mini", spec.Name)
	require.Equal(t, 2, spec.Version)
	require.Equal(t, []string{"country", "year", "co2"}, spec.ColumnNames())

	co2, ok := spec.Field("co2")
	require.True(t, ok)
	require.Equal(t, []string{"CO2 Emissions", "co2_total"}, co2.Sources)
}

func TestCarbonlake_Schema_Spec_LoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	t.Run("duplicate_field", func(t *testing.T) {
		t.Parallel()
		_, err := Load(strings.NewReader(`
name: dup
version: 1
fields:
  - {name: a, type: string}
  - {name: a, type: int}
`))
		require.Error(t, err)
	})

	t.Run("unknown_type", func(t *testing.T) {
		t.Parallel()
		_, err := Load(strings.NewReader(`
name: bad
version: 1
fields:
  - {name: a, type: decimal}
`))
		require.Error(t, err)
	})

	t.Run("missing_version", func(t *testing.T) {
		t.Parallel()
		_, err := Load(strings.NewReader(`
name: bad
fields:
  - {name: a, type: string}
`))
		require.Error(t, err)
	})
}
