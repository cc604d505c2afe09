package currency

import (
	"testing"

	testhelper "github.com/mingqi/finbook/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRateFixture(t *testing.T) (*RateRepository, func()) {
	t.Helper()
	db, cleanup := testhelper.NewTestDB(t, "finbook")
	return NewRateRepository(db.Conn(), "CNY", zerolog.Nop()), cleanup
}

func TestRateOn_ReportCurrencyIsAlwaysOne(t *testing.T) {
	repo, cleanup := newRateFixture(t)
	defer cleanup()

	rate, err := repo.RateOn("CNY", "2024-01-15")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))

	rate, err = repo.RateOn("", "2024-01-15")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
}

func TestRateOn_UsesLatestRateOnOrBeforeDate(t *testing.T) {
	repo, cleanup := newRateFixture(t)
	defer cleanup()

	require.NoError(t, repo.Save("USD", "2024-01-01", decimal.RequireFromString("7.10")))
	require.NoError(t, repo.Save("USD", "2024-01-10", decimal.RequireFromString("7.25")))

	rate, err := repo.RateOn("USD", "2024-01-05")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("7.10")))

	rate, err = repo.RateOn("USD", "2024-01-10")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("7.25")))

	rate, err = repo.RateOn("USD", "2024-02-01")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("7.25")))
}

func TestRateOn_NoHistoryDefaultsToOne(t *testing.T) {
	repo, cleanup := newRateFixture(t)
	defer cleanup()

	rate, err := repo.RateOn("JPY", "2024-01-15")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1)))
}

func TestSave_RejectsNonPositiveRate(t *testing.T) {
	repo, cleanup := newRateFixture(t)
	defer cleanup()

	assert.Error(t, repo.Save("USD", "2024-01-01", decimal.Zero))
	assert.Error(t, repo.Save("USD", "2024-01-01", decimal.RequireFromString("-1")))
}

func TestSave_UpsertsSameDay(t *testing.T) {
	repo, cleanup := newRateFixture(t)
	defer cleanup()

	require.NoError(t, repo.Save("USD", "2024-01-01", decimal.RequireFromString("7.10")))
	require.NoError(t, repo.Save("USD", "2024-01-01", decimal.RequireFromString("7.12")))

	rate, err := repo.RateOn("USD", "2024-01-01")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("7.12")))
}
