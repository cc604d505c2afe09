package returns

import (
	"testing"

	"github.com/mingqi/finbook/internal/domain"
	testhelper "github.com/mingqi/finbook/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReturnsFixture(t *testing.T) (*Service, func()) {
	t.Helper()
	db, cleanup := testhelper.NewTestDB(t, "finbook")
	log := zerolog.Nop()

	// The ledger row satisfies the foreign keys of the history tables.
	_, err := db.Exec(`INSERT INTO ledgers (id, name, cost_method) VALUES (1, 'main', 'fifo')`)
	require.NoError(t, err)

	service := NewService(
		NewFlowRepository(db.Conn(), log),
		NewAssetsRepository(db.Conn(), log),
		NewSeriesRepository(db.Conn(), log),
		NewCalculator(log),
		log,
	)
	return service, cleanup
}

func TestReturnsService_EndToEnd(t *testing.T) {
	s, cleanup := newReturnsFixture(t)
	defer cleanup()

	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-01", d("1000")))
	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-01", Amount: d("1000")}))
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-02", d("1050")))

	series, err := s.Series(1)
	require.NoError(t, err)
	require.Len(t, series, 2)

	assert.True(t, series[0].UnitPrice.Equal(d("1")))
	assert.True(t, series[0].TotalUnits.Equal(d("1000")))
	assert.True(t, series[1].UnitPrice.Equal(d("1.05")))
	assert.Equal(t, "5.00%", series[1].DailyReturnPct)
}

func TestReturnsService_NetAssetsCombineBalancesAndPositions(t *testing.T) {
	s, cleanup := newReturnsFixture(t)
	defer cleanup()

	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-01", Amount: d("1000")}))
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-01", d("400")))
	require.NoError(t, s.SaveDailyPositionValue(1, "broker-a", "600519", "2024-01-01", d("600")))

	series, err := s.Series(1)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.True(t, series[0].NetAssets.Equal(d("1000")))
	assert.True(t, series[0].TotalUnits.Equal(d("1000")))
}

func TestReturnsService_SameDayFlowsAccumulate(t *testing.T) {
	s, cleanup := newReturnsFixture(t)
	defer cleanup()

	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-01", d("1500")))
	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-01", Amount: d("1000")}))
	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-01", Amount: d("500")}))

	series, err := s.Series(1)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.True(t, series[0].CapitalFlow.Equal(d("1500")))
	assert.True(t, series[0].TotalUnits.Equal(d("1500")))
}

func TestReturnsService_IncrementalMatchesFullRecompute(t *testing.T) {
	s, cleanup := newReturnsFixture(t)
	defer cleanup()

	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-01", Amount: d("1000")}))
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-01", d("1000")))
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-02", d("1050")))
	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-03", Amount: d("100")}))
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-03", d("1250")))

	// The writes above already recomputed incrementally; a full recompute
	// must land on the identical series.
	incremental, err := s.Series(1)
	require.NoError(t, err)

	require.NoError(t, s.Recompute(1))
	full, err := s.Series(1)
	require.NoError(t, err)

	require.Equal(t, len(full), len(incremental))
	for i := range full {
		assert.True(t, full[i].UnitPrice.Equal(incremental[i].UnitPrice), "%s price", full[i].Date)
		assert.True(t, full[i].TotalUnits.Equal(incremental[i].TotalUnits), "%s units", full[i].Date)
		assert.True(t, full[i].DailyPnL.Equal(incremental[i].DailyPnL), "%s pnl", full[i].Date)
		assert.Equal(t, full[i].DailyReturnPct, incremental[i].DailyReturnPct)
	}
}

func TestReturnsService_RevisedHistoryRecomputesForward(t *testing.T) {
	s, cleanup := newReturnsFixture(t)
	defer cleanup()

	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-01", Amount: d("1000")}))
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-01", d("1000")))
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-02", d("1050")))
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-03", d("1100")))

	// Correct day 2's snapshot: day 2 and day 3 both change, day 1 stays.
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-02", d("1100")))

	series, err := s.Series(1)
	require.NoError(t, err)
	require.Len(t, series, 3)
	assert.True(t, series[0].UnitPrice.Equal(d("1")))
	assert.True(t, series[1].UnitPrice.Equal(d("1.1")), "price %s", series[1].UnitPrice)
	assert.Equal(t, "0.00%", series[2].DailyReturnPct)
}

func TestReturnsService_NoFlowsMeansEmptySeries(t *testing.T) {
	s, cleanup := newReturnsFixture(t)
	defer cleanup()

	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-01", d("1000")))

	series, err := s.Series(1)
	require.NoError(t, err)
	assert.Empty(t, series)
}

func TestReturnsService_RoundingDiffsPersisted(t *testing.T) {
	s, cleanup := newReturnsFixture(t)
	defer cleanup()

	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-01", Amount: d("1000")}))
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-01", d("1000")))
	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-02", d("1150")))
	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-02", Amount: d("100")}))

	diffs, err := s.RoundingDiffs(1)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "2024-01-02", diffs[0].Date)
	assert.False(t, diffs[0].DiffUnits.IsZero())
}

func TestReturnsService_FlowWithoutAssetsIsOmitted(t *testing.T) {
	s, cleanup := newReturnsFixture(t)
	defer cleanup()

	require.NoError(t, s.SaveDailyBalance(1, "broker-a", "2024-01-01", d("1000")))
	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-01", Amount: d("1000")}))
	// A flow on a day with no snapshot at all cannot be priced.
	require.NoError(t, s.RecordFlow(domain.CapitalFlow{LedgerID: 1, Date: "2024-01-05", Amount: d("500")}))

	series, err := s.Series(1)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "2024-01-01", series[0].Date)
}
