package inventory

import (
	"testing"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/mingqi/finbook/internal/modules/currency"
	testhelper "github.com/mingqi/finbook/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rebuildFixture struct {
	ledgerID    int64
	ledgers     *LedgerRepository
	txs         *TransactionRepository
	checkpoints *CheckpointRepository
	rates       *currency.RateRepository
	controller  *Controller
	engine      *FIFOEngine
	cleanup     func()
}

func newRebuildFixture(t *testing.T) *rebuildFixture {
	t.Helper()
	db, cleanup := testhelper.NewTestDB(t, "finbook")
	log := zerolog.Nop()

	ledgers := NewLedgerRepository(db.Conn(), log)
	ledgerID, err := ledgers.Create("test-book", domain.CostMethodFIFO)
	require.NoError(t, err)

	txs := NewTransactionRepository(db.Conn(), log)
	checkpoints := NewCheckpointRepository(db.Conn(), log)
	rates := currency.NewRateRepository(db.Conn(), "CNY", log)

	return &rebuildFixture{
		ledgerID:    ledgerID,
		ledgers:     ledgers,
		txs:         txs,
		checkpoints: checkpoints,
		rates:       rates,
		controller:  NewController(txs, checkpoints, rates, log),
		engine:      NewFIFOEngine(log),
		cleanup:     cleanup,
	}
}

func (f *rebuildFixture) insert(t *testing.T, date, qty, amount string) int64 {
	t.Helper()
	id, err := f.txs.Create(domain.Transaction{
		LedgerID: f.ledgerID,
		Account:  "broker-a",
		Code:     "600519",
		Date:     date,
		Quantity: d(qty),
		Amount:   d(amount),
		Currency: "CNY",
	})
	require.NoError(t, err)
	return id
}

func TestController_FullRebuildSetsCheckpoint(t *testing.T) {
	f := newRebuildFixture(t)
	defer f.cleanup()

	f.insert(t, "2024-01-01", "100", "1000")
	f.insert(t, "2024-01-02", "-40", "500")

	require.NoError(t, f.controller.FullRebuild(f.engine, f.ledgerID))

	last, ok, err := f.checkpoints.Get(f.ledgerID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), last)
	assert.True(t, f.engine.TotalQuantity(f.ledgerID, "600519", "").Equal(d("60")))

	state, err := f.checkpoints.State(f.ledgerID)
	require.NoError(t, err)
	assert.Equal(t, StateIncrementalReady, state)
}

func TestController_ApplyTakesFastPath(t *testing.T) {
	f := newRebuildFixture(t)
	defer f.cleanup()

	f.insert(t, "2024-01-01", "100", "1000")
	require.NoError(t, f.controller.FullRebuild(f.engine, f.ledgerID))

	id := f.insert(t, "2024-01-02", "-40", "500")
	require.NoError(t, f.controller.Apply(f.engine, f.ledgerID, id))

	last, _, err := f.checkpoints.Get(f.ledgerID)
	require.NoError(t, err)
	assert.Equal(t, id, last)
	assert.True(t, f.engine.TotalQuantity(f.ledgerID, "600519", "").Equal(d("60")))
	assert.Len(t, f.engine.RealizedPL(Filter{}), 1)
}

func TestController_ApplyWithGapFallsBackToFullRebuild(t *testing.T) {
	f := newRebuildFixture(t)
	defer f.cleanup()

	f.insert(t, "2024-01-01", "100", "1000")
	require.NoError(t, f.controller.FullRebuild(f.engine, f.ledgerID))

	// Two inserts but only the second is applied: the id gap forces a
	// full replay that picks both up.
	f.insert(t, "2024-01-02", "20", "220")
	id3 := f.insert(t, "2024-01-03", "-40", "500")
	require.NoError(t, f.controller.Apply(f.engine, f.ledgerID, id3))

	last, _, err := f.checkpoints.Get(f.ledgerID)
	require.NoError(t, err)
	assert.Equal(t, id3, last)
	assert.True(t, f.engine.TotalQuantity(f.ledgerID, "600519", "").Equal(d("80")))
}

func TestController_ApplyWithoutCheckpointRebuilds(t *testing.T) {
	f := newRebuildFixture(t)
	defer f.cleanup()

	id := f.insert(t, "2024-01-01", "100", "1000")
	require.NoError(t, f.controller.Apply(f.engine, f.ledgerID, id))

	last, ok, err := f.checkpoints.Get(f.ledgerID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, last)
	assert.True(t, f.engine.TotalQuantity(f.ledgerID, "600519", "").Equal(d("100")))
}

func TestController_RebuildSkipsInvalidRows(t *testing.T) {
	f := newRebuildFixture(t)
	defer f.cleanup()

	f.insert(t, "2024-01-01", "100", "1000")
	f.insert(t, "2024-01-02", "0", "500") // invalid: zero quantity
	id3 := f.insert(t, "2024-01-03", "-30", "400")

	require.NoError(t, f.controller.FullRebuild(f.engine, f.ledgerID))

	// The bad row is skipped but the checkpoint still covers it.
	last, _, err := f.checkpoints.Get(f.ledgerID)
	require.NoError(t, err)
	assert.Equal(t, id3, last)
	assert.True(t, f.engine.TotalQuantity(f.ledgerID, "600519", "").Equal(d("70")))
}

func TestController_ReplayOrderIsDateThenID(t *testing.T) {
	f := newRebuildFixture(t)
	defer f.cleanup()

	// Inserted out of date order: the sell is dated before the second buy,
	// so replay must consume only the first lot.
	f.insert(t, "2024-01-01", "10", "100")
	f.insert(t, "2024-01-05", "10", "200")
	f.insert(t, "2024-01-03", "-10", "150")

	require.NoError(t, f.controller.FullRebuild(f.engine, f.ledgerID))

	lots := f.engine.Lots(Filter{})
	require.Len(t, lots, 1)
	assert.True(t, lots[0].BookValue.Equal(d("200")), "the later-dated lot survives untouched")
}

func TestController_MissingRateFallsBackToHistory(t *testing.T) {
	f := newRebuildFixture(t)
	defer f.cleanup()

	require.NoError(t, f.rates.Save("USD", "2024-01-01", d("7.2")))

	id, err := f.txs.Create(domain.Transaction{
		LedgerID: f.ledgerID,
		Account:  "broker-a",
		Code:     "AAPL",
		Date:     "2024-01-15",
		Quantity: d("10"),
		Amount:   d("1800"),
		Currency: "USD",
		// No explicit rate: the latest historical rate on or before the
		// date applies.
	})
	require.NoError(t, err)
	require.NoError(t, f.controller.Apply(f.engine, f.ledgerID, id))

	lots := f.engine.Lots(Filter{})
	require.Len(t, lots, 1)
	assert.True(t, lots[0].ExchangeRate.Equal(d("7.2")))
}

func TestController_EnsureReadyCatchesUpWhenBehind(t *testing.T) {
	f := newRebuildFixture(t)
	defer f.cleanup()

	f.insert(t, "2024-01-01", "100", "1000")
	require.NoError(t, f.controller.FullRebuild(f.engine, f.ledgerID))

	// Journal grows without the engine noticing.
	f.insert(t, "2024-01-02", "50", "600")
	id3 := f.insert(t, "2024-01-03", "-30", "400")
	require.NoError(t, f.controller.EnsureReady(f.engine, f.ledgerID))

	assert.True(t, f.engine.TotalQuantity(f.ledgerID, "600519", "").Equal(d("120")))
	last, ok, err := f.checkpoints.Get(f.ledgerID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id3, last)
}

func TestController_EnsureReadyRebuildsOnBackdatedRow(t *testing.T) {
	f := newRebuildFixture(t)
	defer f.cleanup()

	f.insert(t, "2024-01-05", "100", "1000")
	require.NoError(t, f.controller.FullRebuild(f.engine, f.ledgerID))

	// A backfilled row dated before the checkpoint cannot be appended to
	// warm state; the whole ledger must replay in date order.
	f.insert(t, "2024-01-02", "50", "400")
	require.NoError(t, f.controller.EnsureReady(f.engine, f.ledgerID))

	assert.True(t, f.engine.TotalQuantity(f.ledgerID, "600519", "").Equal(d("150")))
	lots := f.engine.Lots(Filter{LedgerID: &f.ledgerID})
	require.Len(t, lots, 2)
	assert.Equal(t, "2024-01-02", lots[0].Date)
	assert.True(t, lots[0].BookValue.Equal(d("400")))
}

func TestCheckpointRepository_States(t *testing.T) {
	f := newRebuildFixture(t)
	defer f.cleanup()

	state, err := f.checkpoints.State(f.ledgerID)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, state)

	require.NoError(t, f.checkpoints.Set(f.ledgerID, 5))
	state, err = f.checkpoints.State(f.ledgerID)
	require.NoError(t, err)
	assert.Equal(t, StateIncrementalReady, state)

	require.NoError(t, f.checkpoints.Invalidate(f.ledgerID))
	state, err = f.checkpoints.State(f.ledgerID)
	require.NoError(t, err)
	assert.Equal(t, StateFullRebuildRequired, state)

	require.NoError(t, f.checkpoints.Clear(f.ledgerID))
	state, err = f.checkpoints.State(f.ledgerID)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, state)
}
