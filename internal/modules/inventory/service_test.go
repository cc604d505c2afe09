package inventory_test

import (
	"testing"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/mingqi/finbook/internal/modules/currency"
	"github.com/mingqi/finbook/internal/modules/inventory"
	"github.com/mingqi/finbook/internal/modules/portfolio"
	testhelper "github.com/mingqi/finbook/internal/testing"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	service   *inventory.Service
	positions *portfolio.PositionRepository
	cacheDir  string
	cleanup   func()
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db, cleanup := testhelper.NewTestDB(t, "finbook")
	log := zerolog.Nop()
	cacheDir := t.TempDir()

	ledgers := inventory.NewLedgerRepository(db.Conn(), log)
	txs := inventory.NewTransactionRepository(db.Conn(), log)
	checkpoints := inventory.NewCheckpointRepository(db.Conn(), log)
	rates := currency.NewRateRepository(db.Conn(), "CNY", log)
	controller := inventory.NewController(txs, checkpoints, rates, log)
	positions := portfolio.NewPositionRepository(db.Conn(), log)
	syncer := portfolio.NewSynchronizer(positions, log)
	cache := inventory.NewStateCache(cacheDir, log)

	service := inventory.NewService(ledgers, txs, checkpoints, controller,
		inventory.NewFIFOEngine(log), inventory.NewWACEngine(log),
		syncer, cache, log)

	return &serviceFixture{
		service:   service,
		positions: positions,
		cacheDir:  cacheDir,
		cleanup:   cleanup,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTx(ledgerID int64, date, qty, amount string) domain.Transaction {
	return domain.Transaction{
		LedgerID: ledgerID,
		Account:  "broker-a",
		Code:     "600519",
		Name:     "Kweichow Moutai",
		Date:     date,
		Quantity: dec(qty),
		Amount:   dec(amount),
		Currency: "CNY",
	}
}

func TestService_AddTransactionSyncsPositions(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	ledgerID, err := f.service.CreateLedger("main", domain.CostMethodFIFO)
	require.NoError(t, err)

	_, err = f.service.AddTransaction(newTx(ledgerID, "2024-01-01", "100", "1000"))
	require.NoError(t, err)

	positions, err := f.positions.ListByLedger(ledgerID)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(dec("100")))
	assert.True(t, positions[0].BookValue.Equal(dec("1000")))
	assert.True(t, positions[0].AvgCost.Equal(dec("10")))

	_, err = f.service.AddTransaction(newTx(ledgerID, "2024-01-02", "-100", "1100"))
	require.NoError(t, err)

	positions, err = f.positions.ListByLedger(ledgerID)
	require.NoError(t, err)
	assert.Empty(t, positions, "a flat position gets no row")
}

func TestService_UpdateTransactionForcesFullRebuild(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	ledgerID, err := f.service.CreateLedger("main", domain.CostMethodFIFO)
	require.NoError(t, err)

	id1, err := f.service.AddTransaction(newTx(ledgerID, "2024-01-01", "100", "1000"))
	require.NoError(t, err)
	_, err = f.service.AddTransaction(newTx(ledgerID, "2024-01-02", "-40", "500"))
	require.NoError(t, err)

	// Rewrite the opening buy: everything downstream must be recomputed
	// against the new cost basis.
	updated := newTx(ledgerID, "2024-01-01", "100", "2000")
	updated.ID = id1
	require.NoError(t, f.service.UpdateTransaction(updated))

	events, err := f.service.RealizedPL(ledgerID, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Cost.Equal(dec("800")), "cost %s", events[0].Cost)

	holdings, err := f.service.Holdings(ledgerID, "")
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].BookValue.Equal(dec("1200")))
}

func TestService_DeleteTransactionForcesFullRebuild(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	ledgerID, err := f.service.CreateLedger("main", domain.CostMethodFIFO)
	require.NoError(t, err)

	_, err = f.service.AddTransaction(newTx(ledgerID, "2024-01-01", "100", "1000"))
	require.NoError(t, err)
	sellID, err := f.service.AddTransaction(newTx(ledgerID, "2024-01-02", "-40", "500"))
	require.NoError(t, err)

	require.NoError(t, f.service.DeleteTransaction(ledgerID, sellID))

	qty, err := f.service.TotalQuantity(ledgerID, "600519", "")
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("100")))

	events, err := f.service.RealizedPL(ledgerID, "")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestService_WACRouting(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	ledgerID, err := f.service.CreateLedger("avg-book", domain.CostMethodWAC)
	require.NoError(t, err)

	_, err = f.service.AddTransaction(newTx(ledgerID, "2024-01-01", "100", "1000"))
	require.NoError(t, err)
	_, err = f.service.AddTransaction(newTx(ledgerID, "2024-01-02", "50", "650"))
	require.NoError(t, err)

	holdings, err := f.service.Holdings(ledgerID, "")
	require.NoError(t, err)
	require.Len(t, holdings, 1, "WAC keeps a single blended balance")
	assert.True(t, holdings[0].Quantity.Equal(dec("150")))
	assert.True(t, holdings[0].BookValue.Equal(dec("1650")))
}

func TestService_HoldingsFilteredByCode(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	ledgerID, err := f.service.CreateLedger("main", domain.CostMethodFIFO)
	require.NoError(t, err)

	_, err = f.service.AddTransaction(newTx(ledgerID, "2024-01-01", "100", "1000"))
	require.NoError(t, err)
	other := newTx(ledgerID, "2024-01-02", "30", "600")
	other.Code = "000858"
	other.Name = "Wuliangye"
	_, err = f.service.AddTransaction(other)
	require.NoError(t, err)

	all, err := f.service.Holdings(ledgerID, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := f.service.Holdings(ledgerID, "000858")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "000858", filtered[0].Code)
	assert.True(t, filtered[0].Quantity.Equal(dec("30")))
}

func TestService_UnknownLedgerRejected(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	_, err := f.service.AddTransaction(newTx(999, "2024-01-01", "100", "1000"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestService_ValidationBeforeInsert(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	ledgerID, err := f.service.CreateLedger("main", domain.CostMethodFIFO)
	require.NoError(t, err)

	bad := newTx(ledgerID, "2024-01-01", "0", "100")
	_, err = f.service.AddTransaction(bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad = newTx(ledgerID, "", "10", "100")
	_, err = f.service.AddTransaction(bad)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestService_IsolatesLedgers(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	book1, err := f.service.CreateLedger("book-1", domain.CostMethodFIFO)
	require.NoError(t, err)
	book2, err := f.service.CreateLedger("book-2", domain.CostMethodFIFO)
	require.NoError(t, err)

	_, err = f.service.AddTransaction(newTx(book1, "2024-01-01", "100", "1000"))
	require.NoError(t, err)
	_, err = f.service.AddTransaction(newTx(book2, "2024-01-01", "7", "70"))
	require.NoError(t, err)

	q1, err := f.service.TotalQuantity(book1, "600519", "")
	require.NoError(t, err)
	q2, err := f.service.TotalQuantity(book2, "600519", "")
	require.NoError(t, err)
	assert.True(t, q1.Equal(dec("100")))
	assert.True(t, q2.Equal(dec("7")))
}

func TestService_RebuildForceReplays(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	ledgerID, err := f.service.CreateLedger("main", domain.CostMethodFIFO)
	require.NoError(t, err)
	_, err = f.service.AddTransaction(newTx(ledgerID, "2024-01-01", "100", "1000"))
	require.NoError(t, err)

	require.NoError(t, f.service.Rebuild(ledgerID, true))

	qty, err := f.service.TotalQuantity(ledgerID, "600519", "")
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("100")))
}

func TestService_ClearForcesRewarm(t *testing.T) {
	f := newServiceFixture(t)
	defer f.cleanup()

	ledgerID, err := f.service.CreateLedger("main", domain.CostMethodFIFO)
	require.NoError(t, err)
	_, err = f.service.AddTransaction(newTx(ledgerID, "2024-01-01", "100", "1000"))
	require.NoError(t, err)

	f.service.Clear()

	// The next read warm-starts from the snapshot or replays the journal.
	qty, err := f.service.TotalQuantity(ledgerID, "600519", "")
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("100")))
}
