package inventory

import (
	"sort"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FIFOEngine keeps a list of acquisition lots per (ledger, security) and
// consumes them oldest-first on sells. Each lot carries its own acquisition
// exchange rate, so cross-currency realized P&L never depends on whatever
// rate happens to be configured at query time.
type FIFOEngine struct {
	inventory map[invKey][]*domain.Lot
	realized  []domain.RealizedPL
	seen      map[int64]map[txKey]struct{} // ledger -> processed (id, account) pairs
	log       zerolog.Logger
}

// NewFIFOEngine creates an empty FIFO engine.
func NewFIFOEngine(log zerolog.Logger) *FIFOEngine {
	return &FIFOEngine{
		inventory: make(map[invKey][]*domain.Lot),
		seen:      make(map[int64]map[txKey]struct{}),
		log:       log.With().Str("engine", "fifo").Logger(),
	}
}

// Method returns the cost method this engine implements.
func (e *FIFOEngine) Method() domain.CostMethod { return domain.CostMethodFIFO }

// Process applies one transaction. A positive quantity is a buy/open, a
// negative quantity a sell/close; the amount's sign is ignored, only its
// magnitude is booked. Reprocessing a known (id, account) pair is a no-op.
func (e *FIFOEngine) Process(tx domain.Transaction) error {
	if err := validate(tx); err != nil {
		return err
	}
	if e.alreadyProcessed(tx) {
		e.log.Debug().Int64("tx_id", tx.ID).Str("account", tx.Account).
			Msg("transaction already processed, skipping")
		return nil
	}
	e.markProcessed(tx)

	rate := rateOrOne(tx.ExchangeRate)
	if tx.Quantity.IsPositive() {
		e.buy(tx, tx.Quantity, tx.Amount.Abs(), rate)
	} else {
		e.sell(tx, tx.Quantity.Neg(), tx.Amount.Abs(), rate)
	}
	return nil
}

func (e *FIFOEngine) alreadyProcessed(tx domain.Transaction) bool {
	pairs, ok := e.seen[tx.LedgerID]
	if !ok {
		return false
	}
	_, done := pairs[txKey{TxID: tx.ID, Account: tx.Account}]
	return done
}

func (e *FIFOEngine) markProcessed(tx domain.Transaction) {
	pairs, ok := e.seen[tx.LedgerID]
	if !ok {
		pairs = make(map[txKey]struct{})
		e.seen[tx.LedgerID] = pairs
	}
	pairs[txKey{TxID: tx.ID, Account: tx.Account}] = struct{}{}
}

// buy first covers existing short lots oldest-first, then books any remainder
// as a new long lot. Book value is allocated proportionally between the
// covering part and the new lot.
func (e *FIFOEngine) buy(tx domain.Transaction, qty, book, rate decimal.Decimal) {
	key := invKey{LedgerID: tx.LedgerID, Code: tx.Code}

	events, remaining := e.coverShorts(key, tx, qty, book, rate)
	e.realized = append(e.realized, events...)

	if remaining.IsPositive() {
		allocated := roundMoney(remaining.Div(qty).Mul(book))
		e.inventory[key] = append(e.inventory[key], &domain.Lot{
			BatchID:      tx.ID,
			LedgerID:     tx.LedgerID,
			Account:      tx.Account,
			Code:         tx.Code,
			Name:         tx.Name,
			Date:         tx.Date,
			Quantity:     remaining,
			BookValue:    allocated,
			Currency:     tx.Currency,
			ExchangeRate: rate,
		})
		sortLotsByDate(e.inventory[key])
	}
}

// coverShorts closes short lots of the same account against a buy, oldest
// short first. It returns the realized cover events and the buy quantity
// left over for a new long lot.
func (e *FIFOEngine) coverShorts(key invKey, tx domain.Transaction, buyQty, buyBook, rate decimal.Decimal) ([]domain.RealizedPL, decimal.Decimal) {
	remaining := buyQty

	var shorts []*domain.Lot
	for _, lot := range e.inventory[key] {
		if lot.Account == tx.Account && lot.Quantity.IsNegative() {
			shorts = append(shorts, lot)
		}
	}
	sort.SliceStable(shorts, func(i, j int) bool { return shorts[i].Date < shorts[j].Date })

	var events []domain.RealizedPL
	for _, short := range shorts {
		if !remaining.IsPositive() {
			break
		}
		shortQty := short.Quantity.Neg()
		shortBook := short.BookValue.Neg()
		coverCostPerUnit := roundMoney(buyBook.Div(buyQty))

		if shortQty.LessThanOrEqual(remaining) {
			// Full cover: the short's entire book value is the income side.
			income := shortBook
			cost := roundMoney(shortQty.Mul(coverCostPerUnit))
			events = append(events, domain.RealizedPL{
				LedgerID:          tx.LedgerID,
				Date:              tx.Date,
				TransactionID:     tx.ID,
				LotID:             short.BatchID,
				Account:           tx.Account,
				Code:              tx.Code,
				Name:              tx.Name,
				OriginalQuantity:  short.Quantity,
				OriginalBookValue: shortBook,
				SoldQuantity:      shortQty.Neg(),
				RemainingQuantity: decimal.Zero,
				RemainingBookVal:  decimal.Zero,
				Income:            income,
				Cost:              cost,
				Profit:            roundMoney(income.Sub(cost)),
				Currency:          tx.Currency,
				ExchangeRate:      rate,
				CostExchangeRate:  short.ExchangeRate,
			})
			e.removeLot(key, short)
			remaining = remaining.Sub(shortQty)
			continue
		}

		// Partial cover: income is the proportional slice of the short's
		// book value; the short shrinks by the covered quantity.
		income := roundMoney(shortBook.Mul(remaining).Div(shortQty))
		cost := roundMoney(remaining.Mul(coverCostPerUnit))
		newShortQty := shortQty.Sub(remaining)
		newShortBook := roundMoney(shortBook.Sub(income))
		events = append(events, domain.RealizedPL{
			LedgerID:          tx.LedgerID,
			Date:              tx.Date,
			TransactionID:     tx.ID,
			LotID:             short.BatchID,
			Account:           tx.Account,
			Code:              tx.Code,
			Name:              tx.Name,
			OriginalQuantity:  shortQty.Neg(),
			OriginalBookValue: shortBook,
			SoldQuantity:      remaining.Neg(),
			RemainingQuantity: newShortQty.Neg(),
			RemainingBookVal:  newShortBook,
			Income:            income,
			Cost:              cost,
			Profit:            roundMoney(income.Sub(cost)),
			Currency:          tx.Currency,
			ExchangeRate:      rate,
			CostExchangeRate:  short.ExchangeRate,
		})
		short.Quantity = newShortQty.Neg()
		short.BookValue = newShortBook.Neg()
		remaining = decimal.Zero
	}

	return events, remaining
}

// removedSlice is the portion of one lot consumed by a sell.
type removedSlice struct {
	BatchID   int64
	Quantity  decimal.Decimal
	BookValue decimal.Decimal
	CostRate  decimal.Decimal
}

// sell consumes positive lots of the same account and currency oldest-first.
// A shortfall never fails: the unfilled remainder opens a short lot valued at
// the proportional share of the sale proceeds.
func (e *FIFOEngine) sell(tx domain.Transaction, qty, book, rate decimal.Decimal) {
	key := invKey{LedgerID: tx.LedgerID, Code: tx.Code}

	var batches []*domain.Lot
	for _, lot := range e.inventory[key] {
		if lot.Account == tx.Account && lot.Quantity.IsPositive() && lot.Currency == tx.Currency {
			batches = append(batches, lot)
		}
	}

	remaining := qty
	var removed []removedSlice
	for _, lot := range batches {
		if !remaining.IsPositive() {
			break
		}
		if lot.Quantity.LessThanOrEqual(remaining) {
			removed = append(removed, removedSlice{
				BatchID:   lot.BatchID,
				Quantity:  lot.Quantity,
				BookValue: lot.BookValue,
				CostRate:  lot.ExchangeRate,
			})
			remaining = remaining.Sub(lot.Quantity)
			e.removeLot(key, lot)
			continue
		}
		allocated := roundMoney(remaining.Div(lot.Quantity).Mul(lot.BookValue))
		removed = append(removed, removedSlice{
			BatchID:   lot.BatchID,
			Quantity:  remaining,
			BookValue: allocated,
			CostRate:  lot.ExchangeRate,
		})
		lot.Quantity = lot.Quantity.Sub(remaining)
		lot.BookValue = lot.BookValue.Sub(allocated)
		remaining = decimal.Zero
	}

	if remaining.IsPositive() {
		shortBook := roundMoney(remaining.Div(qty).Mul(book))
		e.inventory[key] = append(e.inventory[key], &domain.Lot{
			BatchID:      tx.ID,
			LedgerID:     tx.LedgerID,
			Account:      tx.Account,
			Code:         tx.Code,
			Name:         tx.Name,
			Date:         tx.Date,
			Quantity:     remaining.Neg(),
			BookValue:    shortBook.Neg(),
			Currency:     tx.Currency,
			ExchangeRate: rate,
		})
		e.log.Debug().Int64("ledger_id", tx.LedgerID).Str("code", tx.Code).
			Str("short_qty", remaining.String()).Msg("sell exceeded inventory, opened short lot")
	}

	e.realized = append(e.realized, e.realizedFromRemoval(tx, removed, qty, book, rate)...)
}

// realizedFromRemoval turns the consumed lot slices of one sale into realized
// P&L events. Income is allocated proportionally to consumed quantity, except
// the last slice, which receives exactly the unallocated remainder so the
// events sum to the sale's proceeds to the cent. The cost leg is the consumed
// share of the lot's book value.
func (e *FIFOEngine) realizedFromRemoval(tx domain.Transaction, removed []removedSlice, originalQty, sellBook, rate decimal.Decimal) []domain.RealizedPL {
	var normal []removedSlice
	for _, rec := range removed {
		if rec.Quantity.IsPositive() {
			normal = append(normal, rec)
		}
	}
	if len(normal) == 0 {
		return nil
	}

	totalSellQty := decimal.Zero
	for _, rec := range normal {
		totalSellQty = totalSellQty.Add(rec.Quantity)
	}
	// Proceeds attributable to the filled part; the short's slice keeps the
	// remainder as its (negative) book value.
	totalProceeds := roundMoney(sellBook.Mul(totalSellQty.Div(originalQty)))

	events := make([]domain.RealizedPL, 0, len(normal))
	allocated := decimal.Zero
	for i, rec := range normal {
		origQty, origBook := e.originalBatchInfo(invKey{LedgerID: tx.LedgerID, Code: tx.Code}, rec)

		var income decimal.Decimal
		if i == len(normal)-1 {
			income = roundMoney(totalProceeds.Sub(allocated))
		} else {
			income = roundMoney(rec.Quantity.Div(totalSellQty).Mul(totalProceeds))
			allocated = allocated.Add(income)
		}

		cost := rec.BookValue.Abs()
		events = append(events, domain.RealizedPL{
			LedgerID:          tx.LedgerID,
			Date:              tx.Date,
			TransactionID:     tx.ID,
			LotID:             rec.BatchID,
			Account:           tx.Account,
			Code:              tx.Code,
			Name:              tx.Name,
			OriginalQuantity:  origQty,
			OriginalBookValue: origBook.Abs(),
			SoldQuantity:      rec.Quantity,
			RemainingQuantity: origQty.Sub(rec.Quantity),
			RemainingBookVal:  origBook.Sub(rec.BookValue).Abs(),
			Income:            income,
			Cost:              cost,
			Profit:            roundMoney(income.Sub(cost)),
			Currency:          tx.Currency,
			ExchangeRate:      rate,
			CostExchangeRate:  rec.CostRate,
		})
	}
	return events
}

// originalBatchInfo reconstructs a lot's pre-sale quantity and book value.
// Partially consumed lots are still in inventory (current + sold = original);
// fully consumed lots are gone, in which case the consumed slice IS the lot.
func (e *FIFOEngine) originalBatchInfo(key invKey, rec removedSlice) (decimal.Decimal, decimal.Decimal) {
	for _, lot := range e.inventory[key] {
		if lot.BatchID == rec.BatchID && lot.Quantity.IsPositive() {
			return lot.Quantity.Add(rec.Quantity), lot.BookValue.Add(rec.BookValue)
		}
	}
	return rec.Quantity, rec.BookValue
}

func (e *FIFOEngine) removeLot(key invKey, target *domain.Lot) {
	lots := e.inventory[key]
	for i, lot := range lots {
		if lot == target {
			e.inventory[key] = append(lots[:i], lots[i+1:]...)
			return
		}
	}
}

// Lots returns copies of the matching lots, short lots included.
func (e *FIFOEngine) Lots(f Filter) []domain.Lot {
	var out []domain.Lot
	for key, lots := range e.inventory {
		if !f.matches(key.LedgerID, key.Code) {
			continue
		}
		for _, lot := range lots {
			out = append(out, *lot)
		}
	}
	sortLotsStable(out)
	return out
}

// Holdings returns the engine-agnostic view used by the position synchronizer.
func (e *FIFOEngine) Holdings(f Filter) []Holding {
	lots := e.Lots(f)
	out := make([]Holding, 0, len(lots))
	for _, lot := range lots {
		out = append(out, Holding{
			LedgerID:     lot.LedgerID,
			Account:      lot.Account,
			Code:         lot.Code,
			Name:         lot.Name,
			Currency:     lot.Currency,
			Quantity:     lot.Quantity,
			BookValue:    lot.BookValue,
			ExchangeRate: lot.ExchangeRate,
		})
	}
	return out
}

// RealizedPL returns the matching realized events in emission order.
func (e *FIFOEngine) RealizedPL(f Filter) []domain.RealizedPL {
	var out []domain.RealizedPL
	for _, pl := range e.realized {
		if f.matches(pl.LedgerID, pl.Code) {
			out = append(out, pl)
		}
	}
	return out
}

// TotalQuantity sums lot quantities for (ledger, code), optionally narrowed
// to one account.
func (e *FIFOEngine) TotalQuantity(ledgerID int64, code, account string) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range e.inventory[invKey{LedgerID: ledgerID, Code: code}] {
		if account != "" && lot.Account != account {
			continue
		}
		total = total.Add(lot.Quantity)
	}
	return total
}

// ClearLedger drops all lots, realized events and processed-pair markers for
// one ledger. Used before a full rebuild of that ledger.
func (e *FIFOEngine) ClearLedger(ledgerID int64) {
	for key := range e.inventory {
		if key.LedgerID == ledgerID {
			delete(e.inventory, key)
		}
	}
	kept := e.realized[:0]
	for _, pl := range e.realized {
		if pl.LedgerID != ledgerID {
			kept = append(kept, pl)
		}
	}
	e.realized = kept
	delete(e.seen, ledgerID)
}

// Clear wipes the whole engine.
func (e *FIFOEngine) Clear() {
	e.inventory = make(map[invKey][]*domain.Lot)
	e.realized = nil
	e.seen = make(map[int64]map[txKey]struct{})
}

// processedPairs exports the (id, account) markers of one ledger for the
// warm-start snapshot.
func (e *FIFOEngine) processedPairs(ledgerID int64) []txKey {
	pairs := make([]txKey, 0, len(e.seen[ledgerID]))
	for k := range e.seen[ledgerID] {
		pairs = append(pairs, k)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].TxID != pairs[j].TxID {
			return pairs[i].TxID < pairs[j].TxID
		}
		return pairs[i].Account < pairs[j].Account
	})
	return pairs
}

// restoreLedger replaces one ledger's state from a snapshot.
func (e *FIFOEngine) restoreLedger(ledgerID int64, lots []domain.Lot, realized []domain.RealizedPL, pairs []txKey) {
	e.ClearLedger(ledgerID)
	for i := range lots {
		lot := lots[i]
		key := invKey{LedgerID: lot.LedgerID, Code: lot.Code}
		e.inventory[key] = append(e.inventory[key], &lot)
	}
	for key := range e.inventory {
		sortLotsByDate(e.inventory[key])
	}
	e.realized = append(e.realized, realized...)
	seen := make(map[txKey]struct{}, len(pairs))
	for _, p := range pairs {
		seen[p] = struct{}{}
	}
	e.seen[ledgerID] = seen
}

func sortLotsByDate(lots []*domain.Lot) {
	sort.SliceStable(lots, func(i, j int) bool { return lots[i].Date < lots[j].Date })
}

func sortLotsStable(lots []domain.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		if a.LedgerID != b.LedgerID {
			return a.LedgerID < b.LedgerID
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return a.BatchID < b.BatchID
	})
}
