package inventory

import (
	"sort"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WACEngine maintains a single weighted-average-cost balance per
// (ledger, security, account). Buys blend the average; sells realize P&L at
// the pre-sale average. Short balances carry their own average entry price,
// and a buy against a short covers it first, realizing P&L, before any
// remainder opens a long balance.
type WACEngine struct {
	balances map[invKey][]*domain.Balance
	realized []domain.RealizedPL
	seen     map[int64]map[txKey]struct{}
	log      zerolog.Logger
}

// NewWACEngine creates an empty weighted-average-cost engine.
func NewWACEngine(log zerolog.Logger) *WACEngine {
	return &WACEngine{
		balances: make(map[invKey][]*domain.Balance),
		seen:     make(map[int64]map[txKey]struct{}),
		log:      log.With().Str("engine", "wac").Logger(),
	}
}

// Method returns the cost method this engine implements.
func (e *WACEngine) Method() domain.CostMethod { return domain.CostMethodWAC }

// Process applies one transaction, at most once per (id, account) pair.
func (e *WACEngine) Process(tx domain.Transaction) error {
	if err := validate(tx); err != nil {
		return err
	}
	k := txKey{TxID: tx.ID, Account: tx.Account}
	if pairs, ok := e.seen[tx.LedgerID]; ok {
		if _, done := pairs[k]; done {
			e.log.Debug().Int64("tx_id", tx.ID).Str("account", tx.Account).
				Msg("transaction already processed, skipping")
			return nil
		}
	} else {
		e.seen[tx.LedgerID] = make(map[txKey]struct{})
	}
	e.seen[tx.LedgerID][k] = struct{}{}

	rate := rateOrOne(tx.ExchangeRate)
	if tx.Quantity.IsPositive() {
		e.buy(tx, tx.Quantity, tx.Amount.Abs(), rate)
	} else {
		e.sell(tx, tx.Quantity.Neg(), tx.Amount.Abs(), rate)
	}
	return nil
}

func (e *WACEngine) balance(key invKey, account string) *domain.Balance {
	for _, b := range e.balances[key] {
		if b.Account == account {
			return b
		}
	}
	return nil
}

func (e *WACEngine) dropBalance(key invKey, target *domain.Balance) {
	list := e.balances[key]
	for i, b := range list {
		if b == target {
			e.balances[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// buy blends the purchase into the running average. When the existing
// balance is short, the buy first covers it at the short's carried average,
// realizing P&L against the purchase cost per unit; only the excess, if any,
// opens a fresh long balance at the purchase price.
func (e *WACEngine) buy(tx domain.Transaction, qty, book, rate decimal.Decimal) {
	key := invKey{LedgerID: tx.LedgerID, Code: tx.Code}
	bal := e.balance(key, tx.Account)

	if bal == nil {
		avg := roundUnit(book.Div(qty))
		e.balances[key] = append(e.balances[key], &domain.Balance{
			LedgerID:     tx.LedgerID,
			Account:      tx.Account,
			Code:         tx.Code,
			Name:         tx.Name,
			Currency:     tx.Currency,
			Quantity:     qty,
			TotalCost:    roundMoney(book),
			AvgCost:      avg,
			ExchangeRate: rate,
		})
		return
	}

	if bal.Quantity.IsNegative() {
		e.coverShort(key, bal, tx, qty, book, rate)
		return
	}

	newQty := bal.Quantity.Add(qty)
	newCost := roundMoney(bal.TotalCost.Add(book))
	// Blend the carried acquisition rate by quantity weight alongside the
	// average. Quantity is validated nonzero, so the weights are always
	// defined; cost is not (zero-amount grants and in-kind transfers).
	oldWeight := bal.Quantity.Div(newQty)
	newWeight := qty.Div(newQty)
	bal.ExchangeRate = roundUnit(bal.ExchangeRate.Mul(oldWeight).Add(rate.Mul(newWeight)))
	bal.Quantity = newQty
	bal.TotalCost = newCost
	bal.AvgCost = roundUnit(newCost.Div(newQty))
	if tx.Name != "" {
		bal.Name = tx.Name
	}
}

// coverShort closes a short balance with a buy, realizing P&L at the short's
// carried average entry price against the buy's cost per unit.
func (e *WACEngine) coverShort(key invKey, bal *domain.Balance, tx domain.Transaction, qty, book, rate decimal.Decimal) {
	shortQty := bal.Quantity.Neg()
	entryAvg := bal.AvgCost
	buyAvg := roundUnit(book.Div(qty))
	covered := decimal.Min(qty, shortQty)

	income := roundMoney(covered.Mul(entryAvg))
	cost := roundMoney(covered.Mul(buyAvg))
	remainingShort := shortQty.Sub(covered)
	e.realized = append(e.realized, domain.RealizedPL{
		LedgerID:          tx.LedgerID,
		Date:              tx.Date,
		TransactionID:     tx.ID,
		Account:           tx.Account,
		Code:              tx.Code,
		Name:              tx.Name,
		OriginalQuantity:  shortQty.Neg(),
		OriginalBookValue: bal.TotalCost.Abs(),
		SoldQuantity:      covered.Neg(),
		RemainingQuantity: remainingShort.Neg(),
		RemainingBookVal:  roundMoney(remainingShort.Mul(entryAvg)),
		AvgCost:           entryAvg,
		Income:            income,
		Cost:              cost,
		Profit:            roundMoney(income.Sub(cost)),
		Currency:          tx.Currency,
		ExchangeRate:      rate,
		CostExchangeRate:  bal.ExchangeRate,
	})

	leftover := qty.Sub(covered)
	if remainingShort.IsPositive() {
		bal.Quantity = remainingShort.Neg()
		bal.TotalCost = roundMoney(remainingShort.Mul(entryAvg)).Neg()
		return
	}
	if leftover.IsPositive() {
		// Short fully covered with buy quantity to spare: the leftover opens
		// a long balance at the purchase price.
		bal.Quantity = leftover
		bal.TotalCost = roundMoney(leftover.Mul(buyAvg))
		bal.AvgCost = buyAvg
		bal.ExchangeRate = rate
		if tx.Name != "" {
			bal.Name = tx.Name
		}
		return
	}
	e.dropBalance(key, bal)
}

// sell realizes P&L at the balance's pre-sale average cost. Selling past the
// balance (or with no balance at all) leaves a short balance whose average is
// the sale price; selling while already short realizes against the short's
// entry average and deepens it without moving that average.
func (e *WACEngine) sell(tx domain.Transaction, qty, book, rate decimal.Decimal) {
	key := invKey{LedgerID: tx.LedgerID, Code: tx.Code}
	bal := e.balance(key, tx.Account)

	if bal == nil {
		// Opening a short: its carried average is the sale price.
		e.balances[key] = append(e.balances[key], &domain.Balance{
			LedgerID:     tx.LedgerID,
			Account:      tx.Account,
			Code:         tx.Code,
			Name:         tx.Name,
			Currency:     tx.Currency,
			Quantity:     qty.Neg(),
			TotalCost:    roundMoney(book).Neg(),
			AvgCost:      roundUnit(book.Div(qty)),
			ExchangeRate: rate,
		})
		return
	}
	if bal.Quantity.IsNegative() {
		e.extendShort(bal, tx, qty, book, rate)
		return
	}

	avg := bal.AvgCost
	origQty := bal.Quantity
	origCost := bal.TotalCost
	newQty := origQty.Sub(qty)
	closed := decimal.Min(qty, origQty)
	kept := decimal.Max(newQty, decimal.Zero)
	income := roundMoney(book.Mul(closed).Div(qty))
	cost := roundMoney(closed.Mul(avg))

	e.realized = append(e.realized, domain.RealizedPL{
		LedgerID:          tx.LedgerID,
		Date:              tx.Date,
		TransactionID:     tx.ID,
		Account:           tx.Account,
		Code:              tx.Code,
		Name:              tx.Name,
		OriginalQuantity:  origQty,
		OriginalBookValue: origCost,
		SoldQuantity:      closed,
		RemainingQuantity: kept,
		RemainingBookVal:  roundMoney(kept.Mul(avg)),
		AvgCost:           avg,
		Income:            income,
		Cost:              cost,
		Profit:            roundMoney(income.Sub(cost)),
		Currency:          tx.Currency,
		ExchangeRate:      rate,
		CostExchangeRate:  bal.ExchangeRate,
	})

	if newQty.Abs().LessThan(domain.PositionEpsilon) {
		e.dropBalance(key, bal)
		return
	}
	if newQty.IsPositive() {
		bal.Quantity = newQty
		bal.TotalCost = roundMoney(newQty.Mul(avg))
		return
	}
	// Sold through the long balance: the excess flips to a short whose
	// average is the sale price.
	excess := newQty.Neg()
	sellAvg := roundUnit(book.Div(qty))
	bal.Quantity = excess.Neg()
	bal.TotalCost = roundMoney(excess.Mul(sellAvg)).Neg()
	bal.AvgCost = sellAvg
	bal.ExchangeRate = rate
}

// extendShort grows a short balance with a further sell. The sale realizes
// P&L against the short's carried average right away; a sell never moves the
// average entry price.
func (e *WACEngine) extendShort(bal *domain.Balance, tx domain.Transaction, qty, book, rate decimal.Decimal) {
	avg := bal.AvgCost
	origQty := bal.Quantity
	newQty := origQty.Sub(qty)
	income := roundMoney(book)
	cost := roundMoney(qty.Mul(avg))

	e.realized = append(e.realized, domain.RealizedPL{
		LedgerID:          tx.LedgerID,
		Date:              tx.Date,
		TransactionID:     tx.ID,
		Account:           tx.Account,
		Code:              tx.Code,
		Name:              tx.Name,
		OriginalQuantity:  origQty,
		OriginalBookValue: bal.TotalCost,
		SoldQuantity:      qty,
		RemainingQuantity: newQty,
		RemainingBookVal:  roundMoney(newQty.Mul(avg)),
		AvgCost:           avg,
		Income:            income,
		Cost:              cost,
		Profit:            roundMoney(income.Sub(cost)),
		Currency:          tx.Currency,
		ExchangeRate:      rate,
		CostExchangeRate:  bal.ExchangeRate,
	})

	bal.Quantity = newQty
	bal.TotalCost = roundMoney(newQty.Mul(avg))
	if tx.Name != "" {
		bal.Name = tx.Name
	}
}

// Holdings returns one entry per surviving balance.
func (e *WACEngine) Holdings(f Filter) []Holding {
	var out []Holding
	for key, list := range e.balances {
		if !f.matches(key.LedgerID, key.Code) {
			continue
		}
		for _, b := range list {
			out = append(out, Holding{
				LedgerID:     b.LedgerID,
				Account:      b.Account,
				Code:         b.Code,
				Name:         b.Name,
				Currency:     b.Currency,
				Quantity:     b.Quantity,
				BookValue:    b.TotalCost,
				ExchangeRate: b.ExchangeRate,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LedgerID != b.LedgerID {
			return a.LedgerID < b.LedgerID
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Account < b.Account
	})
	return out
}

// Balances returns copies of the matching average-cost balances.
func (e *WACEngine) Balances(f Filter) []domain.Balance {
	var out []domain.Balance
	for key, list := range e.balances {
		if !f.matches(key.LedgerID, key.Code) {
			continue
		}
		for _, b := range list {
			out = append(out, *b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LedgerID != b.LedgerID {
			return a.LedgerID < b.LedgerID
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Account < b.Account
	})
	return out
}

// RealizedPL returns the matching realized events in emission order.
func (e *WACEngine) RealizedPL(f Filter) []domain.RealizedPL {
	var out []domain.RealizedPL
	for _, pl := range e.realized {
		if f.matches(pl.LedgerID, pl.Code) {
			out = append(out, pl)
		}
	}
	return out
}

// TotalQuantity sums balance quantities for (ledger, code), optionally
// narrowed to one account.
func (e *WACEngine) TotalQuantity(ledgerID int64, code, account string) decimal.Decimal {
	total := decimal.Zero
	for _, b := range e.balances[invKey{LedgerID: ledgerID, Code: code}] {
		if account != "" && b.Account != account {
			continue
		}
		total = total.Add(b.Quantity)
	}
	return total
}

// ClearLedger drops all state for one ledger ahead of a full rebuild.
func (e *WACEngine) ClearLedger(ledgerID int64) {
	for key := range e.balances {
		if key.LedgerID == ledgerID {
			delete(e.balances, key)
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
func (e *WACEngine) Clear() {
	e.balances = make(map[invKey][]*domain.Balance)
	e.realized = nil
	e.seen = make(map[int64]map[txKey]struct{})
}

// processedPairs exports the (id, account) markers of one ledger for the
// warm-start snapshot.
func (e *WACEngine) processedPairs(ledgerID int64) []txKey {
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
func (e *WACEngine) restoreLedger(ledgerID int64, balances []domain.Balance, realized []domain.RealizedPL, pairs []txKey) {
	e.ClearLedger(ledgerID)
	for i := range balances {
		b := balances[i]
		key := invKey{LedgerID: b.LedgerID, Code: b.Code}
		e.balances[key] = append(e.balances[key], &b)
	}
	e.realized = append(e.realized, realized...)
	seen := make(map[txKey]struct{}, len(pairs))
	for _, p := range pairs {
		seen[p] = struct{}{}
	}
	e.seen[ledgerID] = seen
}
