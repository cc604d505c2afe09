package inventory

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// StateCache persists per-ledger engine snapshots so a restarted process can
// warm-start instead of replaying the whole journal. A snapshot is only
// trusted when its checkpoint matches the one stored in the database; any
// mismatch, decode error or method change silently falls back to a rebuild.
type StateCache struct {
	dir string
	log zerolog.Logger
}

// NewStateCache creates a cache writing snapshot files into dir.
func NewStateCache(dir string, log zerolog.Logger) *StateCache {
	return &StateCache{
		dir: dir,
		log: log.With().Str("component", "state_cache").Logger(),
	}
}

// Decimals are stored as strings inside the snapshot to keep them exact
// across the msgpack round trip.
type lotRecord struct {
	BatchID      int64  `msgpack:"batch_id"`
	Account      string `msgpack:"account"`
	Code         string `msgpack:"code"`
	Name         string `msgpack:"name"`
	Date         string `msgpack:"date"`
	Quantity     string `msgpack:"quantity"`
	BookValue    string `msgpack:"book_value"`
	Currency     string `msgpack:"currency"`
	ExchangeRate string `msgpack:"exchange_rate"`
}

type balanceRecord struct {
	Account      string `msgpack:"account"`
	Code         string `msgpack:"code"`
	Name         string `msgpack:"name"`
	Currency     string `msgpack:"currency"`
	Quantity     string `msgpack:"quantity"`
	TotalCost    string `msgpack:"total_cost"`
	AvgCost      string `msgpack:"avg_cost"`
	ExchangeRate string `msgpack:"exchange_rate"`
}

type realizedRecord struct {
	Date              string `msgpack:"date"`
	TransactionID     int64  `msgpack:"transaction_id"`
	LotID             int64  `msgpack:"lot_id"`
	Account           string `msgpack:"account"`
	Code              string `msgpack:"code"`
	Name              string `msgpack:"name"`
	OriginalQuantity  string `msgpack:"original_quantity"`
	OriginalBookValue string `msgpack:"original_book_value"`
	SoldQuantity      string `msgpack:"sold_quantity"`
	RemainingQuantity string `msgpack:"remaining_quantity"`
	RemainingBookVal  string `msgpack:"remaining_book_value"`
	AvgCost           string `msgpack:"avg_cost"`
	Income            string `msgpack:"income"`
	Cost              string `msgpack:"cost"`
	Profit            string `msgpack:"profit"`
	Currency          string `msgpack:"currency"`
	ExchangeRate      string `msgpack:"exchange_rate"`
	CostExchangeRate  string `msgpack:"cost_exchange_rate"`
}

type pairRecord struct {
	TxID    int64  `msgpack:"tx_id"`
	Account string `msgpack:"account"`
}

type snapshotFile struct {
	LedgerID   int64            `msgpack:"ledger_id"`
	Method     string           `msgpack:"method"`
	Checkpoint int64            `msgpack:"checkpoint"`
	Lots       []lotRecord      `msgpack:"lots"`
	Balances   []balanceRecord  `msgpack:"balances"`
	Realized   []realizedRecord `msgpack:"realized"`
	Processed  []pairRecord     `msgpack:"processed"`
}

func (c *StateCache) path(ledgerID int64) string {
	return filepath.Join(c.dir, fmt.Sprintf("finbook_state_%d.msgpack", ledgerID))
}

// Save writes a snapshot of one ledger's engine state at the given checkpoint.
func (c *StateCache) Save(ledgerID int64, checkpoint int64, engine Engine) error {
	snap := snapshotFile{
		LedgerID:   ledgerID,
		Method:     string(engine.Method()),
		Checkpoint: checkpoint,
	}
	filter := Filter{LedgerID: &ledgerID}

	switch e := engine.(type) {
	case *FIFOEngine:
		for _, lot := range e.Lots(filter) {
			snap.Lots = append(snap.Lots, lotRecord{
				BatchID:      lot.BatchID,
				Account:      lot.Account,
				Code:         lot.Code,
				Name:         lot.Name,
				Date:         lot.Date,
				Quantity:     lot.Quantity.String(),
				BookValue:    lot.BookValue.String(),
				Currency:     lot.Currency,
				ExchangeRate: lot.ExchangeRate.String(),
			})
		}
		snap.Realized = encodeRealized(e.RealizedPL(filter))
		snap.Processed = encodePairs(e.processedPairs(ledgerID))
	case *WACEngine:
		for _, b := range e.Balances(filter) {
			snap.Balances = append(snap.Balances, balanceRecord{
				Account:      b.Account,
				Code:         b.Code,
				Name:         b.Name,
				Currency:     b.Currency,
				Quantity:     b.Quantity.String(),
				TotalCost:    b.TotalCost.String(),
				AvgCost:      b.AvgCost.String(),
				ExchangeRate: b.ExchangeRate.String(),
			})
		}
		snap.Realized = encodeRealized(e.RealizedPL(filter))
		snap.Processed = encodePairs(e.processedPairs(ledgerID))
	default:
		return fmt.Errorf("unsupported engine type %T", engine)
	}

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for ledger %d: %w", ledgerID, err)
	}
	tmp := c.path(ledgerID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot for ledger %d: %w", ledgerID, err)
	}
	if err := os.Rename(tmp, c.path(ledgerID)); err != nil {
		return fmt.Errorf("failed to publish snapshot for ledger %d: %w", ledgerID, err)
	}
	return nil
}

// Load restores one ledger's engine state from a snapshot. It returns true
// only when a snapshot exists for the expected checkpoint and cost method and
// decoded cleanly; false means the caller must rebuild from the journal.
func (c *StateCache) Load(ledgerID int64, expectCheckpoint int64, engine Engine) (bool, error) {
	data, err := os.ReadFile(c.path(ledgerID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read snapshot for ledger %d: %w", ledgerID, err)
	}

	var snap snapshotFile
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		c.log.Warn().Int64("ledger_id", ledgerID).Err(err).Msg("snapshot undecodable, discarding")
		c.Invalidate(ledgerID)
		return false, nil
	}
	if snap.LedgerID != ledgerID || snap.Method != string(engine.Method()) || snap.Checkpoint != expectCheckpoint {
		c.log.Debug().Int64("ledger_id", ledgerID).
			Int64("snapshot_checkpoint", snap.Checkpoint).
			Int64("expected_checkpoint", expectCheckpoint).
			Msg("snapshot stale, ignoring")
		return false, nil
	}

	realized, err := decodeRealized(ledgerID, snap.Realized)
	if err != nil {
		c.log.Warn().Int64("ledger_id", ledgerID).Err(err).Msg("snapshot corrupt, discarding")
		c.Invalidate(ledgerID)
		return false, nil
	}
	pairs := decodePairs(snap.Processed)

	switch e := engine.(type) {
	case *FIFOEngine:
		lots := make([]domain.Lot, 0, len(snap.Lots))
		for _, rec := range snap.Lots {
			lot := domain.Lot{
				BatchID:  rec.BatchID,
				LedgerID: ledgerID,
				Account:  rec.Account,
				Code:     rec.Code,
				Name:     rec.Name,
				Date:     rec.Date,
				Currency: rec.Currency,
			}
			if lot.Quantity, err = decimal.NewFromString(rec.Quantity); err != nil {
				break
			}
			if lot.BookValue, err = decimal.NewFromString(rec.BookValue); err != nil {
				break
			}
			if lot.ExchangeRate, err = decimal.NewFromString(rec.ExchangeRate); err != nil {
				break
			}
			lots = append(lots, lot)
		}
		if err != nil {
			c.log.Warn().Int64("ledger_id", ledgerID).Err(err).Msg("snapshot corrupt, discarding")
			c.Invalidate(ledgerID)
			return false, nil
		}
		e.restoreLedger(ledgerID, lots, realized, pairs)
	case *WACEngine:
		balances := make([]domain.Balance, 0, len(snap.Balances))
		for _, rec := range snap.Balances {
			b := domain.Balance{
				LedgerID: ledgerID,
				Account:  rec.Account,
				Code:     rec.Code,
				Name:     rec.Name,
				Currency: rec.Currency,
			}
			if b.Quantity, err = decimal.NewFromString(rec.Quantity); err != nil {
				break
			}
			if b.TotalCost, err = decimal.NewFromString(rec.TotalCost); err != nil {
				break
			}
			if b.AvgCost, err = decimal.NewFromString(rec.AvgCost); err != nil {
				break
			}
			if b.ExchangeRate, err = decimal.NewFromString(rec.ExchangeRate); err != nil {
				break
			}
			balances = append(balances, b)
		}
		if err != nil {
			c.log.Warn().Int64("ledger_id", ledgerID).Err(err).Msg("snapshot corrupt, discarding")
			c.Invalidate(ledgerID)
			return false, nil
		}
		e.restoreLedger(ledgerID, balances, realized, pairs)
	default:
		return false, fmt.Errorf("unsupported engine type %T", engine)
	}

	c.log.Info().Int64("ledger_id", ledgerID).Int64("checkpoint", expectCheckpoint).
		Msg("engine state warm-started from snapshot")
	return true, nil
}

// Invalidate removes a ledger's snapshot file.
func (c *StateCache) Invalidate(ledgerID int64) {
	if err := os.Remove(c.path(ledgerID)); err != nil && !os.IsNotExist(err) {
		c.log.Warn().Int64("ledger_id", ledgerID).Err(err).Msg("failed to remove snapshot")
	}
}

func encodeRealized(events []domain.RealizedPL) []realizedRecord {
	out := make([]realizedRecord, 0, len(events))
	for _, pl := range events {
		out = append(out, realizedRecord{
			Date:              pl.Date,
			TransactionID:     pl.TransactionID,
			LotID:             pl.LotID,
			Account:           pl.Account,
			Code:              pl.Code,
			Name:              pl.Name,
			OriginalQuantity:  pl.OriginalQuantity.String(),
			OriginalBookValue: pl.OriginalBookValue.String(),
			SoldQuantity:      pl.SoldQuantity.String(),
			RemainingQuantity: pl.RemainingQuantity.String(),
			RemainingBookVal:  pl.RemainingBookVal.String(),
			AvgCost:           pl.AvgCost.String(),
			Income:            pl.Income.String(),
			Cost:              pl.Cost.String(),
			Profit:            pl.Profit.String(),
			Currency:          pl.Currency,
			ExchangeRate:      pl.ExchangeRate.String(),
			CostExchangeRate:  pl.CostExchangeRate.String(),
		})
	}
	return out
}

func decodeRealized(ledgerID int64, records []realizedRecord) ([]domain.RealizedPL, error) {
	out := make([]domain.RealizedPL, 0, len(records))
	for _, rec := range records {
		pl := domain.RealizedPL{
			LedgerID:      ledgerID,
			Date:          rec.Date,
			TransactionID: rec.TransactionID,
			LotID:         rec.LotID,
			Account:       rec.Account,
			Code:          rec.Code,
			Name:          rec.Name,
			Currency:      rec.Currency,
		}
		fields := []struct {
			dst *decimal.Decimal
			src string
		}{
			{&pl.OriginalQuantity, rec.OriginalQuantity},
			{&pl.OriginalBookValue, rec.OriginalBookValue},
			{&pl.SoldQuantity, rec.SoldQuantity},
			{&pl.RemainingQuantity, rec.RemainingQuantity},
			{&pl.RemainingBookVal, rec.RemainingBookVal},
			{&pl.AvgCost, rec.AvgCost},
			{&pl.Income, rec.Income},
			{&pl.Cost, rec.Cost},
			{&pl.Profit, rec.Profit},
			{&pl.ExchangeRate, rec.ExchangeRate},
			{&pl.CostExchangeRate, rec.CostExchangeRate},
		}
		for _, f := range fields {
			v, err := decimal.NewFromString(f.src)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q in realized record: %w", f.src, err)
			}
			*f.dst = v
		}
		out = append(out, pl)
	}
	return out, nil
}

func encodePairs(pairs []txKey) []pairRecord {
	out := make([]pairRecord, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, pairRecord{TxID: p.TxID, Account: p.Account})
	}
	return out
}

func decodePairs(records []pairRecord) []txKey {
	out := make([]txKey, 0, len(records))
	for _, rec := range records {
		out = append(out, txKey{TxID: rec.TxID, Account: rec.Account})
	}
	return out
}
