// Package domain provides core domain models and types shared across modules.
package domain

import "github.com/shopspring/decimal"

// CostMethod selects the cost-basis accounting method for a ledger.
type CostMethod string

const (
	// CostMethodFIFO tracks discrete acquisition lots, consumed oldest-first.
	CostMethodFIFO CostMethod = "fifo"
	// CostMethodWAC blends all acquisitions into one running average cost.
	CostMethodWAC CostMethod = "wac"
)

// DefaultCostMethod is used for ledgers without an explicit cost_method.
const DefaultCostMethod = CostMethodFIFO

// PositionEpsilon is the noise threshold below which a quantity counts as zero.
// Quantities within ±epsilon clear the position instead of keeping a dust row.
var PositionEpsilon = decimal.RequireFromString("0.0001")

// Transaction is one row of the buy/sell feed, already normalized:
// Quantity is signed (+buy/open, -sell/close), Amount is the signed book
// value, and ExchangeRate is the rate effective on the transaction date
// (1.0 when the transaction currency is the report currency).
type Transaction struct {
	ID           int64
	LedgerID     int64
	Account      string
	Code         string
	Name         string
	Date         string // YYYY-MM-DD
	Quantity     decimal.Decimal
	Amount       decimal.Decimal
	Currency     string
	ExchangeRate decimal.Decimal
}

// Lot is one discrete acquisition batch held at a specific cost (FIFO only).
// A negative quantity marks a short lot created by an oversell; its book
// value is the (negative) proportional share of the sale proceeds.
type Lot struct {
	BatchID      int64 // id of the transaction that opened the lot
	LedgerID     int64
	Account      string
	Code         string
	Name         string
	Date         string
	Quantity     decimal.Decimal
	BookValue    decimal.Decimal
	Currency     string
	ExchangeRate decimal.Decimal // rate at acquisition time
}

// Balance is the single blended record per (ledger, code, account) kept by
// the WAC engine. Quantity may go negative (short balance).
type Balance struct {
	LedgerID     int64
	Account      string
	Code         string
	Name         string
	Quantity     decimal.Decimal
	TotalCost    decimal.Decimal
	AvgCost      decimal.Decimal // 4 decimal places
	Currency     string
	ExchangeRate decimal.Decimal // quantity-weighted acquisition rate
}

// RealizedPL is one immutable realized profit-and-loss event. The income leg
// uses the sale-time exchange rate, the cost leg the acquisition-time rate;
// the two must never be conflated when reporting in a single currency.
type RealizedPL struct {
	LedgerID          int64
	Date              string
	TransactionID     int64 // the closing transaction
	LotID             int64 // the consumed lot / covered short (FIFO)
	Account           string
	Code              string
	Name              string
	OriginalQuantity  decimal.Decimal
	OriginalBookValue decimal.Decimal
	SoldQuantity      decimal.Decimal // negative for short covers
	RemainingQuantity decimal.Decimal
	RemainingBookVal  decimal.Decimal
	AvgCost           decimal.Decimal // WAC only: average cost at sale time
	Income            decimal.Decimal
	Cost              decimal.Decimal
	Profit            decimal.Decimal
	Currency          string
	ExchangeRate      decimal.Decimal // sale-time rate
	CostExchangeRate  decimal.Decimal // acquisition-time rate
}

// ReportCurrencyProfit converts the event to the report currency using the
// historically correct rate per leg: income at the sale-time rate, cost at
// the acquisition-time rate.
func (pl RealizedPL) ReportCurrencyProfit() decimal.Decimal {
	return pl.Income.Mul(pl.ExchangeRate).
		Sub(pl.Cost.Mul(pl.CostExchangeRate)).
		Round(2)
}

// Position is the projected current holding for (ledger, account, code,
// currency), aggregated across lots. Engine state is authoritative; this
// projection only exists for cheap reads.
type Position struct {
	LedgerID     int64
	Account      string
	Code         string
	Name         string
	Currency     string
	Quantity     decimal.Decimal
	BookValue    decimal.Decimal
	AvgCost      decimal.Decimal // BookValue/Quantity at 4dp, zero for flat positions
	ExchangeRate decimal.Decimal
}

// CapitalFlow is one signed principal contribution (+) or withdrawal (-)
// in the report currency.
type CapitalFlow struct {
	ID       int64
	LedgerID int64
	Date     string
	Amount   decimal.Decimal
	Note     string
}

// NAVPoint is one day of the unit-price series for a ledger.
type NAVPoint struct {
	LedgerID         int64
	Date             string
	CapitalFlow      decimal.Decimal
	ConfirmedUnits   decimal.Decimal // SHARE_DECIMALS precision
	ConfirmPrice     decimal.Decimal // unit price the units were confirmed at
	TotalUnits       decimal.Decimal
	UnitPrice        decimal.Decimal // NAV_DECIMALS precision
	NetAssets        decimal.Decimal
	DailyPnL         decimal.Decimal
	DailyReturnPct   string // e.g. "5.00%"
	CumulativeReturn decimal.Decimal
}

// RoundingDiff records the residue between raw and confirmed units on a
// capital-flow day, valued at that day's unit price.
type RoundingDiff struct {
	LedgerID       int64
	Date           string
	RawUnits       decimal.Decimal
	ConfirmedUnits decimal.Decimal
	DiffUnits      decimal.Decimal
	DiffAmount     decimal.Decimal
	UnitPrice      decimal.Decimal
}

// Ledger is one isolated book of transactions with its own cost method.
type Ledger struct {
	ID         int64
	Name       string
	CostMethod CostMethod
}
