package returns

import (
	"fmt"
	"sort"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Service orchestrates the return-rate pipeline: it assembles day inputs
// from flows and asset snapshots, runs the calculator and persists the
// resulting series. Writes that touch history trigger recomputation from the
// affected date forward, seeded by the last untouched point.
type Service struct {
	flows  *FlowRepository
	assets *AssetsRepository
	series *SeriesRepository
	calc   *Calculator
	log    zerolog.Logger
}

// NewService wires the returns module together.
func NewService(flows *FlowRepository, assets *AssetsRepository, series *SeriesRepository, calc *Calculator, log zerolog.Logger) *Service {
	return &Service{
		flows:  flows,
		assets: assets,
		series: series,
		calc:   calc,
		log:    log.With().Str("service", "returns").Logger(),
	}
}

// RecordFlow stores a capital flow and recomputes the series from its date.
func (s *Service) RecordFlow(flow domain.CapitalFlow) error {
	if err := s.flows.Record(flow); err != nil {
		return err
	}
	return s.RecomputeFrom(flow.LedgerID, flow.Date)
}

// SaveDailyBalance stores one account balance snapshot and recomputes the
// series from that date.
func (s *Service) SaveDailyBalance(ledgerID int64, account, date string, balance decimal.Decimal) error {
	if err := s.assets.SaveBalance(ledgerID, account, date, balance); err != nil {
		return err
	}
	return s.RecomputeFrom(ledgerID, date)
}

// SaveDailyPositionValue stores one position market-value snapshot and
// recomputes the series from that date.
func (s *Service) SaveDailyPositionValue(ledgerID int64, account, code, date string, marketValue decimal.Decimal) error {
	if err := s.assets.SavePositionValue(ledgerID, account, code, date, marketValue); err != nil {
		return err
	}
	return s.RecomputeFrom(ledgerID, date)
}

// Recompute rebuilds the whole series of a ledger from scratch.
func (s *Service) Recompute(ledgerID int64) error {
	days, err := s.dayInputs(ledgerID, "")
	if err != nil {
		return err
	}
	points, diffs, err := s.calc.Compute(ledgerID, days, Seed{})
	if err != nil {
		return err
	}
	if err := s.series.ReplaceFrom(ledgerID, "", points, diffs); err != nil {
		return err
	}
	s.log.Info().Int64("ledger_id", ledgerID).Int("points", len(points)).
		Msg("return series fully recomputed")
	return nil
}

// RecomputeFrom rebuilds the series from fromDate forward, seeded by the
// last point before it. Without such a point the whole series is rebuilt.
func (s *Service) RecomputeFrom(ledgerID int64, fromDate string) error {
	seedPoint, err := s.series.LastBefore(ledgerID, fromDate)
	if err != nil {
		return err
	}
	if seedPoint == nil {
		return s.Recompute(ledgerID)
	}

	days, err := s.dayInputs(ledgerID, fromDate)
	if err != nil {
		return err
	}
	seed := Seed{
		TotalUnits: seedPoint.TotalUnits,
		PrevPrice:  seedPoint.UnitPrice,
		PrevAssets: seedPoint.NetAssets,
		HasPrev:    true,
	}
	points, diffs, err := s.calc.Compute(ledgerID, days, seed)
	if err != nil {
		return err
	}
	if err := s.series.ReplaceFrom(ledgerID, fromDate, points, diffs); err != nil {
		return err
	}
	s.log.Debug().Int64("ledger_id", ledgerID).Str("from", fromDate).
		Int("points", len(points)).Msg("return series recomputed incrementally")
	return nil
}

// Series returns the stored return series of a ledger.
func (s *Service) Series(ledgerID int64) ([]domain.NAVPoint, error) {
	return s.series.ListByLedger(ledgerID)
}

// RoundingDiffs returns the stored rounding-diff records of a ledger.
func (s *Service) RoundingDiffs(ledgerID int64) ([]domain.RoundingDiff, error) {
	return s.series.ListRoundingDiffs(ledgerID)
}

// dayInputs assembles the calculator inputs: the union of flow dates and
// snapshot dates, starting at the first capital flow (nothing can be priced
// before principal exists) or at fromDate for incremental runs.
func (s *Service) dayInputs(ledgerID int64, fromDate string) ([]DayInput, error) {
	first, ok, err := s.flows.FirstDate(ledgerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Warn().Int64("ledger_id", ledgerID).Msg("ledger has no capital flows, nothing to compute")
		return nil, nil
	}
	start := first
	if fromDate > start {
		start = fromDate
	}

	flows, err := s.flows.ListByLedger(ledgerID)
	if err != nil {
		return nil, err
	}
	flowByDate := make(map[string]decimal.Decimal, len(flows))
	for _, f := range flows {
		if f.Date >= start {
			flowByDate[f.Date] = f.Amount
		}
	}

	dates, err := s.assets.DatesWithData(ledgerID, start)
	if err != nil {
		return nil, err
	}
	dateSet := make(map[string]struct{}, len(dates)+len(flowByDate))
	for _, d := range dates {
		dateSet[d] = struct{}{}
	}
	for d := range flowByDate {
		dateSet[d] = struct{}{}
	}
	ordered := make([]string, 0, len(dateSet))
	for d := range dateSet {
		ordered = append(ordered, d)
	}
	sort.Strings(ordered)

	days := make([]DayInput, 0, len(ordered))
	for _, d := range ordered {
		assets, has, err := s.assets.NetAssetsOn(ledgerID, d)
		if err != nil {
			return nil, fmt.Errorf("failed to assemble day input for %s: %w", d, err)
		}
		days = append(days, DayInput{
			Date:      d,
			Flow:      flowByDate[d],
			NetAssets: assets,
			HasAssets: has,
		})
	}
	return days, nil
}
