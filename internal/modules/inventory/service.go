package inventory

import (
	"fmt"
	"sync"

	"github.com/mingqi/finbook/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PositionSyncer pushes engine holdings into the positions projection after
// a mutation. Implemented by the portfolio module.
type PositionSyncer interface {
	SyncLedger(ledgerID int64, holdings []Holding) error
}

// Service is the single entry point for journal mutations and engine reads.
// All operations on one ledger are serialized through a per-ledger lock; the
// engines themselves are not safe for concurrent use.
type Service struct {
	ledgers      *LedgerRepository
	transactions *TransactionRepository
	checkpoints  *CheckpointRepository
	controller   *Controller
	fifo         *FIFOEngine
	wac          *WACEngine
	syncer       PositionSyncer // optional
	cache        *StateCache    // optional
	log          zerolog.Logger

	mu    sync.Mutex // guards locks and warm
	locks map[int64]*sync.RWMutex
	warm  map[int64]bool
}

// NewService wires the inventory module together. syncer and cache may be nil.
func NewService(
	ledgers *LedgerRepository,
	transactions *TransactionRepository,
	checkpoints *CheckpointRepository,
	controller *Controller,
	fifo *FIFOEngine,
	wac *WACEngine,
	syncer PositionSyncer,
	cache *StateCache,
	log zerolog.Logger,
) *Service {
	return &Service{
		ledgers:      ledgers,
		transactions: transactions,
		checkpoints:  checkpoints,
		controller:   controller,
		fifo:         fifo,
		wac:          wac,
		syncer:       syncer,
		cache:        cache,
		log:          log.With().Str("service", "inventory").Logger(),
		locks:        make(map[int64]*sync.RWMutex),
		warm:         make(map[int64]bool),
	}
}

// CreateLedger creates a ledger with a fixed cost method.
func (s *Service) CreateLedger(name string, method domain.CostMethod) (int64, error) {
	return s.ledgers.Create(name, method)
}

// Ledgers returns all ledgers.
func (s *Service) Ledgers() ([]domain.Ledger, error) {
	return s.ledgers.List()
}

func (s *Service) ledgerLock(ledgerID int64) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[ledgerID]
	if !ok {
		lk = &sync.RWMutex{}
		s.locks[ledgerID] = lk
	}
	return lk
}

func (s *Service) isWarm(ledgerID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warm[ledgerID]
}

func (s *Service) setWarm(ledgerID int64, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warm[ledgerID] = v
}

// engineFor routes a ledger to the engine matching its cost method.
func (s *Service) engineFor(ledgerID int64) (Engine, error) {
	ledger, err := s.ledgers.GetByID(ledgerID)
	if err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger %d does not exist", domain.ErrValidation, ledgerID)
	}
	switch ledger.CostMethod {
	case domain.CostMethodWAC:
		return s.wac, nil
	case domain.CostMethodFIFO, "":
		return s.fifo, nil
	default:
		return nil, fmt.Errorf("%w: ledger %d has unknown cost method %q",
			domain.ErrConsistency, ledgerID, ledger.CostMethod)
	}
}

// ensureWarmLocked makes the in-memory engine reflect the journal. Called
// with the ledger's write lock held. A cold engine first tries the snapshot
// cache; a stale or missing snapshot means a full replay.
func (s *Service) ensureWarmLocked(engine Engine, ledgerID int64) error {
	if s.isWarm(ledgerID) {
		return nil
	}

	last, ok, err := s.checkpoints.Get(ledgerID)
	if err != nil {
		return err
	}
	restored := false
	if ok && last > 0 && s.cache != nil {
		restored, err = s.cache.Load(ledgerID, last, engine)
		if err != nil {
			return err
		}
	}
	if restored {
		// Snapshot matched the checkpoint, but the journal may have grown
		// past it since the snapshot was taken.
		if err := s.controller.EnsureReady(engine, ledgerID); err != nil {
			return err
		}
	} else {
		if err := s.controller.FullRebuild(engine, ledgerID); err != nil {
			return err
		}
	}
	s.setWarm(ledgerID, true)
	return nil
}

// AddTransaction appends a transaction to the journal and applies it to the
// ledger's engine, taking the incremental fast path when possible.
func (s *Service) AddTransaction(tx domain.Transaction) (int64, error) {
	if tx.Account == "" || tx.Code == "" || tx.Date == "" {
		return 0, fmt.Errorf("%w: account, code and date are required", domain.ErrValidation)
	}
	if tx.Quantity.IsZero() {
		return 0, fmt.Errorf("%w: quantity must not be zero", domain.ErrValidation)
	}

	engine, err := s.engineFor(tx.LedgerID)
	if err != nil {
		return 0, err
	}

	lk := s.ledgerLock(tx.LedgerID)
	lk.Lock()
	defer lk.Unlock()

	if err := s.ensureWarmLocked(engine, tx.LedgerID); err != nil {
		return 0, err
	}

	id, err := s.transactions.Create(tx)
	if err != nil {
		return 0, err
	}
	if err := s.controller.Apply(engine, tx.LedgerID, id); err != nil {
		return 0, err
	}
	if err := s.afterMutationLocked(engine, tx.LedgerID); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateTransaction rewrites a journal row. Editing history invalidates the
// checkpoint, so the whole ledger is replayed.
func (s *Service) UpdateTransaction(tx domain.Transaction) error {
	engine, err := s.engineFor(tx.LedgerID)
	if err != nil {
		return err
	}

	lk := s.ledgerLock(tx.LedgerID)
	lk.Lock()
	defer lk.Unlock()

	if err := s.transactions.Update(tx); err != nil {
		return err
	}
	return s.rebuildAfterDestructiveLocked(engine, tx.LedgerID)
}

// DeleteTransaction removes a journal row and replays the ledger.
func (s *Service) DeleteTransaction(ledgerID, id int64) error {
	engine, err := s.engineFor(ledgerID)
	if err != nil {
		return err
	}

	lk := s.ledgerLock(ledgerID)
	lk.Lock()
	defer lk.Unlock()

	if err := s.transactions.Delete(ledgerID, id); err != nil {
		return err
	}
	return s.rebuildAfterDestructiveLocked(engine, ledgerID)
}

func (s *Service) rebuildAfterDestructiveLocked(engine Engine, ledgerID int64) error {
	if err := s.checkpoints.Invalidate(ledgerID); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Invalidate(ledgerID)
	}
	if err := s.controller.FullRebuild(engine, ledgerID); err != nil {
		return err
	}
	s.setWarm(ledgerID, true)
	return s.afterMutationLocked(engine, ledgerID)
}

// Rebuild replays a ledger. With force set, the checkpoint and snapshot are
// discarded first; otherwise nothing happens when the ledger is already
// consistent with its journal.
func (s *Service) Rebuild(ledgerID int64, force bool) error {
	engine, err := s.engineFor(ledgerID)
	if err != nil {
		return err
	}

	lk := s.ledgerLock(ledgerID)
	lk.Lock()
	defer lk.Unlock()

	if force {
		if err := s.checkpoints.Invalidate(ledgerID); err != nil {
			return err
		}
		if s.cache != nil {
			s.cache.Invalidate(ledgerID)
		}
		if err := s.controller.FullRebuild(engine, ledgerID); err != nil {
			return err
		}
		s.setWarm(ledgerID, true)
		return s.afterMutationLocked(engine, ledgerID)
	}

	if err := s.ensureWarmLocked(engine, ledgerID); err != nil {
		return err
	}
	if err := s.controller.EnsureReady(engine, ledgerID); err != nil {
		return err
	}
	return s.afterMutationLocked(engine, ledgerID)
}

// afterMutationLocked pushes holdings to the positions projection and
// refreshes the warm-start snapshot. Snapshot failures are not fatal.
func (s *Service) afterMutationLocked(engine Engine, ledgerID int64) error {
	if s.syncer != nil {
		if err := s.syncer.SyncLedger(ledgerID, engine.Holdings(Filter{LedgerID: &ledgerID})); err != nil {
			return err
		}
	}
	if s.cache != nil {
		last, ok, err := s.checkpoints.Get(ledgerID)
		if err == nil && ok && last > 0 {
			if err := s.cache.Save(ledgerID, last, engine); err != nil {
				s.log.Warn().Int64("ledger_id", ledgerID).Err(err).Msg("failed to save snapshot")
			}
		}
	}
	return nil
}

// Clear wipes all in-memory engine state. The journal and checkpoints are
// untouched; the next access per ledger warm-starts or replays.
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fifo.Clear()
	s.wac.Clear()
	s.warm = make(map[int64]bool)
}

// Holdings returns the current holdings of a ledger, optionally filtered by code.
func (s *Service) Holdings(ledgerID int64, code string) ([]Holding, error) {
	engine, err := s.engineFor(ledgerID)
	if err != nil {
		return nil, err
	}
	filter := Filter{LedgerID: &ledgerID, Code: code}
	lk := s.ledgerLock(ledgerID)

	lk.RLock()
	if s.isWarm(ledgerID) {
		defer lk.RUnlock()
		return engine.Holdings(filter), nil
	}
	lk.RUnlock()

	lk.Lock()
	defer lk.Unlock()
	if err := s.ensureWarmLocked(engine, ledgerID); err != nil {
		return nil, err
	}
	return engine.Holdings(filter), nil
}

// RealizedPL returns realized events of a ledger, optionally filtered by code.
func (s *Service) RealizedPL(ledgerID int64, code string) ([]domain.RealizedPL, error) {
	engine, err := s.engineFor(ledgerID)
	if err != nil {
		return nil, err
	}
	filter := Filter{LedgerID: &ledgerID, Code: code}
	lk := s.ledgerLock(ledgerID)

	lk.RLock()
	if s.isWarm(ledgerID) {
		defer lk.RUnlock()
		return engine.RealizedPL(filter), nil
	}
	lk.RUnlock()

	lk.Lock()
	defer lk.Unlock()
	if err := s.ensureWarmLocked(engine, ledgerID); err != nil {
		return nil, err
	}
	return engine.RealizedPL(filter), nil
}

// TotalQuantity returns the net quantity held for (ledger, code), optionally
// narrowed to one account.
func (s *Service) TotalQuantity(ledgerID int64, code, account string) (decimal.Decimal, error) {
	engine, err := s.engineFor(ledgerID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	lk := s.ledgerLock(ledgerID)

	lk.RLock()
	if s.isWarm(ledgerID) {
		defer lk.RUnlock()
		return engine.TotalQuantity(ledgerID, code, account), nil
	}
	lk.RUnlock()

	lk.Lock()
	defer lk.Unlock()
	if err := s.ensureWarmLocked(engine, ledgerID); err != nil {
		return decimal.Decimal{}, err
	}
	return engine.TotalQuantity(ledgerID, code, account), nil
}
