package reconciler

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/parsers"
	"ledger-reconciliation-service/pkg/logger"
)

// TransactionSet is one uploaded transaction dataset
type TransactionSet struct {
	Source   string
	LoadedAt time.Time
	Records  []models.Transaction
	// Table keeps the raw cells for quality assessment. It may be nil when
	// records were loaded programmatically.
	Table   *parsers.Table
	Defects []models.Defect
	Quality *models.DataQualityReport
}

// LedgerSet is one uploaded general-ledger dataset
type LedgerSet struct {
	Source   string
	LoadedAt time.Time
	Records  []models.LedgerEntry
	Table    *parsers.Table
	Defects  []models.Defect
	Quality  *models.DataQualityReport
}

// Snapshot is an immutable view of both datasets. A run reads exactly one
// snapshot; uploads publish a new one instead of mutating it.
type Snapshot struct {
	ID           string
	Version      uint64
	CreatedAt    time.Time
	Transactions *TransactionSet
	Ledger       *LedgerSet
}

// TransactionRecords returns the transaction records, or nil
func (s *Snapshot) TransactionRecords() []models.Transaction {
	if s.Transactions == nil {
		return nil
	}
	return s.Transactions.Records
}

// LedgerRecords returns the ledger records, or nil
func (s *Snapshot) LedgerRecords() []models.LedgerEntry {
	if s.Ledger == nil {
		return nil
	}
	return s.Ledger.Records
}

// IsEmpty reports whether neither dataset holds a record
func (s *Snapshot) IsEmpty() bool {
	return len(s.TransactionRecords()) == 0 && len(s.LedgerRecords()) == 0
}

// QualityReports returns the ingestion quality reports, transactions first
func (s *Snapshot) QualityReports() []models.DataQualityReport {
	var out []models.DataQualityReport
	if s.Transactions != nil && s.Transactions.Quality != nil {
		out = append(out, *s.Transactions.Quality)
	}
	if s.Ledger != nil && s.Ledger.Quality != nil {
		out = append(out, *s.Ledger.Quality)
	}
	return out
}

// SnapshotStore publishes snapshots and notifies subscribers when the
// current one is superseded.
type SnapshotStore struct {
	mu          sync.RWMutex
	current     *Snapshot
	subscribers map[int]chan uint64
	nextID      int
	logger      logger.Logger
}

// NewSnapshotStore creates a store holding an empty snapshot
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		current:     &Snapshot{ID: uuid.NewString(), CreatedAt: time.Now().UTC()},
		subscribers: make(map[int]chan uint64),
		logger:      logger.GetGlobalLogger().WithComponent("snapshot_store"),
	}
}

// Current returns the latest snapshot
func (s *SnapshotStore) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// ReplaceTransactions publishes a snapshot with set as its transaction
// dataset. The records are copied.
func (s *SnapshotStore) ReplaceTransactions(set TransactionSet) *Snapshot {
	set.Records = append([]models.Transaction(nil), set.Records...)
	set.Defects = append([]models.Defect(nil), set.Defects...)
	return s.publish(func(next *Snapshot) { next.Transactions = &set })
}

// ReplaceLedger publishes a snapshot with set as its ledger dataset. The
// records are copied.
func (s *SnapshotStore) ReplaceLedger(set LedgerSet) *Snapshot {
	set.Records = append([]models.LedgerEntry(nil), set.Records...)
	set.Defects = append([]models.Defect(nil), set.Defects...)
	return s.publish(func(next *Snapshot) { next.Ledger = &set })
}

func (s *SnapshotStore) publish(apply func(*Snapshot)) *Snapshot {
	s.mu.Lock()
	next := &Snapshot{
		ID:           uuid.NewString(),
		Version:      s.current.Version + 1,
		CreatedAt:    time.Now().UTC(),
		Transactions: s.current.Transactions,
		Ledger:       s.current.Ledger,
	}
	apply(next)
	s.current = next

	for _, ch := range s.subscribers {
		// a pending signal already tells the subscriber to look again
		select {
		case ch <- next.Version:
		default:
		}
	}
	s.mu.Unlock()

	s.logger.WithFields(logger.Fields{
		"snapshot_id": next.ID,
		"version":     next.Version,
	}).Info("Published new data snapshot")
	return next
}

// Subscribe returns a channel receiving the version of every newly published
// snapshot, and a function that ends the subscription. Signals are
// coalesced: a slow subscriber sees at least one signal after any publish.
func (s *SnapshotStore) Subscribe() (<-chan uint64, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan uint64, 1)
	s.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}
