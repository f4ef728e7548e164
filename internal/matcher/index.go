package matcher

import (
	"sort"

	"ledger-reconciliation-service/internal/models"

	"github.com/shopspring/decimal"
)

// Key is the join key of the matcher: account and calendar day.
type Key struct {
	AccountID string
	Day       string
}

// KeyOfTransaction returns the join key of a transaction
func KeyOfTransaction(t *models.Transaction) Key {
	return Key{AccountID: t.AccountID, Day: t.Day()}
}

// KeyOfEntry returns the join key of a ledger entry
func KeyOfEntry(g *models.LedgerEntry) Key {
	return Key{AccountID: g.AccountID, Day: g.Day()}
}

// bucket holds the candidates of one key ordered by id. head is the first
// position that may still be unconsumed.
type bucket struct {
	entries  []*models.LedgerEntry
	consumed []bool
	head     int
}

func (b *bucket) advance() {
	for b.head < len(b.entries) && b.consumed[b.head] {
		b.head++
	}
}

// LedgerIndex buckets ledger entries by join key and tracks which of them
// have been consumed.
type LedgerIndex struct {
	buckets map[Key]*bucket
	size    int
}

// NewLedgerIndex indexes entries. The slice is not modified.
func NewLedgerIndex(entries []*models.LedgerEntry) *LedgerIndex {
	idx := &LedgerIndex{buckets: make(map[Key]*bucket), size: len(entries)}

	for _, g := range entries {
		key := KeyOfEntry(g)
		b, ok := idx.buckets[key]
		if !ok {
			b = &bucket{}
			idx.buckets[key] = b
		}
		b.entries = append(b.entries, g)
	}

	for _, b := range idx.buckets {
		sort.SliceStable(b.entries, func(i, j int) bool {
			return b.entries[i].ID < b.entries[j].ID
		})
		b.consumed = make([]bool, len(b.entries))
	}

	return idx
}

// candidates returns the unconsumed entries for key in id order
func (idx *LedgerIndex) candidates(key Key) []*models.LedgerEntry {
	b, ok := idx.buckets[key]
	if !ok {
		return nil
	}
	var out []*models.LedgerEntry
	for i := b.head; i < len(b.entries); i++ {
		if !b.consumed[i] {
			out = append(out, b.entries[i])
		}
	}
	return out
}

// FindWithinTolerance returns the first unconsumed entry of key whose net
// amount is within tolerance of amount.
func (idx *LedgerIndex) FindWithinTolerance(key Key, amount, tolerance decimal.Decimal) (*models.LedgerEntry, bool) {
	b, ok := idx.buckets[key]
	if !ok {
		return nil, false
	}
	for i := b.head; i < len(b.entries); i++ {
		if b.consumed[i] {
			continue
		}
		if models.WithinTolerance(amount, b.entries[i].Net(), tolerance) {
			return b.entries[i], true
		}
	}
	return nil, false
}

// First returns the first unconsumed entry of key
func (idx *LedgerIndex) First(key Key) (*models.LedgerEntry, bool) {
	b, ok := idx.buckets[key]
	if !ok {
		return nil, false
	}
	b.advance()
	if b.head >= len(b.entries) {
		return nil, false
	}
	return b.entries[b.head], true
}

// Consume marks g as used. It reports false when g is unknown or was already
// consumed.
func (idx *LedgerIndex) Consume(g *models.LedgerEntry) bool {
	b, ok := idx.buckets[KeyOfEntry(g)]
	if !ok {
		return false
	}
	for i := b.head; i < len(b.entries); i++ {
		if b.entries[i] != g {
			continue
		}
		if b.consumed[i] {
			return false
		}
		b.consumed[i] = true
		b.advance()
		return true
	}
	return false
}

// Unconsumed returns every entry never consumed, in no particular order
func (idx *LedgerIndex) Unconsumed() []*models.LedgerEntry {
	var out []*models.LedgerEntry
	for key := range idx.buckets {
		out = append(out, idx.candidates(key)...)
	}
	return out
}

// IndexStats describes the shape of the index
type IndexStats struct {
	Entries    int
	Buckets    int
	MaxBucket  int
	Unconsumed int
}

// Stats returns index statistics
func (idx *LedgerIndex) Stats() IndexStats {
	stats := IndexStats{Entries: idx.size, Buckets: len(idx.buckets)}
	for _, b := range idx.buckets {
		if len(b.entries) > stats.MaxBucket {
			stats.MaxBucket = len(b.entries)
		}
		for i := b.head; i < len(b.entries); i++ {
			if !b.consumed[i] {
				stats.Unconsumed++
			}
		}
	}
	return stats
}
