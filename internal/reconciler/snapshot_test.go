package reconciler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-reconciliation-service/internal/models"
)

func TestSnapshotStoreVersions(t *testing.T) {
	store := NewSnapshotStore()

	empty := store.Current()
	assert.Equal(t, uint64(0), empty.Version)
	assert.True(t, empty.IsEmpty())
	assert.Nil(t, empty.TransactionRecords())
	assert.Empty(t, empty.QualityReports())

	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	records := []models.Transaction{
		models.NewTransaction("T1", day, decimal.NewFromInt(10), "A", "Shop"),
	}

	first := store.ReplaceTransactions(TransactionSet{Source: "tx.csv", Records: records})
	assert.Equal(t, uint64(1), first.Version)
	assert.NotEqual(t, empty.ID, first.ID)
	assert.False(t, first.IsEmpty())

	// later changes to the caller's slice never reach the snapshot
	records[0].ID = "CHANGED"
	assert.Equal(t, "T1", first.TransactionRecords()[0].ID)

	second := store.ReplaceLedger(LedgerSet{
		Source: "gl.csv",
		Records: []models.LedgerEntry{
			models.NewLedgerEntry("G1", day, decimal.NewFromInt(10), decimal.Zero, "A"),
		},
	})
	assert.Equal(t, uint64(2), second.Version)
	assert.Same(t, first.Transactions, second.Transactions)
	assert.Nil(t, first.Ledger)
	assert.Len(t, second.LedgerRecords(), 1)
	assert.Same(t, second, store.Current())
}

func TestSnapshotStoreSubscribe(t *testing.T) {
	store := NewSnapshotStore()
	ch, unsubscribe := store.Subscribe()

	store.ReplaceTransactions(TransactionSet{})
	store.ReplaceTransactions(TransactionSet{})

	select {
	case v := <-ch:
		assert.Equal(t, uint64(1), v)
	default:
		t.Fatal("expected a signal")
	}

	// the second publish was coalesced into the first signal
	select {
	case <-ch:
		t.Fatal("signals should coalesce")
	default:
	}

	unsubscribe()
	unsubscribe()
	store.ReplaceTransactions(TransactionSet{})
	select {
	case <-ch:
		t.Fatal("no signal after unsubscribe")
	default:
	}
}

func TestResultHolder(t *testing.T) {
	holder := NewResultHolder()
	assert.Nil(t, holder.Latest())
	assert.False(t, holder.Stale(&Snapshot{Version: 3}))

	newer := &RunResult{RunID: "b", SnapshotVersion: 2}
	older := &RunResult{RunID: "a", SnapshotVersion: 1}

	assert.True(t, holder.Publish(newer))
	assert.False(t, holder.Publish(older))
	assert.Same(t, newer, holder.Latest())

	again := &RunResult{RunID: "c", SnapshotVersion: 2}
	assert.True(t, holder.Publish(again))
	assert.Same(t, again, holder.Latest())

	assert.False(t, holder.Stale(&Snapshot{Version: 2}))
	assert.True(t, holder.Stale(&Snapshot{Version: 3}))
}

func TestResultHolderRestoredRun(t *testing.T) {
	holder := NewResultHolder()
	restored := &RunResult{RunID: "saved", SnapshotVersion: 5}

	assert.True(t, holder.Restore(restored))
	assert.False(t, holder.Restore(&RunResult{RunID: "other"}))
	assert.Same(t, restored, holder.Latest())
	assert.True(t, holder.Stale(&Snapshot{Version: 5}))
	assert.True(t, holder.Stale(nil))

	live := &RunResult{RunID: "live", SnapshotVersion: 1}
	assert.True(t, holder.Publish(live))
	assert.Same(t, live, holder.Latest())
	assert.False(t, holder.Stale(&Snapshot{Version: 1}))
	assert.False(t, holder.Publish(&RunResult{RunID: "old", SnapshotVersion: 0}))
}

func TestRunSnapshotUsesGivenSnapshot(t *testing.T) {
	s := newTestService(t)
	loadFixtures(t, s)
	pinned := s.Snapshots().Current()

	_, err := s.LoadLedger(context.Background(), strings.NewReader(smallLedger), "upload.csv")
	require.NoError(t, err)

	result, err := s.RunSnapshot(context.Background(), pinned)
	require.NoError(t, err)
	assert.Equal(t, pinned.Version, result.SnapshotVersion)
	assert.Equal(t, 27, result.Summary.TotalGLEntries)

	// computed but never published
	latest, _ := s.Latest()
	assert.Nil(t, latest)
}
